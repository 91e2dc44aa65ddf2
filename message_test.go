package cortex

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(""); got != 0 {
		t.Errorf("estimateTokens(\"\") = %d, want 0", got)
	}
	if got := estimateTokens("abcd"); got != 1 {
		t.Errorf("estimateTokens(4 chars) = %d, want 1", got)
	}
}

func TestSaveAndGetRecentMessages(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := NewMessageService(store)

	chatID := "chat-1"
	for i := 0; i < 3; i++ {
		msg := UserMessage("turn")
		msg.ID = NewID()
		msg.ChatID = chatID
		msg.CreatedAt = int64(i)
		if err := svc.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	recent, err := svc.GetRecentMessages(ctx, chatID, 2)
	if err != nil {
		t.Fatalf("GetRecentMessages: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[len(recent)-1].CreatedAt != 2 {
		t.Errorf("last message CreatedAt = %d, want 2", recent[len(recent)-1].CreatedAt)
	}
}

func TestSaveSummaryRejectsStaleCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := NewMessageService(store)
	chatID := "chat-1"

	newer := ChatMessage{ID: NewID(), ChatID: chatID, Role: RoleSystem, Content: "first summary", IsSummary: true, CreatedAt: 100}
	if err := svc.SaveSummary(ctx, chatID, newer, nil); err != nil {
		t.Fatalf("SaveSummary (first): %v", err)
	}

	stale := ChatMessage{ID: NewID(), ChatID: chatID, Role: RoleSystem, Content: "stale summary", IsSummary: true, CreatedAt: 50}
	err := svc.SaveSummary(ctx, chatID, stale, nil)
	if err == nil {
		t.Fatal("expected SaveSummary to reject a checkpoint older than the current one")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected a *ValidationError, got %T: %v", err, err)
	}
}

func TestGetMessagesWithinTokenLimitKeepsSummaryAndRecentTail(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := NewMessageService(store)
	chatID := "chat-1"

	for i := 0; i < 5; i++ {
		msg := UserMessage(strings.Repeat("x", 40))
		msg.ID = NewID()
		msg.ChatID = chatID
		msg.CreatedAt = int64(10 + i)
		if err := svc.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	summary := ChatMessage{ID: NewID(), ChatID: chatID, Role: RoleSystem, Content: "earlier context", IsSummary: true, CreatedAt: 9}
	if err := svc.SaveSummary(ctx, chatID, summary, nil); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	window, total, err := svc.GetMessagesWithinTokenLimit(ctx, chatID, 1000)
	if err != nil {
		t.Fatalf("GetMessagesWithinTokenLimit: %v", err)
	}
	if len(window) == 0 || !window[0].IsSummary {
		t.Fatal("expected the summary checkpoint to lead the window")
	}
	if len(window) != 6 {
		t.Errorf("len(window) = %d, want 6 (summary + 5 messages)", len(window))
	}
	if total == 0 {
		t.Error("expected a nonzero token total")
	}
}

func TestGetMessagesWithinTokenLimitTrimsToBudget(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := NewMessageService(store)
	chatID := "chat-1"

	for i := 0; i < 5; i++ {
		msg := UserMessage(strings.Repeat("y", 400))
		msg.ID = NewID()
		msg.ChatID = chatID
		msg.CreatedAt = int64(i)
		if err := svc.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	window, _, err := svc.GetMessagesWithinTokenLimit(ctx, chatID, 150)
	if err != nil {
		t.Fatalf("GetMessagesWithinTokenLimit: %v", err)
	}
	if len(window) == 0 {
		t.Fatal("expected at least the most recent message to survive a tight budget")
	}
	if window[len(window)-1].CreatedAt != 4 {
		t.Errorf("kept tail should end at the newest message, got CreatedAt=%d", window[len(window)-1].CreatedAt)
	}
	if len(window) >= 5 {
		t.Errorf("expected the tight budget to trim some messages, kept all %d", len(window))
	}
}

func TestFormatForSummary(t *testing.T) {
	messages := []ChatMessage{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}
	got := FormatForSummary(messages)
	want := "user: hi\nassistant: hello\n"
	if got != want {
		t.Errorf("FormatForSummary = %q, want %q", got, want)
	}
}
