package cortex

import (
	"context"
	"errors"
	"fmt"
)

// perMessageOverhead approximates the token cost of message framing
// (role marker, separators) that estimateTokens' content-length
// division alone would miss.
const perMessageOverhead = 4

// estimateTokens approximates OpenAI/Gemini-style tokenization without
// a real tokenizer: roughly 4 characters per token, which is accurate
// enough for budgeting decisions that only need to stay under a
// context window, not bill a customer.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

func messageTokens(m ChatMessage) int {
	return estimateTokens(m.Content) + perMessageOverhead
}

// MessageService windows a chat's persisted history down to a token
// budget, folding in a Summary checkpoint in place of the messages it
// replaces.
type MessageService struct {
	store KnowledgeStore
}

// NewMessageService wraps a KnowledgeStore.
func NewMessageService(store KnowledgeStore) *MessageService {
	return &MessageService{store: store}
}

// SaveMessage appends one ChatMessage to its chat's persisted history.
func (s *MessageService) SaveMessage(ctx context.Context, m ChatMessage) error {
	return s.store.AppendMessage(ctx, m)
}

// SaveSummary persists a Summary checkpoint, enforcing invariant 6: a
// chat has at most one *current* Summary, the most recently created
// one. A second checkpoint offered while an existing one is still the
// most recent by creation time is rejected outright rather than
// silently layering summaries — per the "flat, single-summary-per-chat"
// Open Question decision, there is no summary-of-summaries.
func (s *MessageService) SaveSummary(ctx context.Context, chatID string, summary ChatMessage, replaces []string) error {
	existing, err := s.store.LatestSummary(ctx, chatID)
	switch {
	case err == nil:
		if existing.CreatedAt >= summary.CreatedAt {
			return &ValidationError{
				Field:   "summary.created_at",
				Message: fmt.Sprintf("chat %s already has a current summary created at %d", chatID, existing.CreatedAt),
			}
		}
	default:
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return s.store.SaveSummary(ctx, chatID, summary, replaces)
}

// GetRecentMessages returns a chat's most recent messages, newest last,
// without any token budgeting — used for display surfaces that just
// want "the last N turns".
func (s *MessageService) GetRecentMessages(ctx context.Context, chatID string, limit int) ([]ChatMessage, error) {
	return s.store.GetChatMessages(ctx, chatID, false, limit)
}

// GetMessagesWithinTokenLimit returns the largest suffix of a chat's
// history (summary-dominant, per invariant 6) that fits within budget
// tokens, along with the estimated token cost of the returned window.
// The one exception is a leading Summary, which is always kept even
// when it alone exceeds budget.
//
// If a current Summary checkpoint exists, it stands in for every
// message it replaces: the window starts from the summary and walks
// forward through messages created after it, never re-including a
// message the summary already subsumes.
func (s *MessageService) GetMessagesWithinTokenLimit(ctx context.Context, chatID string, budget int) ([]ChatMessage, int, error) {
	history, err := s.store.GetChatMessages(ctx, chatID, false, 0)
	if err != nil {
		return nil, 0, err
	}

	summary, err := s.store.LatestSummary(ctx, chatID)
	hasSummary := err == nil

	var window []ChatMessage
	if hasSummary {
		window = append(window, summary)
		for _, m := range history {
			if m.CreatedAt > summary.CreatedAt {
				window = append(window, m)
			}
		}
	} else {
		window = history
	}

	// The leading element (a Summary, if present) is always kept
	// regardless of budget — dropping it would silently lose the
	// history it stands in for. Everything after it is walked
	// backward from the end, keeping the most recent messages until
	// the remaining budget is spent.
	tailStart := 0
	total := 0
	if hasSummary {
		total = messageTokens(window[0])
		tailStart = 1
	}

	keepFrom := len(window)
	for i := len(window) - 1; i >= tailStart; i-- {
		cost := messageTokens(window[i])
		if total+cost > budget {
			break
		}
		total += cost
		keepFrom = i
	}

	var result []ChatMessage
	if hasSummary {
		result = append(result, window[0])
	}
	result = append(result, window[keepFrom:]...)
	return result, total, nil
}

// FormatForSummary renders a run of ChatMessages into the plain-text
// transcript shape a summarization prompt expects.
func FormatForSummary(messages []ChatMessage) string {
	var out string
	for _, m := range messages {
		out += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}
	return out
}
