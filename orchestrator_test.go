package cortex

import (
	"context"
	"errors"
	"testing"
)

func newTestOrchestrator(store KnowledgeStore, provider ModelProvider, opts ...OrchestratorOption) *ConversationOrchestrator {
	broker := NewToolBroker(nil)
	bus := NewEventBus(nil)
	return NewConversationOrchestrator(store, provider, broker, bus, nil, opts...)
}

func TestStartChatSetsIdleStateAndPersists(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store, &stubProvider{})

	chat, err := o.StartChat(context.Background(), "u1", "My Chat")
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	if o.State(chat.ID) != StateIdle {
		t.Errorf("State = %q, want %q", o.State(chat.ID), StateIdle)
	}
	got, err := store.GetChat(context.Background(), chat.ID)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if got.Title != "My Chat" || got.UserID != "u1" {
		t.Errorf("persisted chat = %+v", got)
	}
}

func TestStateDefaultsToIdleForUnknownChat(t *testing.T) {
	o := newTestOrchestrator(newFakeStore(), &stubProvider{})
	if s := o.State("never-seen"); s != StateIdle {
		t.Errorf("State = %q, want %q", s, StateIdle)
	}
}

func TestEnsureChatCreatesOnlyOnce(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store, &stubProvider{})

	if err := o.EnsureChat(context.Background(), "c1", "u1", "Recurring"); err != nil {
		t.Fatalf("EnsureChat (first): %v", err)
	}
	first, _ := store.GetChat(context.Background(), "c1")

	if err := o.EnsureChat(context.Background(), "c1", "u1", "Different Title"); err != nil {
		t.Fatalf("EnsureChat (second): %v", err)
	}
	second, _ := store.GetChat(context.Background(), "c1")
	if second.Title != first.Title {
		t.Errorf("EnsureChat overwrote an existing chat: %+v vs %+v", first, second)
	}
}

func TestSendMessagePersistsUserAndAssistantMessages(t *testing.T) {
	store := newFakeStore()
	provider := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "hi there"}},
	}}
	o := newTestOrchestrator(store, provider)
	chat, _ := o.StartChat(context.Background(), "u1", "t")

	reply, err := o.SendMessage(context.Background(), chat, "be nice", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "hi there" {
		t.Errorf("reply = %q, want %q", reply, "hi there")
	}

	msgs, err := store.GetChatMessages(context.Background(), chat.ID, false, 0)
	if err != nil {
		t.Fatalf("GetChatMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "hello" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "hi there" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
	if o.State(chat.ID) != StateIdle {
		t.Errorf("State after turn = %q, want %q", o.State(chat.ID), StateIdle)
	}
}

type stubExtractor struct {
	facts []Node
	err   error
}

func (e *stubExtractor) Extract(ctx context.Context, userID, userText string) ([]Node, error) {
	return e.facts, e.err
}

func TestSendMessageSavesFactsFromExtractor(t *testing.T) {
	store := newFakeStore()
	provider := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "ok"}}}}
	extractor := &stubExtractor{facts: []Node{
		{ID: "f1", Type: NodeFact, UserID: "u1", CreatedAt: 1},
	}}
	o := newTestOrchestrator(store, provider, WithFactExtractor(extractor))
	chat, _ := o.StartChat(context.Background(), "u1", "t")

	if _, err := o.SendMessage(context.Background(), chat, "", "I live in Jakarta"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	n, err := store.GetNode(context.Background(), "f1")
	if err != nil {
		t.Fatalf("expected extracted fact to be saved: %v", err)
	}
	if n.Type != NodeFact {
		t.Errorf("Type = %q, want %q", n.Type, NodeFact)
	}
}

func TestSendMessageFactExtractionFailureDoesNotFailTurn(t *testing.T) {
	store := newFakeStore()
	provider := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "ok"}}}}
	extractor := &stubExtractor{err: errors.New("model unavailable")}
	o := newTestOrchestrator(store, provider, WithFactExtractor(extractor))
	chat, _ := o.StartChat(context.Background(), "u1", "t")

	reply, err := o.SendMessage(context.Background(), chat, "", "I live in Jakarta")
	if err != nil {
		t.Fatalf("SendMessage should not fail on extractor error: %v", err)
	}
	if reply != "ok" {
		t.Errorf("reply = %q, want %q", reply, "ok")
	}
}

func TestSendMessageWithoutFactExtractorNeverSavesFacts(t *testing.T) {
	store := newFakeStore()
	provider := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "ok"}}}}
	o := newTestOrchestrator(store, provider)
	chat, _ := o.StartChat(context.Background(), "u1", "t")

	if _, err := o.SendMessage(context.Background(), chat, "", "I live in Jakarta"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	facts, _ := store.ListNodesByType(context.Background(), NodeFact, "u1")
	if len(facts) != 0 {
		t.Errorf("expected no facts without a FactExtractor, got %d", len(facts))
	}
}

func TestToolLoopDispatchesUnknownToolAsSyntheticError(t *testing.T) {
	store := newFakeStore()
	provider := &stubProvider{results: []stubResult{
		{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "call1", Name: "does_not_exist"}}}},
		{resp: ChatResponse{Content: "done"}},
	}}
	o := newTestOrchestrator(store, provider)
	chat, _ := o.StartChat(context.Background(), "u1", "t")

	reply, err := o.SendMessage(context.Background(), chat, "", "run a tool")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "done" {
		t.Errorf("reply = %q, want %q", reply, "done")
	}

	msgs, _ := store.GetChatMessages(context.Background(), chat.ID, false, 0)
	var sawToolResult bool
	for _, m := range msgs {
		if m.Role == RoleTool {
			sawToolResult = true
			if m.ToolCallID != "call1" {
				t.Errorf("ToolCallID = %q, want %q", m.ToolCallID, "call1")
			}
		}
	}
	if !sawToolResult {
		t.Error("expected a tool-role message for the unknown tool call")
	}
}

func TestToolLoopExceedsMaxIterationsReturnsInternalError(t *testing.T) {
	store := newFakeStore()
	provider := &stubProvider{results: []stubResult{
		{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "c1", Name: "never_resolves"}}}},
		{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "c2", Name: "never_resolves"}}}},
	}}
	o := newTestOrchestrator(store, provider, WithMaxToolIterations(2))
	chat, _ := o.StartChat(context.Background(), "u1", "t")

	_, err := o.SendMessage(context.Background(), chat, "", "loop forever")
	if err == nil {
		t.Fatal("expected an error once the iteration cap is hit")
	}
	var internal *InternalError
	if !errors.As(err, &internal) {
		t.Errorf("err = %v (%T), want *InternalError", err, err)
	}
}

func TestSendMessagePropagatesModelError(t *testing.T) {
	store := newFakeStore()
	provider := &stubProvider{results: []stubResult{{err: errors.New("boom")}}}
	o := newTestOrchestrator(store, provider)
	chat, _ := o.StartChat(context.Background(), "u1", "t")

	_, err := o.SendMessage(context.Background(), chat, "", "hello")
	if err == nil {
		t.Fatal("expected an error")
	}
	var modelErr *ModelError
	if !errors.As(err, &modelErr) {
		t.Errorf("err = %v (%T), want *ModelError", err, err)
	}
	if o.State(chat.ID) != StateIdle {
		t.Errorf("State after failed turn = %q, want %q", o.State(chat.ID), StateIdle)
	}
}

func TestWindowBudgetSubtractsOutputHeadroom(t *testing.T) {
	o := newTestOrchestrator(newFakeStore(), &stubProvider{})
	if got := o.windowBudget("any-model"); got != 10_000-4096 {
		t.Errorf("windowBudget = %d, want %d", got, 10_000-4096)
	}
}

type fixedWindowProvider struct {
	stubProvider
	window int
}

func (p *fixedWindowProvider) ContextWindow(modelID string) int { return p.window }

func TestWindowBudgetNeverGoesNegative(t *testing.T) {
	provider := &fixedWindowProvider{window: 1000}
	o := newTestOrchestrator(newFakeStore(), provider)
	if got := o.windowBudget("small-model"); got != 1000 {
		t.Errorf("windowBudget = %d, want fallback to the raw window (1000)", got)
	}
}

func TestShouldSummarizeBelowThreshold(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store, &stubProvider{})
	chat := Chat{ID: "c1", UserID: "u1"}
	store.CreateChat(context.Background(), chat)
	store.AppendMessage(context.Background(), ChatMessage{ID: "m1", ChatID: "c1", Role: RoleUser, Content: "hi"})

	if o.shouldSummarize(context.Background(), chat) {
		t.Error("expected shouldSummarize to be false for a short history")
	}
}

func TestShouldSummarizeAboveThreshold(t *testing.T) {
	store := newFakeStore()
	provider := &fixedWindowProvider{window: 100}
	o := newTestOrchestrator(store, provider, WithSummaryThreshold(0.5))
	chat := Chat{ID: "c1", UserID: "u1"}
	store.CreateChat(context.Background(), chat)
	for i := 0; i < 20; i++ {
		store.AppendMessage(context.Background(), ChatMessage{ID: NewID(), ChatID: "c1", Role: RoleUser, Content: "this is a reasonably long message to burn through the budget"})
	}

	if !o.shouldSummarize(context.Background(), chat) {
		t.Error("expected shouldSummarize to be true once history exceeds the window threshold")
	}
}

func TestSummaryThresholdClampedToRange(t *testing.T) {
	o := newTestOrchestrator(newFakeStore(), &stubProvider{}, WithSummaryThreshold(0.1))
	if o.summaryThreshold != summaryThresholdMin {
		t.Errorf("summaryThreshold = %v, want clamped to %v", o.summaryThreshold, summaryThresholdMin)
	}
	o2 := newTestOrchestrator(newFakeStore(), &stubProvider{}, WithSummaryThreshold(0.99))
	if o2.summaryThreshold != summaryThresholdMax {
		t.Errorf("summaryThreshold = %v, want clamped to %v", o2.summaryThreshold, summaryThresholdMax)
	}
}

func TestSummarizeCompressesOlderHistoryIntoACheckpoint(t *testing.T) {
	store := newFakeStore()
	provider := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "summary text"}}}}
	o := newTestOrchestrator(store, provider)
	chat := Chat{ID: "c1", UserID: "u1"}
	store.CreateChat(context.Background(), chat)
	for i := 0; i < 10; i++ {
		store.AppendMessage(context.Background(), ChatMessage{ID: NewID(), ChatID: "c1", Role: RoleUser, Content: "turn", CreatedAt: int64(i)})
	}

	if err := o.summarize(context.Background(), chat); err != nil {
		t.Fatalf("summarize: %v", err)
	}
	got, err := store.LatestSummary(context.Background(), "c1")
	if err != nil {
		t.Fatalf("LatestSummary: %v", err)
	}
	if !got.IsSummary || got.Content != "summary text" {
		t.Errorf("summary = %+v", got)
	}
}

func TestSummarizeNoopsOnShortHistory(t *testing.T) {
	store := newFakeStore()
	provider := &stubProvider{}
	o := newTestOrchestrator(store, provider)
	chat := Chat{ID: "c1", UserID: "u1"}
	store.CreateChat(context.Background(), chat)
	store.AppendMessage(context.Background(), ChatMessage{ID: "m1", ChatID: "c1", Role: RoleUser, Content: "hi"})

	if err := o.summarize(context.Background(), chat); err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if _, err := store.LatestSummary(context.Background(), "c1"); err == nil {
		t.Error("expected no summary to be created for a short history")
	}
}

func TestDispatchParallelReturnsSyntheticErrorsForUnknownTools(t *testing.T) {
	o := newTestOrchestrator(newFakeStore(), &stubProvider{})
	calls := []ToolCall{
		{ID: "a", Name: "missing_one"},
		{ID: "b", Name: "missing_two"},
	}
	results := o.dispatchParallel(context.Background(), calls, nil)
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for i, r := range results {
		if !r.IsError {
			t.Errorf("results[%d].IsError = false, want true", i)
		}
		if r.CallID != calls[i].ID {
			t.Errorf("results[%d].CallID = %q, want %q", i, r.CallID, calls[i].ID)
		}
	}
}

func TestSafeDispatchRecoversFromMiddlewarePanic(t *testing.T) {
	chain := NewMiddlewareChain()
	chain.UseTool(func(next ToolHandler) ToolHandler {
		return func(ctx context.Context, call ToolCall) (context.Context, ToolCall, error) {
			panic("tool middleware exploded")
		}
	})
	o := newTestOrchestrator(newFakeStore(), &stubProvider{}, WithMiddleware(chain))
	known := map[string]bool{"flaky_tool": true}

	result := o.safeDispatch(context.Background(), ToolCall{ID: "c1", Name: "flaky_tool"}, known)
	if !result.IsError {
		t.Error("expected a panic to surface as an error result, not crash the caller")
	}
	if result.CallID != "c1" {
		t.Errorf("CallID = %q, want %q", result.CallID, "c1")
	}
}

func TestSafeDispatchSurfacesMiddlewareVeto(t *testing.T) {
	vetoErr := errors.New("blocked by policy")
	chain := NewMiddlewareChain()
	chain.UseTool(func(next ToolHandler) ToolHandler {
		return func(ctx context.Context, call ToolCall) (context.Context, ToolCall, error) {
			return ctx, call, vetoErr
		}
	})
	o := newTestOrchestrator(newFakeStore(), &stubProvider{}, WithMiddleware(chain))
	known := map[string]bool{"guarded_tool": true}

	result := o.safeDispatch(context.Background(), ToolCall{ID: "c1", Name: "guarded_tool"}, known)
	if !result.IsError || result.Content != vetoErr.Error() {
		t.Errorf("result = %+v, want IsError with content %q", result, vetoErr.Error())
	}
}

func TestEventBusPublishesChatStartedOnStartChat(t *testing.T) {
	store := newFakeStore()
	bus := NewEventBus(nil)
	var seen Chat
	var fired bool
	bus.Subscribe(EventChatStarted, func(ctx context.Context, ev Event) error {
		fired = true
		seen, _ = ev.Data.(Chat)
		return nil
	})
	o := NewConversationOrchestrator(store, &stubProvider{}, NewToolBroker(nil), bus, nil)

	chat, err := o.StartChat(context.Background(), "u1", "t")
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	if !fired {
		t.Fatal("expected EventChatStarted to fire")
	}
	if seen.ID != chat.ID {
		t.Errorf("event chat ID = %q, want %q", seen.ID, chat.ID)
	}
}
