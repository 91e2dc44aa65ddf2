package cortex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ChatState is the closed set of states a ConversationOrchestrator's
// per-chat state machine moves through: IDLE -> RECEIVING ->
// (TOOL_LOOP <-> CALLING_TOOL)* -> RESPONDING -> IDLE.
type ChatState string

const (
	StateIdle       ChatState = "idle"
	StateReceiving  ChatState = "receiving"
	StateToolLoop   ChatState = "tool_loop"
	StateCallingTool ChatState = "calling_tool"
	StateResponding ChatState = "responding"
)

// defaultMaxToolIterations caps how many tool-call rounds one turn may
// run before the orchestrator gives up and fails the turn with an
// InternalError; no partial content is returned.
const defaultMaxToolIterations = 20

// maxToolResultLen bounds how much of one tool result is appended to
// the in-flight provider session. This truncation is independent of
// and happens before MessageService's persisted-history summarization:
// it protects the current turn's request size, summarization protects
// future turns' budget. Grounded on the teacher's own
// maxToolResultMessageLen truncation in its tool-call loop.
const maxToolResultLen = 8000

// maxParallelDispatch bounds how many tool calls from one assistant
// turn run concurrently, grounded on the teacher's bounded worker-pool
// dispatchParallel.
const maxParallelDispatch = 4

// summaryThresholdMin and summaryThresholdMax clamp the configurable
// fraction of a model's context window that triggers summarization.
const (
	summaryThresholdMin = 0.5
	summaryThresholdMax = 0.95
)

// ConversationOrchestrator drives one chat's state machine: receiving a
// user message, running the bounded tool-call loop against a
// ModelProvider and ToolBroker, and persisting the result through
// MessageService.
type ConversationOrchestrator struct {
	store         KnowledgeStore
	messages      *MessageService
	provider      ModelProvider
	broker        *ToolBroker
	middleware    *MiddlewareChain
	bus           *EventBus
	logger        *slog.Logger
	factExtractor FactExtractor
	tracer        Tracer // optional; nil skips span creation entirely

	maxIterations      int
	summaryThreshold    float64 // fraction of context window; clamped on construction

	mu     sync.Mutex
	states map[string]ChatState
}

// OrchestratorOption configures a ConversationOrchestrator.
type OrchestratorOption func(*ConversationOrchestrator)

func WithMaxToolIterations(n int) OrchestratorOption {
	return func(o *ConversationOrchestrator) { o.maxIterations = n }
}

func WithSummaryThreshold(frac float64) OrchestratorOption {
	return func(o *ConversationOrchestrator) { o.summaryThreshold = frac }
}

func WithMiddleware(chain *MiddlewareChain) OrchestratorOption {
	return func(o *ConversationOrchestrator) { o.middleware = chain }
}

// WithFactExtractor attaches an optional FactExtractor. Without one,
// SendMessage never calls SaveFact on its own.
func WithFactExtractor(e FactExtractor) OrchestratorOption {
	return func(o *ConversationOrchestrator) { o.factExtractor = e }
}

// WithTracer attaches a Tracer that spans every SendMessage turn.
// Without one, the orchestrator runs untraced.
func WithTracer(t Tracer) OrchestratorOption {
	return func(o *ConversationOrchestrator) { o.tracer = t }
}

// NewConversationOrchestrator wires the components one chat's dialogue
// needs. A nil EventBus or MiddlewareChain is replaced with an inert
// default so callers never need to nil-check before use.
func NewConversationOrchestrator(store KnowledgeStore, provider ModelProvider, broker *ToolBroker, bus *EventBus, logger *slog.Logger, opts ...OrchestratorOption) *ConversationOrchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if bus == nil {
		bus = NewEventBus(logger)
	}
	o := &ConversationOrchestrator{
		store:            store,
		messages:         NewMessageService(store),
		provider:         provider,
		broker:           broker,
		middleware:       NewMiddlewareChain(),
		bus:              bus,
		logger:           logger,
		maxIterations:    defaultMaxToolIterations,
		summaryThreshold: 0.8,
		states:           make(map[string]ChatState),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.summaryThreshold < summaryThresholdMin {
		o.summaryThreshold = summaryThresholdMin
	}
	if o.summaryThreshold > summaryThresholdMax {
		o.summaryThreshold = summaryThresholdMax
	}
	return o
}

// StartChat creates and persists a new Chat, setting its initial state
// to IDLE.
func (o *ConversationOrchestrator) StartChat(ctx context.Context, userID, title string) (Chat, error) {
	now := NowUnix()
	chat := Chat{ID: NewID(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	if err := o.store.CreateChat(ctx, chat); err != nil {
		return Chat{}, err
	}
	o.setState(chat.ID, StateIdle)
	o.bus.Publish(ctx, Event{Name: EventChatStarted, Data: chat})
	return chat, nil
}

// EnsureChat creates a Chat under the given ID if it doesn't already
// exist, used by callers (the Scheduler) that mint a Chat ID up front
// to reuse across recurring dispatches rather than letting StartChat
// assign one.
func (o *ConversationOrchestrator) EnsureChat(ctx context.Context, chatID, userID, title string) error {
	if existing, err := o.store.GetChat(ctx, chatID); err == nil {
		o.bus.Publish(ctx, Event{Name: EventLoad, Data: existing})
		return nil
	}
	now := NowUnix()
	chat := Chat{ID: chatID, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	if err := o.store.CreateChat(ctx, chat); err != nil {
		return err
	}
	o.setState(chatID, StateIdle)
	o.bus.Publish(ctx, Event{Name: EventChatStarted, Data: chat})
	return nil
}

func (o *ConversationOrchestrator) setState(chatID string, s ChatState) {
	o.mu.Lock()
	o.states[chatID] = s
	o.mu.Unlock()
}

// State returns a chat's current state, or StateIdle if unknown (a
// chat the orchestrator hasn't touched this process lifetime is
// assumed idle, not in an undefined state).
func (o *ConversationOrchestrator) State(chatID string) ChatState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[chatID]; ok {
		return s
	}
	return StateIdle
}

// SendMessage runs one full turn: append the user message, run the
// tool-call loop until the model produces a final response or the
// iteration cap is hit, persist the assistant's reply, and
// opportunistically summarize if the window is over threshold.
func (o *ConversationOrchestrator) SendMessage(ctx context.Context, chat Chat, systemPrompt, userText string) (string, error) {
	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.send_message", StringAttr("chat_id", chat.ID))
		defer span.End()
		reply, err := o.sendMessage(ctx, chat, systemPrompt, userText)
		if err != nil {
			span.Error(err)
		}
		return reply, err
	}
	return o.sendMessage(ctx, chat, systemPrompt, userText)
}

func (o *ConversationOrchestrator) sendMessage(ctx context.Context, chat Chat, systemPrompt, userText string) (string, error) {
	o.setState(chat.ID, StateReceiving)

	userMsg := ChatMessage{ID: NewID(), ChatID: chat.ID, Role: RoleUser, Content: userText, CreatedAt: NowUnix()}
	newCtx, filteredMsg, err := o.middleware.RunMessage(ctx, userMsg)
	if err != nil {
		o.setState(chat.ID, StateIdle)
		return "", err
	}
	ctx = newCtx
	if err := o.messages.SaveMessage(ctx, filteredMsg); err != nil {
		o.setState(chat.ID, StateIdle)
		return "", err
	}
	o.bus.Publish(ctx, Event{Name: EventMessageSent, Data: filteredMsg})
	o.bus.Publish(ctx, Event{Name: EventTokenEstimate, Data: map[string]any{"source": "message", "tokens": messageTokens(filteredMsg)}})
	o.extractFacts(ctx, chat, filteredMsg)

	window, _, err := o.messages.GetMessagesWithinTokenLimit(ctx, chat.ID, o.windowBudget(chat.ModelID))
	if err != nil {
		o.setState(chat.ID, StateIdle)
		return "", err
	}

	tools := o.broker.AllTools(ctx)

	reply, err := o.toolLoop(ctx, chat, systemPrompt, window, tools)
	o.setState(chat.ID, StateIdle)
	if err != nil {
		return "", err
	}

	o.bus.Publish(ctx, Event{Name: EventMessageReceived, Data: reply})
	o.bus.Publish(ctx, Event{Name: EventTurnComplete, Data: chat.ID})

	if o.shouldSummarize(ctx, chat) {
		if err := o.summarize(ctx, chat); err != nil {
			o.logger.Warn("summarization failed", "chat", chat.ID, "error", err)
		}
	}

	return reply, nil
}

// toolLoop drives the RECEIVING -> (TOOL_LOOP <-> CALLING_TOOL)* ->
// RESPONDING transitions for one turn.
func (o *ConversationOrchestrator) toolLoop(ctx context.Context, chat Chat, systemPrompt string, history []ChatMessage, tools []ToolDefinition) (string, error) {
	for i := 0; i < o.maxIterations; i++ {
		o.setState(chat.ID, StateToolLoop)

		resp, err := o.provider.Send(ctx, ChatRequest{SystemPrompt: systemPrompt, History: history, Tools: tools})
		if err != nil {
			return "", &ModelError{Provider: o.provider.Name(), Message: "send", Cause: err}
		}
		o.bus.Publish(ctx, Event{Name: EventTokenUsage, Data: resp.Usage})

		rCtx, filteredResp, err := o.middleware.RunResponse(ctx, resp)
		if err != nil {
			return "", err
		}
		ctx = rCtx

		if len(filteredResp.ToolCalls) == 0 {
			o.setState(chat.ID, StateResponding)
			assistantMsg := ChatMessage{ID: NewID(), ChatID: chat.ID, Role: RoleAssistant, Content: filteredResp.Content, CreatedAt: NowUnix()}
			if err := o.messages.SaveMessage(ctx, assistantMsg); err != nil {
				return "", err
			}
			return filteredResp.Content, nil
		}

		if filteredResp.Content != "" {
			o.bus.Publish(ctx, Event{Name: EventThought, Data: filteredResp.Content})
		}

		assistantMsg := ChatMessage{ID: NewID(), ChatID: chat.ID, Role: RoleAssistant, Content: filteredResp.Content, ToolCalls: filteredResp.ToolCalls, CreatedAt: NowUnix()}
		if err := o.messages.SaveMessage(ctx, assistantMsg); err != nil {
			return "", err
		}
		history = append(history, assistantMsg)

		o.setState(chat.ID, StateCallingTool)
		results := o.dispatchParallel(ctx, filteredResp.ToolCalls, tools)
		for _, r := range results {
			msg := ToolResultMessage(r.CallID, r.Content)
			msg.ID = NewID()
			msg.ChatID = chat.ID
			msg.CreatedAt = NowUnix()
			if err := o.messages.SaveMessage(ctx, msg); err != nil {
				return "", err
			}
			history = append(history, msg)
		}
	}

	return "", &InternalError{Component: "ConversationOrchestrator", Message: fmt.Sprintf("exceeded %d tool iterations", o.maxIterations)}
}

// dispatchParallel runs each tool call through the middleware chain
// and the broker, bounded to maxParallelDispatch concurrent calls, with
// panic recovery isolating one broken tool adapter from the rest of
// the batch. A call naming a tool unknown to the fleet becomes a
// synthetic error ToolResult rather than aborting the turn — an LLM
// occasionally hallucinates a tool name, and the right response is to
// tell it so, not to crash the conversation.
func (o *ConversationOrchestrator) dispatchParallel(ctx context.Context, calls []ToolCall, known []ToolDefinition) []ToolResult {
	known_ := make(map[string]bool, len(known))
	for _, t := range known {
		known_[t.Name] = true
	}

	results := make([]ToolResult, len(calls))
	sem := make(chan struct{}, maxParallelDispatch)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, call ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = o.safeDispatch(ctx, call, known_)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (o *ConversationOrchestrator) safeDispatch(ctx context.Context, call ToolCall, known map[string]bool) (result ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("tool dispatch panicked", "tool", call.Name, "panic", r)
			result = ToolResult{CallID: call.ID, Content: fmt.Sprintf("internal error calling %s", call.Name), IsError: true}
		}
	}()

	if !known[call.Name] {
		return ToolResult{CallID: call.ID, Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}
	}

	mCtx, filteredCall, err := o.middleware.RunTool(ctx, call)
	if err != nil {
		return ToolResult{CallID: call.ID, Content: err.Error(), IsError: true}
	}

	o.bus.Publish(mCtx, Event{Name: EventToolUse, Data: filteredCall})
	r, err := o.broker.Call(mCtx, filteredCall)
	if err != nil {
		result := ToolResult{CallID: call.ID, Content: err.Error(), IsError: true}
		o.bus.Publish(mCtx, Event{Name: EventToolResult, Data: result})
		return result
	}
	if len(r.Content) > maxToolResultLen {
		r.Content = r.Content[:maxToolResultLen] + "... (truncated)"
		r.Truncated = true
	}
	o.bus.Publish(mCtx, Event{Name: EventToolResult, Data: r})
	return r
}

// windowBudget returns the token budget MessageService should window
// history down to for one turn: the model's context window minus a
// fixed headroom for the system prompt, tool schemas, and the model's
// own output.
func (o *ConversationOrchestrator) windowBudget(modelID string) int {
	const outputHeadroom = 4096
	window := o.provider.ContextWindow(modelID)
	budget := window - outputHeadroom
	if budget < 0 {
		budget = window
	}
	return budget
}

// shouldSummarize reports whether the messages since the chat's last
// Summary checkpoint (or the whole history, if there's no checkpoint
// yet) have crossed summaryThreshold (clamped [0.5, 0.95]) of its
// model's context window. Counting only the post-checkpoint tail
// matters because SaveSummary never deletes the rows it replaces: a
// full-history sum would stay over threshold forever once crossed
// once, re-summarizing every turn instead of once per crossing.
func (o *ConversationOrchestrator) shouldSummarize(ctx context.Context, chat Chat) bool {
	history, err := o.store.GetChatMessages(ctx, chat.ID, false, 0)
	if err != nil {
		return false
	}

	var tail []ChatMessage
	if summary, err := o.store.LatestSummary(ctx, chat.ID); err == nil {
		for _, m := range history {
			if m.CreatedAt > summary.CreatedAt {
				tail = append(tail, m)
			}
		}
	} else {
		tail = history
	}

	total := 0
	for _, m := range tail {
		total += messageTokens(m)
	}
	window := o.provider.ContextWindow(chat.ModelID)
	if window <= 0 {
		return false
	}
	return float64(total) >= float64(window)*o.summaryThreshold
}

// summarize compresses a chat's history older than its last few turns
// into a single Summary checkpoint.
func (o *ConversationOrchestrator) summarize(ctx context.Context, chat Chat) error {
	history, err := o.store.GetChatMessages(ctx, chat.ID, false, 0)
	if err != nil {
		return err
	}
	const keepRecent = 6
	if len(history) <= keepRecent {
		return nil
	}
	toReplace := history[:len(history)-keepRecent]
	transcript := FormatForSummary(toReplace)

	o.bus.Publish(ctx, Event{Name: EventSummarizationStarted, Data: chat.ID})

	resp, err := o.provider.Send(ctx, ChatRequest{
		SystemPrompt: "Summarize the following conversation history concisely, preserving facts, decisions, and open questions.",
		History:      []ChatMessage{{Role: RoleUser, Content: transcript}},
	})
	if err != nil {
		return &ModelError{Provider: o.provider.Name(), Message: "summarize", Cause: err}
	}

	ids := make([]string, len(toReplace))
	for i, m := range toReplace {
		ids[i] = m.ID
	}
	summary := ChatMessage{
		ID:        NewID(),
		ChatID:    chat.ID,
		Role:      RoleSystem,
		Content:   resp.Content,
		IsSummary: true,
		Type:      MessageTypeSummary,
		CreatedAt: NowUnix(),
	}
	if err := o.messages.SaveSummary(ctx, chat.ID, summary, ids); err != nil {
		return err
	}
	o.bus.PublishAsync(ctx, Event{Name: EventChatSummarized, Data: chat.ID})
	o.bus.PublishAsync(ctx, Event{Name: EventSummarizationCompleted, Data: chat.ID})
	return nil
}

// bootstrapUserFraming and bootstrapModelAck are the fixed pair of
// internal messages InjectBootstrapMessages seeds a fresh dispatch
// with: a "subconscious" framing from the user side, acknowledged by
// the model, so the turn that follows has conversational grounding
// even though no human actually sent anything yet.
const (
	bootstrapUserFraming = "This is a scheduled background task running without direct human supervision. Treat the instruction that follows as your own subconscious prompting you to act."
	bootstrapModelAck    = "Understood. I will carry out the instruction and report the outcome."
)

// InjectBootstrapMessages persists the fixed internal user/model
// message pair a Scheduler dispatch seeds every fresh chat with,
// before the real instruction is sent. Both are marked Internal so
// end-user transcript views can filter them out while the model still
// sees them as ordinary history.
func (o *ConversationOrchestrator) InjectBootstrapMessages(ctx context.Context, chat Chat) error {
	now := NowUnix()
	user := ChatMessage{ID: NewID(), ChatID: chat.ID, Role: RoleUser, Content: bootstrapUserFraming, Internal: true, Type: MessageTypeInternal, CreatedAt: now}
	if err := o.messages.SaveMessage(ctx, user); err != nil {
		return err
	}
	model := ChatMessage{ID: NewID(), ChatID: chat.ID, Role: RoleAssistant, Content: bootstrapModelAck, Internal: true, Type: MessageTypeInternal, CreatedAt: now}
	return o.messages.SaveMessage(ctx, model)
}

// extractFacts runs the optional FactExtractor over a just-persisted
// user message and saves whatever it finds. Extraction is best-effort:
// a failure here never fails the turn, only logs a warning.
func (o *ConversationOrchestrator) extractFacts(ctx context.Context, chat Chat, msg ChatMessage) {
	if o.factExtractor == nil {
		return
	}
	facts, err := o.factExtractor.Extract(ctx, chat.UserID, msg.Content)
	if err != nil {
		o.logger.Warn("fact extraction failed", "chat", chat.ID, "error", err)
		return
	}
	for _, f := range facts {
		if err := o.store.SaveFact(ctx, f, msg.ID); err != nil {
			o.logger.Warn("save fact failed", "chat", chat.ID, "fact", f.ID, "error", err)
			continue
		}
		o.bus.PublishAsync(ctx, Event{Name: EventMemorySaved, Data: f})
	}
}
