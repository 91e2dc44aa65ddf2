package cortex

import (
	"context"
	"log/slog"
	"sync"
)

// EventName is the closed set of events other components may publish
// and subscribe to. Components never invent ad-hoc event strings.
type EventName string

const (
	// Chat/dialogue lifecycle (C8 ConversationOrchestrator).
	EventLoad            EventName = "chat.load"
	EventChatStarted     EventName = "chat.started"
	EventMessageSent     EventName = "message.sent"
	EventMessageReceived EventName = "message.received"
	EventTurnComplete    EventName = "turn.complete"
	EventToolUse         EventName = "tool.use"
	EventToolResult      EventName = "tool.result"
	EventThought         EventName = "thought"
	EventChatSummarized  EventName = "chat.summarized"
	EventTokenUsage      EventName = "token.usage"
	EventTokenEstimate   EventName = "token.estimate"

	// Task/scheduling lifecycle (C9 TaskQueue, C10 Scheduler).
	EventTaskAdded         EventName = "task.added"
	EventTaskAvailable     EventName = "task.available"
	EventTaskStarted       EventName = "task.started"
	EventTaskCompleted     EventName = "task.completed"
	EventTaskFailed        EventName = "task.failed"
	EventTaskStatusChanged EventName = "task.status_changed"

	// Knowledge/memory lifecycle (C1 KnowledgeStore, FactExtractor).
	EventMemorySaved            EventName = "memory.saved"
	EventSummarizationStarted   EventName = "summarization.started"
	EventSummarizationCompleted EventName = "summarization.completed"

	// Tool fleet (C4 ToolBroker).
	EventToolBrokerReloaded EventName = "toolbroker.reloaded"
)

// Event is the payload delivered to handlers. Data is intentionally
// opaque (handlers type-assert to the shape they expect) so the bus
// itself never needs to know the per-event payload schema.
type Event struct {
	Name EventName
	Data any
}

// Handler processes one Event. A returned error is logged by the bus
// and never propagated to the publisher or to other handlers.
type Handler func(ctx context.Context, ev Event) error

// SubscriptionID identifies one Subscribe call so it can later be
// passed to Unsubscribe. Handler is a func value and func values are
// not comparable in Go, so removal is indexed by this opaque token
// rather than by handler identity.
type SubscriptionID uint64

type subscription struct {
	id SubscriptionID
	h  Handler
}

// EventBus is a synchronous-by-default, optionally-async publish/
// subscribe hub. Each handler's panic or error is isolated: one bad
// handler never prevents the others from running, and never crashes
// the publisher's goroutine.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventName][]subscription
	nextID   SubscriptionID
	logger   *slog.Logger
}

// NewEventBus creates an EventBus. A nil logger is replaced with a
// discard logger so callers never need a nil check before logging.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EventBus{
		handlers: make(map[EventName][]subscription),
		logger:   logger,
	}
}

// Subscribe registers h to run whenever name is published. Order of
// invocation matches subscription order. The returned SubscriptionID
// can be passed to Unsubscribe to remove exactly this registration.
func (b *EventBus) Subscribe(name EventName, h Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], subscription{id: id, h: h})
	return id
}

// Unsubscribe removes the handler registered under id for name. A
// second call with the same id, or an id that was never registered
// under name, is a no-op.
func (b *EventBus) Unsubscribe(name EventName, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[name]
	for i, s := range subs {
		if s.id == id {
			b.handlers[name] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish runs every handler for ev.Name synchronously, in the calling
// goroutine, isolating each handler's error and panic so one failure
// never blocks the rest.
func (b *EventBus) Publish(ctx context.Context, ev Event) {
	for _, h := range b.snapshot(ev.Name) {
		b.runHandler(ctx, ev, h)
	}
}

// PublishAsync runs every handler for ev.Name in its own goroutine and
// returns immediately. Used for lifecycle events (task completed, chat
// summarized) where publishers must not block on subscriber work.
func (b *EventBus) PublishAsync(ctx context.Context, ev Event) {
	bgCtx := context.WithoutCancel(ctx)
	for _, h := range b.snapshot(ev.Name) {
		go b.runHandler(bgCtx, ev, h)
	}
}

func (b *EventBus) snapshot(name EventName) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.handlers[name]
	out := make([]Handler, len(subs))
	for i, s := range subs {
		out[i] = s.h
	}
	return out
}

func (b *EventBus) runHandler(ctx context.Context, ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	if err := h(ctx, ev); err != nil {
		b.logger.Warn("event handler error", "event", ev.Name, "error", err)
	}
}
