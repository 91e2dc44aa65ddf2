package cortex

import (
	"context"
	"fmt"
	"log/slog"
)

// Runtime bundles every component one running instance needs: a
// KnowledgeStore, a ModelProvider, a ToolBroker, and the components
// built on top of them. Unlike the teacher's App, which is the only
// thing callers construct, Runtime carries no package-level state of
// its own — every dependency is passed in explicitly by the caller
// (cmd/cortexd), so nothing here can be accidentally shared across two
// independently configured instances in the same process.
type Runtime struct {
	Store        KnowledgeStore
	Provider     ModelProvider
	Broker       *ToolBroker
	Bus          *EventBus
	Queue        *TaskQueue
	Orchestrator *ConversationOrchestrator
	Scheduler    *Scheduler
	TokenUsage   *TokenUsageService
	Forwarder    Forwarder

	logger *slog.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

func WithForwarder(f Forwarder) RuntimeOption {
	return func(r *Runtime) { r.Forwarder = f }
}

func WithRuntimeMiddleware(chain *MiddlewareChain) RuntimeOption {
	return func(r *Runtime) {
		if r.Orchestrator != nil {
			WithMiddleware(chain)(r.Orchestrator)
		}
	}
}

// WithRuntimeTracer spans every orchestrator turn and tool-broker
// reload/call with t. Without this option the Runtime runs untraced.
func WithRuntimeTracer(t Tracer) RuntimeOption {
	return func(r *Runtime) {
		if r.Orchestrator != nil {
			WithTracer(t)(r.Orchestrator)
		}
		r.Broker.tracer = t
	}
}

// WithRuntimeFactExtractor attaches a FactExtractor that best-effort
// saves Facts derived from each user message. Without one, no facts
// are ever extracted.
func WithRuntimeFactExtractor(e FactExtractor) RuntimeOption {
	return func(r *Runtime) {
		if r.Orchestrator != nil {
			WithFactExtractor(e)(r.Orchestrator)
		}
	}
}

// NewRuntime wires a KnowledgeStore, ModelProvider, and ToolBroker into
// a complete Runtime: a TaskQueue and ConversationOrchestrator over
// them, plus a Scheduler over the given recurring task specs. Pass nil
// for specs if the caller only needs interactive chat, no background
// scheduling.
func NewRuntime(store KnowledgeStore, provider ModelProvider, broker *ToolBroker, specs []RecurringTaskSpec, opts ...RuntimeOption) (*Runtime, error) {
	if store == nil || provider == nil || broker == nil {
		return nil, fmt.Errorf("cortex: runtime requires a KnowledgeStore, ModelProvider, and ToolBroker")
	}

	r := &Runtime{
		Store:    store,
		Provider: provider,
		Broker:   broker,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.Bus = NewEventBus(r.logger)
	r.Queue = NewTaskQueue(store, WithTaskQueueBus(r.Bus))
	r.Orchestrator = NewConversationOrchestrator(store, provider, broker, r.Bus, r.logger)
	r.Scheduler = NewScheduler(r.Queue, r.Orchestrator, r.Bus, r.logger, specs)
	r.TokenUsage = NewTokenUsageService(r.Bus, nil)

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Start initializes the store and connects the tool broker's fleet.
// Callers must call Start before Run.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Store.Init(ctx); err != nil {
		return fmt.Errorf("cortex: store init: %w", err)
	}
	if err := r.Broker.Start(ctx); err != nil {
		return fmt.Errorf("cortex: tool broker start: %w", err)
	}
	return nil
}

// Run blocks running the background scheduler until ctx is cancelled.
// Interactive chat (ConversationOrchestrator.SendMessage) is driven
// directly by the caller's own transport (e.g. forwarder/websocket)
// and does not need Run.
func (r *Runtime) Run(ctx context.Context) {
	r.Scheduler.Run(ctx)
}

// Close shuts down the tool broker's transports and the store.
func (r *Runtime) Close() error {
	var firstErr error
	if err := r.Broker.Close(); err != nil {
		firstErr = err
	}
	if err := r.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
