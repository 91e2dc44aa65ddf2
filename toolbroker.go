package cortex

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// baseCacheTTL is the nominal reload interval for a tool server's
// capability cache. Each server's effective TTL is staggered around
// this baseline (see staggeredTTL) so a fleet of servers configured
// with the same nominal TTL doesn't all reload in the same instant.
const baseCacheTTL = 5 * time.Minute

// staggerSpread bounds how far a server's effective TTL can drift from
// baseCacheTTL, as a fraction of it.
const staggerSpread = 0.2

// staggeredTTL derives a deterministic per-server TTL from a hash of
// the server name, so repeated runs stagger identically instead of
// picking a new random offset (and therefore a new thundering-herd
// alignment) every process start.
func staggeredTTL(serverName string, base time.Duration) time.Duration {
	h := fnv.New32a()
	_, _ = h.Write([]byte(serverName))
	frac := float64(h.Sum32()%1000) / 1000.0 // deterministic [0,1)
	offset := (frac*2 - 1) * staggerSpread   // deterministic [-spread, +spread)
	return time.Duration(float64(base) * (1 + offset))
}

// ToolBroker aggregates a fleet of ToolClients into one cross-server
// view: find a tool by name, list every tool/prompt/resource across
// the fleet, and keep each server's cache fresh on its own staggered
// schedule without blocking callers on a reload in progress.
type ToolBroker struct {
	logger *slog.Logger
	tracer Tracer // optional; nil skips span creation entirely

	mu      sync.Mutex // guards clients, ttl, last and loading; held only for bookkeeping, never across network I/O
	clients map[string]*ToolClient
	ttl     map[string]time.Duration
	last    map[string]time.Time
	loading map[string]bool
}

// ToolBrokerOption configures a ToolBroker at construction time.
type ToolBrokerOption func(*ToolBroker)

// WithBrokerTracer attaches a Tracer that spans every fleet reload and
// tool call the broker performs. Without one, the broker runs untraced.
func WithBrokerTracer(t Tracer) ToolBrokerOption {
	return func(b *ToolBroker) { b.tracer = t }
}

// NewToolBroker creates an empty ToolBroker. Add servers with
// AddServer, then Start to connect them all.
func NewToolBroker(logger *slog.Logger, opts ...ToolBrokerOption) *ToolBroker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &ToolBroker{
		logger:  logger,
		clients: make(map[string]*ToolClient),
		ttl:     make(map[string]time.Duration),
		last:    make(map[string]time.Time),
		loading: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddServer registers a ToolClient under its configured name with a
// staggered reload TTL.
func (b *ToolBroker) AddServer(tc *ToolClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := tc.Name()
	b.clients[name] = tc
	b.ttl[name] = staggeredTTL(name, baseCacheTTL)
}

// Start connects every registered server. A server that fails to
// connect is logged and skipped rather than aborting the whole fleet —
// one broken tool server should not prevent the rest from serving.
func (b *ToolBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	clients := make([]*ToolClient, 0, len(b.clients))
	for _, tc := range b.clients {
		clients = append(clients, tc)
	}
	b.mu.Unlock()

	now := time.Now()
	for _, tc := range clients {
		if err := tc.Start(ctx); err != nil {
			b.logger.Error("tool server failed to start", "server", tc.Name(), "error", err)
			continue
		}
		b.mu.Lock()
		b.last[tc.Name()] = now
		b.mu.Unlock()
	}
	return nil
}

// AllTools returns every tool advertised across the fleet, refreshing
// any server whose cache has gone stale first.
func (b *ToolBroker) AllTools(ctx context.Context) []ToolDefinition {
	b.refreshStale(ctx)

	b.mu.Lock()
	clients := make([]*ToolClient, 0, len(b.clients))
	for _, tc := range b.clients {
		clients = append(clients, tc)
	}
	b.mu.Unlock()

	var all []ToolDefinition
	for _, tc := range clients {
		all = append(all, tc.Tools()...)
	}
	return all
}

// Find returns the ToolClient that advertises toolName, or a
// NotFoundError. Tool names are assumed unique across the fleet; the
// first server found advertising the name wins if two collide (fleet
// config is expected to avoid that, this is not arbitrated further).
func (b *ToolBroker) Find(ctx context.Context, toolName string) (*ToolClient, error) {
	b.refreshStale(ctx)

	b.mu.Lock()
	clients := make([]*ToolClient, 0, len(b.clients))
	for _, tc := range b.clients {
		clients = append(clients, tc)
	}
	b.mu.Unlock()

	for _, tc := range clients {
		for _, def := range tc.Tools() {
			if def.Name == toolName {
				return tc, nil
			}
		}
	}
	return nil, &NotFoundError{Kind: "tool", ID: toolName}
}

// refreshStale reloads every server whose cache has exceeded its
// staggered TTL. A server already being reloaded by a concurrent
// caller is skipped rather than blocked on — callers see the
// currently-cached (possibly slightly stale) view instead of waiting.
func (b *ToolBroker) refreshStale(ctx context.Context) {
	now := time.Now()

	b.mu.Lock()
	var due []*ToolClient
	for name, tc := range b.clients {
		if b.loading[name] {
			continue
		}
		if now.Sub(b.last[name]) < b.ttl[name] {
			continue
		}
		b.loading[name] = true
		due = append(due, tc)
	}
	b.mu.Unlock()

	for _, tc := range due {
		name := tc.Name()
		spanCtx, span := b.startSpan(ctx, "toolbroker.reload", StringAttr("tool_server", name))
		if err := tc.Reload(spanCtx); err != nil {
			b.logger.Warn("tool server reload failed", "server", name, "error", err)
			if span != nil {
				span.Error(err)
			}
		}
		if span != nil {
			span.End()
		}
		b.mu.Lock()
		b.last[name] = time.Now()
		b.loading[name] = false
		b.mu.Unlock()
	}
}

// startSpan starts a span via the broker's Tracer, or returns a nil
// Span when none is configured — callers nil-check before using it
// rather than the broker substituting a no-op implementation.
func (b *ToolBroker) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if b.tracer == nil {
		return ctx, nil
	}
	return b.tracer.Start(ctx, name, attrs...)
}

// ForceReload reloads one server's cache immediately, ignoring its
// TTL. Used by the CLI's reload-tool subcommand.
func (b *ToolBroker) ForceReload(ctx context.Context, serverName string) error {
	b.mu.Lock()
	tc, ok := b.clients[serverName]
	alreadyLoading := b.loading[serverName]
	if ok && !alreadyLoading {
		b.loading[serverName] = true
	}
	b.mu.Unlock()

	if !ok {
		return &NotFoundError{Kind: "tool_server", ID: serverName}
	}
	if alreadyLoading {
		return nil
	}

	err := tc.Reload(ctx)
	b.mu.Lock()
	b.last[serverName] = time.Now()
	b.loading[serverName] = false
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("force reload %s: %w", serverName, err)
	}
	return nil
}

// Call dispatches a single tool call to whichever server advertises it.
func (b *ToolBroker) Call(ctx context.Context, call ToolCall) (ToolResult, error) {
	ctx, span := b.startSpan(ctx, "toolbroker.call", StringAttr("tool", call.Name))
	if span != nil {
		defer span.End()
	}

	tc, err := b.Find(ctx, call.Name)
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return ToolResult{}, err
	}
	result, err := tc.CallTool(ctx, call)
	if err != nil && span != nil {
		span.Error(err)
	}
	return result, err
}

// Close shuts down every registered server's transport.
func (b *ToolBroker) Close() error {
	b.mu.Lock()
	clients := make([]*ToolClient, 0, len(b.clients))
	for _, tc := range b.clients {
		clients = append(clients, tc)
	}
	b.mu.Unlock()

	var firstErr error
	for _, tc := range clients {
		if err := tc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
