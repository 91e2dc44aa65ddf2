package cortex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nevindra/cortex/mcp"
)

// ToolServerConfig describes how to reach one tool server, loaded from
// the JSON tool-fleet config (see internal/config).
type ToolServerConfig struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"` // "stdio" | "sse"
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// ToolClient owns one connection to one tool server: its transport
// lifecycle and a cache of the tools/prompts/resources it advertises.
// ToolBroker aggregates many ToolClients into one fleet-wide surface.
type ToolClient struct {
	cfg    ToolServerConfig
	client *mcp.Client
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	tools     []ToolDefinition
	prompts   []mcp.Prompt
	resources []mcp.Resource
}

// NewToolClient builds a ToolClient from config without connecting.
// clientVersion identifies this process in the MCP initialize handshake.
func NewToolClient(cfg ToolServerConfig, clientVersion string, logger *slog.Logger) (*ToolClient, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var transport mcp.Transport
	switch cfg.Transport {
	case "stdio":
		if cfg.Command == "" {
			return nil, &ValidationError{Field: "command", Message: "required for stdio transport"}
		}
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		transport = mcp.NewStdioTransport(cfg.Command, cfg.Args, env)
	case "sse":
		if cfg.URL == "" {
			return nil, &ValidationError{Field: "url", Message: "required for sse transport"}
		}
		transport = mcp.NewSSETransport(cfg.URL, cfg.Headers)
	default:
		return nil, &ValidationError{Field: "transport", Message: fmt.Sprintf("unknown transport %q", cfg.Transport)}
	}

	return &ToolClient{
		cfg:    cfg,
		client: mcp.NewClient(transport, "cortex", clientVersion),
		logger: logger.With("tool_server", cfg.Name),
	}, nil
}

// Start connects to the tool server and loads its capability caches
// (tools, prompts, resources). Safe to call once per ToolClient.
func (tc *ToolClient) Start(ctx context.Context) error {
	if _, err := tc.client.Connect(ctx); err != nil {
		return &TransportError{Server: tc.cfg.Name, Op: "connect", Cause: err}
	}

	tools, err := tc.client.ListTools(ctx)
	if err != nil {
		return &TransportError{Server: tc.cfg.Name, Op: "tools/list", Cause: err}
	}
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}

	prompts, err := tc.client.ListPrompts(ctx)
	if err != nil {
		tc.logger.Debug("prompts/list unsupported", "error", err)
		prompts = nil
	}
	resources, err := tc.client.ListResources(ctx)
	if err != nil {
		tc.logger.Debug("resources/list unsupported", "error", err)
		resources = nil
	}

	tc.mu.Lock()
	tc.connected = true
	tc.tools = defs
	tc.prompts = prompts
	tc.resources = resources
	tc.mu.Unlock()

	tc.logger.Info("tool server connected", "tools", len(defs), "prompts", len(prompts), "resources", len(resources))
	return nil
}

// Tools returns the cached tool definitions this server advertised at
// Start (or the last Reload).
func (tc *ToolClient) Tools() []ToolDefinition {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return append([]ToolDefinition(nil), tc.tools...)
}

func (tc *ToolClient) Prompts() []mcp.Prompt {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return append([]mcp.Prompt(nil), tc.prompts...)
}

func (tc *ToolClient) Resources() []mcp.Resource {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return append([]mcp.Resource(nil), tc.resources...)
}

// Reload re-fetches the server's capability caches without
// reconnecting the transport.
func (tc *ToolClient) Reload(ctx context.Context) error {
	tools, err := tc.client.ListTools(ctx)
	if err != nil {
		return &TransportError{Server: tc.cfg.Name, Op: "tools/list", Cause: err}
	}
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	tc.mu.Lock()
	tc.tools = defs
	tc.mu.Unlock()
	return nil
}

// retryAttempts and retryBaseDelay govern CallTool's retry policy:
// at most 3 attempts, linear backoff (base, 2*base, ...), applied only
// to TimeoutError and context.DeadlineExceeded — a tool rejecting its
// arguments is not retried,
// since retrying a bad call wastes the tool-server's time for no gain.
const (
	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
)

// CallTool invokes name with args and returns its result, retrying up
// to retryAttempts times on a timeout-class failure with linear
// backoff. A call timed its own deadline (ctx.Err() ==
// DeadlineExceeded) or reports as one via a TimeoutError; any other
// failure (bad arguments, tool-side error) is returned immediately —
// retrying a deterministic failure wastes the tool server's time.
func (tc *ToolClient) CallTool(ctx context.Context, call ToolCall) (ToolResult, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		text, isError, err := tc.client.CallTool(ctx, call.Name, call.Arguments)
		if err == nil {
			return ToolResult{CallID: call.ID, Content: text, IsError: isError}, nil
		}

		lastErr = err
		var timeoutErr *TimeoutError
		isTimeout := errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded)
		if !isTimeout {
			return ToolResult{}, &TransportError{Server: tc.cfg.Name, Op: "tools/call:" + call.Name, Cause: err}
		}

		tc.logger.Warn("tool call timed out, retrying", "tool", call.Name, "attempt", attempt+1)
		if attempt < retryAttempts-1 {
			delay := retryBaseDelay * time.Duration(attempt+1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ToolResult{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return ToolResult{}, &TransportError{Server: tc.cfg.Name, Op: "tools/call:" + call.Name, Cause: lastErr}
}

// GetPrompt renders a named prompt with the given arguments, flattening
// its messages into a single text block for callers that just need the
// rendered instruction (the orchestrator's identity injection path).
func (tc *ToolClient) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	result, err := tc.client.GetPrompt(ctx, name, args)
	if err != nil {
		return "", &TransportError{Server: tc.cfg.Name, Op: "prompts/get:" + name, Cause: err}
	}
	var text string
	for _, m := range result.Messages {
		text += m.Content.Text
	}
	return text, nil
}

// ReadResource reads one resource's text content, concatenated across
// returned content items.
func (tc *ToolClient) ReadResource(ctx context.Context, uri string) (string, error) {
	result, err := tc.client.ReadResource(ctx, uri)
	if err != nil {
		return "", &TransportError{Server: tc.cfg.Name, Op: "resources/read:" + uri, Cause: err}
	}
	var text string
	for _, c := range result.Contents {
		text += c.Text
	}
	return text, nil
}

// Name returns the tool server's configured name.
func (tc *ToolClient) Name() string { return tc.cfg.Name }

// Close shuts down the underlying transport.
func (tc *ToolClient) Close() error {
	tc.mu.Lock()
	tc.connected = false
	tc.mu.Unlock()
	return tc.client.Close()
}
