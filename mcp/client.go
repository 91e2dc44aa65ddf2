package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport is the minimal request/response primitive both the stdio
// subprocess and HTTP-SSE transports implement. Client is written
// against this interface so toolclient.go can swap transports without
// changing any call site.
type Transport interface {
	Start(ctx context.Context) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Close() error
}

// Client is a thin, transport-agnostic MCP client: it knows the
// method names and request/response shapes, but nothing about how
// bytes reach the server.
type Client struct {
	transport Transport
	name      string
	version   string
}

// NewClient wraps a started or not-yet-started Transport. clientName/
// clientVersion identify this client in the initialize handshake.
func NewClient(transport Transport, clientName, clientVersion string) *Client {
	return &Client{transport: transport, name: clientName, version: clientVersion}
}

// Connect starts the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) (InitializeResult, error) {
	if err := c.transport.Start(ctx); err != nil {
		return InitializeResult{}, err
	}
	raw, err := c.transport.Call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: c.name, Version: c.version},
	})
	if err != nil {
		return InitializeResult{}, fmt.Errorf("mcp: initialize: %w", err)
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return InitializeResult{}, fmt.Errorf("mcp: decode initialize result: %w", err)
	}
	return result, nil
}

func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.transport.Call(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, fmt.Errorf("mcp: tools/list: %w", err)
	}
	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: decode tools/list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool and flattens its content blocks into a
// single text result by concatenating every block's Text field in
// order, whatever the block's Type.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	raw, err := c.transport.Call(ctx, "tools/call", ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return "", false, fmt.Errorf("mcp: tools/call %s: %w", name, err)
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, fmt.Errorf("mcp: decode tools/call %s: %w", name, err)
	}
	var text string
	for _, block := range result.Content {
		text += block.Text
	}
	return text, result.IsError, nil
}

func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	raw, err := c.transport.Call(ctx, "prompts/list", struct{}{})
	if err != nil {
		return nil, fmt.Errorf("mcp: prompts/list: %w", err)
	}
	var result PromptsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: decode prompts/list: %w", err)
	}
	return result.Prompts, nil
}

func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error) {
	raw, err := c.transport.Call(ctx, "prompts/get", GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return GetPromptResult{}, fmt.Errorf("mcp: prompts/get %s: %w", name, err)
	}
	var result GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return GetPromptResult{}, fmt.Errorf("mcp: decode prompts/get %s: %w", name, err)
	}
	return result, nil
}

func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.transport.Call(ctx, "resources/list", struct{}{})
	if err != nil {
		return nil, fmt.Errorf("mcp: resources/list: %w", err)
	}
	var result ResourcesListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: decode resources/list: %w", err)
	}
	return result.Resources, nil
}

func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	raw, err := c.transport.Call(ctx, "resources/read", ReadResourceParams{URI: uri})
	if err != nil {
		return ReadResourceResult{}, fmt.Errorf("mcp: resources/read %s: %w", uri, err)
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ReadResourceResult{}, fmt.Errorf("mcp: decode resources/read %s: %w", uri, err)
	}
	return result, nil
}

// Close shuts down the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}
