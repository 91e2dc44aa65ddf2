package cortex

import "context"

// MessageHandler processes one inbound ChatMessage before it joins the
// conversation history. It returns the (possibly modified) context and
// message, or a *MiddlewareVeto to stop the pipeline.
type MessageHandler func(ctx context.Context, msg ChatMessage) (context.Context, ChatMessage, error)

// MessageMiddleware wraps a MessageHandler with additional behavior,
// onion-style: each middleware decides whether, and with what
// modified ctx/msg, to call next.
type MessageMiddleware func(next MessageHandler) MessageHandler

// ToolHandler processes one outbound ToolCall before dispatch.
type ToolHandler func(ctx context.Context, call ToolCall) (context.Context, ToolCall, error)

// ToolMiddleware wraps a ToolHandler.
type ToolMiddleware func(next ToolHandler) ToolHandler

// ResponseHandler processes one model ChatResponse before it is
// surfaced to the caller or appended to history.
type ResponseHandler func(ctx context.Context, resp ChatResponse) (context.Context, ChatResponse, error)

// ResponseMiddleware wraps a ResponseHandler.
type ResponseMiddleware func(next ResponseHandler) ResponseHandler

// MiddlewareChain composes the three onion pipelines the orchestrator
// runs every turn through. Each chain is data — a slice of function
// values plus a terminal handler — rather than an interface hierarchy,
// so a chain can be built, inspected, and reordered without subclassing.
type MiddlewareChain struct {
	message  []MessageMiddleware
	tool     []ToolMiddleware
	response []ResponseMiddleware
}

// NewMiddlewareChain creates an empty chain.
func NewMiddlewareChain() *MiddlewareChain {
	return &MiddlewareChain{}
}

func (c *MiddlewareChain) UseMessage(m MessageMiddleware) *MiddlewareChain {
	c.message = append(c.message, m)
	return c
}

func (c *MiddlewareChain) UseTool(m ToolMiddleware) *MiddlewareChain {
	c.tool = append(c.tool, m)
	return c
}

func (c *MiddlewareChain) UseResponse(m ResponseMiddleware) *MiddlewareChain {
	c.response = append(c.response, m)
	return c
}

// RunMessage threads msg through every registered MessageMiddleware,
// outermost-first, terminating at a handler that returns ctx/msg
// unchanged.
func (c *MiddlewareChain) RunMessage(ctx context.Context, msg ChatMessage) (context.Context, ChatMessage, error) {
	handler := MessageHandler(func(ctx context.Context, msg ChatMessage) (context.Context, ChatMessage, error) {
		return ctx, msg, nil
	})
	for i := len(c.message) - 1; i >= 0; i-- {
		handler = c.message[i](handler)
	}
	return handler(ctx, msg)
}

// RunTool threads call through every registered ToolMiddleware.
func (c *MiddlewareChain) RunTool(ctx context.Context, call ToolCall) (context.Context, ToolCall, error) {
	handler := ToolHandler(func(ctx context.Context, call ToolCall) (context.Context, ToolCall, error) {
		return ctx, call, nil
	})
	for i := len(c.tool) - 1; i >= 0; i-- {
		handler = c.tool[i](handler)
	}
	return handler(ctx, call)
}

// RunResponse threads resp through every registered ResponseMiddleware.
func (c *MiddlewareChain) RunResponse(ctx context.Context, resp ChatResponse) (context.Context, ChatResponse, error) {
	handler := ResponseHandler(func(ctx context.Context, resp ChatResponse) (context.Context, ChatResponse, error) {
		return ctx, resp, nil
	})
	for i := len(c.response) - 1; i >= 0; i-- {
		handler = c.response[i](handler)
	}
	return handler(ctx, resp)
}
