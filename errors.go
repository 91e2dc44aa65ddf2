package cortex

import "fmt"

// ValidationError reports a malformed or out-of-range caller input,
// e.g. an empty chat ID or a negative token budget.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// SchemaError reports a tool input/output payload that does not match
// its declared JSON Schema, or a schema that could not be normalized
// into the dialect a given ModelProvider accepts.
type SchemaError struct {
	Tool    string
	Message string
	Cause   error
}

func (e *SchemaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("schema: %s: %s: %v", e.Tool, e.Message, e.Cause)
	}
	return fmt.Sprintf("schema: %s: %s", e.Tool, e.Message)
}

func (e *SchemaError) Unwrap() error { return e.Cause }

// NotFoundError reports a missing Node, Edge, Chat, or Task by ID.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s %s", e.Kind, e.ID)
}

// TransportError reports a failure at the tool-server transport boundary
// (stdio subprocess exit, SSE connection drop, HTTP non-2xx).
type TransportError struct {
	Server string
	Op     string
	Cause  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %s: %v", e.Server, e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// ModelError reports a failure returned by a ModelProvider, distinct
// from TransportError because the transport succeeded but the model
// call itself was rejected (bad request, content filter, quota).
type ModelError struct {
	Provider string
	Message  string
	Cause    error
}

func (e *ModelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("model: %s: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("model: %s: %s", e.Provider, e.Message)
}

func (e *ModelError) Unwrap() error { return e.Cause }

// TimeoutError reports an operation that exceeded its deadline. Callers
// use errors.As to decide whether a retry applies (ToolClient retries
// only TimeoutError and context.DeadlineExceeded; other kinds are not
// assumed transient).
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %s", e.Op, e.Timeout)
}

// MiddlewareVeto reports that a middleware in a MiddlewareChain refused
// to let a message, tool call, or response proceed.
type MiddlewareVeto struct {
	Middleware string
	Reason     string
}

func (e *MiddlewareVeto) Error() string {
	return fmt.Sprintf("vetoed by %s: %s", e.Middleware, e.Reason)
}

// InternalError reports a condition that should be impossible given the
// component's own invariants (e.g. an atomic task-dispatch transition
// observing a state no caller should have produced).
type InternalError struct {
	Component string
	Message   string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal: %s: %s", e.Component, e.Message)
}
