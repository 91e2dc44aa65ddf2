package observer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nevindra/cortex"

	"go.opentelemetry.io/otel"
)

// mockProvider is a minimal cortex.ModelProvider for observer tests.
type mockProvider struct {
	name string
	resp cortex.ChatResponse
	err  error
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) PrepareTools(tools []cortex.ToolDefinition) (json.RawMessage, error) {
	return nil, nil
}

func (m *mockProvider) ContextWindow(modelID string) int { return 100_000 }

func (m *mockProvider) Send(_ context.Context, _ cortex.ChatRequest) (cortex.ChatResponse, error) {
	return m.resp, m.err
}

// testInstruments builds Instruments against the global (no-op by
// default) OTEL TracerProvider, safe for testing delegation behavior
// without a real OTLP backend.
func testInstruments() *Instruments {
	return &Instruments{
		Tracer: otel.Tracer(scopeName),
		Cost:   NewCostCalculator(nil),
	}
}

func TestObservedProviderDelegatesNameAndContextWindow(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	op := WrapProvider(inner, testInstruments())

	if got := op.Name(); got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
	if got := op.ContextWindow("any"); got != 100_000 {
		t.Errorf("ContextWindow() = %d, want %d", got, 100_000)
	}
}

func TestObservedProviderSendReturnsInnerResponse(t *testing.T) {
	want := cortex.ChatResponse{
		Content: "hello from LLM",
		ModelID: "gpt-4o-mini",
		Usage:   cortex.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	inner := &mockProvider{name: "p", resp: want}
	op := WrapProvider(inner, testInstruments())

	got, err := op.Send(context.Background(), cortex.ChatRequest{})
	if err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderSendPropagatesError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inner := &mockProvider{name: "p", err: wantErr}
	op := WrapProvider(inner, testInstruments())

	_, err := op.Send(context.Background(), cortex.ChatRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Send error = %v, want %v", err, wantErr)
	}
}

func TestObservedProviderSendWithTools(t *testing.T) {
	want := cortex.ChatResponse{
		Content: "tool response",
		ToolCalls: []cortex.ToolCall{
			{ID: "call-1", Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)},
		},
		ModelID: "gpt-4o-mini",
		Usage:   cortex.Usage{PromptTokens: 20, CompletionTokens: 15},
	}
	inner := &mockProvider{name: "p", resp: want}
	op := WrapProvider(inner, testInstruments())

	tools := []cortex.ToolDefinition{{Name: "search", Description: "search things"}}
	got, err := op.Send(context.Background(), cortex.ChatRequest{Tools: tools})
	if err != nil {
		t.Fatalf("Send with tools returned unexpected error: %v", err)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "search" {
		t.Errorf("ToolCalls = %+v, want one call to %q", got.ToolCalls, "search")
	}
}

var _ cortex.ModelProvider = (*ObservedProvider)(nil)

func TestNewTracerReturnsUsableTracer(t *testing.T) {
	tracer := NewTracer()
	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}

	ctx, span := tracer.Start(context.Background(), "test.span",
		cortex.StringAttr("key", "value"),
		cortex.IntAttr("count", 42))
	if ctx == nil {
		t.Fatal("Start() returned nil context")
	}
	if span == nil {
		t.Fatal("Start() returned nil span")
	}

	span.SetAttr(cortex.BoolAttr("ok", true))
	span.Event("test.event", cortex.Float64Attr("score", 0.95))
	span.End()
}

func TestNewTracerErrorSpanDoesNotPanic(t *testing.T) {
	tracer := NewTracer()
	_, span := tracer.Start(context.Background(), "test.error")
	span.Error(errors.New("test error"))
	span.End()
}
