package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nevindra/cortex"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a cortex.ModelProvider with OTEL span tracing
// and cost/token accounting, composable with the retry/rate-limit
// decorators in retry.go and ratelimit.go.
type ObservedProvider struct {
	inner cortex.ModelProvider
	inst  *Instruments
}

// WrapProvider returns an instrumented ModelProvider that emits a span
// per Send call with token usage and USD cost attached as attributes.
func WrapProvider(inner cortex.ModelProvider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) PrepareTools(tools []cortex.ToolDefinition) (json.RawMessage, error) {
	return o.inner.PrepareTools(tools)
}

func (o *ObservedProvider) ContextWindow(modelID string) int {
	return o.inner.ContextWindow(modelID)
}

func (o *ObservedProvider) Send(ctx context.Context, req cortex.ChatRequest) (cortex.ChatResponse, error) {
	toolNames := make([]string, len(req.Tools))
	for i, t := range req.Tools {
		toolNames[i] = t.Name
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.send", trace.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrToolCount.Int(len(req.Tools)),
		AttrToolNames.StringSlice(toolNames),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Send(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	cost := o.inst.Cost.Calculate(resp.ModelID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	span.SetAttributes(
		AttrLLMModel.String(resp.ModelID),
		AttrTokensInput.Int(resp.Usage.PromptTokens),
		AttrTokensOutput.Int(resp.Usage.CompletionTokens),
		AttrCostUSD.Float64(cost),
		attribute.Float64("llm.duration_ms", durationMs),
	)
	return resp, nil
}

var _ cortex.ModelProvider = (*ObservedProvider)(nil)
