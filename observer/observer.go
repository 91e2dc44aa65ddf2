// Package observer provides OTEL-based span tracing for cortex's
// conversation and tool-fleet operations.
//
// It wraps ModelProvider with an instrumented decorator that emits
// spans and cost/token attributes, and exposes a cortex.Tracer (see
// tracer.go) that ConversationOrchestrator and ToolBroker accept
// directly to span turns, tool calls, and broker reloads. Export goes
// to any OTLP-compatible backend via the standard OTEL_EXPORTER_OTLP_*
// env vars.
package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/cortex/observer"

// Instruments bundles the OTEL tracer with cost accounting so
// ObservedProvider (and any future decorator) has a single dependency
// to carry.
type Instruments struct {
	Tracer trace.Tracer
	Cost   *CostCalculator
}

// Init sets up an OTEL trace provider with an OTLP/HTTP exporter.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("cortex")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	inst := &Instruments{
		Tracer: otel.Tracer(scopeName),
		Cost:   NewCostCalculator(pricing),
	}
	return inst, tp.Shutdown, nil
}
