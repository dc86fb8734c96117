package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer taken from the global provider.
const InstrumentationName = "github.com/GoCodeAlone/stepflow"

// PipelineTracer creates spans around pipeline runs, steps and compensators.
type PipelineTracer struct {
	tracer trace.Tracer
}

// NewPipelineTracer creates a PipelineTracer. If tracer is nil, the global
// tracer provider is used.
func NewPipelineTracer(tracer trace.Tracer) *PipelineTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(InstrumentationName)
	}
	return &PipelineTracer{tracer: tracer}
}

// StartRun begins a span for one Execute call.
func (t *PipelineTracer) StartRun(ctx context.Context, pipeline, runID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "stepflow.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("stepflow.pipeline", pipeline),
			attribute.String("stepflow.run_id", runID),
		),
	)
}

// StartStep begins a child span for a forward step.
func (t *PipelineTracer) StartStep(ctx context.Context, pipeline, stepID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "stepflow.step "+stepID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("stepflow.pipeline", pipeline),
			attribute.String("stepflow.step", stepID),
		),
	)
}

// StartCompensation begins a child span for a compensator.
func (t *PipelineTracer) StartCompensation(ctx context.Context, pipeline, stepID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "stepflow.compensate "+stepID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("stepflow.pipeline", pipeline),
			attribute.String("stepflow.step", stepID),
			attribute.Bool("stepflow.compensation", true),
		),
	)
}

// End records err or the outcome on a step span. It does not end the span.
func (t *PipelineTracer) End(span trace.Span, err error, outcome string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if outcome != "" {
		span.SetAttributes(attribute.String("stepflow.outcome", outcome))
	}
	span.SetStatus(codes.Ok, "")
}

// EndRun records the terminal result on a run span. It does not end the span.
func (t *PipelineTracer) EndRun(span trace.Span, success bool, statusCode int) {
	span.SetAttributes(
		attribute.Bool("stepflow.success", success),
		attribute.Int("stepflow.status_code", statusCode),
	)
	if success {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetStatus(codes.Error, fmt.Sprintf("pipeline failed with status %d", statusCode))
}

// SpanFromContext returns the current span, for steps that want to add
// their own attributes.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
