// Package tracing configures OpenTelemetry for the research server.
//
// LLM call spans follow the OTel GenAI semantic conventions:
//   - gen_ai.system: the gateway provider
//   - gen_ai.request.model: the model name
//   - gen_ai.usage.input_tokens: tokens consumed
//   - gen_ai.usage.output_tokens: tokens generated
//
// Custom span attributes use the `quaesitor.` prefix.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/marcus-qen/quaesitor"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider is
// used). Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("quaesitor"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartJobSpan creates the parent span for one job execution attempt.
func StartJobSpan(ctx context.Context, jobID, jobType string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("quaesitor.job_id", jobID),
			attribute.String("quaesitor.job_type", jobType),
			attribute.Int("quaesitor.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndJobSpan records the terminal status on a job span and ends it.
func EndJobSpan(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("quaesitor.job_status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartPlanSpan creates a child span for the planning stage.
func StartPlanSpan(ctx context.Context, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "research.plan",
		trace.WithAttributes(
			attribute.String("gen_ai.request.model", model),
		),
	)
}

// StartEnsembleSpan creates a child span for the parallel research stage.
func StartEnsembleSpan(ctx context.Context, subqueries, ensemble int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "research.ensemble",
		trace.WithAttributes(
			attribute.Int("quaesitor.subqueries", subqueries),
			attribute.Int("quaesitor.ensemble_size", ensemble),
		),
	)
}

// StartSynthesisSpan creates a child span for the synthesis stage.
func StartSynthesisSpan(ctx context.Context, model string, iteration int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "research.synthesize",
		trace.WithAttributes(
			attribute.String("gen_ai.request.model", model),
			attribute.Int("quaesitor.iteration", iteration),
		),
	)
}

// StartLLMCallSpan creates a child span for one gateway call, following
// GenAI conventions.
func StartLLMCallSpan(ctx context.Context, model string, subquery, member int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", "openai_compatible"),
			attribute.String("gen_ai.request.model", model),
			attribute.Int("quaesitor.subquery", subquery),
			attribute.Int("quaesitor.member", member),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndLLMCallSpan enriches an LLM span with usage data.
func EndLLMCallSpan(span trace.Span, inputTokens, outputTokens int64, err error) {
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", outputTokens),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
