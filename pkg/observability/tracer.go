package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps an OpenTelemetry tracer with span helpers for the query
// and ingestion pipelines. A disabled Tracer is fully functional and
// records nothing.
type Tracer struct {
	provider trace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// InitTracer builds a Tracer from config. When tracing is disabled it
// returns a no-op Tracer so callers never need nil checks.
func InitTracer(ctx context.Context, cfg TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		provider := noop.NewTracerProvider()
		return &Tracer{
			provider: provider,
			tracer:   provider.Tracer(DefaultServiceName),
		}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(cfg.Timeout),
		}
		if cfg.IsInsecure() {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	return &Tracer{
		provider: tp,
		tracer:   tp.Tracer(cfg.ServiceName),
		enabled:  true,
	}, nil
}

// Enabled reports whether spans are actually exported.
func (t *Tracer) Enabled() bool {
	return t != nil && t.enabled
}

// Start begins a span with the given name.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartQuery begins a span for one question through the pipeline.
func (t *Tracer) StartQuery(ctx context.Context, topK int, party string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanQuery,
		trace.WithAttributes(
			attribute.Int(AttrSearchTopK, topK),
			attribute.String(AttrParty, party),
		),
	)
}

// StartLLMCall begins a span for a completion request.
func (t *Tracer) StartLLMCall(ctx context.Context, model string, maxTokens int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(AttrLLMModel, model),
			attribute.Int("llm.max_tokens", maxTokens),
		),
	)
}

// StartEmbedding begins a span for an embedding batch.
func (t *Tracer) StartEmbedding(ctx context.Context, model string, batchSize int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanEmbedding,
		trace.WithAttributes(
			attribute.String(AttrEmbeddingModel, model),
			attribute.Int(AttrEmbeddingBatch, batchSize),
		),
	)
}

// StartSearch begins a span for a similarity search.
func (t *Tracer) StartSearch(ctx context.Context, backend string, topK int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanSearch,
		trace.WithAttributes(
			attribute.String(AttrVectorBackend, backend),
			attribute.Int(AttrSearchTopK, topK),
		),
	)
}

// StartIngest begins a span for one document ingestion.
func (t *Tracer) StartIngest(ctx context.Context, documentID, party string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanIngest,
		trace.WithAttributes(
			attribute.String(AttrDocumentID, documentID),
			attribute.String(AttrParty, party),
		),
	)
}

// AddLLMUsage attaches token usage to an LLM span.
func (t *Tracer) AddLLMUsage(span trace.Span, inputTokens, outputTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int(AttrLLMTokensInput, inputTokens),
		attribute.Int(AttrLLMTokensOutput, outputTokens),
	)
}

// RecordError marks the span as failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if sp, ok := t.provider.(interface{ Shutdown(context.Context) error }); ok {
		return sp.Shutdown(ctx)
	}
	return nil
}

func noopSpan() trace.Span {
	_, span := noop.NewTracerProvider().Tracer("").Start(context.Background(), "")
	return span
}
