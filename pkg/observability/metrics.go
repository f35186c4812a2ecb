package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the named instruments for the service. All record
// methods are nil-safe: a zero Metrics silently drops everything, so
// disabled metrics need no special casing at call sites.
type Metrics struct {
	handler http.Handler

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter

	queryDuration metric.Float64Histogram
	queriesTotal  metric.Int64Counter
	queryErrors   metric.Int64Counter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	tokensSaved   metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	embedDuration metric.Float64Histogram
	embedBatches  metric.Int64Counter

	searchDuration metric.Float64Histogram
	searchesTotal  metric.Int64Counter

	docsIngested  metric.Int64Counter
	chunksStored  metric.Int64Counter
	chunksDropped metric.Int64Counter
}

// InitMetrics builds the Prometheus-backed instrument set. When metrics
// are disabled it returns an inert Metrics whose handler answers 503.
func InitMetrics(_ context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{handler: disabledHandler()}, nil
	}

	registry := promclient.NewRegistry()

	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter(DefaultServiceName)

	m := &Metrics{
		handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	if m.httpDuration, err = meter.Float64Histogram(
		"plangob_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	if m.httpRequests, err = meter.Int64Counter(
		"plangob_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	if m.queryDuration, err = meter.Float64Histogram(
		"plangob_query_duration_seconds",
		metric.WithDescription("End-to-end question answering duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	if m.queriesTotal, err = meter.Int64Counter(
		"plangob_queries_total",
		metric.WithDescription("Total questions answered"),
	); err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	if m.queryErrors, err = meter.Int64Counter(
		"plangob_query_errors_total",
		metric.WithDescription("Total failed questions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create query errors counter: %w", err)
	}

	if m.cacheHits, err = meter.Int64Counter(
		"plangob_cache_hits_total",
		metric.WithDescription("Total cache hits"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	if m.cacheMisses, err = meter.Int64Counter(
		"plangob_cache_misses_total",
		metric.WithDescription("Total cache misses"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	if m.tokensSaved, err = meter.Int64Counter(
		"plangob_toon_tokens_saved_total",
		metric.WithDescription("Tokens saved by the TOON query enhancement format versus JSON"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tokens saved counter: %w", err)
	}

	if m.llmDuration, err = meter.Float64Histogram(
		"plangob_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	if m.llmInputTokens, err = meter.Int64Counter(
		"plangob_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	if m.llmOutputTokens, err = meter.Int64Counter(
		"plangob_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	if m.llmErrors, err = meter.Int64Counter(
		"plangob_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	if m.embedDuration, err = meter.Float64Histogram(
		"plangob_embedding_duration_seconds",
		metric.WithDescription("Embedding batch duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create embedding duration histogram: %w", err)
	}

	if m.embedBatches, err = meter.Int64Counter(
		"plangob_embedding_batches_total",
		metric.WithDescription("Total embedding batches"),
	); err != nil {
		return nil, fmt.Errorf("failed to create embedding batches counter: %w", err)
	}

	if m.searchDuration, err = meter.Float64Histogram(
		"plangob_search_duration_seconds",
		metric.WithDescription("Similarity search duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create search duration histogram: %w", err)
	}

	if m.searchesTotal, err = meter.Int64Counter(
		"plangob_searches_total",
		metric.WithDescription("Total similarity searches"),
	); err != nil {
		return nil, fmt.Errorf("failed to create searches counter: %w", err)
	}

	if m.docsIngested, err = meter.Int64Counter(
		"plangob_documents_ingested_total",
		metric.WithDescription("Total documents ingested"),
	); err != nil {
		return nil, fmt.Errorf("failed to create documents counter: %w", err)
	}

	if m.chunksStored, err = meter.Int64Counter(
		"plangob_chunks_stored_total",
		metric.WithDescription("Total chunks persisted to the vector store"),
	); err != nil {
		return nil, fmt.Errorf("failed to create chunks stored counter: %w", err)
	}

	if m.chunksDropped, err = meter.Int64Counter(
		"plangob_chunks_dropped_total",
		metric.WithDescription("Total chunks dropped by the quality filter"),
	); err != nil {
		return nil, fmt.Errorf("failed to create chunks dropped counter: %w", err)
	}

	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.handler == nil {
		return disabledHandler()
	}
	return m.handler
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", statusCode),
	}

	ctx := context.Background()
	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuery records one question through the pipeline.
func (m *Metrics) RecordQuery(ctx context.Context, duration time.Duration, cached bool, err error) {
	if m == nil || m.queryDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("cached", cached),
	}

	m.queryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.queriesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.queryErrors != nil {
		m.queryErrors.Add(ctx, 1)
	}
}

// RecordCacheHit records a hit on the named cache.
func (m *Metrics) RecordCacheHit(ctx context.Context, cache string) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrCacheName, cache)))
}

// RecordCacheMiss records a miss on the named cache.
func (m *Metrics) RecordCacheMiss(ctx context.Context, cache string) {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrCacheName, cache)))
}

// RecordTokensSaved accumulates the token savings counter.
func (m *Metrics) RecordTokensSaved(ctx context.Context, tokens int) {
	if m == nil || m.tokensSaved == nil || tokens <= 0 {
		return
	}
	m.tokensSaved.Add(ctx, int64(tokens))
}

// RecordLLMCall records one completion request.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))

	if err != nil && m.llmErrors != nil {
		m.llmErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordEmbedding records one embedding batch.
func (m *Metrics) RecordEmbedding(ctx context.Context, model string, duration time.Duration, batchSize int) {
	if m == nil || m.embedDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.Int("batch_size", batchSize),
	}

	m.embedDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.embedBatches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSearch records one similarity search.
func (m *Metrics) RecordSearch(ctx context.Context, backend string, duration time.Duration, results int) {
	if m == nil || m.searchDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.Int("results", results),
	}

	m.searchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.searchesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordIngestion records one document ingestion outcome.
func (m *Metrics) RecordIngestion(ctx context.Context, party, status string, chunksStored, chunksDropped int) {
	if m == nil || m.docsIngested == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrParty, party),
		attribute.String("status", status),
	}

	m.docsIngested.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.chunksStored.Add(ctx, int64(chunksStored), metric.WithAttributes(attribute.String(AttrParty, party)))
	m.chunksDropped.Add(ctx, int64(chunksDropped), metric.WithAttributes(attribute.String(AttrParty, party)))
}

func disabledHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}
