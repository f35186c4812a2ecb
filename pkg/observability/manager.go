package observability

import (
	"context"
	"sync"
)

// Manager owns the tracer and metrics lifecycles.
type Manager struct {
	config  Config
	tracer  *Tracer
	metrics *Metrics
	mu      sync.RWMutex
}

// NewManager creates a Manager for the given config. Call Initialize
// before use.
func NewManager(cfg Config) *Manager {
	return &Manager{
		config: cfg,
	}
}

// NoopManager returns an initialized Manager with everything disabled.
func NoopManager() *Manager {
	m := NewManager(Config{})
	// Initialize with disabled config cannot fail.
	_ = m.Initialize(context.Background())
	return m
}

// Initialize builds the tracer and metrics from config.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracer, err := InitTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracer = tracer

	metrics, err := InitMetrics(ctx, m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics

	return nil
}

// Tracer returns the tracer. Safe to call on an uninitialized Manager.
func (m *Manager) Tracer() *Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracer
}

// Metrics returns the metrics set. Safe to call on an uninitialized Manager.
func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// MetricsEndpoint returns the configured scrape path.
func (m *Manager) MetricsEndpoint() string {
	if m.config.Metrics.Endpoint != "" {
		return m.config.Metrics.Endpoint
	}
	return DefaultMetricsPath
}

// Shutdown flushes and stops the tracer.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tracer != nil {
		return m.tracer.Shutdown(ctx)
	}
	return nil
}
