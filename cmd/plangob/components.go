package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicadata/plangob/pkg/cache"
	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/embedders"
	"github.com/civicadata/plangob/pkg/llms"
	"github.com/civicadata/plangob/pkg/observability"
	"github.com/civicadata/plangob/pkg/parties"
	"github.com/civicadata/plangob/pkg/rag"
	"github.com/civicadata/plangob/pkg/store"
	"github.com/civicadata/plangob/pkg/vector"
)

// components holds everything a command needs wired together: provider
// clients, stores, caches and the two pipelines built on top of them.
type components struct {
	cfg      *config.Config
	pool     *config.DBPool
	llm      llms.LLM
	embedder embedders.Embedder
	vectors  vector.Store
	registry *store.Registry
	parties  *parties.Registry
	chat     cache.Store
	comp     cache.Store
	obs      *observability.Manager
	pipeline *rag.Pipeline
	ingestor *rag.Ingestor
}

// buildComponents constructs every component from configuration, in
// dependency order. On error, anything already opened is released.
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{cfg: cfg}

	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	c.obs = observability.NewManager(cfg.Observability)
	if err := c.obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	var err error
	if c.llm, err = llms.New(&cfg.LLM); err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	if c.embedder, err = embedders.New(&cfg.Embedder); err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	if c.vectors, err = vector.New(ctx, &cfg.VectorStore); err != nil {
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	if err = c.vectors.EnsureReady(ctx, c.embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("vector store not ready: %w", err)
	}

	// The document registry always needs a relational database. Without
	// a configured one, fall back to a local SQLite file so the chromem
	// zero-dependency setup works out of the box.
	dbCfg := cfg.Database
	if dbCfg == nil {
		dbCfg = &config.DatabaseConfig{}
		dbCfg.SetDefaults()
		slog.Debug("No database configured, using local SQLite", "path", dbCfg.Database)
	}

	c.pool = config.NewDBPool()
	db, err := c.pool.Get(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if c.registry, err = store.NewRegistry(db, dbCfg.Dialect()); err != nil {
		return nil, fmt.Errorf("failed to create document registry: %w", err)
	}

	if c.chat, err = cache.New(&cfg.Cache, dbCfg, c.pool, cache.BucketChat); err != nil {
		return nil, fmt.Errorf("failed to create chat cache: %w", err)
	}
	if c.comp, err = cache.New(&cfg.Cache, dbCfg, c.pool, cache.BucketComparisons); err != nil {
		return nil, fmt.Errorf("failed to create comparison cache: %w", err)
	}

	if c.parties, err = parties.NewRegistry(cfg.Parties); err != nil {
		return nil, fmt.Errorf("failed to load parties: %w", err)
	}

	c.pipeline = rag.NewPipeline(cfg, c.llm, c.embedder, c.vectors, c.registry,
		c.parties, c.chat, c.comp, c.obs.Metrics())
	if c.ingestor, err = rag.NewIngestor(cfg, c.embedder, c.vectors, c.registry, c.obs.Metrics()); err != nil {
		return nil, fmt.Errorf("failed to create ingestor: %w", err)
	}

	ok = true
	return c, nil
}

// Close releases every component. Safe on a partially built set.
func (c *components) Close() {
	if c.chat != nil {
		if err := c.chat.Close(); err != nil {
			slog.Warn("Failed to close chat cache", "error", err)
		}
	}
	if c.comp != nil {
		if err := c.comp.Close(); err != nil {
			slog.Warn("Failed to close comparison cache", "error", err)
		}
	}
	if c.vectors != nil {
		if err := c.vectors.Close(); err != nil {
			slog.Warn("Failed to close vector store", "error", err)
		}
	}
	// The pool owns every database handle, including the registry's.
	if c.pool != nil {
		c.pool.Close()
	}
	if c.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.obs.Shutdown(ctx); err != nil {
			slog.Warn("Failed to shut down observability", "error", err)
		}
	}
}
