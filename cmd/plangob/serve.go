package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/transport"
)

// ServeCmd starts the HTTP API server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanup, err := setupLogger(cli.LogLevel, cli.LogFile, cli.LogFormat, &cfg.Logging)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	srv := transport.NewServer(cfg, comps.pipeline, comps.ingestor, comps.registry,
		comps.parties, comps.vectors, comps.chat, comps.comp, comps.obs)

	printServeInfo(cfg, comps, srv)

	// Start server (blocks until context is cancelled)
	return srv.Start(ctx)
}

// printServeInfo prints the startup summary.
func printServeInfo(cfg *config.Config, comps *components, srv *transport.Server) {
	scheme := "http"
	if cfg.Server.TLS != nil && config.BoolValue(cfg.Server.TLS.Enabled, false) {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, srv.Address())

	blueColor := "\033[38;2;59;130;246m"
	resetColor := "\033[0m"
	fmt.Printf("\n%splangob server ready%s\n", blueColor, resetColor)
	fmt.Printf("   Chat:       POST %s/api/chat\n", base)
	fmt.Printf("   Stream:     POST %s/api/chat/stream\n", base)
	fmt.Printf("   Compare:    POST %s/api/compare\n", base)
	fmt.Printf("   Parties:    GET  %s/api/parties\n", base)
	fmt.Printf("   Health:     GET  %s/api/health\n", base)
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:    GET  %s%s\n", base, comps.obs.MetricsEndpoint())
	}

	fmt.Printf("\n   LLM:        %s (%s)\n", cfg.LLM.Provider, comps.llm.ModelName())
	fmt.Printf("   Embedder:   %s (%s, %d dims)\n", cfg.Embedder.Provider, comps.embedder.ModelName(), comps.embedder.Dimension())
	fmt.Printf("   Vectors:    %s\n", comps.vectors.Name())
	fmt.Printf("   Cache:      %s\n", cfg.Cache.Backend)
	fmt.Printf("   Parties:    %d configured\n", comps.parties.Count())

	if cfg.Server.AdminToken != "" {
		fmt.Printf("   Ingestion:  enabled (admin token required)\n")
	} else {
		fmt.Printf("   Ingestion:  disabled (no admin token; use the ingest command)\n")
	}

	fmt.Println("\nPress Ctrl+C to stop")
}
