package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/rag"
)

// Ingestion exit codes: 0 all documents ingested, 1 some failed or
// were partial, 2 none succeeded or the setup itself failed.
const (
	exitOK      = 0
	exitPartial = 1
	exitFailure = 2
)

// IngestCmd ingests one plan or a manifest of plans.
type IngestCmd struct {
	URL   string `help:"Plan URL to download and ingest." xor:"source"`
	File  string `help:"Local plan file to ingest (skips download)." type:"path" xor:"source"`
	DocID string `name:"doc-id" help:"Document identifier, e.g. pln-2026."`
	Party string `help:"Party slug the plan belongs to."`
	Title string `help:"Human-readable document title."`

	Batch string `help:"Manifest file (YAML or JSON) listing documents to ingest." type:"path" xor:"source"`
}

func (c *IngestCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	reqs, err := c.requests()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailure)
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(exitFailure)
	}

	cleanup, err := setupLogger(cli.LogLevel, cli.LogFile, cli.LogFormat, &cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailure)
	}
	defer cleanup()

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailure)
	}

	results := comps.ingestor.IngestBatch(ctx, reqs)
	comps.Close()

	printResults(results)

	if code := exitCode(results); code != exitOK {
		os.Exit(code)
	}
	return nil
}

// requests assembles the ingestion list from flags or the manifest.
func (c *IngestCmd) requests() ([]rag.IngestRequest, error) {
	if c.Batch != "" {
		return loadManifest(c.Batch)
	}

	if c.URL == "" && c.File == "" {
		return nil, fmt.Errorf("nothing to ingest: provide --url, --file, or --batch")
	}
	if c.DocID == "" {
		return nil, fmt.Errorf("--doc-id is required")
	}
	if c.Party == "" {
		return nil, fmt.Errorf("--party is required")
	}

	return []rag.IngestRequest{{
		URL:       c.URL,
		LocalPath: c.File,
		DocID:     c.DocID,
		Party:     c.Party,
		Title:     c.Title,
	}}, nil
}

// manifestEntry is one document in a YAML manifest. JSON manifests use
// the API's request shape directly.
type manifestEntry struct {
	URL       string `yaml:"url"`
	DocID     string `yaml:"doc_id"`
	Party     string `yaml:"party"`
	Title     string `yaml:"title"`
	LocalPath string `yaml:"local_path"`
}

// loadManifest reads a manifest file. Accepted shapes: a JSON or YAML
// object with a documents key, or a bare list.
func loadManifest(path string) ([]rag.IngestRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	// JSON first: its keys match the API request shape.
	var jsonWrapped struct {
		Documents []rag.IngestRequest `json:"documents"`
	}
	if err := json.Unmarshal(data, &jsonWrapped); err == nil && len(jsonWrapped.Documents) > 0 {
		return jsonWrapped.Documents, nil
	}
	var jsonList []rag.IngestRequest
	if err := json.Unmarshal(data, &jsonList); err == nil && len(jsonList) > 0 {
		return jsonList, nil
	}

	// YAML manifests use snake_case keys.
	var yamlWrapped struct {
		Documents []manifestEntry `yaml:"documents"`
	}
	if err := yaml.Unmarshal(data, &yamlWrapped); err == nil && len(yamlWrapped.Documents) > 0 {
		return fromEntries(yamlWrapped.Documents), nil
	}
	var yamlList []manifestEntry
	if err := yaml.Unmarshal(data, &yamlList); err == nil && len(yamlList) > 0 {
		return fromEntries(yamlList), nil
	}

	return nil, fmt.Errorf("manifest %s has no documents (expected a documents key or a bare list)", path)
}

func fromEntries(entries []manifestEntry) []rag.IngestRequest {
	reqs := make([]rag.IngestRequest, len(entries))
	for i, e := range entries {
		reqs[i] = rag.IngestRequest{
			URL:       e.URL,
			DocID:     e.DocID,
			Party:     e.Party,
			Title:     e.Title,
			LocalPath: e.LocalPath,
		}
	}
	return reqs
}

func printResults(results []rag.IngestResult) {
	var succeeded, partial, failed int
	for _, res := range results {
		switch res.Status {
		case rag.IngestSuccess:
			succeeded++
			fmt.Printf("  ok       %-20s %d chunks", res.DocID, res.ChunksStored)
			if res.ChunksDropped > 0 {
				fmt.Printf(" (%d dropped)", res.ChunksDropped)
			}
			fmt.Println()
		case rag.IngestPartial:
			partial++
			fmt.Printf("  partial  %-20s %s\n", res.DocID, res.Error)
		default:
			failed++
			fmt.Printf("  failed   %-20s %s\n", res.DocID, res.Error)
		}
	}

	fmt.Printf("\n%d document(s): %d succeeded, %d partial, %d failed\n",
		len(results), succeeded, partial, failed)
}

func exitCode(results []rag.IngestResult) int {
	var succeeded, partial int
	for _, res := range results {
		switch res.Status {
		case rag.IngestSuccess:
			succeeded++
		case rag.IngestPartial:
			partial++
		}
	}

	switch {
	case succeeded == len(results):
		return exitOK
	case succeeded == 0 && partial == 0:
		return exitFailure
	default:
		return exitPartial
	}
}
