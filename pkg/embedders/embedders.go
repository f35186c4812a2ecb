package embedders

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/httpclient"
)

// Usage reports the token cost of an embedding call as the provider
// accounted it. Providers without usage reporting return zeros.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates usage across sub-batches.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.TotalTokens += other.TotalTokens
}

// InputTooLargeError reports a text that exceeds the provider's input
// limit. Retrying cannot help; the caller has to shrink the input.
type InputTooLargeError struct {
	Model string
	Err   error
}

func (e *InputTooLargeError) Error() string {
	return fmt.Sprintf("input exceeds the %s embedding limit: %v", e.Model, e.Err)
}

func (e *InputTooLargeError) Unwrap() error { return e.Err }

// Embedder converts text into fixed-dimension vectors. All chunks and
// queries in a deployment must be embedded with the same model so that
// cosine similarity is meaningful; Dimension reports the width the
// vector store schema is created with.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, Usage, error)

	// EmbedBatch returns one vector per input text, in input order.
	// Inputs beyond the provider batch limit are split transparently.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, Usage, error)

	// Dimension returns the vector width produced by this embedder.
	Dimension() int

	// ModelName returns the configured model identifier.
	ModelName() string

	// Close releases any resources held by the embedder.
	Close() error
}

// New creates an embedder from configuration.
func New(cfg *config.EmbedderConfig) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder config is required")
	}

	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "ollama":
		return NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s (valid: openai, ollama)", cfg.Provider)
	}
}

// createHTTPClient builds the retrying HTTP client shared by the
// embedder implementations.
func createHTTPClient(cfg *config.EmbedderConfig, extra ...httpclient.Option) *httpclient.Client {
	options := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay) * time.Second),
	}

	if config.BoolValue(cfg.InsecureSkipVerify, false) || cfg.CACertificate != "" {
		options = append(options, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			InsecureSkipVerify: config.BoolValue(cfg.InsecureSkipVerify, false),
			CACertificate:      cfg.CACertificate,
		}))
	}

	options = append(options, extra...)

	return httpclient.New(options...)
}
