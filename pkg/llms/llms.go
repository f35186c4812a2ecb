package llms

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/httpclient"
)

// Message roles in the chat completion format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Stream chunk types.
const (
	ChunkText  = "text"
	ChunkDone  = "done"
	ChunkError = "error"
)

// Message is a single turn in a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one event on a streaming completion channel. A stream
// emits zero or more ChunkText entries followed by exactly one ChunkDone
// or ChunkError, after which the channel is closed.
type StreamChunk struct {
	Type   string
	Text   string
	Tokens int
	Error  error
}

// ContentFilteredError reports a completion blocked by the provider's
// safety filter. The prompt has to change before a retry can succeed.
type ContentFilteredError struct {
	Model string
}

func (e *ContentFilteredError) Error() string {
	return fmt.Sprintf("completion blocked by the %s content filter", e.Model)
}

// ContextOverflowError reports a prompt the model window cannot hold.
// It marks a budgeting bug in the caller, not a transient failure.
type ContextOverflowError struct {
	Model string
	Err   error
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("prompt exceeds the %s context window: %v", e.Model, e.Err)
}

func (e *ContextOverflowError) Unwrap() error {
	return e.Err
}

// LLM generates chat completions. Implementations wrap one upstream
// provider; all of them enforce the configured request timeout and abort
// stalled streams via the idle timeout.
type LLM interface {
	// Complete runs a synchronous completion and returns the full text.
	Complete(ctx context.Context, messages []Message) (string, Usage, error)

	// Stream runs a streaming completion. The returned channel is closed
	// after a terminal ChunkDone or ChunkError.
	Stream(ctx context.Context, messages []Message) (<-chan StreamChunk, error)

	// ModelName returns the configured model identifier.
	ModelName() string

	// ContextWindow returns the model context size in tokens, used for
	// prompt budgeting.
	ContextWindow() int

	// Close releases resources held by the provider.
	Close() error
}

// New creates an LLM provider from configuration.
func New(cfg *config.LLMConfig) (LLM, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config is required")
	}

	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg)
	case "deepseek":
		return NewDeepSeekProvider(cfg)
	case "ollama":
		return NewOllamaProvider(cfg)
	case "gemini":
		return NewGeminiProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (valid: openai, deepseek, ollama, gemini)", cfg.Provider)
	}
}

// createHTTPClient builds the retrying HTTP client shared by the
// HTTP-based providers.
func createHTTPClient(cfg *config.LLMConfig, extra ...httpclient.Option) *httpclient.Client {
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

// idleWatchdog cancels a streaming context when no data arrives within
// the timeout. Callers reset it after every read that made progress.
type idleWatchdog struct {
	timer   *time.Timer
	timeout time.Duration
	fired   atomic.Bool
}

func newIdleWatchdog(timeout time.Duration, cancel context.CancelFunc) *idleWatchdog {
	w := &idleWatchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.fired.Store(true)
		cancel()
	})
	return w
}

func (w *idleWatchdog) Reset() {
	w.timer.Reset(w.timeout)
}

func (w *idleWatchdog) Stop() {
	w.timer.Stop()
}

func (w *idleWatchdog) Fired() bool {
	return w.fired.Load()
}
