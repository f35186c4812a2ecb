package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/httpclient"
)

// OllamaProvider implements LLM over the native Ollama chat API. The
// API streams newline-delimited JSON rather than SSE.
type OllamaProvider struct {
	config     *config.LLMConfig
	httpClient *httpclient.Client
	baseURL    string
}

type OllamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *OllamaOptions `json:"options,omitempty"`
}

type OllamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// OllamaResponse is both the synchronous response and a single frame in
// the NDJSON stream; Done marks the final frame carrying eval counts.
type OllamaResponse struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error,omitempty"`
}

func NewOllamaProvider(cfg *config.LLMConfig) (*OllamaProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	baseURL := strings.TrimSuffix(cfg.Host, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &OllamaProvider{
		config:     cfg,
		httpClient: createHTTPClient(cfg),
		baseURL:    baseURL,
	}, nil
}

func (p *OllamaProvider) Complete(ctx context.Context, messages []Message) (string, Usage, error) {
	request := p.buildRequest(messages, false)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", Usage{}, err
	}

	if response.Error != "" {
		return "", Usage{}, fmt.Errorf("Ollama API error: %s", response.Error)
	}

	usage := Usage{
		PromptTokens:     response.PromptEvalCount,
		CompletionTokens: response.EvalCount,
		TotalTokens:      response.PromptEvalCount + response.EvalCount,
	}

	return response.Message.Content, usage, nil
}

func (p *OllamaProvider) Stream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{
				Type:  ChunkError,
				Error: err,
			}
		}
	}()

	return outputCh, nil
}

func (p *OllamaProvider) ModelName() string {
	return p.config.Model
}

func (p *OllamaProvider) ContextWindow() int {
	return p.config.ContextWindow
}

func (p *OllamaProvider) Close() error {
	return nil
}

func (p *OllamaProvider) buildRequest(messages []Message, stream bool) OllamaRequest {
	request := OllamaRequest{
		Model:    p.config.Model,
		Messages: messages,
		Stream:   stream,
	}

	opts := &OllamaOptions{}
	if p.config.Temperature > 0 {
		opts.Temperature = p.config.Temperature
	}
	if p.config.MaxTokens > 0 {
		opts.NumPredict = p.config.MaxTokens
	}
	if p.config.ContextWindow > 0 {
		opts.NumCtx = p.config.ContextWindow
	}
	if opts.Temperature > 0 || opts.NumPredict > 0 || opts.NumCtx > 0 {
		request.Options = opts
	}

	return request
}

func (p *OllamaProvider) makeRequest(ctx context.Context, request OllamaRequest) (*OllamaResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	resp, err := p.httpClient.Do(req)
	// The client returns both a response and an error on a non-retryable
	// status; the body carries the API message.
	if resp == nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read response: %w", readErr)
	}

	if resp.StatusCode != http.StatusOK {
		var retryable *httpclient.RetryableError
		if errors.As(err, &retryable) {
			return nil, retryable
		}
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("Ollama API error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response OllamaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

func (p *OllamaProvider) makeStreamingRequest(ctx context.Context, request OllamaRequest, outputCh chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchdog := newIdleWatchdog(time.Duration(p.config.StreamIdleTimeout)*time.Second, cancel)
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(streamCtx, "POST", p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				return fmt.Errorf("streaming request failed with status %d", resp.StatusCode)
			}
			var errResp struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
				return fmt.Errorf("Ollama API error: %s", errResp.Error)
			}
			return fmt.Errorf("streaming request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return fmt.Errorf("streaming request failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("streaming request failed: no response received")
	}

	reader := bufio.NewReader(resp.Body)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			if watchdog.Fired() {
				return fmt.Errorf("stream stalled for %ds: %w", p.config.StreamIdleTimeout, err)
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}
		watchdog.Reset()

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk OllamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			return fmt.Errorf("Ollama API error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			outputCh <- StreamChunk{
				Type: ChunkText,
				Text: chunk.Message.Content,
			}
		}

		if chunk.Done {
			outputCh <- StreamChunk{
				Type:   ChunkDone,
				Tokens: chunk.PromptEvalCount + chunk.EvalCount,
			}
			return nil
		}
	}

	outputCh <- StreamChunk{Type: ChunkDone}

	return nil
}
