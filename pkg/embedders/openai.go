package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/httpclient"
)

// OpenAIEmbedder calls the OpenAI embeddings API. Batches are capped at
// the configured batch size and results are reordered by the index the
// API reports, so output order always matches input order.
type OpenAIEmbedder struct {
	config     *config.EmbedderConfig
	httpClient *httpclient.Client
	baseURL    string
}

type OpenAIEmbeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type OpenAIEmbeddingResponse struct {
	Object string                `json:"object"`
	Data   []OpenAIEmbeddingData `json:"data"`
	Model  string                `json:"model"`
	Usage  OpenAIEmbeddingUsage  `json:"usage"`
	Error  *OpenAIEmbeddingError `json:"error,omitempty"`
}

type OpenAIEmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type OpenAIEmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type OpenAIEmbeddingError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func NewOpenAIEmbedder(cfg *config.EmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	baseURL := strings.TrimSuffix(cfg.Host, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAIEmbedder{
		config:     cfg,
		httpClient: createHTTPClient(cfg, httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders)),
		baseURL:    baseURL,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, Usage, error) {
	embeddings, usage, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, Usage{}, err
	}
	return embeddings[0], usage, nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	if len(texts) == 0 {
		return nil, Usage{}, nil
	}

	var total Usage
	result := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		embeddings, usage, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, total, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		total.Add(usage)
		result = append(result, embeddings...)
	}

	return result, total, nil
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.config.Dimension
}

func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}

func (e *OpenAIEmbedder) Close() error {
	return nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	request := OpenAIEmbeddingRequest{
		Input: texts,
		Model: e.config.Model,
	}

	// Only the text-embedding-3 family accepts a dimensions override;
	// older models reject the parameter.
	if strings.HasPrefix(e.config.Model, "text-embedding-3") && e.config.Dimension > 0 {
		request.Dimensions = e.config.Dimension
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	resp, err := e.httpClient.Do(req)
	// The client returns both a response and an error on a non-retryable
	// status; the body carries the API message.
	if resp == nil {
		return nil, Usage{}, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, Usage{}, fmt.Errorf("failed to read response: %w", readErr)
	}

	if resp.StatusCode != http.StatusOK {
		var retryable *httpclient.RetryableError
		if errors.As(err, &retryable) {
			return nil, Usage{}, retryable
		}
	}

	var response OpenAIEmbeddingResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, Usage{}, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	if response.Error != nil {
		if response.Error.Code == "context_length_exceeded" {
			return nil, Usage{}, &InputTooLargeError{Model: e.config.Model, Err: fmt.Errorf("%s", response.Error.Message)}
		}
		return nil, Usage{}, fmt.Errorf("OpenAI API error: %s", response.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Usage{}, fmt.Errorf("embedding request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if len(response.Data) != len(texts) {
		return nil, Usage{}, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Data))
	}

	// The API may return entries out of order.
	sort.Slice(response.Data, func(i, j int) bool {
		return response.Data[i].Index < response.Data[j].Index
	})

	embeddings := make([][]float32, len(response.Data))
	for i, data := range response.Data {
		if e.config.Dimension > 0 && len(data.Embedding) != e.config.Dimension {
			return nil, Usage{}, fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(data.Embedding), e.config.Dimension)
		}
		embeddings[i] = data.Embedding
	}

	usage := Usage{
		PromptTokens: response.Usage.PromptTokens,
		TotalTokens:  response.Usage.TotalTokens,
	}

	return embeddings, usage, nil
}
