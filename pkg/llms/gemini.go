package llms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/civicadata/plangob/pkg/config"
)

// GeminiProvider implements LLM over the official genai SDK. The SDK
// owns transport and retries; only timeouts are enforced here.
type GeminiProvider struct {
	config *config.LLMConfig
	client *genai.Client
}

func NewGeminiProvider(cfg *config.LLMConfig) (*GeminiProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		config: cfg,
		client: client,
	}, nil
}

func (p *GeminiProvider) Complete(ctx context.Context, messages []Message) (string, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.config.Timeout)*time.Second)
	defer cancel()

	contents, system := p.buildContents(messages)

	resp, err := p.client.Models.GenerateContent(ctx, p.config.Model, contents, p.buildConfig(system))
	if err != nil {
		return "", Usage{}, fmt.Errorf("Gemini generation failed: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return "", Usage{}, fmt.Errorf("empty response from Gemini")
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", Usage{}, &ContentFilteredError{Model: p.config.Model}
	}
	if resp.Candidates[0].Content == nil {
		return "", Usage{}, fmt.Errorf("empty response from Gemini")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			sb.WriteString(part.Text)
		}
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return sb.String(), usage, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	contents, system := p.buildContents(messages)
	genConfig := p.buildConfig(system)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		watchdog := newIdleWatchdog(time.Duration(p.config.StreamIdleTimeout)*time.Second, cancel)
		defer watchdog.Stop()

		var totalTokens int

		for resp, err := range p.client.Models.GenerateContentStream(streamCtx, p.config.Model, contents, genConfig) {
			if err != nil {
				if watchdog.Fired() {
					err = fmt.Errorf("stream stalled for %ds: %w", p.config.StreamIdleTimeout, err)
				}
				outputCh <- StreamChunk{
					Type:  ChunkError,
					Error: fmt.Errorf("Gemini streaming error: %w", err),
				}
				return
			}
			watchdog.Reset()

			if resp.UsageMetadata != nil {
				totalTokens = int(resp.UsageMetadata.TotalTokenCount)
			}

			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" && !part.Thought {
					outputCh <- StreamChunk{
						Type: ChunkText,
						Text: part.Text,
					}
				}
			}
		}

		outputCh <- StreamChunk{
			Type:   ChunkDone,
			Tokens: totalTokens,
		}
	}()

	return outputCh, nil
}

func (p *GeminiProvider) ModelName() string {
	return p.config.Model
}

func (p *GeminiProvider) ContextWindow() int {
	return p.config.ContextWindow
}

func (p *GeminiProvider) Close() error {
	return nil
}

// buildContents splits out the system instruction, which Gemini takes
// separately from the conversation turns.
func (p *GeminiProvider) buildContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var system *genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = &genai.Content{
				Parts: []*genai.Part{{Text: msg.Content}},
				Role:  "user",
			}
		case RoleAssistant:
			contents = append(contents, &genai.Content{
				Parts: []*genai.Part{{Text: msg.Content}},
				Role:  "model",
			})
		default:
			contents = append(contents, &genai.Content{
				Parts: []*genai.Part{{Text: msg.Content}},
				Role:  "user",
			})
		}
	}

	return contents, system
}

func (p *GeminiProvider) buildConfig(system *genai.Content) *genai.GenerateContentConfig {
	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: system,
	}

	if p.config.Temperature > 0 {
		genConfig.Temperature = genai.Ptr(float32(p.config.Temperature))
	}
	if p.config.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(p.config.MaxTokens)
	}

	return genConfig
}
