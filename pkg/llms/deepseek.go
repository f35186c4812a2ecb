package llms

import (
	"fmt"

	"github.com/civicadata/plangob/pkg/config"
)

// DeepSeekProvider speaks the OpenAI chat completions wire format
// against api.deepseek.com. Everything except the endpoint and model
// catalog behaves identically, so it embeds OpenAIProvider.
type DeepSeekProvider struct {
	*OpenAIProvider
}

func NewDeepSeekProvider(cfg *config.LLMConfig) (*DeepSeekProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("DeepSeek API key is required")
	}
	if cfg.Host == "" {
		cfg.Host = "https://api.deepseek.com/v1"
	}

	inner, err := NewOpenAIProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepseek: %w", err)
	}

	return &DeepSeekProvider{OpenAIProvider: inner}, nil
}
