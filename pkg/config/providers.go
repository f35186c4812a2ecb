// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Civicadata
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import "fmt"

// EmbedderConfig selects and tunes the embedding provider.
type EmbedderConfig struct {
	// Provider type: "openai" or "ollama".
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"enum=openai,enum=ollama,default=openai"`

	// Model name, e.g. "text-embedding-3-small" or "nomic-embed-text".
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKey for hosted providers. Usually supplied via environment.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Host is the API base URL ("https://api.openai.com/v1",
	// "http://localhost:11434").
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Dimension D of the produced vectors. Every chunk in a deployment
	// shares this dimension; the vector store enforces it on upsert.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty" jsonschema:"default=1536"`

	// BatchSize is the maximum number of texts per embedding request.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty" jsonschema:"default=100"`

	// Timeout per embedding call, in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"default=60"`

	// MaxRetries for transient provider failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"default=3"`

	// RetryDelay is the base backoff delay in seconds.
	RetryDelay int `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`

	// InsecureSkipVerify disables TLS verification (dev/test only).
	InsecureSkipVerify *bool `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`

	// CACertificate is a path to a custom CA bundle.
	CACertificate string `yaml:"ca_certificate,omitempty" json:"ca_certificate,omitempty"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		switch c.Provider {
		case "ollama":
			c.Model = "nomic-embed-text"
		default:
			c.Model = "text-embedding-3-small"
		}
	}
	if c.Host == "" {
		switch c.Provider {
		case "ollama":
			c.Host = "http://localhost:11434"
		default:
			c.Host = "https://api.openai.com/v1"
		}
	}
	if c.Dimension == 0 {
		switch c.Provider {
		case "ollama":
			c.Dimension = 768
		default:
			c.Dimension = 1536
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1
	}
	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(c.Provider)
	}
}

func (c *EmbedderConfig) Validate() error {
	switch c.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unsupported provider %q (valid: openai, ollama)", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Provider == "openai" && c.APIKey == "" {
		return fmt.Errorf("api_key is required for openai")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}

// LLMConfig selects and tunes the completion provider.
type LLMConfig struct {
	// Provider type: "openai", "deepseek", "ollama", or "gemini".
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"enum=openai,enum=deepseek,enum=ollama,enum=gemini,default=openai"`

	// Model name, e.g. "gpt-4o-mini", "deepseek-chat", "llama3.2".
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKey for hosted providers.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Host is the API base URL.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Temperature for generation.
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"default=0.7"`

	// MaxTokens caps the generated output.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"default=1000"`

	// ContextWindow of the model in tokens. Used for context budgeting.
	ContextWindow int `yaml:"context_window,omitempty" json:"context_window,omitempty"`

	// Timeout for a synchronous completion, in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"default=120"`

	// StreamIdleTimeout aborts a stream when no delta arrives for this
	// many seconds.
	StreamIdleTimeout int `yaml:"stream_idle_timeout,omitempty" json:"stream_idle_timeout,omitempty" jsonschema:"default=30"`

	// MaxRetries for transient provider failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"default=3"`

	// RetryDelay is the base backoff delay in seconds.
	RetryDelay int `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`

	// InsecureSkipVerify disables TLS verification (dev/test only).
	InsecureSkipVerify *bool `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`

	// CACertificate is a path to a custom CA bundle.
	CACertificate string `yaml:"ca_certificate,omitempty" json:"ca_certificate,omitempty"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		switch c.Provider {
		case "deepseek":
			c.Model = "deepseek-chat"
		case "ollama":
			c.Model = "llama3.2"
		case "gemini":
			c.Model = "gemini-2.0-flash"
		default:
			c.Model = "gpt-4o-mini"
		}
	}
	if c.Host == "" {
		switch c.Provider {
		case "deepseek":
			c.Host = "https://api.deepseek.com/v1"
		case "ollama":
			c.Host = "http://localhost:11434"
		case "gemini":
			// The genai SDK resolves its own endpoint.
		default:
			c.Host = "https://api.openai.com/v1"
		}
	}
	if c.ContextWindow == 0 {
		switch c.Provider {
		case "deepseek":
			c.ContextWindow = 65536
		case "ollama":
			c.ContextWindow = 8192
		default:
			c.ContextWindow = 128000
		}
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1000
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.StreamIdleTimeout == 0 {
		c.StreamIdleTimeout = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1
	}
	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(c.Provider)
	}
}

func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case "openai", "deepseek", "ollama", "gemini":
	default:
		return fmt.Errorf("unsupported provider %q (valid: openai, deepseek, ollama, gemini)", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	switch c.Provider {
	case "openai", "deepseek", "gemini":
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for %s", c.Provider)
		}
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if c.ContextWindow <= 0 {
		return fmt.Errorf("context_window must be positive")
	}
	return nil
}
