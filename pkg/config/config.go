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

// Package config defines the configuration surface of the service: every
// tunable of the ingestion pipeline, the query pipeline, the provider
// clients, and the HTTP server. Configuration is loaded from an optional
// YAML file with environment variable expansion, or assembled entirely
// from environment variables when no file is given.
package config

import (
	"fmt"

	"github.com/civicadata/plangob/pkg/observability"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server,omitempty" json:"server,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`

	Embedder EmbedderConfig `yaml:"embedder,omitempty" json:"embedder,omitempty"`
	LLM      LLMConfig      `yaml:"llm,omitempty" json:"llm,omitempty"`

	VectorStore VectorStoreConfig `yaml:"vector_store,omitempty" json:"vector_store,omitempty"`
	Cache       CacheConfig       `yaml:"cache,omitempty" json:"cache,omitempty"`

	// Database holds the relational store for document metadata and the
	// SQL cache backend. Optional: the chromem vector backend paired with
	// the memory cache needs no database at all.
	Database *DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty"`

	Download   DownloadConfig   `yaml:"download,omitempty" json:"download,omitempty"`
	Chunking   ChunkingConfig   `yaml:"chunking,omitempty" json:"chunking,omitempty"`
	Search     SearchConfig     `yaml:"search,omitempty" json:"search,omitempty"`
	Generation GenerationConfig `yaml:"generation,omitempty" json:"generation,omitempty"`

	// Parties is the static reference list of political parties. The order
	// here is authoritative for comparison matrices and listings.
	Parties []PartyConfig `yaml:"parties,omitempty" json:"parties,omitempty"`

	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.Embedder.SetDefaults()
	c.LLM.SetDefaults()
	c.VectorStore.SetDefaults()
	c.Cache.SetDefaults()
	if c.Database != nil {
		c.Database.SetDefaults()
	}
	c.Download.SetDefaults()
	c.Chunking.SetDefaults()
	c.Search.SetDefaults()
	c.Generation.SetDefaults()
	c.Observability.SetDefaults()

	if len(c.Parties) == 0 {
		c.Parties = DefaultParties()
	}
	for i := range c.Parties {
		c.Parties[i].SetDefaults()
	}
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.VectorStore.Validate(); err != nil {
		return fmt.Errorf("vector_store: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if c.Database != nil {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if err := c.Download.Validate(); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("chunking: %w", err)
	}
	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if err := c.Generation.Validate(); err != nil {
		return fmt.Errorf("generation: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}

	seen := make(map[string]bool, len(c.Parties))
	for i := range c.Parties {
		if err := c.Parties[i].Validate(); err != nil {
			return fmt.Errorf("parties[%d]: %w", i, err)
		}
		if seen[c.Parties[i].Slug] {
			return fmt.Errorf("parties[%d]: duplicate slug %q", i, c.Parties[i].Slug)
		}
		seen[c.Parties[i].Slug] = true
	}

	// The SQL cache backend and the pgvector store both need a database.
	if c.Cache.Backend == "sql" && c.Database == nil {
		return fmt.Errorf("cache: backend %q requires a database section", c.Cache.Backend)
	}

	return nil
}

// ConfigError marks a configuration problem that is fatal at startup.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// NewConfigError builds a ConfigError for the given field.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}
