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

import (
	"fmt"
	"os"
)

// VectorStoreConfig selects and tunes the chunk index.
type VectorStoreConfig struct {
	// Backend: "pgvector", "qdrant", "chromem", or "pinecone".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=pgvector,enum=qdrant,enum=chromem,enum=pinecone,default=pgvector"`

	// URL is the connection string: a postgres DSN for pgvector, a
	// host:port for qdrant, an optional persistence directory for
	// chromem. Ignored by pinecone.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Collection names the chunk collection (qdrant/chromem/pinecone).
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty"`

	// APIKey authenticates hosted backends (qdrant cloud, pinecone).
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// IndexHost is the pinecone index host, as shown in its console.
	IndexHost string `yaml:"index_host,omitempty" json:"index_host,omitempty"`

	// MaxConns bounds the pgvector connection pool.
	MaxConns int `yaml:"max_conns,omitempty" json:"max_conns,omitempty"`

	// SearchTimeout per similarity query, in seconds.
	SearchTimeout int `yaml:"search_timeout,omitempty" json:"search_timeout,omitempty" jsonschema:"default=10"`

	// UseTLS enables TLS for the qdrant gRPC connection.
	UseTLS bool `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
}

func (c *VectorStoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "pgvector"
	}
	if c.URL == "" {
		switch c.Backend {
		case "pgvector":
			c.URL = os.Getenv("VECTOR_STORE_URL")
			if c.URL == "" {
				c.URL = os.Getenv("DATABASE_URL")
			}
		case "qdrant":
			c.URL = "localhost:6334"
		}
	}
	if c.Collection == "" {
		c.Collection = "plan_chunks"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.SearchTimeout == 0 {
		c.SearchTimeout = 10
	}
}

func (c *VectorStoreConfig) Validate() error {
	switch c.Backend {
	case "pgvector", "qdrant", "chromem", "pinecone":
	default:
		return fmt.Errorf("unsupported backend %q (valid: pgvector, qdrant, chromem, pinecone)", c.Backend)
	}
	if c.Backend == "pgvector" && c.URL == "" {
		return fmt.Errorf("url is required for pgvector")
	}
	if c.Backend == "pinecone" && c.APIKey == "" {
		return fmt.Errorf("api_key is required for pinecone")
	}
	if c.SearchTimeout <= 0 {
		return fmt.Errorf("search_timeout must be positive")
	}
	return nil
}

// CacheConfig tunes the answer and comparison caches.
type CacheConfig struct {
	// Backend: "memory", "sql", or "redis".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=memory,enum=sql,enum=redis,default=memory"`

	// TTLHours is the default lifetime of chat answers. Comparison
	// entries never expire.
	TTLHours int `yaml:"ttl_hours,omitempty" json:"ttl_hours,omitempty" jsonschema:"default=168"`

	// CleanupInterval between expired-entry sweeps, in minutes.
	// Zero disables the background sweep (entries still expire lazily).
	CleanupInterval int `yaml:"cleanup_interval,omitempty" json:"cleanup_interval,omitempty"`

	// OpTimeout per cache operation, in seconds.
	OpTimeout int `yaml:"op_timeout,omitempty" json:"op_timeout,omitempty" jsonschema:"default=2"`

	// Redis connection settings, used when Backend is "redis".
	Redis RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
}

func (c *CacheConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.TTLHours == 0 {
		c.TTLHours = 168
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 60
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 2
	}
	if c.Backend == "redis" && c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
		if c.Redis.Addr == "" {
			c.Redis.Addr = "localhost:6379"
		}
	}
}

func (c *CacheConfig) Validate() error {
	switch c.Backend {
	case "memory", "sql", "redis":
	default:
		return fmt.Errorf("unsupported backend %q (valid: memory, sql, redis)", c.Backend)
	}
	if c.TTLHours < 0 {
		return fmt.Errorf("ttl_hours must be non-negative")
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("op_timeout must be positive")
	}
	return nil
}

// DownloadConfig tunes the PDF downloader.
type DownloadConfig struct {
	// Dir is where downloaded plans are stored.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty" jsonschema:"default=./data/plans"`

	// Timeout per download, in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"default=30"`

	// Retries on transient failure.
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty" jsonschema:"default=3"`

	// Concurrency bounds simultaneous downloads in a batch.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty" jsonschema:"default=3"`

	// MaxSizeMB rejects response bodies larger than this. Zero = no cap.
	MaxSizeMB int `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
}

func (c *DownloadConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = "./data/plans"
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Concurrency == 0 {
		c.Concurrency = 3
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 100
	}
}

func (c *DownloadConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must be non-negative")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}

// ChunkingConfig tunes the text chunker.
type ChunkingConfig struct {
	// Size is the target chunk size in tokens.
	Size int `yaml:"size,omitempty" json:"size,omitempty" jsonschema:"default=400"`

	// MaxSize is the hard upper bound in tokens.
	MaxSize int `yaml:"max_size,omitempty" json:"max_size,omitempty" jsonschema:"default=600"`

	// Overlap carried between consecutive chunks, in tokens.
	Overlap int `yaml:"overlap,omitempty" json:"overlap,omitempty" jsonschema:"default=50"`

	// UseTokenizer enables exact tiktoken counting. When false, the
	// chunker approximates with ~4 characters per token, which is close
	// enough for Spanish prose and much faster.
	UseTokenizer bool `yaml:"use_tokenizer,omitempty" json:"use_tokenizer,omitempty"`

	// SentenceData points at a Punkt training file (the sentences
	// package's JSON format) for sentence-boundary detection. Empty
	// falls back to a rule-based Spanish splitter.
	SentenceData string `yaml:"sentence_data,omitempty" json:"sentence_data,omitempty"`
}

func (c *ChunkingConfig) SetDefaults() {
	if c.Size == 0 {
		c.Size = 400
	}
	if c.MaxSize == 0 {
		c.MaxSize = 600
	}
	if c.Overlap == 0 {
		c.Overlap = 50
	}
}

func (c *ChunkingConfig) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("size must be positive")
	}
	if c.MaxSize < c.Size {
		return fmt.Errorf("max_size (%d) must be >= size (%d)", c.MaxSize, c.Size)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("overlap must be non-negative")
	}
	if c.Overlap >= c.Size {
		return fmt.Errorf("overlap (%d) must be smaller than size (%d)", c.Overlap, c.Size)
	}
	return nil
}

// SearchConfig tunes retrieval.
type SearchConfig struct {
	// TopK is the default number of chunks retrieved per query.
	TopK int `yaml:"top_k,omitempty" json:"top_k,omitempty" jsonschema:"default=5"`

	// MaxTopK caps the per-request topK parameter.
	MaxTopK int `yaml:"max_top_k,omitempty" json:"max_top_k,omitempty" jsonschema:"default=20"`

	// Threshold is the minimum cosine similarity for a chunk to count.
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty" jsonschema:"default=0.35"`

	// MaxQuestionLen rejects oversized questions, in characters.
	MaxQuestionLen int `yaml:"max_question_len,omitempty" json:"max_question_len,omitempty" jsonschema:"default=2000"`

	// ImplicitPartyFilter narrows retrieval to parties the query names
	// when no explicit filter was supplied.
	ImplicitPartyFilter *bool `yaml:"implicit_party_filter,omitempty" json:"implicit_party_filter,omitempty"`

	// MinQualityScore drops low-quality chunks at ingestion.
	MinQualityScore float64 `yaml:"min_quality_score,omitempty" json:"min_quality_score,omitempty" jsonschema:"default=0.2"`
}

func (c *SearchConfig) SetDefaults() {
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.MaxTopK == 0 {
		c.MaxTopK = 20
	}
	if c.Threshold == 0 {
		c.Threshold = 0.35
	}
	if c.MaxQuestionLen == 0 {
		c.MaxQuestionLen = 2000
	}
	if c.ImplicitPartyFilter == nil {
		t := true
		c.ImplicitPartyFilter = &t
	}
	if c.MinQualityScore == 0 {
		c.MinQualityScore = 0.2
	}
}

func (c *SearchConfig) Validate() error {
	if c.TopK < 0 {
		return fmt.Errorf("top_k must be non-negative")
	}
	if c.MaxTopK <= 0 {
		return fmt.Errorf("max_top_k must be positive")
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0,1]")
	}
	if c.MinQualityScore < 0 || c.MinQualityScore > 1 {
		return fmt.Errorf("min_quality_score must be within [0,1]")
	}
	return nil
}

// GenerationConfig tunes answer synthesis.
type GenerationConfig struct {
	// SystemReserve is the token allowance held back for the system
	// prompt when budgeting context.
	SystemReserve int `yaml:"system_reserve,omitempty" json:"system_reserve,omitempty" jsonschema:"default=1500"`

	// OutputReserve is the token allowance held back for the answer.
	OutputReserve int `yaml:"output_reserve,omitempty" json:"output_reserve,omitempty" jsonschema:"default=1000"`

	// MinSectionTokens is the smallest truncated context section worth
	// keeping.
	MinSectionTokens int `yaml:"min_section_tokens,omitempty" json:"min_section_tokens,omitempty" jsonschema:"default=100"`
}

func (c *GenerationConfig) SetDefaults() {
	if c.SystemReserve == 0 {
		c.SystemReserve = 1500
	}
	if c.OutputReserve == 0 {
		c.OutputReserve = 1000
	}
	if c.MinSectionTokens == 0 {
		c.MinSectionTokens = 100
	}
}

func (c *GenerationConfig) Validate() error {
	if c.SystemReserve < 0 || c.OutputReserve < 0 {
		return fmt.Errorf("token reserves must be non-negative")
	}
	if c.MinSectionTokens <= 0 {
		return fmt.Errorf("min_section_tokens must be positive")
	}
	return nil
}
