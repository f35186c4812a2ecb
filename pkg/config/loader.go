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
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Default config file names probed when no --config flag is given.
var defaultConfigFiles = []string{"plangob.yaml", "plangob.yml"}

// Load resolves configuration for the process.
//
// With a non-empty path it loads that file. With an empty path it probes
// the default file names in the working directory and, when none exists,
// assembles the whole configuration from environment variables.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	if path != "" {
		return LoadFromFile(path)
	}

	for _, candidate := range defaultConfigFiles {
		if _, err := os.Stat(candidate); err == nil {
			return LoadFromFile(candidate)
		}
	}

	return FromEnv()
}

// LoadFromFile reads, parses, and processes a configuration file.
func LoadFromFile(path string) (*Config, error) {
	// 1. Read raw bytes
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// 2. Parse YAML/JSON into map
	rawMap, err := parseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// 3. Expand environment variables
	expanded, _ := ExpandEnvVarsInData(rawMap).(map[string]interface{})
	if expanded == nil {
		expanded = rawMap
	}

	// 4. Decode into Config struct
	cfg := &Config{}
	if err := decodeConfig(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// 5. Apply defaults
	cfg.SetDefaults()

	// 6. Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// FromEnv assembles a configuration entirely from environment variables.
// Every knob has a default, so an empty environment yields a working
// chromem + memory-cache setup that only lacks provider API keys.
func FromEnv() (*Config, error) {
	cfg := &Config{}

	cfg.Embedder.Provider = os.Getenv("EMBEDDING_PROVIDER")
	cfg.Embedder.Model = os.Getenv("EMBEDDING_MODEL")
	cfg.LLM.Provider = os.Getenv("LLM_PROVIDER")
	cfg.LLM.Model = os.Getenv("LLM_MODEL")

	cfg.VectorStore.Backend = os.Getenv("VECTOR_STORE_BACKEND")
	cfg.VectorStore.URL = os.Getenv("VECTOR_STORE_URL")

	cfg.Cache.Backend = os.Getenv("CACHE_BACKEND")
	cfg.Cache.TTLHours = envInt("CACHE_TTL_HOURS", 0)

	cfg.Chunking.Size = envInt("CHUNK_SIZE", 0)
	cfg.Chunking.MaxSize = envInt("CHUNK_MAX_SIZE", 0)
	cfg.Chunking.Overlap = envInt("CHUNK_OVERLAP", 0)

	cfg.Search.Threshold = envFloat("SIMILARITY_THRESHOLD", 0)
	cfg.Search.TopK = envInt("TOP_K_DEFAULT", 0)

	cfg.Download.Dir = os.Getenv("DOWNLOAD_DIR")
	if ms := envInt("DOWNLOAD_TIMEOUT_MS", 0); ms > 0 {
		cfg.Download.Timeout = (ms + 999) / 1000
	}
	cfg.Download.Retries = envInt("DOWNLOAD_RETRIES", 0)
	cfg.Download.Concurrency = envInt("DOWNLOAD_CONCURRENCY", 0)

	cfg.Server.Port = envInt("PORT", 0)
	cfg.Logging.Level = os.Getenv("LOG_LEVEL")

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// parseBytes parses raw bytes into a map.
// Supports YAML (primary) and JSON (fallback).
func parseBytes(data []byte) (map[string]interface{}, error) {
	var result map[string]interface{}

	// Try YAML first (YAML is a superset of JSON)
	if err := yaml.Unmarshal(data, &result); err == nil {
		return result, nil
	}

	// Fallback to JSON
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse as YAML or JSON: %w", err)
	}

	return result, nil
}

// decodeConfig decodes a map into a Config struct using mapstructure.
func decodeConfig(input map[string]interface{}, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}

	return nil
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(name string, fallback float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
