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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/civicadata/plangob/pkg/config"
)

// SchemaCmd generates JSON Schema from the config structs, for editor
// completion and config tooling. Output goes to stdout.
type SchemaCmd struct {
	// Compact enables compact JSON output (no indentation)
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

// Run executes the schema generation command.
func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		// Disallow additional properties for strict validation
		AllowAdditionalProperties: false,
		// Inline all definitions (no $ref)
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://civicadata.org/schemas/plangob.json"
	schema.Title = "Plangob Configuration Schema"
	schema.Description = "Configuration schema for the plangob RAG service"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"llm": map[string]interface{}{
				"provider": "openai",
				"model":    "gpt-4o-mini",
				"api_key":  "${OPENAI_API_KEY}",
			},
			"embedder": map[string]interface{}{
				"provider": "openai",
				"model":    "text-embedding-3-small",
			},
			"vector_store": map[string]interface{}{
				"backend": "chromem",
				"url":     "./.plangob/vectors",
			},
			"parties": []interface{}{
				map[string]interface{}{
					"slug":         "pln",
					"name":         "Partido Liberación Nacional",
					"abbreviation": "PLN",
				},
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	return nil
}
