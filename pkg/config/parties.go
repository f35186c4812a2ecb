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
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// PartyConfig describes one political party. The slug is the stable
// identifier used in URLs, filters, and chunk metadata.
type PartyConfig struct {
	// Slug is the URL-safe identifier, e.g. "pln".
	Slug string `yaml:"slug" json:"slug"`

	// Name is the full official name.
	Name string `yaml:"name" json:"name"`

	// Abbreviation is the common short form, e.g. "PLN".
	Abbreviation string `yaml:"abbreviation,omitempty" json:"abbreviation,omitempty"`

	// PlanURL points at the party's published government plan PDF.
	// Used by batch ingestion when no explicit URL is given.
	PlanURL string `yaml:"plan_url,omitempty" json:"plan_url,omitempty"`

	// Color is the party's primary brand color as a hex string.
	Color string `yaml:"color,omitempty" json:"color,omitempty"`

	// ColorSecondary is the secondary brand color, if any.
	ColorSecondary string `yaml:"color_secondary,omitempty" json:"color_secondary,omitempty"`

	// Website is the party's official site.
	Website string `yaml:"website,omitempty" json:"website,omitempty"`

	// Metadata is a free-form bag passed through to API clients.
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// SetDefaults applies default values to PartyConfig.
func (c *PartyConfig) SetDefaults() {
	if c.Abbreviation == "" {
		c.Abbreviation = strings.ToUpper(c.Slug)
	}
}

// Validate checks the party configuration.
func (c *PartyConfig) Validate() error {
	if c.Slug == "" {
		return fmt.Errorf("slug is required")
	}
	if !slugPattern.MatchString(c.Slug) {
		return fmt.Errorf("invalid slug %q (lowercase letters, digits, and hyphens only)", c.Slug)
	}
	if c.Name == "" {
		return fmt.Errorf("name is required for party %q", c.Slug)
	}
	return nil
}

// DefaultParties returns the built-in registry for the 2026 Costa Rican
// general election. A parties section in the config file replaces it
// entirely.
func DefaultParties() []PartyConfig {
	return []PartyConfig{
		{
			Slug:           "pln",
			Name:           "Partido Liberación Nacional",
			Abbreviation:   "PLN",
			Color:          "#00A650",
			ColorSecondary: "#FFFFFF",
			Website:        "https://plndigital.com",
		},
		{
			Slug:           "pusc",
			Name:           "Partido Unidad Social Cristiana",
			Abbreviation:   "PUSC",
			Color:          "#0038A8",
			ColorSecondary: "#DA291C",
			Website:        "https://pusc.cr",
		},
		{
			Slug:         "fa",
			Name:         "Frente Amplio",
			Abbreviation: "FA",
			Color:        "#FFD700",
			Website:      "https://frenteamplio.org",
		},
		{
			Slug:         "plp",
			Name:         "Partido Liberal Progresista",
			Abbreviation: "PLP",
			Color:        "#6A0DAD",
			Website:      "https://plpcr.com",
		},
		{
			Slug:         "ppsd",
			Name:         "Partido Progreso Social Democrático",
			Abbreviation: "PPSD",
			Color:        "#C8102E",
		},
		{
			Slug:         "pnr",
			Name:         "Partido Nueva República",
			Abbreviation: "PNR",
			Color:        "#1B4F9C",
		},
	}
}
