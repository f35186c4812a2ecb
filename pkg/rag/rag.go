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

// Package rag turns government plan PDFs into an indexed corpus and
// answers questions over it.
//
// The ingestion side downloads a plan, extracts and cleans its text,
// chunks it, scores chunk quality, embeds the survivors and persists
// them. The query side enhances the question with the LLM, retrieves
// similar chunks, assembles a token-budgeted context grouped by party
// and generates a cited Spanish answer, consulting the answer cache on
// the way in and out.
package rag

import (
	"unicode/utf8"

	"github.com/civicadata/plangob/pkg/vector"
)

// Query intents recognized by the query processor.
const (
	IntentQuestion     = "question"
	IntentComparison   = "comparison"
	IntentLookup       = "lookup"
	IntentOpinionProbe = "opinion_probe"
)

// QualityScore breaks down how usable a chunk is. Each component is in
// [0,1]; SpecialChar is the cleanliness score, so 1 means no extraction
// artifacts. Overall combines them as 0.3 length + 0.3 cleanliness +
// 0.2 keywords + 0.2 readability.
type QualityScore struct {
	Length      float64 `json:"length"`
	SpecialChar float64 `json:"special_char"`
	HasKeywords float64 `json:"has_keywords"`
	Readability float64 `json:"readability"`
	Overall     float64 `json:"overall"`
}

// Chunk is one bounded passage of a plan's cleaned text, carrying
// everything ingestion learns about it before it reaches the vector
// store.
type Chunk struct {
	// DocID ties the chunk to its source document.
	DocID string `json:"doc_id"`

	// Party is the owning party slug.
	Party string `json:"party"`

	// Index is the chunk position within the document, 0-based and
	// contiguous.
	Index int `json:"index"`

	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`

	// TokenCount is the (possibly approximate) token count of Content.
	TokenCount int `json:"token_count"`

	// CharCount is the rune count of Content.
	CharCount int `json:"char_count"`

	// Page is the first source page the chunk appears on; PageEnd the
	// last. Both are 0 when the source has no page structure.
	Page    int `json:"page,omitempty"`
	PageEnd int `json:"page_end,omitempty"`

	Quality  QualityScore `json:"quality"`
	Keywords []string     `json:"keywords,omitempty"`
	Entities []string     `json:"entities,omitempty"`

	// StartByte and EndByte locate the chunk's own content (excluding
	// any carried overlap) in the cleaned document text.
	StartByte int `json:"-"`
	EndByte   int `json:"-"`
}

// Source is one citation backing an answer.
type Source struct {
	Party      string  `json:"party"`
	Document   string  `json:"document"`
	Page       int     `json:"page,omitempty"`
	Similarity float64 `json:"similarity"`
	Snippet    string  `json:"snippet"`
}

// EnhancedQuery is the structured view of a user question produced by
// the query processor.
type EnhancedQuery struct {
	Keywords []string `json:"keywords"`
	Entities []string `json:"entities"`

	// Intent is one of the Intent* constants.
	Intent string `json:"intent"`

	// Enhanced is the paraphrased query actually embedded for search.
	Enhanced string `json:"enhancedQuery"`
}

// ChunkID derives the stable vector-store id for a chunk position, so
// re-ingesting a document overwrites instead of duplicating.
func ChunkID(docID string, index int) string {
	return vector.ChunkID(docID, index)
}

// runeCount is shorthand used wherever character-based thresholds
// apply; byte counts would penalize accented Spanish text.
func runeCount(s string) int {
	return utf8.RuneCountInString(s)
}
