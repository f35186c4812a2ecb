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

package rag

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/civicadata/plangob/pkg/vector"
)

// ContextBuilder turns ranked search results into the prompt context
// block and its citation list. Near-duplicate chunks are dropped, the
// survivors are packed into a token budget in similarity order, and
// the final text is grouped by party for the model's benefit.
type ContextBuilder struct {
	minSection int
	counter    tokenCounter
	split      sentenceSplitter
	logger     *slog.Logger
}

func NewContextBuilder(minSectionTokens int, counter tokenCounter) *ContextBuilder {
	return &ContextBuilder{
		minSection: minSectionTokens,
		counter:    counter,
		split:      ruleSplitter{},
		logger:     slog.Default().With("component", "contextbuilder"),
	}
}

type contextSection struct {
	res     vector.Result
	header  string
	content string
}

// Build formats results into context text within budget tokens, and
// returns one citation per included chunk, in the order they appear in
// the text. titles maps document ids to display titles and abbrs maps
// party slugs to abbreviations; missing entries fall back to the raw
// id and the uppercased slug.
func (b *ContextBuilder) Build(results []vector.Result, titles, abbrs map[string]string, budget int) (string, []Source) {
	if len(results) == 0 || budget <= 0 {
		return "", nil
	}

	ordered := make([]vector.Result, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score > ordered[j].Score
	})

	var included []contextSection
	used := 0
	for _, r := range b.dedupe(ordered) {
		header := b.header(r, titles, abbrs)
		cost := b.counter.Count(header + "\n" + r.Content + "\n\n")
		if used+cost <= budget {
			included = append(included, contextSection{r, header, r.Content})
			used += cost
			continue
		}

		remaining := budget - used - b.counter.Count(header+"\n\n\n")
		if remaining < b.minSection {
			continue
		}
		trunc := b.truncate(r.Content, remaining)
		if trunc == "" || b.counter.Count(trunc) < b.minSection {
			continue
		}
		included = append(included, contextSection{r, header, trunc})
		used += b.counter.Count(header + "\n" + trunc + "\n\n")
	}
	if len(included) == 0 {
		return "", nil
	}

	// Group by party. Walking in similarity order means each party
	// first appears at its best chunk, which fixes the party order.
	byParty := make(map[string][]contextSection)
	var partyOrder []string
	for _, sec := range included {
		if _, ok := byParty[sec.res.Party]; !ok {
			partyOrder = append(partyOrder, sec.res.Party)
		}
		byParty[sec.res.Party] = append(byParty[sec.res.Party], sec)
	}

	var sb strings.Builder
	var sources []Source
	for _, party := range partyOrder {
		for _, sec := range byParty[party] {
			sb.WriteString(sec.header)
			sb.WriteString("\n")
			sb.WriteString(sec.content)
			sb.WriteString("\n\n")

			title := titles[sec.res.DocumentID]
			if title == "" {
				title = sec.res.DocumentID
			}
			sources = append(sources, Source{
				Party:      partyAbbr(sec.res.Party, abbrs),
				Document:   title,
				Page:       sec.res.Page,
				Similarity: sec.res.Score,
				Snippet:    snippet(sec.res.Content, 200),
			})
		}
	}
	return strings.TrimRight(sb.String(), "\n"), sources
}

func (b *ContextBuilder) header(r vector.Result, titles, abbrs map[string]string) string {
	title := titles[r.DocumentID]
	if title == "" {
		title = r.DocumentID
	}
	h := fmt.Sprintf("### Party: %s (%s)", partyAbbr(r.Party, abbrs), title)
	if r.Page > 0 {
		h += fmt.Sprintf(" (p. %d)", r.Page)
	}
	return h
}

func partyAbbr(slug string, abbrs map[string]string) string {
	if a := abbrs[slug]; a != "" {
		return a
	}
	return strings.ToUpper(slug)
}

// dedupe drops chunks whose token shingles overlap a higher-ranked
// chunk by 80% or more. Input must be sorted by similarity descending.
func (b *ContextBuilder) dedupe(sorted []vector.Result) []vector.Result {
	var kept []vector.Result
	var keptShingles []map[string]bool
	for _, r := range sorted {
		sh := shingles(r.Content, 3)
		dup := false
		for i, ksh := range keptShingles {
			if shingleOverlap(sh, ksh) >= 0.8 {
				b.logger.Debug("Dropped near-duplicate chunk",
					"chunk_id", r.ID,
					"kept_chunk_id", kept[i].ID)
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, r)
		keptShingles = append(keptShingles, sh)
	}
	return kept
}

// truncate keeps whole sentences while they fit the token budget.
func (b *ContextBuilder) truncate(content string, budget int) string {
	end := 0
	for _, s := range b.split.Split(content) {
		if b.counter.Count(content[:s[1]]) > budget {
			break
		}
		end = s[1]
	}
	return strings.TrimSpace(content[:end])
}

// shingles returns the 3-word shingle set of content, lowercased.
// Texts shorter than one shingle collapse to a single entry.
func shingles(content string, k int) map[string]bool {
	words := strings.Fields(strings.ToLower(content))
	out := make(map[string]bool)
	if len(words) < k {
		if len(words) > 0 {
			out[strings.Join(words, " ")] = true
		}
		return out
	}
	for i := 0; i+k <= len(words); i++ {
		out[strings.Join(words[i:i+k], " ")] = true
	}
	return out
}

// shingleOverlap is |A∩B| over the smaller set, in [0,1].
func shingleOverlap(a, b map[string]bool) float64 {
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	if len(small) == 0 {
		return 0
	}
	n := 0
	for s := range small {
		if big[s] {
			n++
		}
	}
	return float64(n) / float64(len(small))
}

// snippet returns the first ~limit runes of content, cut at a word
// boundary.
func snippet(content string, limit int) string {
	content = strings.TrimSpace(content)
	if runeCount(content) <= limit {
		return content
	}
	cut := string([]rune(content)[:limit])
	if i := strings.LastIndexAny(cut, " \n"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n,;.") + "…"
}
