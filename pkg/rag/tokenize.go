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
	"os"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/neurosnap/sentences"
	"github.com/pkoukk/tiktoken-go"
)

// tokenCounter estimates how many LLM tokens a piece of text costs.
type tokenCounter interface {
	Count(text string) int
	Name() string
}

// approxCounter assumes ~4 characters per token, which tracks cl100k
// closely on Spanish prose and needs no BPE tables.
type approxCounter struct{}

func (approxCounter) Count(text string) int {
	return (runeCount(text) + 3) / 4
}

func (approxCounter) Name() string { return "approx" }

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

func (c *tiktokenCounter) Name() string { return "cl100k_base" }

// newTokenCounter returns the exact cl100k counter when requested and
// available; tiktoken fetches its BPE tables on first use, so failure
// here degrades to the approximation instead of failing ingestion.
func newTokenCounter(useTokenizer bool, logger *slog.Logger) tokenCounter {
	if !useTokenizer {
		return approxCounter{}
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("Tokenizer unavailable, using approximate token counts", "error", err)
		return approxCounter{}
	}
	return &tiktokenCounter{enc: enc}
}

// sentenceSplitter reports sentence byte ranges within a paragraph.
type sentenceSplitter interface {
	Split(text string) [][2]int
}

// newSentenceSplitter builds a Punkt tokenizer from the configured
// training file, or the rule-based Spanish splitter when none is set.
func newSentenceSplitter(trainingPath string) (sentenceSplitter, error) {
	if trainingPath == "" {
		return ruleSplitter{}, nil
	}
	data, err := os.ReadFile(trainingPath)
	if err != nil {
		return nil, fmt.Errorf("read sentence training data: %w", err)
	}
	training, err := sentences.LoadTraining(data)
	if err != nil {
		return nil, fmt.Errorf("load sentence training data %s: %w", trainingPath, err)
	}
	return &punktSplitter{tok: sentences.NewSentenceTokenizer(training)}, nil
}

// punktSplitter wraps the sentences package, re-anchoring each emitted
// sentence in the original text so byte offsets stay exact.
type punktSplitter struct {
	tok *sentences.DefaultSentenceTokenizer
}

func (p *punktSplitter) Split(text string) [][2]int {
	var out [][2]int
	pos := 0
	for _, s := range p.tok.Tokenize(text) {
		trimmed := strings.TrimSpace(s.Text)
		if trimmed == "" {
			pos += len(s.Text)
			continue
		}
		rel := strings.Index(text[pos:], trimmed)
		if rel < 0 {
			// Alignment lost; treat the remainder as one sentence.
			return append(out, [2]int{pos, len(text)})
		}
		start := pos + rel
		out = append(out, [2]int{start, start + len(trimmed)})
		pos = start + len(trimmed)
	}
	if len(out) == 0 && strings.TrimSpace(text) != "" {
		return [][2]int{{0, len(text)}}
	}
	return out
}

// ruleSplitter cuts after sentence-ending punctuation when the next
// word opens like a Spanish sentence. It deliberately keeps common
// abbreviations such as "art. 12" and "Sr. Mora" together.
type ruleSplitter struct{}

var sentenceBoundaryRe = regexp.MustCompile(`([.!?\x{2026}]["'\x{201d}\x{2019})\]]*)(\s+)`)

var spanishAbbrevs = map[string]bool{
	"sr": true, "sra": true, "srta": true, "dr": true, "dra": true,
	"lic": true, "ing": true, "prof": true, "gral": true,
	"art": true, "arts": true, "inc": true, "cap": true, "núm": true,
	"no": true, "nro": true, "pág": true, "págs": true, "p": true, "pp": true,
}

func (ruleSplitter) Split(text string) [][2]int {
	var out [][2]int
	last := 0
	for _, m := range sentenceBoundaryRe.FindAllStringSubmatchIndex(text, -1) {
		if m[0] < last {
			continue
		}
		if text[m[2]] == '.' && spanishAbbrevs[lastWord(text[last:m[2]])] {
			continue
		}
		next, _ := utf8.DecodeRuneInString(text[m[1]:])
		if !opensSentence(next) {
			continue
		}
		out = append(out, [2]int{last, m[3]})
		last = m[1]
	}
	if last < len(text) && strings.TrimSpace(text[last:]) != "" {
		out = append(out, [2]int{last, len(text)})
	}
	return out
}

func opensSentence(r rune) bool {
	return unicode.IsUpper(r) || unicode.IsDigit(r) ||
		r == '¿' || r == '¡' || r == '"' || r == '“' || r == '-' || r == '—'
}

// lastWord returns the final word of s, lowercased for abbreviation
// lookup.
func lastWord(s string) string {
	i := strings.LastIndexAny(s, " \n\t")
	return strings.ToLower(s[i+1:])
}
