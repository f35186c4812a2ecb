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
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/civicadata/plangob/pkg/config"
)

// Chunker splits cleaned document text into token-bounded, overlapping
// chunks. Splits happen at paragraph boundaries first; paragraphs over
// the hard cap fall back to sentences, and runaway sentences to word
// windows, so a chunk never cuts mid-word.
type Chunker struct {
	cfg     *config.ChunkingConfig
	counter tokenCounter
	split   sentenceSplitter
	logger  *slog.Logger
}

func NewChunker(cfg *config.ChunkingConfig) (*Chunker, error) {
	logger := slog.Default().With("component", "chunker")
	split, err := newSentenceSplitter(cfg.SentenceData)
	if err != nil {
		return nil, err
	}
	return &Chunker{
		cfg:     cfg,
		counter: newTokenCounter(cfg.UseTokenizer, logger),
		split:   split,
		logger:  logger,
	}, nil
}

// unit is a split fragment awaiting packing: a paragraph, sentence, or
// word window, with its token cost.
type unit struct {
	start, end int
	tokens     int
}

// Chunk splits text into chunks for the given document. StartByte and
// EndByte of each chunk delimit its own content in text; Content
// additionally carries the overlap prefix from the preceding chunk.
// Page attribution comes from the supplied index.
func (c *Chunker) Chunk(docID, party, text string, pages PageIndex) []Chunk {
	units := c.units(text)
	if len(units) == 0 {
		return nil
	}

	var chunks []Chunk
	cur := units[0]
	for _, u := range units[1:] {
		// The separator between units lands inside the merged span, so
		// its cost counts against the cap too.
		gap := 0
		if u.start > cur.end {
			gap = c.counter.Count(text[cur.end:u.start])
		}
		if cur.tokens+gap+u.tokens > c.cfg.MaxSize {
			chunks = append(chunks, c.emit(docID, party, text, pages, len(chunks), cur))
			cur = u
			continue
		}
		cur.end = u.end
		cur.tokens += gap + u.tokens
	}
	chunks = append(chunks, c.emit(docID, party, text, pages, len(chunks), cur))
	return chunks
}

// units flattens the document into packable fragments, splitting finer
// only where a fragment alone would blow the hard cap.
func (c *Chunker) units(text string) []unit {
	var out []unit
	for _, p := range paragraphSpans(text) {
		t := c.counter.Count(text[p[0]:p[1]])
		if t <= c.cfg.MaxSize {
			out = append(out, unit{p[0], p[1], t})
			continue
		}
		for _, s := range c.split.Split(text[p[0]:p[1]]) {
			start, end := p[0]+s[0], p[0]+s[1]
			st := c.counter.Count(text[start:end])
			if st <= c.cfg.MaxSize {
				out = append(out, unit{start, end, st})
				continue
			}
			out = append(out, c.wordWindows(text, start, end)...)
		}
	}
	return out
}

func (c *Chunker) emit(docID, party, text string, pages PageIndex, index int, u unit) Chunk {
	start := u.start
	if index > 0 {
		start = c.overlapStart(text, u.start)
	}
	content := text[start:u.end]

	ck := Chunk{
		DocID:      docID,
		Party:      party,
		Index:      index,
		Content:    content,
		TokenCount: c.counter.Count(content),
		CharCount:  runeCount(content),
		StartByte:  u.start,
		EndByte:    u.end,
		Page:       pages.PageAt(u.start),
	}
	ck.PageEnd = ck.Page
	if u.end > u.start {
		ck.PageEnd = pages.PageAt(u.end - 1)
	}
	return ck
}

// overlapStart walks back from start so the chunk opens with roughly
// Overlap tokens of preceding text, landing on a word boundary.
func (c *Chunker) overlapStart(text string, start int) int {
	if c.cfg.Overlap <= 0 || start == 0 {
		return start
	}
	lo := start - c.cfg.Overlap*8
	if lo < 0 {
		lo = 0
	}
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo++
	}
	if lo > 0 {
		rel := strings.IndexAny(text[lo:start], " \n")
		if rel < 0 {
			return start
		}
		lo += rel + 1
	}
	for lo < start && c.counter.Count(text[lo:start]) > c.cfg.Overlap {
		rel := strings.IndexAny(text[lo:start], " \n")
		if rel < 0 {
			break
		}
		lo += rel + 1
	}
	return lo
}

var wordRe = regexp.MustCompile(`\S+`)

// wordWindows slices an oversized sentence into windows of at most the
// target size, breaking only between words.
func (c *Chunker) wordWindows(text string, start, end int) []unit {
	var out []unit
	wstart := -1
	var prevEnd, prevTokens int
	for _, w := range wordRe.FindAllStringIndex(text[start:end], -1) {
		ws, we := start+w[0], start+w[1]
		if wstart < 0 {
			wstart = ws
		}
		t := c.counter.Count(text[wstart:we])
		if t > c.cfg.Size && prevEnd > wstart {
			out = append(out, unit{wstart, prevEnd, prevTokens})
			wstart = ws
			t = c.counter.Count(text[wstart:we])
		}
		prevEnd, prevTokens = we, t
	}
	if wstart >= 0 && prevEnd > wstart {
		out = append(out, unit{wstart, prevEnd, prevTokens})
	}
	return out
}

func paragraphSpans(text string) [][2]int {
	var out [][2]int
	start := 0
	for start < len(text) {
		rel := strings.Index(text[start:], "\n\n")
		end := len(text)
		if rel >= 0 {
			end = start + rel
		}
		if strings.TrimSpace(text[start:end]) != "" {
			out = append(out, [2]int{start, end})
		}
		if rel < 0 {
			break
		}
		start = end + 2
	}
	return out
}
