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
	"regexp"
	"strconv"
	"strings"
)

// PageMark records where a source page begins in the cleaned text.
type PageMark struct {
	Offset int
	Page   int
}

// PageIndex maps byte offsets in cleaned text back to source pages.
// Marks are ordered by offset; empty pages produce marks that share an
// offset with their successor, in which case the later page wins.
type PageIndex []PageMark

// PageAt returns the page containing the given byte offset, or 0 when
// the index is empty.
func (idx PageIndex) PageAt(offset int) int {
	page := 0
	for _, m := range idx {
		if m.Offset > offset {
			break
		}
		page = m.Page
	}
	return page
}

// mojibakeReplacer restores Spanish text that went through a UTF-8 as
// Latin-1 round trip. Capital vowels come back with invisible C1
// controls (U+0081, U+008D, U+009D) in place of unmapped Windows-1252
// bytes. Longer sequences are listed first so they win over the bare
// "â€" fallback.
var mojibakeReplacer = strings.NewReplacer(
	"Ã¡", "á",
	"Ã©", "é",
	"Ã­", "í",
	"Ã³", "ó",
	"Ãº", "ú",
	"Ã±", "ñ",
	"Ã¼", "ü",
	"Ã", "Á",
	"Ã‰", "É",
	"Ã", "Í",
	"Ã“", "Ó",
	"Ãš", "Ú",
	"Ã‘", "Ñ",
	"â€œ", "“",
	"â€", "”",
	"â€˜", "‘",
	"â€™", "’",
	"â€“", "–",
	"â€”", "—",
	"â€¦", "…",
	"â€", "”",
	"Â¿", "¿",
	"Â¡", "¡",
	"Â°", "°",
	"Âº", "º",
	"Âª", "ª",
	"Â·", "·",
	"Â ", " ",
)

// ocrColonRe matches the ligature dropout common in Spanish PDF OCR,
// where "ti" between lowercase letters comes out as ":". Digits on
// either side keep time expressions like 14:30 intact.
var ocrColonRe = regexp.MustCompile(`([a-záéíóúüñ]):([a-záéíóúüñ])`)

var (
	spaceRunRe     = regexp.MustCompile(`[ \t]+`)
	newlineSpaceRe = regexp.MustCompile(` *\n *`)
	newlineRunRe   = regexp.MustCompile(`\n{3,}`)
	pageMarkerRe   = regexp.MustCompile(`(?m)^-- ([0-9]+) of [0-9]+ --$`)
)

// CleanText applies the encoding fixups and whitespace normalization.
// It is idempotent: cleaning already-clean text changes nothing.
// Replacement characters (U+FFFD) stay in place; the quality scorer
// downgrades chunks that carry them.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\f", "\n")
	s = strings.ReplaceAll(s, " ", " ")

	s = mojibakeReplacer.Replace(s)
	s = fixOCRColons(s)

	s = spaceRunRe.ReplaceAllString(s, " ")
	s = newlineSpaceRe.ReplaceAllString(s, "\n")
	s = newlineRunRe.ReplaceAllString(s, "\n\n")

	return strings.TrimSpace(s)
}

// fixOCRColons repairs ":" standing in for "ti" between lowercase
// letters. The replacement runs until stable so runs like
// "par:cipa:vo" fully resolve.
func fixOCRColons(s string) string {
	for {
		fixed := ocrColonRe.ReplaceAllString(s, "${1}ti${2}")
		if fixed == s {
			return s
		}
		s = fixed
	}
}

// Clean runs the full cleaning pipeline over extracted raw text: the
// fixups of CleanText, then removal of the page-marker sentinels with
// each page's position recorded against the final text.
func Clean(raw string) (string, PageIndex) {
	return stripPageMarkers(CleanText(raw))
}

// stripPageMarkers removes "-- N of M --" lines, recording where each
// page begins in the text that remains. Text before the first marker
// belongs to page 1.
func stripPageMarkers(text string) (string, PageIndex) {
	if text == "" {
		return "", nil
	}

	matches := pageMarkerRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, PageIndex{{Offset: 0, Page: 1}}
	}

	var b strings.Builder
	index := PageIndex{{Offset: 0, Page: 1}}
	last := 0

	writeSegment := func(seg string) {
		seg = strings.Trim(seg, "\n ")
		if seg == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(seg)
	}

	for _, m := range matches {
		writeSegment(text[last:m[0]])

		page, _ := strconv.Atoi(text[m[2]:m[3]])
		offset := b.Len()
		if offset > 0 {
			// Account for the separator the page's own content will
			// be written after.
			offset += 2
		}
		index = append(index, PageMark{Offset: offset, Page: page})

		last = m[1]
	}
	writeSegment(text[last:])

	return b.String(), index
}
