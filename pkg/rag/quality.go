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
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// QualityScorer grades chunks on extraction quality and harvests
// keywords and entities from them. Stateless; safe to share.
type QualityScorer struct {
	target int
}

func NewQualityScorer(targetTokens int) *QualityScorer {
	if targetTokens <= 0 {
		targetTokens = 400
	}
	return &QualityScorer{target: targetTokens}
}

// Annotate fills the chunk's quality breakdown, keywords and entities.
func (s *QualityScorer) Annotate(ck *Chunk) {
	ck.Quality = s.Score(ck.Content, ck.TokenCount)
	ck.Keywords = ExtractKeywords(ck.Content, 10)
	ck.Entities = ExtractEntities(ck.Content)
}

func (s *QualityScorer) Score(content string, tokens int) QualityScore {
	q := QualityScore{
		Length:      lengthScore(tokens, s.target),
		SpecialChar: cleanlinessScore(content),
		Readability: readabilityScore(content),
	}
	if hasDomainKeyword(content) {
		q.HasKeywords = 1
	}
	q.Overall = 0.3*q.Length + 0.3*q.SpecialChar + 0.2*q.HasKeywords + 0.2*q.Readability
	return q
}

// lengthScore peaks at the target token count: quadratic ramp up to
// the target, Gaussian decay beyond it.
func lengthScore(tokens, target int) float64 {
	if tokens <= 0 {
		return 0
	}
	r := float64(tokens) / float64(target)
	if r <= 1 {
		return r * (2 - r)
	}
	return math.Exp(-(r - 1) * (r - 1) / 0.5)
}

// allowedSymbols are non-letter characters that occur in legitimate
// plan text. Anything else outside letters, digits, whitespace and
// punctuation counts as an extraction artifact, as does U+FFFD.
var allowedSymbols = map[rune]bool{
	'€': true, '$': true, '+': true, '=': true, '<': true, '>': true,
	'°': true, 'º': true, 'ª': true, '§': true, '|': true,
}

func isArtifact(r rune) bool {
	if r == utf8.RuneError {
		return true
	}
	if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || unicode.IsPunct(r) {
		return false
	}
	return !allowedSymbols[r]
}

// cleanlinessScore is 1 for artifact-free text and reaches 0 once a
// fifth of the runes are artifacts.
func cleanlinessScore(content string) float64 {
	total, artifacts := 0, 0
	for _, r := range content {
		total++
		if isArtifact(r) {
			artifacts++
		}
	}
	if total == 0 {
		return 0
	}
	ratio := float64(artifacts) / float64(total)
	return 1 - math.Min(1, ratio*5)
}

// readabilityScore penalizes extreme average word lengths and run-on
// or fragmented sentences.
func readabilityScore(content string) float64 {
	words := wordRe.FindAllString(content, -1)
	if len(words) == 0 {
		return 0
	}
	letters := 0
	for _, w := range words {
		for _, r := range w {
			if unicode.IsLetter(r) {
				letters++
			}
		}
	}
	avgWord := float64(letters) / float64(len(words))
	wordScore := 1 - math.Min(1, math.Abs(avgWord-5.5)/4.5)

	enders := sentenceEnders(content)
	if enders == 0 {
		enders = 1
	}
	perSentence := float64(len(words)) / float64(enders)
	sentScore := 1 - math.Min(1, math.Abs(perSentence-20)/20)

	return (wordScore + sentScore) / 2
}

func sentenceEnders(content string) int {
	n := 0
	inRun := false
	for _, r := range content {
		switch r {
		case '.', '!', '?', '…':
			if !inRun {
				n++
			}
			inRun = true
		default:
			inRun = false
		}
	}
	return n
}

// domainKeywords is the curated policy vocabulary, in folded form.
var domainKeywords = []string{
	"educacion", "salud", "seguridad", "economia", "empleo",
	"infraestructura", "ambiente", "vivienda", "impuesto", "corrupcion",
	"agricultura", "turismo", "energia", "transporte", "pobreza",
	"pension", "tecnologia", "cultura", "justicia", "migracion",
	"salario", "deuda",
}

func hasDomainKeyword(content string) bool {
	folded := foldSpanish(content)
	for _, kw := range domainKeywords {
		if strings.Contains(folded, kw) {
			return true
		}
	}
	return false
}

// foldSpanish lowercases and strips diacritics so "educación" matches
// OCR output that lost its accents. The transformer chain is built per
// call; chained transformers carry buffers and are not safe to share.
func foldSpanish(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

var spanishStopwords = map[string]bool{
	"de": true, "la": true, "que": true, "el": true, "en": true,
	"y": true, "a": true, "los": true, "del": true, "se": true,
	"las": true, "por": true, "un": true, "para": true, "con": true,
	"no": true, "una": true, "su": true, "al": true, "lo": true,
	"como": true, "más": true, "pero": true, "sus": true, "le": true,
	"ya": true, "o": true, "este": true, "sí": true, "porque": true,
	"esta": true, "entre": true, "cuando": true, "muy": true, "sin": true,
	"sobre": true, "también": true, "me": true, "hasta": true, "hay": true,
	"donde": true, "quien": true, "desde": true, "todo": true, "nos": true,
	"durante": true, "todos": true, "uno": true, "les": true, "ni": true,
	"contra": true, "otros": true, "ese": true, "eso": true, "ante": true,
	"ellos": true, "e": true, "esto": true, "antes": true, "algunos": true,
	"qué": true, "unos": true, "yo": true, "otro": true, "otras": true,
	"otra": true, "él": true, "tanto": true, "esa": true, "estos": true,
	"mucho": true, "quienes": true, "nada": true, "muchos": true,
	"cual": true, "poco": true, "ella": true, "estar": true, "estas": true,
	"algunas": true, "algo": true, "nosotros": true, "ser": true,
	"es": true, "son": true, "fue": true, "será": true, "está": true,
	"están": true, "ha": true, "han": true, "debe": true, "deben": true,
	"puede": true, "pueden": true, "hacer": true, "cada": true,
	"través": true, "mediante": true, "así": true, "dentro": true,
}

// ExtractKeywords returns the top n terms of the chunk by frequency,
// after lowercasing and Spanish stop-word removal. Ties prefer longer
// terms, then alphabetical order, so output is deterministic.
func ExtractKeywords(content string, n int) []string {
	if n <= 0 {
		return nil
	}
	freq := map[string]int{}
	for _, w := range strings.FieldsFunc(strings.ToLower(content), notLetter) {
		if runeCount(w) < 3 || spanishStopwords[w] {
			continue
		}
		freq[w]++
	}
	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		a, b := terms[i], terms[j]
		if freq[a] != freq[b] {
			return freq[a] > freq[b]
		}
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

func notLetter(r rune) bool { return !unicode.IsLetter(r) }

var (
	acronymRe        = regexp.MustCompile(`^[A-ZÁÉÍÓÚÜÑ]{2,6}$`)
	entityConnectors = map[string]bool{
		"de": true, "del": true, "la": true, "las": true, "los": true,
		"y": true, "e": true,
	}
	leadingArticles = map[string]bool{
		"el": true, "la": true, "los": true, "las": true,
		"un": true, "una": true,
	}
)

// ExtractEntities finds capitalized multi-word names, allowing Spanish
// connectors between the capitalized parts ("Caja Costarricense de
// Seguro Social"), plus standalone acronyms. Order of first appearance
// is preserved; duplicates are dropped.
func ExtractEntities(content string) []string {
	var entities []string
	seen := map[string]bool{}

	add := func(e string) {
		if e != "" && !seen[e] {
			seen[e] = true
			entities = append(entities, e)
		}
	}

	var seq []string
	var caps int
	var pending []string

	flush := func() {
		for len(seq) > 0 && leadingArticles[strings.ToLower(seq[0])] {
			seq = seq[1:]
			caps--
		}
		if caps >= 2 {
			add(strings.Join(seq, " "))
		} else if len(seq) == 1 && acronymRe.MatchString(seq[0]) {
			add(seq[0])
		}
		seq, caps, pending = nil, 0, nil
	}

	for _, tok := range wordRe.FindAllString(content, -1) {
		word := strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if word == "" {
			flush()
			continue
		}
		ends := trailingBreak(tok)
		switch {
		case isEntityWord(word):
			if len(pending) > 0 {
				seq = append(seq, pending...)
				pending = nil
			}
			seq = append(seq, word)
			caps++
			if ends {
				flush()
			}
		case len(seq) > 0 && entityConnectors[strings.ToLower(word)] && !ends:
			pending = append(pending, word)
			if len(pending) > 2 {
				flush()
			}
		default:
			flush()
		}
	}
	flush()

	return entities
}

func isEntityWord(w string) bool {
	if acronymRe.MatchString(w) {
		return true
	}
	first, size := utf8.DecodeRuneInString(w)
	if !unicode.IsUpper(first) || len(w) == size {
		return false
	}
	for _, r := range w[size:] {
		if unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

// trailingBreak reports whether the raw token ends with punctuation
// that terminates a name, like "Social," mid-sentence.
func trailingBreak(tok string) bool {
	last, _ := utf8.DecodeLastRuneInString(tok)
	return !unicode.IsLetter(last) && !unicode.IsDigit(last)
}
