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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthScore(t *testing.T) {
	assert.Equal(t, 0.0, lengthScore(0, 400))
	assert.Equal(t, 0.0, lengthScore(-5, 400))

	assert.InDelta(t, 1.0, lengthScore(400, 400), 1e-9)
	assert.InDelta(t, 0.75, lengthScore(200, 400), 1e-9)
	assert.InDelta(t, 0.4375, lengthScore(100, 400), 1e-9)
	assert.InDelta(t, math.Exp(-0.5), lengthScore(600, 400), 1e-9)
	assert.InDelta(t, math.Exp(-2), lengthScore(800, 400), 1e-9)

	// Monotonic toward the target from both sides.
	assert.Greater(t, lengthScore(300, 400), lengthScore(150, 400))
	assert.Greater(t, lengthScore(500, 400), lengthScore(700, 400))
}

func TestCleanlinessScore(t *testing.T) {
	assert.InDelta(t, 1.0, cleanlinessScore("Texto limpio, sin artefactos (100%)."), 1e-9)
	assert.InDelta(t, 1.0, cleanlinessScore("Inversión de €500 y $200, al 5º piso."), 1e-9)

	// One replacement character in ten runes: ratio 0.1, score 0.5.
	assert.InDelta(t, 0.5, cleanlinessScore("abcdefghi�"), 1e-9)

	// A fifth of the runes broken zeroes the score.
	assert.InDelta(t, 0.0, cleanlinessScore("a��b�"), 1e-9)

	assert.Equal(t, 0.0, cleanlinessScore(""))
}

func TestReadabilityScore(t *testing.T) {
	prose := "El gobierno impulsará reformas concretas para fortalecer la educación " +
		"técnica en cada región del país durante los próximos cuatro años."
	fragments := "a. b. c. d. e. f."
	runOn := strings.TrimSpace(strings.Repeat("palabra ", 80))

	p := readabilityScore(prose)
	assert.Greater(t, p, readabilityScore(fragments))
	assert.Greater(t, p, readabilityScore(runOn))
	assert.Greater(t, p, 0.5)

	assert.Equal(t, 0.0, readabilityScore(""))
}

func TestSentenceEnders(t *testing.T) {
	assert.Equal(t, 3, sentenceEnders("Fin... ¿de verdad? Sí."))
	assert.Equal(t, 0, sentenceEnders("sin puntuación final"))
	assert.Equal(t, 1, sentenceEnders("solo puntos suspensivos…"))
}

func TestScore_DomainKeywordsAreBinary(t *testing.T) {
	s := NewQualityScorer(400)

	withKw := s.Score("La educación será gratuita y universal.", 100)
	assert.Equal(t, 1.0, withKw.HasKeywords)

	// Accent-less OCR output still matches.
	ocr := s.Score("la educacion sera gratuita", 100)
	assert.Equal(t, 1.0, ocr.HasKeywords)

	upper := s.Score("PLAN NACIONAL DE SALUD", 100)
	assert.Equal(t, 1.0, upper.HasKeywords)

	without := s.Score("El cielo es azul sobre el valle.", 100)
	assert.Equal(t, 0.0, without.HasKeywords)
}

func TestScore_OverallWeighting(t *testing.T) {
	s := NewQualityScorer(400)
	q := s.Score("La educación pública será gratuita y de calidad en todo el país.", 400)

	assert.InDelta(t, 1.0, q.Length, 1e-9)
	assert.InDelta(t, 1.0, q.SpecialChar, 1e-9)
	assert.Equal(t, 1.0, q.HasKeywords)
	want := 0.3*q.Length + 0.3*q.SpecialChar + 0.2*q.HasKeywords + 0.2*q.Readability
	assert.InDelta(t, want, q.Overall, 1e-9)
	assert.Greater(t, q.Overall, 0.8)
}

func TestScore_GarbageScoresLow(t *testing.T) {
	s := NewQualityScorer(400)
	q := s.Score("��� ab �� cd �", 3)
	assert.Less(t, q.Overall, 0.2)
}

func TestNewQualityScorer_DefaultTarget(t *testing.T) {
	s := NewQualityScorer(0)
	assert.InDelta(t, 1.0, lengthScore(400, s.target), 1e-9)
}

func TestFoldSpanish(t *testing.T) {
	assert.Equal(t, "educacion publica", foldSpanish("Educación Pública"))
	assert.Equal(t, "manana", foldSpanish("mañana"))
	assert.Equal(t, "ya plano", foldSpanish("ya plano"))
}

func TestExtractKeywords(t *testing.T) {
	content := "La educación y la salud. La educación importa."

	got := ExtractKeywords(content, 10)
	require.Equal(t, []string{"educación", "importa", "salud"}, got)
}

func TestExtractKeywords_TieOrdering(t *testing.T) {
	// Same frequency: longer first, then alphabetical.
	got := ExtractKeywords("casa dato reforma", 10)
	assert.Equal(t, []string{"reforma", "casa", "dato"}, got)
}

func TestExtractKeywords_Limits(t *testing.T) {
	content := "La educación y la salud. La educación importa."

	assert.Equal(t, []string{"educación", "importa"}, ExtractKeywords(content, 2))
	assert.Nil(t, ExtractKeywords(content, 0))
	assert.Empty(t, ExtractKeywords("de la el en y", 5))
}

func TestExtractKeywords_DropsShortWords(t *testing.T) {
	got := ExtractKeywords("ir al sur con fe renovada", 10)
	assert.NotContains(t, got, "ir")
	assert.NotContains(t, got, "fe")
	assert.Contains(t, got, "sur")
	assert.Contains(t, got, "renovada")
}

func TestExtractEntities_MultiWordWithConnectors(t *testing.T) {
	got := ExtractEntities("La Caja Costarricense de Seguro Social atiende a todos.")
	assert.Equal(t, []string{"Caja Costarricense de Seguro Social"}, got)
}

func TestExtractEntities_Acronyms(t *testing.T) {
	got := ExtractEntities("El ICE moderniza la red. La CCSS amplía su cobertura.")
	assert.Equal(t, []string{"ICE", "CCSS"}, got)
}

func TestExtractEntities_TrailingPunctuationEndsName(t *testing.T) {
	got := ExtractEntities("El Partido Liberación Nacional, fundado hace décadas, propone cambios.")
	assert.Equal(t, []string{"Partido Liberación Nacional"}, got)
}

func TestExtractEntities_SingleCapitalizedWordIgnored(t *testing.T) {
	assert.Empty(t, ExtractEntities("Proponemos reformar la hacienda pública."))
	assert.Empty(t, ExtractEntities("Mañana habrá una asamblea."))
}

func TestExtractEntities_QuestionMarksStripped(t *testing.T) {
	got := ExtractEntities("¿Qué hará el Ministerio de Educación Pública?")
	assert.Equal(t, []string{"Ministerio de Educación Pública"}, got)
}

func TestExtractEntities_DedupesPreservingOrder(t *testing.T) {
	content := "Costa Rica lidera. El Frente Amplio responde. Costa Rica avanza."
	got := ExtractEntities(content)
	assert.Equal(t, []string{"Costa Rica", "Frente Amplio"}, got)
}

func TestAnnotate(t *testing.T) {
	s := NewQualityScorer(400)
	ck := &Chunk{
		Content:    "El Ministerio de Salud ampliará la red de clínicas en Costa Rica.",
		TokenCount: 17,
	}
	s.Annotate(ck)

	assert.Positive(t, ck.Quality.Overall)
	assert.Equal(t, 1.0, ck.Quality.HasKeywords)
	assert.Contains(t, ck.Keywords, "salud")
	assert.Contains(t, ck.Entities, "Ministerio de Salud")
	assert.Contains(t, ck.Entities, "Costa Rica")
}
