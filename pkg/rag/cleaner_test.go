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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanText_OCRColons(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			"dropped ti ligature",
			"perspec:vas geopolí:co par:cipan",
			"perspectivas geopolítico participan",
		},
		{
			"multiple dropouts in one word",
			"mul:plica:va",
			"multiplicativa",
		},
		{
			"time expressions survive",
			"La reunión es a las 14:30 horas",
			"La reunión es a las 14:30 horas",
		},
		{
			"colon before space survives",
			"Educación: nuestra prioridad",
			"Educación: nuestra prioridad",
		},
		{
			"colon after digit survives",
			"Artículo 5:bis",
			"Artículo 5:bis",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanText(tt.input))
		})
	}
}

func TestCleanText_Mojibake(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercase accents", "EducaciÃ³n pÃºblica y salud bÃ¡sica", "Educación pública y salud básica"},
		{"enye and question marks", "Â¿QuÃ© propone el paÃ­s maÃ±ana?", "¿Qué propone el país mañana?"},
		{"curly quotes", "La â€œequidadâ€ es central", "La “equidad” es central"},
		{"dashes and ellipsis", "plan â€“ visiÃ³n â€” metasâ€¦", "plan – visión — metas…"},
		{"uppercase accent with C1 control", "Ãrea de REFORMA", "Área de REFORMA"},
		{"non-breaking space", "salud universal", "salud universal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanText(tt.input))
		})
	}
}

func TestCleanText_Whitespace(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"space runs collapse", "plan  de\t\tgobierno", "plan de gobierno"},
		{"spaces around newlines", "línea uno  \n   línea dos", "línea uno\nlínea dos"},
		{"newline runs collapse to blank line", "uno\n\n\n\n\ndos", "uno\n\ndos"},
		{"form feed becomes newline", "uno\fdos", "uno\ndos"},
		{"windows line endings", "uno\r\ndos\rtres", "uno\ndos\ntres"},
		{"outer whitespace trimmed", "  \n texto \n ", "texto"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanText(tt.input))
		})
	}
}

func TestCleanText_Idempotent(t *testing.T) {
	inputs := []string{
		"perspec:vas geopolí:co par:cipan",
		"EducaciÃ³n  pÃºblica\r\n\r\n\r\ncon Â¿garantÃ­as?",
		"texto ya limpio\n\ncon dos párrafos",
		"La â€œequidadâ€ â€“ meta central",
	}
	for _, in := range inputs {
		once := CleanText(in)
		assert.Equal(t, once, CleanText(once), "input %q", in)
	}
}

func TestCleanText_KeepsReplacementCharacter(t *testing.T) {
	// U+FFFD marks irrecoverable bytes; the quality scorer penalizes
	// them, the cleaner must not hide them.
	in := "texto con da�o visible"
	assert.Equal(t, in, CleanText(in))
}

func TestClean_PageMarkers(t *testing.T) {
	raw := "-- 1 of 3 --\nIntro uno.\n-- 2 of 3 --\nContenido dos.\n-- 3 of 3 --\nCierre final."

	text, idx := Clean(raw)
	require.Equal(t, "Intro uno.\n\nContenido dos.\n\nCierre final.", text)

	assert.Equal(t, 1, idx.PageAt(strings.Index(text, "Intro")))
	assert.Equal(t, 1, idx.PageAt(strings.Index(text, "Contenido")-1))
	assert.Equal(t, 2, idx.PageAt(strings.Index(text, "Contenido")))
	assert.Equal(t, 3, idx.PageAt(strings.Index(text, "Cierre")))
	assert.Equal(t, 3, idx.PageAt(len(text)+100))
}

func TestClean_EmptyPageYieldsToSuccessor(t *testing.T) {
	raw := "-- 1 of 3 --\nUno.\n-- 2 of 3 --\n-- 3 of 3 --\nTres."

	text, idx := Clean(raw)
	require.Equal(t, "Uno.\n\nTres.", text)

	assert.Equal(t, 1, idx.PageAt(0))
	assert.Equal(t, 3, idx.PageAt(strings.Index(text, "Tres")))
}

func TestClean_NoMarkers(t *testing.T) {
	text, idx := Clean("Texto sin marcas de página.")
	assert.Equal(t, "Texto sin marcas de página.", text)
	assert.Equal(t, 1, idx.PageAt(0))
	assert.Equal(t, 1, idx.PageAt(len(text)))
}

func TestClean_Empty(t *testing.T) {
	text, idx := Clean("   \n\n  ")
	assert.Empty(t, text)
	assert.Equal(t, 0, idx.PageAt(0))
}

func TestClean_InlineMarkerTextSurvives(t *testing.T) {
	// Only whole marker lines are sentinels.
	text, _ := Clean("ver sección -- 2 of 9 -- del anexo")
	assert.Equal(t, "ver sección -- 2 of 9 -- del anexo", text)
}
