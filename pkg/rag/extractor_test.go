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
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// writeTestPDF emits a small but structurally complete PDF with one
// page per entry in pageTexts. Object offsets are measured while the
// body is assembled, so the cross-reference table is always exact.
// Page texts must stay ASCII; the test font carries no encoding map.
func writeTestPDF(t *testing.T, path string, pageTexts []string) {
	t.Helper()

	n := len(pageTexts)
	fontObj := 3 + 2*n
	totalObjs := fontObj

	var b strings.Builder
	offsets := make([]int, totalObjs+1)

	writeObj := func(num int, body string) {
		offsets[num] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", num, body)
	}

	b.WriteString("%PDF-1.4\n")

	writeObj(1, "<< /Type /Catalog /Pages 2 0 R >>")

	kids := make([]string, n)
	for i := range pageTexts {
		kids[i] = fmt.Sprintf("%d 0 R", 3+i)
	}
	writeObj(2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))

	for i := range pageTexts {
		writeObj(3+i, fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R >>",
			fontObj, 3+n+i))
	}

	for i, text := range pageTexts {
		stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		writeObj(3+n+i, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}

	writeObj(fontObj, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	xrefPos := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", totalObjs+1)
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= totalObjs; i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", totalObjs+1, xrefPos)

	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

// writeTestDocx builds the minimal zip a Word reader accepts: the
// document part plus its relationships file.
func writeTestDocx(t *testing.T, path, body string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)

	parts := map[string]string{
		"word/document.xml": `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
			`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
			body + `</w:body></w:document>`,
		"word/_rels/document.xml.rels": `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
			`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`,
	}
	for name, data := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(data))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestExtractor_PlainText(t *testing.T) {
	content := "Plan de Gobierno 2026-2030\n\nEducación para todas las personas.\n"

	for _, ext := range []string{".txt", ".md"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "plan"+ext)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			ex, err := NewExtractor().Extract(context.Background(), path)
			require.NoError(t, err)

			assert.Equal(t, content, ex.Raw)
			assert.Equal(t, 1, ex.PageCount)
			assert.Equal(t, int64(len(content)), ex.SizeBytes)
			assert.Equal(t, "text", ex.Format)
		})
	}
}

func TestExtractor_EmptyTextFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.txt")
	require.NoError(t, os.WriteFile(path, []byte("  \n\t\n"), 0o644))

	_, err := NewExtractor().Extract(context.Background(), path)
	require.Error(t, err)

	var exErr *ExtractionError
	require.ErrorAs(t, err, &exErr)
	assert.Contains(t, exErr.Message, "no text")
}

func TestExtractor_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.odt")
	require.NoError(t, os.WriteFile(path, []byte("whatever"), 0o644))

	_, err := NewExtractor().Extract(context.Background(), path)
	require.Error(t, err)

	var exErr *ExtractionError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, ".odt", exErr.Format)
	assert.Contains(t, exErr.Message, "unsupported")
}

func TestExtractor_MissingFile(t *testing.T) {
	_, err := NewExtractor().Extract(context.Background(), filepath.Join(t.TempDir(), "nope.pdf"))
	require.Error(t, err)

	var exErr *ExtractionError
	require.ErrorAs(t, err, &exErr)
	assert.Contains(t, exErr.Message, "not accessible")
}

func TestExtractor_PDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.pdf")
	writeTestPDF(t, path, []string{"Plan pagina uno", "Metas de gobierno"})

	ex, err := NewExtractor().Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 2, ex.PageCount)
	assert.Equal(t, "pdf", ex.Format)

	first := strings.Index(ex.Raw, "Plan pagina uno")
	marker := strings.Index(ex.Raw, pageMarker(2, 2))
	second := strings.Index(ex.Raw, "Metas de gobierno")
	require.GreaterOrEqual(t, first, 0)
	require.Greater(t, marker, first, "sentinel must introduce the second page")
	require.Greater(t, second, marker)
}

func TestExtractor_PDFGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.pdf")
	require.NoError(t, os.WriteFile(path, []byte("this is not a pdf at all"), 0o644))

	_, err := NewExtractor().Extract(context.Background(), path)
	require.Error(t, err)

	var exErr *ExtractionError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, "pdf", exErr.Format)
}

func TestExtractor_Docx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.docx")
	writeTestDocx(t, path,
		`<w:p><w:r><w:t>Plan de gobierno 2026.</w:t></w:r></w:p>`+
			`<w:p><w:r><w:t>Educación con</w:t></w:r><w:r><w:br/><w:t>equidad.</w:t></w:r></w:p>`)

	ex, err := NewExtractor().Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "Plan de gobierno 2026.\n\nEducación con\nequidad.", ex.Raw)
	assert.Equal(t, 1, ex.PageCount)
	assert.Equal(t, "docx", ex.Format)
	assert.NotContains(t, ex.Raw, "<w:")
}

func TestExtractor_Xlsx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anexo.xlsx")

	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName("Sheet1", "Presupuesto"))
	require.NoError(t, f.SetCellValue("Presupuesto", "A1", "Rubro"))
	require.NoError(t, f.SetCellValue("Presupuesto", "B1", "Monto"))
	require.NoError(t, f.SetCellValue("Presupuesto", "A2", "Educación"))
	require.NoError(t, f.SetCellValue("Presupuesto", "B2", 1200))
	_, err := f.NewSheet("Metas")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Metas", "A1", "Meta 1: cobertura plena"))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	ex, err := NewExtractor().Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 2, ex.PageCount)
	assert.Equal(t, "xlsx", ex.Format)
	assert.Contains(t, ex.Raw, "Presupuesto")
	assert.Contains(t, ex.Raw, "Rubro\tMonto")
	assert.Contains(t, ex.Raw, "Educación\t1200")
	assert.Contains(t, ex.Raw, pageMarker(2, 2))

	marker := strings.Index(ex.Raw, pageMarker(2, 2))
	assert.Greater(t, marker, strings.Index(ex.Raw, "Rubro"))
	assert.Less(t, marker, strings.Index(ex.Raw, "Meta 1"))
}

func TestDocxText(t *testing.T) {
	tests := []struct {
		name string
		xml  string
		want string
	}{
		{
			name: "paragraphs become blank lines",
			xml:  `<w:document xmlns:w="x"><w:body><w:p><w:r><w:t>Uno.</w:t></w:r></w:p><w:p><w:r><w:t>Dos.</w:t></w:r></w:p></w:body></w:document>`,
			want: "Uno.\n\nDos.",
		},
		{
			name: "tabs and breaks survive",
			xml:  `<w:document xmlns:w="x"><w:body><w:p><w:r><w:t>A</w:t><w:tab/><w:t>B</w:t><w:br/><w:t>C</w:t></w:r></w:p></w:body></w:document>`,
			want: "A\tB\nC",
		},
		{
			name: "empty document",
			xml:  `<w:document xmlns:w="x"><w:body></w:body></w:document>`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, docxText(tt.xml))
		})
	}
}

func TestJoinPages(t *testing.T) {
	assert.Equal(t, "", joinPages(nil))
	assert.Equal(t, "uno", joinPages([]string{"uno"}))
	assert.Equal(t,
		"uno\n\n-- 2 of 3 --\n\ndos\n\n-- 3 of 3 --\n\ntres",
		joinPages([]string{"uno", "dos", "tres"}))

	// An empty middle page keeps its slot so numbering stays stable.
	joined := joinPages([]string{"uno", "", "tres"})
	assert.Contains(t, joined, "-- 2 of 3 --")
	assert.Contains(t, joined, "-- 3 of 3 --")
}

func TestPageMarker_MatchesCleanerSentinel(t *testing.T) {
	assert.Regexp(t, pageMarkerRe, pageMarker(2, 7))
}
