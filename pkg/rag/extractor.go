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
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// Extraction is the raw text pulled out of one plan document. Raw has
// the page texts joined with "-- N of M --" sentinels so the cleaner
// can rebuild page positions after its fixups shift offsets.
type Extraction struct {
	Raw       string
	PageCount int
	SizeBytes int64
	Format    string
}

// Extractor converts downloaded plan files into raw text. PDFs are the
// primary format; plain text, markdown, Word and Excel round out what
// parties actually publish.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates an extractor.
func NewExtractor() *Extractor {
	return &Extractor{
		logger: slog.Default().With("component", "extractor"),
	}
}

// Extract reads the file and returns its raw text with page sentinels.
// Unreadable or unsupported documents fail with ExtractionError.
func (e *Extractor) Extract(ctx context.Context, path string) (*Extraction, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, NewExtractionError(path, "", "file not accessible", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pdf":
		return e.extractPDF(ctx, path, info.Size())
	case ".docx":
		return e.extractDocx(path, info.Size())
	case ".xlsx":
		return e.extractXlsx(ctx, path, info.Size())
	case ".txt", ".md":
		return e.extractText(path, info.Size())
	default:
		return nil, NewExtractionError(path, ext, "unsupported document format", nil)
	}
}

// pageMarker renders the sentinel that introduces page n of total in
// the raw text stream.
func pageMarker(n, total int) string {
	return fmt.Sprintf("-- %d of %d --", n, total)
}

// joinPages concatenates page texts with a sentinel before every page
// after the first. Empty pages stay in the sequence so numbering holds.
func joinPages(pages []string) string {
	var b strings.Builder
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n\n")
			b.WriteString(pageMarker(i+1, len(pages)))
			b.WriteString("\n\n")
		}
		b.WriteString(p)
	}
	return b.String()
}

func (e *Extractor) extractPDF(ctx context.Context, path string, size int64) (*Extraction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, NewExtractionError(path, "pdf", "failed to open file", err)
	}
	defer file.Close()

	reader, err := pdf.NewReader(file, size)
	if err != nil {
		return nil, NewExtractionError(path, "pdf", "failed to parse PDF", err)
	}

	total := reader.NumPage()
	if total == 0 {
		return nil, NewExtractionError(path, "pdf", "PDF has no pages", nil)
	}

	pages := make([]string, 0, total)
	for pageNum := 1; pageNum <= total; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single bad page downgrades quality, it does not kill
			// the document.
			e.logger.Debug("Page extraction failed",
				"path", path, "page", pageNum, "error", err)
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}

	return &Extraction{
		Raw:       joinPages(pages),
		PageCount: total,
		SizeBytes: size,
		Format:    "pdf",
	}, nil
}

func (e *Extractor) extractDocx(path string, size int64) (*Extraction, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, NewExtractionError(path, "docx", "failed to open Word document", err)
	}
	defer doc.Close()

	// GetContent hands back the document.xml markup, not prose.
	content := docxText(doc.Editable().GetContent())
	if content == "" {
		return nil, NewExtractionError(path, "docx", "document has no text", nil)
	}

	return &Extraction{
		Raw:       content,
		PageCount: 1,
		SizeBytes: size,
		Format:    "docx",
	}, nil
}

// docxText flattens WordprocessingML into plain text. Character data
// is kept, paragraph ends become blank lines, and explicit breaks and
// tabs keep their meaning. Malformed markup stops the walk at whatever
// text was already collected.
func docxText(content string) string {
	dec := xml.NewDecoder(strings.NewReader(content))
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch el := tok.(type) {
		case xml.CharData:
			b.Write(el)
		case xml.StartElement:
			switch el.Name.Local {
			case "tab":
				b.WriteString("\t")
			case "br":
				b.WriteString("\n")
			}
		case xml.EndElement:
			if el.Name.Local == "p" {
				b.WriteString("\n\n")
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// extractXlsx treats each sheet as one page so annex spreadsheets get
// citable positions too.
func (e *Extractor) extractXlsx(ctx context.Context, path string, size int64) (*Extraction, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, NewExtractionError(path, "xlsx", "failed to open spreadsheet", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, NewExtractionError(path, "xlsx", "spreadsheet has no sheets", nil)
	}

	const maxRowsPerSheet = 2000

	pages := make([]string, 0, len(sheets))
	for _, sheetName := range sheets {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rows, err := f.GetRows(sheetName)
		if err != nil {
			e.logger.Debug("Sheet read failed",
				"path", path, "sheet", sheetName, "error", err)
			pages = append(pages, "")
			continue
		}

		var sheetText strings.Builder
		sheetText.WriteString(sheetName)
		sheetText.WriteString("\n\n")

		for i, row := range rows {
			if i >= maxRowsPerSheet {
				break
			}
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line == "" {
				continue
			}
			sheetText.WriteString(line)
			sheetText.WriteString("\n")
		}
		pages = append(pages, sheetText.String())
	}

	return &Extraction{
		Raw:       joinPages(pages),
		PageCount: len(sheets),
		SizeBytes: size,
		Format:    "xlsx",
	}, nil
}

func (e *Extractor) extractText(path string, size int64) (*Extraction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewExtractionError(path, "text", "failed to read file", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, NewExtractionError(path, "text", "file has no text", nil)
	}

	return &Extraction{
		Raw:       string(data),
		PageCount: 1,
		SizeBytes: size,
		Format:    "text",
	}, nil
}
