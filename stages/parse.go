// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stages

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/poiesic/docflow/dispatch"
)

const (
	formatText     = "text"
	formatMarkdown = "markdown"
	formatPDF      = "pdf"
)

type parsed struct {
	Text   string
	Format string
	Pages  int
}

// Parse reads the document source and stores its text.
// Sources are file paths; PDFs are decoded, anything else must be UTF-8 text.
func (w *Workers) Parse(ctx context.Context, req dispatch.StageRequest) (dispatch.StageResult, error) {
	doc := req.Document
	if a, ok := w.artifacts.Get(doc.ID); ok && a.Text != "" {
		w.logger.Debug("text already parsed", "document", doc.ID)
		return parseResult(a), nil
	}
	if err := req.Report(ctx, 10, nil); err != nil {
		return dispatch.StageResult{}, err
	}
	a, err := w.ensureText(ctx, doc)
	if err != nil {
		return dispatch.StageResult{}, err
	}
	w.logger.Info("document parsed", "document", doc.ID, "format", a.Format, "pages", a.Pages, "runes", utf8.RuneCountInString(a.Text))
	return parseResult(a), nil
}

func parseResult(a *Artifacts) dispatch.StageResult {
	attrs := map[string]string{
		"format":     a.Format,
		"characters": strconv.Itoa(utf8.RuneCountInString(a.Text)),
	}
	if a.Pages > 0 {
		attrs["pages"] = strconv.Itoa(a.Pages)
	}
	return dispatch.StageResult{Attrs: attrs}
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return formatPDF
	case ".md", ".markdown":
		return formatMarkdown
	default:
		return formatText
	}
}

func parseSource(ctx context.Context, source string) (*parsed, error) {
	if strings.TrimSpace(source) == "" {
		return nil, dispatch.Permanent(ErrEmptySource)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, dispatch.Permanent(fmt.Errorf("source %s not found", source))
		}
		return nil, fmt.Errorf("failed to stat source: %w", err)
	}

	p := &parsed{Format: formatOf(source)}
	switch p.Format {
	case formatPDF:
		text, pages, err := extractPDF(source)
		if err != nil {
			return nil, err
		}
		p.Text = text
		p.Pages = pages
	default:
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read source: %w", err)
		}
		if !utf8.Valid(data) {
			return nil, dispatch.Permanent(fmt.Errorf("source %s is not UTF-8 text", source))
		}
		p.Text = string(data)
	}

	if strings.TrimSpace(p.Text) == "" {
		return nil, dispatch.Permanent(ErrNoText)
	}
	return p, nil
}

// extractPDF validates the file with pdfcpu, then reads each page's plain
// text. Pages are separated by a blank line.
func extractPDF(path string) (text string, pages int, err error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.ValidateFile(path, conf); err != nil {
		return "", 0, dispatch.Permanent(fmt.Errorf("invalid PDF: %w", err))
	}
	pages, err = api.PageCountFile(path)
	if err != nil {
		return "", 0, dispatch.Permanent(fmt.Errorf("failed to count pages: %w", err))
	}

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", 0, dispatch.Permanent(fmt.Errorf("failed to open PDF: %w", err))
	}
	defer f.Close()
	// The text decoder panics on some malformed fonts and streams.
	defer func() {
		if p := recover(); p != nil {
			text, pages, err = "", 0, dispatch.Permanent(fmt.Errorf("failed to extract text: %v", p))
		}
	}()

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", 0, dispatch.Permanent(fmt.Errorf("failed to extract page %d: %w", i, err))
		}
		if content = strings.TrimSpace(content); content != "" {
			b.WriteString(content)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String()), pages, nil
}
