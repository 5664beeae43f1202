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
	"fmt"
	"strings"
	"testing"

	"github.com/poiesic/docflow/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPDF writes a PDF with one Helvetica page per content stream,
// computing the xref offsets so the file validates.
func buildPDF(streams ...string) string {
	n := len(streams)
	fontObj := 3 + 2*n
	var objects []string
	objects = append(objects, "<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, n)
	for i := range streams {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	objects = append(objects, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))
	for i, stream := range streams {
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R >>", fontObj, 4+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}
	objects = append(objects, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.String()
}

func TestExtractPDF(t *testing.T) {
	tests := []struct {
		name      string
		streams   []string
		want      []string
		wantPages int
	}{
		{
			name:      "literal string",
			streams:   []string{"BT /F1 12 Tf 72 712 Td (Quarterly report) Tj ET"},
			want:      []string{"Quarterly report"},
			wantPages: 1,
		},
		{
			name:      "hex string",
			streams:   []string{"BT /F1 12 Tf 72 712 Td <4163 6D65> Tj ET"},
			want:      []string{"Acme"},
			wantPages: 1,
		},
		{
			name:      "text array",
			streams:   []string{"BT /F1 12 Tf 72 712 Td [(Glo) (bex)] TJ ET"},
			want:      []string{"Globex"},
			wantPages: 1,
		},
		{
			name: "several pages",
			streams: []string{
				"BT /F1 12 Tf 72 712 Td (First page) Tj ET",
				"BT /F1 12 Tf 72 712 Td <5365636F6E64> Tj ET",
			},
			want:      []string{"First page", "Second"},
			wantPages: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSource(t, "doc.pdf", buildPDF(tt.streams...))
			text, pages, err := extractPDF(path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPages, pages)
			for _, want := range tt.want {
				assert.Contains(t, text, want)
			}
		})
	}
}

func TestParse_PDF(t *testing.T) {
	w := newTestWorkers(t, nil, &fakeResolver{}, nil)
	source := writeSource(t, "report.pdf", buildPDF("BT /F1 12 Tf 72 712 Td <4163 6D65> Tj ET"))
	doc := core.NewDocument("ds-1", "report.pdf", source)

	res, err := w.Parse(context.Background(), request(doc, core.StageParse, nil))
	require.NoError(t, err)
	assert.Equal(t, "pdf", res.Attrs["format"])
	assert.Equal(t, "1", res.Attrs["pages"])

	a, ok := w.Artifacts().Get(doc.ID)
	require.True(t, ok)
	assert.Contains(t, a.Text, "Acme")
}
