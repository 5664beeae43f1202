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

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/dispatch"
	"github.com/tmc/langchaingo/textsplitter"
)

// Chunk splits the parsed text into overlapping segments. Markdown sources
// are split along their heading structure.
func (w *Workers) Chunk(ctx context.Context, req dispatch.StageRequest) (dispatch.StageResult, error) {
	a, err := w.ensureChunks(ctx, req.Document)
	if err != nil {
		return dispatch.StageResult{}, err
	}
	w.logger.Info("document chunked", "document", req.Document.ID, "chunks", len(a.Chunks))
	return dispatch.StageResult{SegmentsCreated: core.Ptr(len(a.Chunks))}, nil
}

func (w *Workers) split(text, format string) ([]string, error) {
	opts := []textsplitter.Option{
		textsplitter.WithChunkSize(w.cfg.ChunkSize),
		textsplitter.WithChunkOverlap(w.cfg.ChunkOverlap),
	}
	var splitter textsplitter.TextSplitter
	if format == formatMarkdown {
		splitter = textsplitter.NewMarkdownTextSplitter(opts...)
	} else {
		splitter = textsplitter.NewRecursiveCharacter(opts...)
	}

	raw, err := splitter.SplitText(text)
	if err != nil {
		return nil, dispatch.Permanent(fmt.Errorf("failed to split text: %w", err))
	}
	chunks := make([]string, 0, len(raw))
	for _, chunk := range raw {
		if chunk = strings.TrimSpace(chunk); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	if len(chunks) == 0 {
		return nil, dispatch.Permanent(ErrNoText)
	}
	return chunks, nil
}
