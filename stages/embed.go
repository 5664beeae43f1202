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
	"strconv"
	"sync"

	"github.com/poiesic/docflow/dispatch"
	"golang.org/x/sync/errgroup"
)

// Embed generates a unit-length vector for every chunk. Batches are embedded
// concurrently and progress is reported as each one lands.
func (w *Workers) Embed(ctx context.Context, req dispatch.StageRequest) (dispatch.StageResult, error) {
	doc := req.Document
	if a, ok := w.artifacts.Get(doc.ID); ok && len(a.Chunks) > 0 && len(a.Vectors) == len(a.Chunks) {
		w.logger.Debug("chunks already embedded", "document", doc.ID)
		return embedResult(a.Vectors), nil
	}

	a, err := w.ensureChunks(ctx, doc)
	if err != nil {
		return dispatch.StageResult{}, err
	}
	chunks := a.Chunks
	vectors := make([][]float32, len(chunks))
	batchSize := w.cfg.EmbedBatchSize
	batches := (len(chunks) + batchSize - 1) / batchSize
	embedder := w.provider.Embedder()

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.EmbedConcurrency)
	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		g.Go(func() error {
			vecs, err := embedder.EmbedTexts(gctx, chunks[start:end])
			if err != nil {
				return fmt.Errorf("failed to embed chunks %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != end-start {
				return dispatch.Permanent(fmt.Errorf("%w: expected %d, received %d", ErrEmbeddingMismatch, end-start, len(vecs)))
			}
			for i, v := range vecs {
				vectors[start+i] = normalizeVector(v)
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			return req.Report(gctx, done*100/batches, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return dispatch.StageResult{}, err
	}

	w.store(doc.ID, func(a *Artifacts) {
		a.Vectors = vectors
	})
	w.logger.Info("document embedded", "document", doc.ID, "vectors", len(vectors), "batches", batches)
	return embedResult(vectors), nil
}

func embedResult(vectors [][]float32) dispatch.StageResult {
	attrs := map[string]string{"vectors": strconv.Itoa(len(vectors))}
	if len(vectors) > 0 {
		attrs["dimensions"] = strconv.Itoa(len(vectors[0]))
	}
	return dispatch.StageResult{Attrs: attrs}
}
