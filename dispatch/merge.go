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

package dispatch

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/poiesic/docflow/core"
)

type mergeKey struct {
	documentID string
	stage      core.Stage
}

// mergeQueue coalesces progress patches per (document, stage) and applies
// them in the background, so Progress never waits on the document write.
// Patches for the same key are folded with MetadataPatch.Merge; later
// fields win.
type mergeQueue struct {
	apply  func(ctx context.Context, documentID string, patch *core.MetadataPatch) error
	logger *slog.Logger

	mu      sync.Mutex
	pending map[mergeKey]*core.MetadataPatch
	order   []mergeKey

	// applyMu is held while patches are taken and applied, so flush
	// returns only after every earlier patch for the document is written.
	applyMu sync.Mutex
	signal  chan struct{}
}

func newMergeQueue(apply func(ctx context.Context, documentID string, patch *core.MetadataPatch) error, logger *slog.Logger) *mergeQueue {
	return &mergeQueue{
		apply:   apply,
		logger:  logger,
		pending: make(map[mergeKey]*core.MetadataPatch),
		signal:  make(chan struct{}, 1),
	}
}

func (q *mergeQueue) push(documentID string, patch *core.MetadataPatch) {
	key := mergeKey{documentID: documentID, stage: patch.Stage}
	q.mu.Lock()
	if existing, ok := q.pending[key]; ok {
		existing.Merge(patch)
	} else {
		q.pending[key] = clonePatch(patch)
		q.order = append(q.order, key)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

type pendingPatch struct {
	documentID string
	patch      *core.MetadataPatch
}

// take removes pending patches in arrival order. An empty documentID takes all.
func (q *mergeQueue) take(documentID string) []pendingPatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	var taken []pendingPatch
	kept := q.order[:0]
	for _, key := range q.order {
		if documentID != "" && key.documentID != documentID {
			kept = append(kept, key)
			continue
		}
		taken = append(taken, pendingPatch{documentID: key.documentID, patch: q.pending[key]})
		delete(q.pending, key)
	}
	q.order = kept
	return taken
}

// flush applies every pending patch for documentID, or for all documents
// when documentID is empty.
func (q *mergeQueue) flush(ctx context.Context, documentID string) {
	q.applyMu.Lock()
	defer q.applyMu.Unlock()

	for _, p := range q.take(documentID) {
		if err := q.apply(ctx, p.documentID, p.patch); err != nil {
			q.logger.Warn("failed to merge progress metadata",
				"document", p.documentID, "stage", p.patch.Stage, "error", err)
		}
	}
}

// run applies patches as they arrive until ctx is done, then flushes what
// is left.
func (q *mergeQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.flush(context.WithoutCancel(ctx), "")
			return
		case <-q.signal:
			q.flush(ctx, "")
		}
	}
}

func (q *mergeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func clonePatch(patch *core.MetadataPatch) *core.MetadataPatch {
	c := *patch
	c.Attrs = maps.Clone(patch.Attrs)
	return &c
}
