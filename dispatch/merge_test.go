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
	"sync"
	"testing"
	"time"

	"github.com/poiesic/docflow/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type applied struct {
	documentID string
	patch      *core.MetadataPatch
}

type applyRecorder struct {
	mu    sync.Mutex
	calls []applied
}

func (r *applyRecorder) apply(_ context.Context, documentID string, patch *core.MetadataPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, applied{documentID: documentID, patch: patch})
	return nil
}

func (r *applyRecorder) snapshot() []applied {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]applied(nil), r.calls...)
}

func TestMergeQueue_CoalescesPerDocumentAndStage(t *testing.T) {
	rec := &applyRecorder{}
	q := newMergeQueue(rec.apply, slog.Default())

	q.push("doc-1", &core.MetadataPatch{Stage: core.StageEmbedding, Progress: core.Ptr(10)})
	q.push("doc-1", &core.MetadataPatch{Stage: core.StageEmbedding, Progress: core.Ptr(50), Attrs: map[string]string{"batch": "2"}})
	q.push("doc-1", &core.MetadataPatch{Stage: core.StageChunk, Progress: core.Ptr(100)})
	q.push("doc-2", &core.MetadataPatch{Stage: core.StageEmbedding, Progress: core.Ptr(5)})
	assert.Equal(t, 3, q.len())

	q.flush(context.Background(), "doc-1")
	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, core.StageEmbedding, calls[0].patch.Stage)
	assert.Equal(t, 50, *calls[0].patch.Progress)
	assert.Equal(t, "2", calls[0].patch.Attrs["batch"])
	assert.Equal(t, core.StageChunk, calls[1].patch.Stage)
	assert.Equal(t, 1, q.len(), "other documents stay queued")

	q.flush(context.Background(), "")
	calls = rec.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "doc-2", calls[2].documentID)
	assert.Zero(t, q.len())
}

func TestMergeQueue_PushDoesNotAliasCaller(t *testing.T) {
	rec := &applyRecorder{}
	q := newMergeQueue(rec.apply, slog.Default())

	attrs := map[string]string{"k": "v"}
	q.push("doc", &core.MetadataPatch{Stage: core.StageParse, Attrs: attrs})
	attrs["k"] = "changed"

	q.flush(context.Background(), "")
	assert.Equal(t, "v", rec.snapshot()[0].patch.Attrs["k"])
}

func TestMergeQueue_RunDrainsOnShutdown(t *testing.T) {
	rec := &applyRecorder{}
	q := newMergeQueue(rec.apply, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.run(ctx)
		close(done)
	}()

	q.push("doc", &core.MetadataPatch{Stage: core.StageParse, Progress: core.Ptr(30)})
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	q.push("doc", &core.MetadataPatch{Stage: core.StageParse, Progress: core.Ptr(60)})
	assert.Equal(t, 1, q.len())
}
