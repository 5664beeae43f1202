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
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/docflow/ai"
	"github.com/poiesic/docflow/ai/mock"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/dispatch"
	"github.com/poiesic/docflow/normalize"
	"github.com/poiesic/docflow/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	percents []int
	patches  []*core.MetadataPatch
	err      error
	errAbove int // when set, err is only returned for reports past this percent
}

func (r *recordingReporter) Progress(ctx context.Context, jobID string, attempt, percent int, patch *core.MetadataPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percents = append(r.percents, percent)
	r.patches = append(r.patches, patch)
	if r.errAbove > 0 && percent <= r.errAbove {
		return nil
	}
	return r.err
}

func (r *recordingReporter) reports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.percents)
}

type fakeResolver struct {
	mu    sync.Mutex
	calls [][]core.Mention
	fn    func(call int, mentions []core.Mention) ([]normalize.Resolution, error)
}

func (f *fakeResolver) ResolveAll(ctx context.Context, mentions []core.Mention) ([]normalize.Resolution, error) {
	f.mu.Lock()
	f.calls = append(f.calls, slices.Clone(mentions))
	call := len(f.calls)
	f.mu.Unlock()
	return f.fn(call, mentions)
}

type registrar map[core.Stage]dispatch.StageWorker

func (r registrar) Register(stage core.Stage, worker dispatch.StageWorker) error {
	r[stage] = worker
	return nil
}

func newTestWorkers(t *testing.T, provider ai.AIProvider, resolver Resolver, cfg *Config) *Workers {
	t.Helper()
	if provider == nil {
		provider = mock.NewMockProvider()
	}
	if resolver == nil {
		store, err := badger.NewMemoryStore()
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		n, err := normalize.New(store.Entities(), nil)
		require.NoError(t, err)
		resolver = n
	}
	w, err := New(provider, resolver, cfg)
	require.NoError(t, err)
	return w
}

func writeSource(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func request(doc *core.Document, stage core.Stage, reporter dispatch.Reporter) dispatch.StageRequest {
	job := core.NewJob(doc.ID, stage, nil, time.Now())
	job.Attempts = 1
	return dispatch.NewStageRequest(job, doc, reporter)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &fakeResolver{}, nil)
	assert.ErrorIs(t, err, ErrAIProviderRequired)

	_, err = New(mock.NewMockProvider(), nil, nil)
	assert.ErrorIs(t, err, ErrResolverRequired)

	_, err = New(mock.NewMockProvider(), &fakeResolver{}, &Config{ChunkSize: 10, ChunkOverlap: 10, EmbedBatchSize: 1, EmbedConcurrency: 1})
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }, true},
		{"negative overlap", func(c *Config) { c.ChunkOverlap = -1 }, true},
		{"overlap too large", func(c *Config) { c.ChunkOverlap = c.ChunkSize }, true},
		{"zero batch", func(c *Config) { c.EmbedBatchSize = 0 }, true},
		{"zero concurrency", func(c *Config) { c.EmbedConcurrency = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestRegister_AllStages(t *testing.T) {
	w := newTestWorkers(t, nil, &fakeResolver{}, nil)
	r := registrar{}
	require.NoError(t, w.Register(r))
	for _, stage := range core.Stages {
		assert.NotNil(t, r[stage], stage)
	}
}

func TestParse_TextFile(t *testing.T) {
	w := newTestWorkers(t, nil, &fakeResolver{}, nil)
	doc := core.NewDocument("ds-1", "notes", writeSource(t, "notes.txt", "Acme Corp hired Jane Doe."))
	rep := &recordingReporter{}

	res, err := w.Parse(context.Background(), request(doc, core.StageParse, rep))
	require.NoError(t, err)
	assert.Equal(t, "text", res.Attrs["format"])
	assert.Equal(t, "25", res.Attrs["characters"])
	assert.Equal(t, []int{10}, rep.reports())

	a, ok := w.Artifacts().Get(doc.ID)
	require.True(t, ok)
	assert.Equal(t, "Acme Corp hired Jane Doe.", a.Text)
}

func TestParse_MarkdownFormat(t *testing.T) {
	w := newTestWorkers(t, nil, &fakeResolver{}, nil)
	doc := core.NewDocument("ds-1", "readme", writeSource(t, "README.md", "# Title\n\nBody text."))

	res, err := w.Parse(context.Background(), request(doc, core.StageParse, nil))
	require.NoError(t, err)
	assert.Equal(t, "markdown", res.Attrs["format"])
}

func TestParse_PermanentFailures(t *testing.T) {
	tests := []struct {
		name   string
		source func(t *testing.T) string
	}{
		{"empty source", func(t *testing.T) string { return "" }},
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "gone.txt") }},
		{"blank file", func(t *testing.T) string { return writeSource(t, "blank.txt", "  \n\t") }},
		{"binary file", func(t *testing.T) string { return writeSource(t, "blob.txt", "\xff\xfe\x00bad") }},
		{"corrupt pdf", func(t *testing.T) string { return writeSource(t, "scan.pdf", "definitely not a pdf") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorkers(t, nil, &fakeResolver{}, nil)
			doc := core.NewDocument("ds-1", "doc", tt.source(t))
			_, err := w.Parse(context.Background(), request(doc, core.StageParse, nil))
			require.Error(t, err)
			assert.False(t, dispatch.IsRetryable(err), err)
		})
	}
}

func TestParse_SkipsParsedDocument(t *testing.T) {
	w := newTestWorkers(t, nil, &fakeResolver{}, nil)
	doc := core.NewDocument("ds-1", "doc", "")
	w.Artifacts().Update(doc.ID, func(a *Artifacts) {
		a.Text = "already here"
		a.Format = formatText
	})

	res, err := w.Parse(context.Background(), request(doc, core.StageParse, nil))
	require.NoError(t, err)
	assert.Equal(t, "12", res.Attrs["characters"])
}

func TestParse_Cancelled(t *testing.T) {
	w := newTestWorkers(t, nil, &fakeResolver{}, nil)
	doc := core.NewDocument("ds-1", "doc", writeSource(t, "a.txt", "text"))
	_, err := w.Parse(context.Background(), request(doc, core.StageParse, &recordingReporter{err: dispatch.ErrJobCancelled}))
	assert.ErrorIs(t, err, dispatch.ErrJobCancelled)
}

func longText(sentences int) string {
	var b strings.Builder
	for i := range sentences {
		b.WriteString("Sentence number ")
		b.WriteString(strings.Repeat("x", i%7+1))
		b.WriteString(" talks about indexing pipelines.\n")
	}
	return b.String()
}

func TestChunk_SplitsText(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 120
	cfg.ChunkOverlap = 20
	w := newTestWorkers(t, nil, &fakeResolver{}, cfg)
	doc := core.NewDocument("ds-1", "doc", writeSource(t, "long.txt", longText(40)))

	_, err := w.Parse(context.Background(), request(doc, core.StageParse, nil))
	require.NoError(t, err)

	res, err := w.Chunk(context.Background(), request(doc, core.StageChunk, nil))
	require.NoError(t, err)
	require.NotNil(t, res.SegmentsCreated)
	assert.Greater(t, *res.SegmentsCreated, 1)

	a, _ := w.Artifacts().Get(doc.ID)
	assert.Len(t, a.Chunks, *res.SegmentsCreated)
	for _, chunk := range a.Chunks {
		assert.NotEmpty(t, strings.TrimSpace(chunk))
	}
}

func TestChunk_RebuildsMissingText(t *testing.T) {
	w := newTestWorkers(t, nil, &fakeResolver{}, nil)
	doc := core.NewDocument("ds-1", "doc", writeSource(t, "short.txt", "Short text."))

	res, err := w.Chunk(context.Background(), request(doc, core.StageChunk, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, *res.SegmentsCreated)

	a, _ := w.Artifacts().Get(doc.ID)
	assert.Equal(t, "Short text.", a.Text)
}

func withChunks(w *Workers, doc *core.Document, chunks ...string) {
	w.Artifacts().Update(doc.ID, func(a *Artifacts) {
		a.Text = strings.Join(chunks, "\n")
		a.Format = formatText
		a.Chunks = chunks
	})
}

func TestEmbed_Batches(t *testing.T) {
	embedder := mock.NewMockEmbedder()
	embedder.Dimensions = 8
	provider := mock.NewMockProviderWithServices(embedder, mock.NewMockEntityExtractor(), mock.NewMockGraphExtractor())
	cfg := DefaultConfig()
	cfg.EmbedBatchSize = 3
	cfg.EmbedConcurrency = 2
	w := newTestWorkers(t, provider, &fakeResolver{}, cfg)

	doc := core.NewDocument("ds-1", "doc", "")
	chunks := make([]string, 10)
	for i := range chunks {
		chunks[i] = strings.Repeat("chunk ", i+1)
	}
	withChunks(w, doc, chunks...)
	rep := &recordingReporter{}

	res, err := w.Embed(context.Background(), request(doc, core.StageEmbedding, rep))
	require.NoError(t, err)
	assert.Equal(t, "10", res.Attrs["vectors"])
	assert.Equal(t, "8", res.Attrs["dimensions"])
	assert.Equal(t, 4, embedder.CallCount())

	reports := rep.reports()
	assert.Len(t, reports, 4)
	assert.Equal(t, 100, slices.Max(reports))

	a, _ := w.Artifacts().Get(doc.ID)
	require.Len(t, a.Vectors, 10)
	for i, v := range a.Vectors {
		want, _ := embedder.EmbedText(context.Background(), chunks[i])
		assert.Equal(t, normalizeVector(want), v, "vector %d out of order", i)
	}

	embedder.Reset()
	_, err = w.Embed(context.Background(), request(doc, core.StageEmbedding, rep))
	require.NoError(t, err)
	assert.Zero(t, embedder.CallCount(), "re-run should reuse stored vectors")
}

func TestEmbed_MismatchIsPermanent(t *testing.T) {
	embedder := mock.NewMockEmbedder()
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return [][]float32{{1}}, nil
	}
	provider := mock.NewMockProviderWithServices(embedder, mock.NewMockEntityExtractor(), mock.NewMockGraphExtractor())
	w := newTestWorkers(t, provider, &fakeResolver{}, nil)
	doc := core.NewDocument("ds-1", "doc", "")
	withChunks(w, doc, "one", "two")

	_, err := w.Embed(context.Background(), request(doc, core.StageEmbedding, nil))
	assert.ErrorIs(t, err, ErrEmbeddingMismatch)
	assert.False(t, dispatch.IsRetryable(err))
}

func TestEmbed_ProviderErrorIsTransient(t *testing.T) {
	embedder := mock.NewMockEmbedder()
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, errors.New("503 from embedding host")
	}
	provider := mock.NewMockProviderWithServices(embedder, mock.NewMockEntityExtractor(), mock.NewMockGraphExtractor())
	w := newTestWorkers(t, provider, &fakeResolver{}, nil)
	doc := core.NewDocument("ds-1", "doc", "")
	withChunks(w, doc, "one")

	_, err := w.Embed(context.Background(), request(doc, core.StageEmbedding, nil))
	require.Error(t, err)
	assert.True(t, dispatch.IsRetryable(err))
	_, ok := w.Artifacts().Get(doc.ID)
	assert.True(t, ok)
}

func TestEmbed_Cancelled(t *testing.T) {
	w := newTestWorkers(t, nil, &fakeResolver{}, nil)
	doc := core.NewDocument("ds-1", "doc", "")
	withChunks(w, doc, "one", "two")

	_, err := w.Embed(context.Background(), request(doc, core.StageEmbedding, &recordingReporter{err: dispatch.ErrJobCancelled}))
	assert.ErrorIs(t, err, dispatch.ErrJobCancelled)
	a, _ := w.Artifacts().Get(doc.ID)
	assert.Empty(t, a.Vectors)
}

func TestExtractGraph_MergesChunks(t *testing.T) {
	graphs := mock.NewMockGraphExtractor()
	provider := mock.NewMockProviderWithServices(mock.NewMockEmbedder(), mock.NewMockEntityExtractor(), graphs)
	w := newTestWorkers(t, provider, &fakeResolver{}, nil)
	doc := core.NewDocument("ds-1", "doc", "")
	withChunks(w, doc, "Acme Corp hired Jane Doe.", "Jane Doe visited Paris.")
	rep := &recordingReporter{}

	res, err := w.ExtractGraph(context.Background(), request(doc, core.StageGraph, rep))
	require.NoError(t, err)
	assert.Equal(t, 3, *res.NodesCreated)
	assert.Equal(t, 2, *res.EdgesCreated)
	assert.Equal(t, []int{50, 100}, rep.reports())
	assert.Equal(t, 2, *rep.patches[0].NodesCreated)
	assert.Equal(t, 2, graphs.CallCount())

	_, err = w.ExtractGraph(context.Background(), request(doc, core.StageGraph, rep))
	require.NoError(t, err)
	assert.Equal(t, 2, graphs.CallCount(), "re-run should reuse the stored graph")
}

func TestExtractGraph_ErrorNamesChunk(t *testing.T) {
	graphs := mock.NewMockGraphExtractor()
	graphs.ExtractGraphFunc = func(ctx context.Context, text string) (*ai.Graph, error) {
		return nil, errors.New("model overloaded")
	}
	provider := mock.NewMockProviderWithServices(mock.NewMockEmbedder(), mock.NewMockEntityExtractor(), graphs)
	w := newTestWorkers(t, provider, &fakeResolver{}, nil)
	doc := core.NewDocument("ds-1", "doc", "")
	withChunks(w, doc, "Acme Corp.")

	_, err := w.ExtractGraph(context.Background(), request(doc, core.StageGraph, nil))
	assert.ErrorContains(t, err, "chunk 0: model overloaded")
}

func TestRecognizeEntities_ResolvesDistinctMentions(t *testing.T) {
	store, err := badger.NewMemoryStore()
	require.NoError(t, err)
	defer store.Close()
	n, err := normalize.New(store.Entities(), nil)
	require.NoError(t, err)

	w := newTestWorkers(t, nil, n, nil)
	doc := core.NewDocument("ds-1", "doc", "")
	withChunks(w, doc, "Acme Corp hired Jane Doe.", "Acme Corp opened in Paris.")
	rep := &recordingReporter{}

	res, err := w.RecognizeEntities(context.Background(), request(doc, core.StageNER, rep))
	require.NoError(t, err)
	assert.Equal(t, 3, *res.EntitiesResolved)
	assert.Equal(t, "3", res.Attrs["mentions"])
	assert.Equal(t, "3", res.Attrs["entitiesCreated"])
	assert.Equal(t, []int{25, 50, 100}, rep.reports())

	entities, err := n.Entities(context.Background(), "ds-1", "ORGANIZATION")
	require.NoError(t, err)
	assert.Len(t, entities, 3)
}

func TestRecognizeEntities_RetryResolvesOnlyFailures(t *testing.T) {
	resolver := &fakeResolver{fn: func(call int, mentions []core.Mention) ([]normalize.Resolution, error) {
		results := make([]normalize.Resolution, len(mentions))
		var errs []error
		for i, m := range mentions {
			if call == 1 && m.RawName == "Jane Doe" {
				errs = append(errs, errors.New("store unavailable"))
				continue
			}
			results[i] = normalize.Resolution{EntityID: "e-" + m.RawName, CanonicalName: m.RawName, Method: core.MethodNew}
		}
		return results, errors.Join(errs...)
	}}
	entities := mock.NewMockEntityExtractor()
	provider := mock.NewMockProviderWithServices(mock.NewMockEmbedder(), entities, mock.NewMockGraphExtractor())
	w := newTestWorkers(t, provider, resolver, nil)
	doc := core.NewDocument("ds-1", "doc", "")
	withChunks(w, doc, "Acme Corp hired Jane Doe.")

	_, err := w.RecognizeEntities(context.Background(), request(doc, core.StageNER, nil))
	require.Error(t, err)
	assert.True(t, dispatch.IsRetryable(err))
	assert.ErrorContains(t, err, "failed to resolve 1 of 2 mentions")

	res, err := w.RecognizeEntities(context.Background(), request(doc, core.StageNER, nil))
	require.NoError(t, err)
	assert.Equal(t, 2, *res.EntitiesResolved)

	require.Len(t, resolver.calls, 2)
	assert.Len(t, resolver.calls[0], 2)
	require.Len(t, resolver.calls[1], 1)
	assert.Equal(t, "Jane Doe", resolver.calls[1][0].RawName)
	assert.Equal(t, 1, entities.CallCount(), "mentions should be extracted once")
}

func TestRecognizeEntities_ReportsResolutionProgress(t *testing.T) {
	tests := []struct {
		name        string
		mentions    int
		cancelAbove int
		wantReports []int
		wantBatches []int
		wantErr     error
	}{
		{name: "single batch", mentions: 3, wantReports: []int{50, 100}, wantBatches: []int{3}},
		{name: "several batches", mentions: 60, wantReports: []int{50, 70, 91, 100}, wantBatches: []int{25, 25, 10}},
		{name: "cancelled between batches", mentions: 60, cancelAbove: 50, wantReports: []int{50, 70}, wantBatches: []int{25}, wantErr: dispatch.ErrJobCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entities := mock.NewMockEntityExtractor()
			entities.ExtractEntitiesFunc = func(ctx context.Context, text string) ([]ai.ExtractedEntity, error) {
				out := make([]ai.ExtractedEntity, tt.mentions)
				for i := range out {
					out[i] = ai.ExtractedEntity{Name: fmt.Sprintf("Company %d", i), Type: "ORGANIZATION"}
				}
				return out, nil
			}
			resolver := &fakeResolver{fn: func(call int, mentions []core.Mention) ([]normalize.Resolution, error) {
				results := make([]normalize.Resolution, len(mentions))
				for i, m := range mentions {
					results[i] = normalize.Resolution{EntityID: "e-" + m.RawName, Method: core.MethodNew}
				}
				return results, nil
			}}
			provider := mock.NewMockProviderWithServices(mock.NewMockEmbedder(), entities, mock.NewMockGraphExtractor())
			w := newTestWorkers(t, provider, resolver, nil)
			doc := core.NewDocument("ds-1", "doc", "")
			withChunks(w, doc, "one chunk")
			rep := &recordingReporter{errAbove: tt.cancelAbove}
			if tt.cancelAbove > 0 {
				rep.err = dispatch.ErrJobCancelled
			}

			res, err := w.RecognizeEntities(context.Background(), request(doc, core.StageNER, rep))
			assert.Equal(t, tt.wantReports, rep.reports())
			var batches []int
			for _, call := range resolver.calls {
				batches = append(batches, len(call))
			}
			assert.Equal(t, tt.wantBatches, batches)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mentions, *res.EntitiesResolved)
		})
	}
}

func TestRecognizeEntities_SkipsInvalidAndNormalizesTypes(t *testing.T) {
	entities := mock.NewMockEntityExtractor()
	entities.ExtractEntitiesFunc = func(ctx context.Context, text string) ([]ai.ExtractedEntity, error) {
		return []ai.ExtractedEntity{
			{Name: "Acme", Type: "company", Salience: 9},
			{Name: "  ", Type: "PERSON", Salience: 8},
			{Name: "ACME", Type: "ORG", Salience: 7},
		}, nil
	}
	resolver := &fakeResolver{fn: func(call int, mentions []core.Mention) ([]normalize.Resolution, error) {
		results := make([]normalize.Resolution, len(mentions))
		for i := range mentions {
			results[i] = normalize.Resolution{EntityID: "e-1", Method: core.MethodExact}
		}
		return results, nil
	}}
	provider := mock.NewMockProviderWithServices(mock.NewMockEmbedder(), entities, mock.NewMockGraphExtractor())
	w := newTestWorkers(t, provider, resolver, nil)
	doc := core.NewDocument("ds-9", "doc", "")
	withChunks(w, doc, "anything")

	res, err := w.RecognizeEntities(context.Background(), request(doc, core.StageNER, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, *res.EntitiesResolved)
	require.Len(t, resolver.calls, 1)
	assert.Equal(t, []core.Mention{{DatasetID: "ds-9", EntityType: "ORGANIZATION", RawName: "Acme"}}, resolver.calls[0])
}

func TestForget_DropsArtifacts(t *testing.T) {
	w := newTestWorkers(t, nil, &fakeResolver{}, nil)
	doc := core.NewDocument("ds-1", "doc", "")
	withChunks(w, doc, "one")
	require.Equal(t, 1, w.Artifacts().Len())
	w.Forget(doc.ID)
	assert.Zero(t, w.Artifacts().Len())
}
