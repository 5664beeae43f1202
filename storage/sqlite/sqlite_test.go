package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "docflow.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	doc := core.NewDocument("ds", "report.txt", "/data/report.txt")
	if err := st.Documents().CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := st.Documents().CreateDocument(ctx, doc); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	res, _, err := st.Documents().CompareAndSwap(ctx, doc.ID, core.StatusUploaded, func(d *core.Document) {
		d.Status = core.StatusWaiting
	})
	if err != nil || res != storage.Applied {
		t.Fatalf("CompareAndSwap: res=%v err=%v", res, err)
	}

	res, current, err := st.Documents().CompareAndSwap(ctx, doc.ID, core.StatusUploaded, func(d *core.Document) {
		d.Status = core.StatusError
	})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if res != storage.Conflict {
		t.Errorf("expected conflict, got %v", res)
	}
	if current.Status != core.StatusWaiting {
		t.Errorf("conflict should return the persisted status, got %q", current.Status)
	}

	_, err = st.Documents().UpdateDocument(ctx, doc.ID, func(d *core.Document) error {
		d.ApplyPatch(&core.MetadataPatch{Stage: core.StageEmbedding, RetryCount: core.Ptr(2), LastError: core.Ptr("timeout")})
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}

	got, err := st.Documents().GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if sm := got.Metadata[core.StageEmbedding]; sm == nil || sm.LastError != "timeout" {
		t.Errorf("embedding metadata not persisted: %+v", sm)
	}

	if _, err := st.Documents().GetDocument(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	docs, err := st.Documents().ListDocuments(ctx, "ds")
	if err != nil || len(docs) != 1 {
		t.Errorf("ListDocuments: len=%d err=%v", len(docs), err)
	}
}

func TestJobQueue(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, _, err := st.Jobs().EnqueueJob(ctx, core.NewJob("doc", core.StageParse, nil, now))
			if err != nil {
				t.Errorf("EnqueueJob: %v", err)
				return
			}
			ids[i] = job.ID
		}()
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent enqueue produced different jobs: %v", ids)
		}
	}

	if job, err := st.Jobs().ClaimNext(ctx, now, []core.Stage{core.StageChunk}); err != nil || job != nil {
		t.Fatalf("stage filter: job=%v err=%v", job, err)
	}

	job, err := st.Jobs().ClaimNext(ctx, now, []core.Stage{core.StageParse})
	if err != nil || job == nil {
		t.Fatalf("ClaimNext: job=%v err=%v", job, err)
	}
	if job.Attempts != 1 || job.Status != core.JobActive {
		t.Errorf("claimed job: attempts=%d status=%q", job.Attempts, job.Status)
	}

	if _, err := st.Jobs().UpdateJob(ctx, job.ID, 7, func(j *core.Job) error { return nil }); !errors.Is(err, storage.ErrStaleAttempt) {
		t.Errorf("expected ErrStaleAttempt, got %v", err)
	}

	active, err := st.Jobs().ListActiveJobs(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListActiveJobs: len=%d err=%v", len(active), err)
	}

	_, err = st.Jobs().UpdateJob(ctx, job.ID, job.Attempts, func(j *core.Job) error {
		j.Status = core.JobCompleted
		j.ProgressPercent = 100
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	next, created, err := st.Jobs().EnqueueJob(ctx, core.NewJob("doc", core.StageParse, nil, now))
	if err != nil || !created || next.ID == job.ID {
		t.Errorf("terminal job should free the slot: created=%v err=%v", created, err)
	}

	removed, err := st.Jobs().DeleteWaitingJobs(ctx, "doc")
	if err != nil || len(removed) != 1 {
		t.Errorf("DeleteWaitingJobs: len=%d err=%v", len(removed), err)
	}
	jobs, err := st.Jobs().ListJobsByDocument(ctx, "doc")
	if err != nil || len(jobs) != 1 {
		t.Errorf("ListJobsByDocument: len=%d err=%v", len(jobs), err)
	}
}

func TestEntityMatchKeyUniqueness(t *testing.T) {
	tests := []struct {
		name     string
		firstKey string
		key      string
		wantDup  bool
	}{
		{name: "same key", firstKey: "coca cola", key: "coca cola", wantDup: true},
		{name: "other key", firstKey: "coca cola", key: "pepsi"},
		{name: "both empty", firstKey: "", key: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := openTestStore(t).Entities()
			now := time.Now().UTC()

			first := &core.CanonicalEntity{
				ID: core.NewID(), DatasetID: "ds", EntityType: "ORG", CanonicalName: "Coca-Cola",
				NormalizedName: "coca-cola", MatchKey: tt.firstKey, ConfidenceScore: 1,
				Source: core.SourceAuto, CreatedAt: now, UpdatedAt: now,
			}
			if err := repo.CreateCanonical(ctx, first); err != nil {
				t.Fatalf("CreateCanonical: %v", err)
			}
			second := *first
			second.ID = core.NewID()
			second.NormalizedName = "coca cola"
			second.MatchKey = tt.key
			err := repo.CreateCanonical(ctx, &second)
			if tt.wantDup {
				if !errors.Is(err, storage.ErrDuplicateKey) {
					t.Errorf("expected ErrDuplicateKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateCanonical: %v", err)
			}
			if tt.key == "" {
				return
			}
			found, err := repo.FindCanonicalByMatchKey(ctx, "ds", "ORG", tt.key)
			if err != nil {
				t.Fatalf("FindCanonicalByMatchKey: %v", err)
			}
			if found.ID != second.ID || found.MatchKey != tt.key {
				t.Errorf("found %+v, want entity %s", found, second.ID)
			}
		})
	}
}

func TestEntityDictionary(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	repo := st.Entities()
	now := time.Now().UTC()

	entity := &core.CanonicalEntity{
		ID: core.NewID(), DatasetID: "ds", EntityType: "ORG", CanonicalName: "Coca-Cola",
		NormalizedName: "coca-cola", ConfidenceScore: 1, Source: core.SourceAuto,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := repo.CreateCanonical(ctx, entity); err != nil {
		t.Fatalf("CreateCanonical: %v", err)
	}
	dup := *entity
	dup.ID = core.NewID()
	if err := repo.CreateCanonical(ctx, &dup); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	alias := &core.Alias{
		ID: core.NewID(), OwnerEntityID: entity.ID, DatasetID: "ds", EntityType: "ORG",
		AliasText: "Coca Cola", NormalizedText: "coca cola", SimilarityScore: 0.9,
		MatchCount: 1, LastMatchedAt: now, CreatedAt: now,
	}
	if err := repo.AddAlias(ctx, alias); err != nil {
		t.Fatalf("AddAlias: %v", err)
	}
	orphan := *alias
	orphan.ID = core.NewID()
	orphan.OwnerEntityID = "missing"
	if err := repo.AddAlias(ctx, &orphan); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for orphan alias, got %v", err)
	}

	touched, err := repo.TouchAlias(ctx, alias.ID, now.Add(time.Minute))
	if err != nil || touched.MatchCount != 2 {
		t.Errorf("TouchAlias: %+v err=%v", touched, err)
	}

	found, err := repo.FindAliasesByForm(ctx, "ds", "ORG", "coca cola")
	if err != nil || len(found) != 1 {
		t.Errorf("FindAliasesByForm: len=%d err=%v", len(found), err)
	}

	if err := repo.AppendLog(ctx, &core.NormalizationLogEntry{
		ID: core.NewSortableID(), DatasetID: "ds", EntityType: "ORG", OriginalEntity: "Coca Cola",
		NormalizedTo: entity.ID, Method: core.MethodFuzzy, Confidence: 0.9, CreatedAt: now,
	}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	removed, err := repo.DeleteCanonical(ctx, entity.ID)
	if err != nil || len(removed) != 1 {
		t.Fatalf("DeleteCanonical: len=%d err=%v", len(removed), err)
	}
	if owned, _ := repo.ListAliases(ctx, entity.ID); len(owned) != 0 {
		t.Errorf("aliases should cascade, got %d", len(owned))
	}

	log, err := repo.ListLog(ctx, "ds")
	if err != nil || len(log) != 1 {
		t.Errorf("log entries must survive deletion: len=%d err=%v", len(log), err)
	}
}
