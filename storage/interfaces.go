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

package storage

import (
	"context"
	"time"

	"github.com/poiesic/docflow/core"
)

// CASResult is the outcome of a compare-and-swap.
type CASResult int

const (
	// Applied means the expected state matched and the write committed.
	Applied CASResult = iota + 1
	// Conflict means the persisted state no longer matched. It is a signal
	// to re-read and decide whether the change is moot, not an error.
	Conflict
)

func (r CASResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// AnyAttempt disables the attempt fence on UpdateJob.
const AnyAttempt = -1

// DocumentRepository persists documents.
type DocumentRepository interface {
	// CreateDocument inserts a new document. Returns ErrDuplicateKey if the ID exists.
	CreateDocument(ctx context.Context, doc *core.Document) error

	// GetDocument returns the document or ErrNotFound.
	GetDocument(ctx context.Context, id string) (*core.Document, error)

	// ListDocuments returns every document in a dataset. An empty dataset ID
	// lists all documents.
	ListDocuments(ctx context.Context, datasetID string) ([]*core.Document, error)

	// CompareAndSwap applies mutate atomically if and only if the persisted
	// status equals expected. On Conflict the returned document is the fresh
	// persisted copy and nothing is written.
	CompareAndSwap(ctx context.Context, id string, expected core.DocumentStatus, mutate func(doc *core.Document)) (CASResult, *core.Document, error)

	// UpdateDocument performs an atomic read-modify-write. Returning an error
	// from mutate aborts the write.
	UpdateDocument(ctx context.Context, id string, mutate func(doc *core.Document) error) (*core.Document, error)

	Close() error
}

// JobRepository persists jobs. Implementations guarantee at most one
// non-terminal job per (DocumentID, Stage).
type JobRepository interface {
	// EnqueueJob inserts job unless a waiting or active job exists for the same
	// document and stage, in which case the existing job is returned and
	// created is false.
	EnqueueJob(ctx context.Context, job *core.Job) (stored *core.Job, created bool, err error)

	// GetJob returns the job or ErrNotFound.
	GetJob(ctx context.Context, id string) (*core.Job, error)

	// ClaimNext atomically moves the oldest due waiting job for one of stages
	// to active, incrementing Attempts and stamping LastHeartbeat. Returns
	// nil when nothing is due.
	ClaimNext(ctx context.Context, now time.Time, stages []core.Stage) (*core.Job, error)

	// UpdateJob performs an atomic read-modify-write. When attempt is not
	// AnyAttempt and differs from the persisted Attempts, ErrStaleAttempt is
	// returned and nothing is written.
	UpdateJob(ctx context.Context, id string, attempt int, mutate func(job *core.Job) error) (*core.Job, error)

	// ListJobsByDocument returns every job recorded for a document.
	ListJobsByDocument(ctx context.Context, documentID string) ([]*core.Job, error)

	// ListActiveJobs returns every job currently in the active state.
	ListActiveJobs(ctx context.Context) ([]*core.Job, error)

	// DeleteWaitingJobs removes every waiting job of a document and returns them.
	DeleteWaitingJobs(ctx context.Context, documentID string) ([]*core.Job, error)

	Close() error
}

// EntityRepository persists the entity dictionary and normalization log.
//
// Uniqueness is enforced by the store: canonical entities on
// (DatasetID, EntityType, NormalizedName) and aliases on
// (OwnerEntityID, NormalizedText). Violations return ErrDuplicateKey.
type EntityRepository interface {
	CreateCanonical(ctx context.Context, entity *core.CanonicalEntity) error
	GetCanonical(ctx context.Context, id string) (*core.CanonicalEntity, error)
	FindCanonicalByForm(ctx context.Context, datasetID, entityType, form string) (*core.CanonicalEntity, error)

	// FindCanonicalByMatchKey returns the entity holding a match key. Match
	// keys are unique per dataset and type, so CreateCanonical fails with
	// ErrDuplicateKey for a second entity with the same key.
	FindCanonicalByMatchKey(ctx context.Context, datasetID, entityType, key string) (*core.CanonicalEntity, error)
	ListCanonicals(ctx context.Context, datasetID, entityType string) ([]*core.CanonicalEntity, error)

	// DeleteCanonical removes an entity and cascades to its aliases, which are
	// returned. Log entries are never removed.
	DeleteCanonical(ctx context.Context, id string) ([]*core.Alias, error)

	// AddAlias inserts an alias. Returns ErrNotFound if the owner is missing.
	AddAlias(ctx context.Context, alias *core.Alias) error
	FindAliasesByForm(ctx context.Context, datasetID, entityType, form string) ([]*core.Alias, error)
	ListAliases(ctx context.Context, ownerEntityID string) ([]*core.Alias, error)
	ListAliasesByType(ctx context.Context, datasetID, entityType string) ([]*core.Alias, error)

	// TouchAlias increments MatchCount and sets LastMatchedAt.
	TouchAlias(ctx context.Context, aliasID string, at time.Time) (*core.Alias, error)

	// AppendLog records an immutable normalization decision.
	AppendLog(ctx context.Context, entry *core.NormalizationLogEntry) error
	ListLog(ctx context.Context, datasetID string) ([]*core.NormalizationLogEntry, error)

	Close() error
}

// Store bundles the repositories of one backend.
type Store interface {
	Documents() DocumentRepository
	Jobs() JobRepository
	Entities() EntityRepository
	Close() error
}
