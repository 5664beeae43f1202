package badger

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/storage"
)

// JobRepository implements storage.JobRepository for BadgerDB.
//
// Besides the primary record, every job maintains a set of index keys:
// jobact enforces one non-terminal job per (document, stage), jobq orders
// waiting jobs by availability, jobrun lists active jobs for the reaper and
// jobdoc lists a document's jobs.
type JobRepository struct {
	backend *Backend
}

var _ storage.JobRepository = (*JobRepository)(nil)

// NewJobRepository creates a new JobRepository.
func NewJobRepository(backend *Backend) (*JobRepository, error) {
	return &JobRepository{
		backend: backend,
	}, nil
}

// Close releases resources. JobRepository has no resources to release.
func (r *JobRepository) Close() error {
	return nil
}

// EnqueueJob inserts job unless a non-terminal job exists for the same
// document and stage. Two concurrent enqueues both read the missing jobact
// key, so the second commit conflicts and its replay finds the first job.
func (r *JobRepository) EnqueueJob(ctx context.Context, job *core.Job) (*core.Job, bool, error) {
	if err := core.ValidateJob(job); err != nil {
		return nil, false, err
	}
	var (
		stored  *core.Job
		created bool
	)
	err := r.backend.update(ctx, func(tx *badger.Txn) error {
		existingID, err := readString(tx, makeJobActiveKey(job.DocumentID, job.Stage))
		if err == nil {
			stored, err = readValue(tx, makeJobKey(existingID), storage.UnmarshalJob)
			created = false
			return err
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		stored = job.Clone()
		created = true
		return putJob(tx, nil, stored)
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetJob retrieves a single job by ID.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var result *core.Job
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		var err error
		result, err = readValue(tx, makeJobKey(id), storage.UnmarshalJob)
		return err
	})
	return result, err
}

// ClaimNext activates the oldest due waiting job whose stage is in stages.
// An empty stages slice matches every stage.
func (r *JobRepository) ClaimNext(ctx context.Context, now time.Time, stages []core.Stage) (*core.Job, error) {
	var claimed *core.Job
	err := r.backend.update(ctx, func(tx *badger.Txn) error {
		claimed = nil
		candidate, err := nextDueJob(tx, now, stages)
		if err != nil || candidate == nil {
			return err
		}
		old := candidate.Clone()
		candidate.Status = core.JobActive
		candidate.Attempts++
		candidate.LastHeartbeat = now
		candidate.UpdatedAt = now
		if err := putJob(tx, old, candidate); err != nil {
			return err
		}
		claimed = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// nextDueJob walks the queue index in availability order. The iterator is
// closed before the caller writes.
func nextDueJob(tx *badger.Txn, now time.Time, stages []core.Stage) (*core.Job, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = makeScanPrefix(jobQueuePrefix)
	opts.PrefetchValues = false
	iter := tx.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		availableAt, id := parseJobQueueKey(iter.Item().Key())
		if availableAt.After(now) {
			return nil, nil
		}
		job, err := readValue(tx, makeJobKey(id), storage.UnmarshalJob)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if len(stages) > 0 && !slices.Contains(stages, job.Stage) {
			continue
		}
		return job, nil
	}
	return nil, nil
}

// UpdateJob performs a fenced read-modify-write on one job.
func (r *JobRepository) UpdateJob(ctx context.Context, id string, attempt int, mutate func(job *core.Job) error) (*core.Job, error) {
	var updated *core.Job
	err := r.backend.update(ctx, func(tx *badger.Txn) error {
		job, err := readValue(tx, makeJobKey(id), storage.UnmarshalJob)
		if err != nil {
			return err
		}
		if attempt != storage.AnyAttempt && job.Attempts != attempt {
			return storage.ErrStaleAttempt
		}
		old := job.Clone()
		if err := mutate(job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()
		updated = job
		return putJob(tx, old, job)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListJobsByDocument returns every job recorded for a document in creation order.
func (r *JobRepository) ListJobsByDocument(ctx context.Context, documentID string) ([]*core.Job, error) {
	var result []*core.Job
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		var err error
		result, err = readJobs(tx, scanSuffixes(tx, makeScanPrefix(jobDocumentPrefix, documentID)))
		return err
	})
	return result, err
}

// ListActiveJobs returns every active job.
func (r *JobRepository) ListActiveJobs(ctx context.Context) ([]*core.Job, error) {
	var result []*core.Job
	err := r.backend.view(ctx, func(tx *badger.Txn) error {
		var err error
		result, err = readJobs(tx, scanSuffixes(tx, makeScanPrefix(jobRunningPrefix)))
		return err
	})
	return result, err
}

// DeleteWaitingJobs removes a document's waiting jobs with all their index keys.
func (r *JobRepository) DeleteWaitingJobs(ctx context.Context, documentID string) ([]*core.Job, error) {
	var removed []*core.Job
	err := r.backend.update(ctx, func(tx *badger.Txn) error {
		removed = nil
		jobs, err := readJobs(tx, scanSuffixes(tx, makeScanPrefix(jobDocumentPrefix, documentID)))
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Status != core.JobWaiting {
				continue
			}
			for _, key := range [][]byte{
				makeJobKey(job.ID),
				makeJobQueueKey(job.AvailableAt, job.ID),
				makeJobActiveKey(job.DocumentID, job.Stage),
				makeJobDocumentKey(job.DocumentID, job.ID),
			} {
				if err := tx.Delete(key); err != nil {
					return err
				}
			}
			removed = append(removed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func readJobs(tx *badger.Txn, ids []string) ([]*core.Job, error) {
	jobs := make([]*core.Job, 0, len(ids))
	for _, id := range ids {
		job, err := readValue(tx, makeJobKey(id), storage.UnmarshalJob)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// putJob writes job and moves its index keys from old's state to job's.
// old is nil for a new job.
func putJob(tx *badger.Txn, old, job *core.Job) error {
	if err := tx.Set(makeJobKey(job.ID), storage.MarshalJob(job)); err != nil {
		return err
	}
	if old == nil {
		if err := tx.Set(makeJobDocumentKey(job.DocumentID, job.ID), []byte{}); err != nil {
			return err
		}
	}

	if old != nil && old.Status == core.JobWaiting {
		if err := tx.Delete(makeJobQueueKey(old.AvailableAt, old.ID)); err != nil {
			return err
		}
	}
	if job.Status == core.JobWaiting {
		if err := tx.Set(makeJobQueueKey(job.AvailableAt, job.ID), []byte{}); err != nil {
			return err
		}
	}

	if job.Status == core.JobActive {
		if err := tx.Set(makeJobRunningKey(job.ID), []byte{}); err != nil {
			return err
		}
	} else if old != nil && old.Status == core.JobActive {
		if err := tx.Delete(makeJobRunningKey(job.ID)); err != nil {
			return err
		}
	}

	activeKey := makeJobActiveKey(job.DocumentID, job.Stage)
	if job.Status.IsTerminal() {
		if old == nil || !old.Status.IsTerminal() {
			return tx.Delete(activeKey)
		}
		return nil
	}
	return tx.Set(activeKey, []byte(job.ID))
}
