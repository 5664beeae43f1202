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
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/notify"
	"github.com/poiesic/docflow/storage"
)

// DocumentTracker is the part of tracker.Tracker the dispatcher drives.
type DocumentTracker interface {
	Get(ctx context.Context, id string) (*core.Document, error)
	Advance(ctx context.Context, id string, from, to core.DocumentStatus, patch *core.MetadataPatch) (storage.CASResult, *core.Document, error)
	Fail(ctx context.Context, id string, from core.DocumentStatus, reason string, patch *core.MetadataPatch) (storage.CASResult, *core.Document, error)
	MergeMetadata(ctx context.Context, id string, patch *core.MetadataPatch) (*core.Document, error)
}

// JobUpdate is the payload of job events.
type JobUpdate struct {
	JobID         string         `json:"jobId"`
	DocumentID    string         `json:"documentId"`
	Stage         core.Stage     `json:"stage"`
	Status        core.JobStatus `json:"jobStatus"`
	Attempts      int            `json:"attempts"`
	Progress      int            `json:"progress"`
	FailureReason string         `json:"failureReason,omitempty"`
}

// Config holds dispatcher settings.
type Config struct {
	Concurrency      int           // Jobs executed at once
	PollInterval     time.Duration // Idle wait between claim attempts
	HeartbeatTimeout time.Duration // Silence after which an active job is presumed crashed
	ReapInterval     time.Duration // How often active jobs are checked for liveness
	AutoChain        bool          // Enqueue the next stage when one completes
	Retry            RetryPolicy
}

// DefaultConfig returns the dispatcher defaults.
// Concurrency is runtime.NumCPU() / 2, with a minimum of 1.
func DefaultConfig() *Config {
	concurrency := runtime.NumCPU() / 2
	if concurrency < 1 {
		concurrency = 1
	}
	return &Config{
		Concurrency:      concurrency,
		PollInterval:     500 * time.Millisecond,
		HeartbeatTimeout: 2 * time.Minute,
		ReapInterval:     30 * time.Second,
		AutoChain:        true,
		Retry:            DefaultRetryPolicy(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	if c.PollInterval <= 0 || c.ReapInterval <= 0 {
		return errors.New("poll and reap intervals must be positive")
	}
	if c.HeartbeatTimeout <= 0 {
		return errors.New("heartbeat timeout must be positive")
	}
	return c.Retry.Validate()
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithPublisher sets where job changes are announced. Default discards them.
func WithPublisher(publisher notify.Publisher) Option {
	return func(d *Dispatcher) {
		if publisher != nil {
			d.publisher = publisher
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher enqueues, claims and executes stage jobs.
type Dispatcher struct {
	jobs      storage.JobRepository
	tracker   DocumentTracker
	publisher notify.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	workers map[core.Stage]StageWorker

	merges  *mergeQueue
	wake    chan struct{}
	running atomic.Int64
	started atomic.Bool
}

var _ Reporter = (*Dispatcher)(nil)

// New creates a dispatcher. Workers are added with Register.
func New(jobs storage.JobRepository, tr DocumentTracker, cfg *Config, opts ...Option) (*Dispatcher, error) {
	if jobs == nil {
		return nil, ErrJobRepositoryRequired
	}
	if tr == nil {
		return nil, ErrTrackerRequired
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		jobs:      jobs,
		tracker:   tr,
		publisher: notify.Discard,
		cfg:       *cfg,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		workers:   make(map[core.Stage]StageWorker),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	d.merges = newMergeQueue(func(ctx context.Context, documentID string, patch *core.MetadataPatch) error {
		_, err := d.tracker.MergeMetadata(ctx, documentID, patch)
		return err
	}, d.logger)
	return d, nil
}

// Register installs the worker for stage. Jobs of stages without a worker
// stay queued.
func (d *Dispatcher) Register(stage core.Stage, worker StageWorker) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %q", core.ErrUnknownStage, stage)
	}
	if worker == nil {
		return errors.New("worker must not be nil")
	}
	d.mu.Lock()
	d.workers[stage] = worker
	d.mu.Unlock()
	d.signal()
	return nil
}

func (d *Dispatcher) worker(stage core.Stage) StageWorker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.workers[stage]
}

func (d *Dispatcher) stages() []core.Stage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stages := make([]core.Stage, 0, len(d.workers))
	for stage := range d.workers {
		stages = append(stages, stage)
	}
	slices.Sort(stages)
	return stages
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Enqueue schedules stage for documentID and returns the job ID. If a
// waiting or active job already exists for the pair, its ID is returned.
func (d *Dispatcher) Enqueue(ctx context.Context, documentID string, stage core.Stage, params map[string]string) (string, error) {
	job := core.NewJob(documentID, stage, params, d.now())
	stored, created, err := d.jobs.EnqueueJob(ctx, job)
	if err != nil {
		return "", err
	}
	if created {
		d.logger.Debug("job enqueued", "job", stored.ID, "document", documentID, "stage", stage)
		d.publishJob(stored)
		d.signal()
	}
	return stored.ID, nil
}

// Job returns a job by ID.
func (d *Dispatcher) Job(ctx context.Context, id string) (*core.Job, error) {
	return d.jobs.GetJob(ctx, id)
}

// Jobs returns every job recorded for a document.
func (d *Dispatcher) Jobs(ctx context.Context, documentID string) ([]*core.Job, error) {
	return d.jobs.ListJobsByDocument(ctx, documentID)
}

// Progress records a heartbeat and percent for a running job and queues
// patch for merging into the document. It returns ErrJobCancelled when the
// job has been flagged for cancellation and ErrJobSuperseded when attempt
// is no longer current.
func (d *Dispatcher) Progress(ctx context.Context, jobID string, attempt, percent int, patch *core.MetadataPatch) error {
	percent = min(max(percent, 0), 100)
	job, err := d.jobs.UpdateJob(ctx, jobID, attempt, func(job *core.Job) error {
		if job.Status != core.JobActive {
			return ErrJobSuperseded
		}
		job.ProgressPercent = percent
		job.LastHeartbeat = d.now()
		return nil
	})
	if errors.Is(err, storage.ErrStaleAttempt) {
		return ErrJobSuperseded
	}
	if err != nil {
		return err
	}

	merged := &core.MetadataPatch{}
	if patch != nil {
		merged = clonePatch(patch)
	}
	merged.Stage = job.Stage
	if merged.Progress == nil {
		merged.Progress = core.Ptr(percent)
	}
	d.merges.push(job.DocumentID, merged)

	if job.CancelRequested {
		return ErrJobCancelled
	}
	return nil
}

// Cancel removes the document's waiting jobs, flags its active jobs for
// cooperative cancellation and moves the document to error. Work already
// dispatched may still complete its side effects.
func (d *Dispatcher) Cancel(ctx context.Context, documentID string) error {
	removed, err := d.jobs.DeleteWaitingJobs(ctx, documentID)
	if err != nil {
		return err
	}
	for _, job := range removed {
		job.Status = core.JobFailed
		job.FailureReason = "cancelled"
		d.publishJob(job)
	}

	jobs, err := d.jobs.ListJobsByDocument(ctx, documentID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status != core.JobActive {
			continue
		}
		_, err := d.jobs.UpdateJob(ctx, job.ID, storage.AnyAttempt, func(job *core.Job) error {
			if job.Status == core.JobActive {
				job.CancelRequested = true
			}
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	// The status can move under us while a worker finishes; chase it a
	// few times.
	for range 5 {
		doc, err := d.tracker.Get(ctx, documentID)
		if err != nil {
			return err
		}
		if doc.Status.IsTerminal() || doc.Status == core.StatusUploaded {
			break
		}
		res, _, err := d.tracker.Fail(ctx, documentID, doc.Status, "cancelled", nil)
		if err != nil {
			return err
		}
		if res == storage.Applied {
			d.logger.Info("document cancelled", "document", documentID, "from", doc.Status)
			break
		}
	}
	return nil
}

// Run claims and executes jobs until ctx is cancelled. Jobs interrupted by
// shutdown stay active and are requeued by a later reaper pass.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.started.Store(false)

	pool, err := ants.NewPool(d.cfg.Concurrency)
	if err != nil {
		return err
	}
	defer pool.Release()

	var (
		inflight sync.WaitGroup
		merging  sync.WaitGroup
	)
	mergeCtx, stopMerges := context.WithCancel(context.WithoutCancel(ctx))
	merging.Add(1)
	go func() {
		defer merging.Done()
		d.merges.run(mergeCtx)
	}()
	defer func() {
		inflight.Wait()
		stopMerges()
		merging.Wait()
	}()

	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()
	reap := time.NewTicker(d.cfg.ReapInterval)
	defer reap.Stop()

	d.logger.Info("dispatcher started", "concurrency", d.cfg.Concurrency, "stages", d.stages())
	d.reap(ctx)
	for {
		d.fill(ctx, pool, &inflight)
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping", "inflight", d.running.Load())
			return nil
		case <-d.wake:
		case <-poll.C:
		case <-reap.C:
			d.reap(ctx)
		}
	}
}

// fill claims jobs while the pool has free slots.
func (d *Dispatcher) fill(ctx context.Context, pool *ants.Pool, inflight *sync.WaitGroup) {
	stages := d.stages()
	if len(stages) == 0 {
		return
	}
	for d.running.Load() < int64(d.cfg.Concurrency) {
		if ctx.Err() != nil {
			return
		}
		job, err := d.jobs.ClaimNext(ctx, d.now(), stages)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("failed to claim job", "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		d.publishJob(job)

		d.running.Add(1)
		inflight.Add(1)
		err = pool.Submit(func() {
			defer inflight.Done()
			defer d.signal()
			defer d.running.Add(-1)
			d.execute(ctx, job)
		})
		if err != nil {
			inflight.Done()
			d.running.Add(-1)
			d.logger.Error("failed to submit job", "job", job.ID, "error", err)
			d.fail(context.WithoutCancel(ctx), job, Transient(err))
			return
		}
	}
}

// execute runs one claimed job to an outcome.
func (d *Dispatcher) execute(ctx context.Context, job *core.Job) {
	logger := d.logger.With("job", job.ID, "document", job.DocumentID, "stage", job.Stage, "attempt", job.Attempts)
	bg := context.WithoutCancel(ctx)

	doc, ok := d.enterStage(ctx, job, logger)
	if !ok {
		return
	}
	d.merges.push(job.DocumentID, &core.MetadataPatch{Stage: job.Stage, StartedAt: core.Ptr(d.now())})

	worker := d.worker(job.Stage)
	if worker == nil {
		d.fail(bg, job, Transient(fmt.Errorf("no worker registered for stage %s", job.Stage)))
		return
	}

	result, err := runWorker(ctx, worker, NewStageRequest(job, doc, d))
	switch {
	case err == nil:
		d.complete(bg, job, result, logger)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		logger.Info("job interrupted by shutdown")
	case errors.Is(err, ErrJobSuperseded):
		logger.Info("job superseded by a newer attempt")
	case errors.Is(err, ErrJobCancelled):
		d.cancelled(bg, job, logger)
	default:
		d.fail(bg, job, err)
	}
}

// enterStage is the claim gate. A document in the stage's entry status is
// advanced into the stage, one already in the stage proceeds, and anything
// else makes the job moot.
func (d *Dispatcher) enterStage(ctx context.Context, job *core.Job, logger *slog.Logger) (*core.Document, bool) {
	bg := context.WithoutCancel(ctx)
	doc, err := d.tracker.Get(ctx, job.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		d.finish(bg, job, core.JobFailed, "document not found")
		return nil, false
	}
	if err != nil {
		d.fail(bg, job, Transient(err))
		return nil, false
	}
	if job.CancelRequested {
		d.cancelled(bg, job, logger)
		return nil, false
	}

	stage := job.Stage
	if doc.Status == stage.Status() {
		return doc, true
	}
	if doc.Status == stage.CompletionStatus() {
		// An earlier attempt advanced the document and died before the job
		// was retired or the next stage queued.
		d.settle(bg, job, logger)
		return nil, false
	}
	if doc.Status == stage.EntryStatus() {
		res, fresh, err := d.tracker.Advance(ctx, doc.ID, doc.Status, stage.Status(), nil)
		if err != nil {
			d.fail(bg, job, Transient(err))
			return nil, false
		}
		if res == storage.Applied || fresh.Status == stage.Status() {
			return fresh, true
		}
		doc = fresh
	}

	logger.Info("job superseded", "status", doc.Status)
	d.finish(bg, job, core.JobFailed, fmt.Sprintf("superseded: document is %s", doc.Status))
	return nil, false
}

func runWorker(ctx context.Context, worker StageWorker, req StageRequest) (result StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Transient(fmt.Errorf("stage worker panicked: %v", r))
		}
	}()
	return worker.Execute(ctx, req)
}

// complete records success. The document advances first and the next
// stage is queued before the job is retired, so an executor that dies in
// between leaves an active job whose next attempt settles it.
func (d *Dispatcher) complete(ctx context.Context, job *core.Job, result StageResult, logger *slog.Logger) {
	if _, err := d.jobs.UpdateJob(ctx, job.ID, job.Attempts, func(j *core.Job) error {
		if j.Status != core.JobActive {
			return ErrJobSuperseded
		}
		j.LastHeartbeat = d.now()
		return nil
	}); err != nil {
		logger.Info("completion ignored", "error", err)
		return
	}

	d.merges.flush(ctx, job.DocumentID)
	patch := result.patch(job.Stage)
	patch.Progress = core.Ptr(100)
	patch.CompletedAt = core.Ptr(d.now())
	res, doc, err := d.tracker.Advance(ctx, job.DocumentID, job.Stage.Status(), job.Stage.CompletionStatus(), patch)
	if err != nil {
		logger.Error("failed to advance document", "error", err)
		d.fail(ctx, job, Transient(err))
		return
	}
	if res == storage.Conflict && doc.Status != job.Stage.CompletionStatus() {
		logger.Info("document moved on, completion is moot", "status", doc.Status)
		d.finish(ctx, job, core.JobCompleted, "")
		return
	}
	d.settle(ctx, job, logger)
}

// settle finishes a job whose document already holds the stage's
// completion status: it queues the next stage, then retires the job.
// A failed enqueue leaves the job to be retried.
func (d *Dispatcher) settle(ctx context.Context, job *core.Job, logger *slog.Logger) {
	if err := d.chain(ctx, job); err != nil {
		logger.Error("failed to enqueue next stage", "error", err)
		d.fail(ctx, job, Transient(err))
		return
	}
	if d.finish(ctx, job, core.JobCompleted, "") {
		logger.Info("stage completed")
	}
}

// chain enqueues the stage after job's when auto-chaining is on. Enqueue
// is idempotent, so repeating it for a settled job is harmless.
func (d *Dispatcher) chain(ctx context.Context, job *core.Job) error {
	if !d.cfg.AutoChain {
		return nil
	}
	next, ok := job.Stage.Next()
	if !ok {
		return nil
	}
	if _, err := d.Enqueue(ctx, job.DocumentID, next, job.Params); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", next, err)
	}
	return nil
}

// fail retries job or gives up on it, according to the retry policy.
func (d *Dispatcher) fail(ctx context.Context, job *core.Job, cause error) {
	logger := d.logger.With("job", job.ID, "document", job.DocumentID, "stage", job.Stage, "attempt", job.Attempts)
	reason := failureReason(cause)

	if d.cfg.Retry.ShouldRetry(job.Attempts, cause) {
		delay := d.cfg.Retry.Backoff(job.Attempts)
		updated, err := d.jobs.UpdateJob(ctx, job.ID, job.Attempts, func(j *core.Job) error {
			if j.Status != core.JobActive {
				return ErrJobSuperseded
			}
			j.Status = core.JobWaiting
			j.AvailableAt = d.now().Add(delay)
			j.FailureReason = reason
			j.ProgressPercent = 0
			return nil
		})
		if err != nil {
			logger.Info("retry skipped", "error", err)
			return
		}
		d.merges.flush(ctx, job.DocumentID)
		if _, err := d.tracker.MergeMetadata(ctx, job.DocumentID, &core.MetadataPatch{
			Stage:      job.Stage,
			RetryCount: core.Ptr(job.Attempts),
			LastError:  core.Ptr(reason),
		}); err != nil {
			logger.Warn("failed to record retry", "error", err)
		}
		d.publishJob(updated)
		logger.Warn("stage failed, retrying", "error", reason, "delay", delay)
		time.AfterFunc(delay, d.signal)
		return
	}

	if !d.finish(ctx, job, core.JobFailed, reason) {
		return
	}
	d.merges.flush(ctx, job.DocumentID)
	patch := &core.MetadataPatch{Stage: job.Stage, LastError: core.Ptr(reason)}
	res, doc, err := d.tracker.Fail(ctx, job.DocumentID, job.Stage.Status(), reason, patch)
	if err == nil && res == storage.Conflict && doc.Status == job.Stage.EntryStatus() && doc.Status != job.Stage.Status() {
		// Failed before the claim gate moved the document into the stage.
		res, doc, err = d.tracker.Fail(ctx, job.DocumentID, doc.Status, reason, patch)
	}
	switch {
	case err != nil:
		logger.Error("failed to record document failure", "error", err)
	case res == storage.Applied:
		logger.Error("stage failed permanently", "error", reason)
	default:
		logger.Info("document already left the stage", "status", doc.Status)
	}
}

// cancelled retires a job that observed its cancel flag.
func (d *Dispatcher) cancelled(ctx context.Context, job *core.Job, logger *slog.Logger) {
	if !d.finish(ctx, job, core.JobFailed, "cancelled") {
		return
	}
	d.merges.flush(ctx, job.DocumentID)
	if _, _, err := d.tracker.Fail(ctx, job.DocumentID, job.Stage.Status(), "cancelled", nil); err != nil {
		logger.Warn("failed to mark document cancelled", "error", err)
	}
	logger.Info("job cancelled")
}

// finish moves job to a terminal status. It reports false when the
// attempt was superseded and nothing was written.
func (d *Dispatcher) finish(ctx context.Context, job *core.Job, status core.JobStatus, reason string) bool {
	updated, err := d.jobs.UpdateJob(ctx, job.ID, job.Attempts, func(j *core.Job) error {
		if j.Status != core.JobActive {
			return ErrJobSuperseded
		}
		j.Status = status
		j.FailureReason = reason
		if status == core.JobCompleted {
			j.ProgressPercent = 100
		}
		return nil
	})
	if err != nil {
		d.logger.Info("job update skipped", "job", job.ID, "status", status, "error", err)
		return false
	}
	d.publishJob(updated)
	return true
}

// reap requeues or fails active jobs whose executor stopped heartbeating.
func (d *Dispatcher) reap(ctx context.Context) {
	active, err := d.jobs.ListActiveJobs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to list active jobs", "error", err)
		}
		return
	}
	cutoff := d.now().Add(-d.cfg.HeartbeatTimeout)
	for _, job := range active {
		if job.LastHeartbeat.After(cutoff) {
			continue
		}
		d.logger.Warn("job heartbeat expired", "job", job.ID, "document", job.DocumentID,
			"stage", job.Stage, "lastHeartbeat", job.LastHeartbeat)
		d.fail(context.WithoutCancel(ctx), job, Transient(ErrHeartbeatTimeout))
	}
}

func (d *Dispatcher) publishJob(job *core.Job) {
	update := JobUpdate{
		JobID:         job.ID,
		DocumentID:    job.DocumentID,
		Stage:         job.Stage,
		Status:        job.Status,
		Attempts:      job.Attempts,
		Progress:      job.ProgressPercent,
		FailureReason: job.FailureReason,
	}
	d.publisher.Publish(notify.NewEvent(notify.EventDocumentProcessing, update))
	if job.Stage == core.StageGraph {
		d.publisher.Publish(notify.NewEvent(notify.EventGraphExtraction, update))
	}
}
