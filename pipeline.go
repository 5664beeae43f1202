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

package docflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poiesic/docflow/ai"
	"github.com/poiesic/docflow/ai/mock"
	"github.com/poiesic/docflow/ai/openai"
	"github.com/poiesic/docflow/config"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/dispatch"
	"github.com/poiesic/docflow/normalize"
	"github.com/poiesic/docflow/notify"
	"github.com/poiesic/docflow/stages"
	"github.com/poiesic/docflow/storage"
	"github.com/poiesic/docflow/storage/badger"
	"github.com/poiesic/docflow/storage/sqlite"
	"github.com/poiesic/docflow/tracker"
	"golang.org/x/sync/errgroup"
)

// Pipeline is the indexing system assembled from its parts.
type Pipeline struct {
	store       storage.Store
	ownsStore   bool
	provider    ai.AIProvider
	tracker     *tracker.Tracker
	dispatcher  *dispatch.Dispatcher
	normalizer  *normalize.Normalizer
	broadcaster *notify.Broadcaster
	workers     *stages.Workers
	logger      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	provider       ai.AIProvider
	aiConfig       *ai.Config
	dispatchConfig *dispatch.Config
	normalize      *normalize.Config
	notify         *notify.Config
	stages         *stages.Config
	defaultWorkers bool
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAIProvider uses provider instead of building an OpenAI-compatible one.
func WithAIProvider(provider ai.AIProvider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// WithAIConfig configures the OpenAI-compatible provider.
func WithAIConfig(cfg *ai.Config) Option {
	return func(o *options) {
		o.aiConfig = cfg
	}
}

// WithDispatchConfig configures the job dispatcher.
func WithDispatchConfig(cfg *dispatch.Config) Option {
	return func(o *options) {
		o.dispatchConfig = cfg
	}
}

// WithNormalizeConfig configures the entity normalizer.
func WithNormalizeConfig(cfg *normalize.Config) Option {
	return func(o *options) {
		o.normalize = cfg
	}
}

// WithNotifyConfig configures the broadcaster.
func WithNotifyConfig(cfg *notify.Config) Option {
	return func(o *options) {
		o.notify = cfg
	}
}

// WithStagesConfig configures the default stage workers.
func WithStagesConfig(cfg *stages.Config) Option {
	return func(o *options) {
		o.stages = cfg
	}
}

// WithoutDefaultWorkers leaves every stage unregistered so the caller can
// install its own workers with RegisterWorker.
func WithoutDefaultWorkers() Option {
	return func(o *options) {
		o.defaultWorkers = false
	}
}

// New assembles a pipeline over store. The caller keeps ownership of store.
func New(store storage.Store, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	o := &options{
		logger:         slog.Default(),
		aiConfig:       ai.DefaultConfig(),
		defaultWorkers: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	p := &Pipeline{store: store, logger: o.logger.With("component", "pipeline")}

	provider := o.provider
	if provider == nil {
		var err error
		provider, err = openai.NewProvider(o.aiConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create AI provider: %w", err)
		}
	}
	p.provider = provider

	broadcaster, err := notify.NewBroadcaster(o.notify, notify.WithLogger(o.logger))
	if err != nil {
		p.closeProvider()
		return nil, err
	}
	p.broadcaster = broadcaster

	p.tracker, err = tracker.New(store.Documents(),
		tracker.WithPublisher(broadcaster),
		tracker.WithLogger(o.logger))
	if err != nil {
		p.closeProvider()
		return nil, err
	}

	dispatchConfig := o.dispatchConfig
	if dispatchConfig == nil {
		dispatchConfig = dispatch.DefaultConfig()
	}
	p.dispatcher, err = dispatch.New(store.Jobs(), p.tracker, dispatchConfig,
		dispatch.WithPublisher(broadcaster),
		dispatch.WithLogger(o.logger))
	if err != nil {
		p.closeProvider()
		return nil, err
	}

	p.normalizer, err = normalize.New(store.Entities(), o.normalize, normalize.WithLogger(o.logger))
	if err != nil {
		p.closeProvider()
		return nil, err
	}

	p.workers, err = stages.New(provider, p.normalizer, o.stages, stages.WithLogger(o.logger))
	if err != nil {
		p.closeProvider()
		return nil, err
	}
	if o.defaultWorkers {
		if err := p.workers.Register(p.dispatcher); err != nil {
			p.closeProvider()
			return nil, err
		}
	}
	return p, nil
}

// Open builds a pipeline from process configuration. The pipeline owns the
// store it opens and closes it in Close.
func Open(ctx context.Context, cfg *config.File, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	notifyConfig, err := cfg.NotifyConfig()
	if err != nil {
		store.Close()
		return nil, err
	}
	opts := []Option{
		WithLogger(logger),
		WithAIConfig(cfg.AIConfig()),
		WithDispatchConfig(cfg.DispatchConfig()),
		WithNormalizeConfig(cfg.NormalizeConfig()),
		WithNotifyConfig(notifyConfig),
		WithStagesConfig(cfg.StagesConfig()),
	}
	if cfg.AI.Provider == config.ProviderMock {
		opts = append(opts, WithAIProvider(mock.NewMockProvider()))
	}

	p, err := New(store, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	p.ownsStore = true
	return p, nil
}

// OpenStore opens the persistence backend selected by cfg.
func OpenStore(ctx context.Context, cfg config.Storage) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverBadger:
		return badger.NewStore(cfg.Path)
	case config.DriverMemory:
		return badger.NewMemoryStore()
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.Path)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// Run processes jobs and delivers notifications until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := p.broadcaster.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return p.dispatcher.Run(gctx)
	})
	return g.Wait()
}

// Close releases the AI provider, the broadcaster and an owned store.
func (p *Pipeline) Close() error {
	var errs []error
	if err := p.broadcaster.Close(); err != nil {
		p.logger.Error("error closing broadcaster", "err", err)
		errs = append(errs, err)
	}
	if err := p.provider.Close(); err != nil {
		p.logger.Error("error closing AI provider", "err", err)
		errs = append(errs, err)
	}
	if p.ownsStore {
		if err := p.store.Close(); err != nil {
			p.logger.Error("error closing store", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) closeProvider() {
	if err := p.provider.Close(); err != nil {
		p.logger.Error("error closing AI provider", "err", err)
	}
}

// RegisterWorker installs worker for stage, replacing the default one.
func (p *Pipeline) RegisterWorker(stage core.Stage, worker dispatch.StageWorker) error {
	return p.dispatcher.Register(stage, worker)
}

// Submit creates a document, queues it and enqueues its parse job.
func (p *Pipeline) Submit(ctx context.Context, datasetID, name, source string) (*core.Document, error) {
	doc := core.NewDocument(datasetID, name, source)
	if err := core.ValidateDocument(doc); err != nil {
		return nil, err
	}
	if err := p.tracker.Create(ctx, doc); err != nil {
		return nil, err
	}
	res, fresh, err := p.tracker.Advance(ctx, doc.ID, core.StatusUploaded, core.StatusWaiting, nil)
	if err != nil {
		return nil, err
	}
	if res != storage.Applied {
		return nil, fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, fresh.Status, core.StatusWaiting)
	}
	if _, err := p.dispatcher.Enqueue(ctx, doc.ID, core.StageParse, nil); err != nil {
		return nil, err
	}
	p.logger.Info("document submitted", "document", doc.ID, "dataset", datasetID, "name", name)
	return fresh, nil
}

// Document returns the current state of a document.
func (p *Pipeline) Document(ctx context.Context, id string) (*core.Document, error) {
	return p.tracker.Get(ctx, id)
}

// Documents lists a dataset's documents.
func (p *Pipeline) Documents(ctx context.Context, datasetID string) ([]*core.Document, error) {
	return p.store.Documents().ListDocuments(ctx, datasetID)
}

// Job returns one job.
func (p *Pipeline) Job(ctx context.Context, id string) (*core.Job, error) {
	return p.dispatcher.Job(ctx, id)
}

// Jobs lists the jobs of a document.
func (p *Pipeline) Jobs(ctx context.Context, documentID string) ([]*core.Job, error) {
	return p.dispatcher.Jobs(ctx, documentID)
}

// Enqueue queues stage for an existing document. A stage that already has
// a pending job returns that job's ID.
func (p *Pipeline) Enqueue(ctx context.Context, documentID string, stage core.Stage, params map[string]string) (string, error) {
	if _, err := p.tracker.Get(ctx, documentID); err != nil {
		return "", err
	}
	return p.dispatcher.Enqueue(ctx, documentID, stage, params)
}

// Cancel stops processing of a document and moves it to error.
func (p *Pipeline) Cancel(ctx context.Context, documentID string) error {
	if _, err := p.tracker.Get(ctx, documentID); err != nil {
		return err
	}
	return p.dispatcher.Cancel(ctx, documentID)
}

// Reset returns a document to waiting with clean metadata and drops its
// intermediate artifacts. With restart the parse stage is enqueued again.
// A document with a running job must be cancelled and allowed to settle
// first.
func (p *Pipeline) Reset(ctx context.Context, documentID string, restart bool) (*core.Document, error) {
	doc, err := p.tracker.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !doc.Status.CanReset() {
		return nil, fmt.Errorf("%w: %s", tracker.ErrResetNotAllowed, doc.Status)
	}
	jobs, err := p.dispatcher.Jobs(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if job.Status == core.JobActive {
			return nil, fmt.Errorf("%w: %s job %s", ErrDocumentBusy, job.Stage, job.ID)
		}
	}
	// Drops waiting jobs and settles a document that is mid-pipeline.
	if err := p.dispatcher.Cancel(ctx, documentID); err != nil {
		return nil, err
	}

	doc, err = p.tracker.Reset(ctx, documentID)
	if err != nil {
		return nil, err
	}
	p.workers.Forget(documentID)
	if restart {
		if _, err := p.dispatcher.Enqueue(ctx, documentID, core.StageParse, nil); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Resolve maps mentions to canonical entities.
func (p *Pipeline) Resolve(ctx context.Context, mentions []core.Mention) ([]normalize.Resolution, error) {
	return p.normalizer.ResolveAll(ctx, mentions)
}

// Entities lists a dataset's canonical entities of one type.
func (p *Pipeline) Entities(ctx context.Context, datasetID, entityType string) ([]*core.CanonicalEntity, error) {
	return p.normalizer.Entities(ctx, datasetID, entityType)
}

// Aliases lists the aliases of a canonical entity.
func (p *Pipeline) Aliases(ctx context.Context, entityID string) ([]*core.Alias, error) {
	return p.normalizer.Aliases(ctx, entityID)
}

// AddAlias attaches a manual alias to a canonical entity.
func (p *Pipeline) AddAlias(ctx context.Context, entityID, text string) (*core.Alias, error) {
	return p.normalizer.AddAlias(ctx, entityID, text)
}

// DeleteEntity removes a canonical entity and its aliases.
func (p *Pipeline) DeleteEntity(ctx context.Context, entityID string) error {
	return p.normalizer.DeleteEntity(ctx, entityID)
}

// NormalizationLog returns a dataset's resolution history, oldest first.
func (p *Pipeline) NormalizationLog(ctx context.Context, datasetID string) ([]*core.NormalizationLogEntry, error) {
	return p.normalizer.History(ctx, datasetID)
}

// Subscribe registers a notification client.
func (p *Pipeline) Subscribe(ctx context.Context, clientID string, handle notify.ChannelHandle) error {
	return p.broadcaster.AddClient(ctx, clientID, handle)
}

// Unsubscribe removes a notification client.
func (p *Pipeline) Unsubscribe(clientID string) {
	p.broadcaster.RemoveClient(clientID)
}

// Clients returns the number of connected notification clients.
func (p *Pipeline) Clients() int {
	return p.broadcaster.ClientCount()
}
