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
	"log/slog"

	"github.com/poiesic/docflow/ai"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/dispatch"
	"github.com/poiesic/docflow/normalize"
)

// Config holds tuning for the default workers.
type Config struct {
	ChunkSize        int // Maximum chunk length in runes
	ChunkOverlap     int // Runes shared by consecutive chunks
	EmbedBatchSize   int // Chunks per embedding request
	EmbedConcurrency int // Embedding requests in flight per document
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:        1000,
		ChunkOverlap:     100,
		EmbedBatchSize:   16,
		EmbedConcurrency: 4,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", c.ChunkSize, c.ChunkOverlap)
	}
	if c.EmbedBatchSize < 1 {
		return fmt.Errorf("embed batch size must be positive, got %d", c.EmbedBatchSize)
	}
	if c.EmbedConcurrency < 1 {
		return fmt.Errorf("embed concurrency must be positive, got %d", c.EmbedConcurrency)
	}
	return nil
}

// Resolver maps extracted mentions to canonical entities.
// *normalize.Normalizer satisfies it.
type Resolver interface {
	ResolveAll(ctx context.Context, mentions []core.Mention) ([]normalize.Resolution, error)
}

// Registrar accepts stage workers. *dispatch.Dispatcher satisfies it.
type Registrar interface {
	Register(stage core.Stage, worker dispatch.StageWorker) error
}

// Option configures Workers.
type Option func(*Workers)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workers) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithArtifactStore shares an artifact store with the caller.
func WithArtifactStore(store *ArtifactStore) Option {
	return func(w *Workers) {
		if store != nil {
			w.artifacts = store
		}
	}
}

// Workers implements every stage on top of an AI provider and a resolver.
type Workers struct {
	provider  ai.AIProvider
	resolver  Resolver
	artifacts *ArtifactStore
	cfg       Config
	logger    *slog.Logger
}

// New creates the default workers.
func New(provider ai.AIProvider, resolver Resolver, cfg *Config, opts ...Option) (*Workers, error) {
	if provider == nil {
		return nil, ErrAIProviderRequired
	}
	if resolver == nil {
		return nil, ErrResolverRequired
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Workers{
		provider:  provider,
		resolver:  resolver,
		artifacts: NewArtifactStore(),
		cfg:       *cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "stages")
	return w, nil
}

// Register installs a worker for every stage.
func (w *Workers) Register(r Registrar) error {
	workers := map[core.Stage]dispatch.StageWorkerFunc{
		core.StageParse:     w.Parse,
		core.StageChunk:     w.Chunk,
		core.StageEmbedding: w.Embed,
		core.StageGraph:     w.ExtractGraph,
		core.StageNER:       w.RecognizeEntities,
	}
	var errs []error
	for _, stage := range core.Stages {
		if err := r.Register(stage, workers[stage]); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", stage, err))
		}
	}
	return errors.Join(errs...)
}

// Artifacts returns the store the workers write to.
func (w *Workers) Artifacts() *ArtifactStore {
	return w.artifacts
}

// Forget drops the artifacts of a document so the next run starts over.
func (w *Workers) Forget(documentID string) {
	w.artifacts.Delete(documentID)
}

// ensureText returns artifacts holding the document text, parsing the
// source again if an earlier run's output is gone.
func (w *Workers) ensureText(ctx context.Context, doc *core.Document) (*Artifacts, error) {
	if a, ok := w.artifacts.Get(doc.ID); ok && a.Text != "" {
		return a, nil
	}
	w.logger.Debug("text missing, parsing source", "document", doc.ID)
	parsed, err := parseSource(ctx, doc.Source)
	if err != nil {
		return nil, err
	}
	return w.store(doc.ID, func(a *Artifacts) {
		a.Text = parsed.Text
		a.Format = parsed.Format
		a.Pages = parsed.Pages
	}), nil
}

// ensureChunks returns artifacts holding the document chunks, rebuilding
// them from the text if needed.
func (w *Workers) ensureChunks(ctx context.Context, doc *core.Document) (*Artifacts, error) {
	if a, ok := w.artifacts.Get(doc.ID); ok && len(a.Chunks) > 0 {
		return a, nil
	}
	a, err := w.ensureText(ctx, doc)
	if err != nil {
		return nil, err
	}
	w.logger.Debug("chunks missing, splitting text", "document", doc.ID)
	chunks, err := w.split(a.Text, a.Format)
	if err != nil {
		return nil, err
	}
	return w.store(doc.ID, func(a *Artifacts) {
		a.Chunks = chunks
	}), nil
}

// store applies fn and returns a copy of the result.
func (w *Workers) store(documentID string, fn func(a *Artifacts)) *Artifacts {
	var out *Artifacts
	w.artifacts.Update(documentID, func(a *Artifacts) {
		fn(a)
		out = a.clone()
	})
	return out
}
