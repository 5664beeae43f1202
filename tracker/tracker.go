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

package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/notify"
	"github.com/poiesic/docflow/storage"
)

// Update is the payload of document events.
type Update struct {
	DocumentID string                  `json:"documentId"`
	DatasetID  string                  `json:"datasetId"`
	Status     core.DocumentStatus     `json:"status"`
	Error      string                  `json:"error,omitempty"`
	RetryCount int                     `json:"retryCount"`
	Metadata   core.ProcessingMetadata `json:"processingMetadata"`
	UpdatedAt  time.Time               `json:"updatedAt"`
}

// Tracker applies guarded state transitions and metadata merges.
type Tracker struct {
	docs      storage.DocumentRepository
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPublisher sets where committed changes are announced.
// Default discards them.
func WithPublisher(publisher notify.Publisher) Option {
	return func(t *Tracker) {
		if publisher != nil {
			t.publisher = publisher
		}
	}
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates a tracker over docs.
func New(docs storage.DocumentRepository, opts ...Option) (*Tracker, error) {
	if docs == nil {
		return nil, ErrRepositoryRequired
	}
	t := &Tracker{
		docs:      docs,
		publisher: notify.Discard,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "tracker")
	return t, nil
}

// Create persists a new document and announces it.
func (t *Tracker) Create(ctx context.Context, doc *core.Document) error {
	if err := t.docs.CreateDocument(ctx, doc); err != nil {
		return err
	}
	t.publish(doc, false)
	return nil
}

// Get returns the current persisted document.
func (t *Tracker) Get(ctx context.Context, id string) (*core.Document, error) {
	return t.docs.GetDocument(ctx, id)
}

// Advance moves a document from one status to another if and only if it is
// still in from. On Conflict the returned document is the fresh copy and the
// caller decides whether the transition became moot.
func (t *Tracker) Advance(ctx context.Context, id string, from, to core.DocumentStatus, patch *core.MetadataPatch) (storage.CASResult, *core.Document, error) {
	return t.advance(ctx, id, from, to, func(doc *core.Document) {
		doc.ApplyPatch(patch)
	})
}

// Fail moves a document from one status to error and records reason. A
// document that already left from is left alone, so the failure reason is
// written at most once.
func (t *Tracker) Fail(ctx context.Context, id string, from core.DocumentStatus, reason string, patch *core.MetadataPatch) (storage.CASResult, *core.Document, error) {
	return t.advance(ctx, id, from, core.StatusError, func(doc *core.Document) {
		doc.ApplyPatch(patch)
		doc.Error = reason
	})
}

func (t *Tracker) advance(ctx context.Context, id string, from, to core.DocumentStatus, mutate func(doc *core.Document)) (storage.CASResult, *core.Document, error) {
	if !core.CanTransition(from, to) {
		return 0, nil, fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, from, to)
	}
	res, doc, err := t.docs.CompareAndSwap(ctx, id, from, func(doc *core.Document) {
		doc.Status = to
		mutate(doc)
		doc.UpdatedAt = t.now()
	})
	if err != nil {
		return 0, nil, err
	}
	if res == storage.Applied {
		t.logger.Debug("document advanced", "document", id, "from", from, "to", to)
		t.publish(doc, from == core.StatusGraphExtraction || to == core.StatusGraphExtraction)
	} else {
		t.logger.Debug("advance conflict", "document", id, "expected", from, "actual", doc.Status, "to", to)
	}
	return res, doc, nil
}

// errSettled aborts a metadata merge into a finished document.
var errSettled = errors.New("document settled")

// MergeMetadata merges patch into one stage's metadata without touching
// the status. Late patches for a completed or failed document are dropped.
func (t *Tracker) MergeMetadata(ctx context.Context, id string, patch *core.MetadataPatch) (*core.Document, error) {
	if patch == nil {
		return t.docs.GetDocument(ctx, id)
	}
	doc, err := t.docs.UpdateDocument(ctx, id, func(doc *core.Document) error {
		if doc.Status.IsTerminal() {
			return errSettled
		}
		doc.ApplyPatch(patch)
		doc.UpdatedAt = t.now()
		return nil
	})
	if errors.Is(err, errSettled) {
		t.logger.Debug("metadata dropped for settled document", "document", id, "stage", patch.Stage)
		return t.docs.GetDocument(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	t.publish(doc, patch.Stage == core.StageGraph)
	return doc, nil
}

// Reset is the operator escape hatch: it returns a document to waiting and
// clears its error, metadata and retry count.
func (t *Tracker) Reset(ctx context.Context, id string) (*core.Document, error) {
	doc, err := t.docs.UpdateDocument(ctx, id, func(doc *core.Document) error {
		if !doc.Status.CanReset() {
			return fmt.Errorf("%w: %s", ErrResetNotAllowed, doc.Status)
		}
		doc.Status = core.StatusWaiting
		doc.Error = ""
		doc.Metadata = core.ProcessingMetadata{}
		doc.RetryCount = 0
		doc.UpdatedAt = t.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("document reset", "document", id)
	t.publish(doc, false)
	return doc, nil
}

func (t *Tracker) publish(doc *core.Document, graph bool) {
	update := Update{
		DocumentID: doc.ID,
		DatasetID:  doc.DatasetID,
		Status:     doc.Status,
		Error:      doc.Error,
		RetryCount: doc.RetryCount,
		Metadata:   doc.Metadata.Clone(),
		UpdatedAt:  doc.UpdatedAt,
	}
	t.publisher.Publish(notify.NewEvent(notify.EventDocumentProcessing, update))
	if graph {
		t.publisher.Publish(notify.NewEvent(notify.EventGraphExtraction, update))
	}
}
