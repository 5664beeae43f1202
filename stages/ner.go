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
	"strconv"

	"github.com/poiesic/docflow/ai"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/dispatch"
	"github.com/poiesic/docflow/normalize"
)

// resolveBatchSize is how many mentions are resolved between progress reports.
const resolveBatchSize = 25

// RecognizeEntities extracts entity mentions from every chunk and resolves
// them against the canonical dictionary of the document's dataset.
// Resolutions are remembered, so a retry only resolves what failed.
func (w *Workers) RecognizeEntities(ctx context.Context, req dispatch.StageRequest) (dispatch.StageResult, error) {
	doc := req.Document
	a, err := w.ensureChunks(ctx, doc)
	if err != nil {
		return dispatch.StageResult{}, err
	}

	mentions := a.Mentions
	if mentions == nil {
		mentions, err = w.extractMentions(ctx, req, a.Chunks)
		if err != nil {
			return dispatch.StageResult{}, err
		}
		w.store(doc.ID, func(a *Artifacts) {
			a.Mentions = mentions
		})
	}

	resolved := a.Resolved
	if resolved == nil {
		resolved = make(map[string]normalize.Resolution, len(mentions))
	}
	var pending []core.Mention
	for _, m := range mentions {
		if _, ok := resolved[mentionKey(m)]; !ok {
			pending = append(pending, m)
		}
	}

	resolveErr := w.resolveMentions(ctx, req, pending, resolved)
	w.store(doc.ID, func(a *Artifacts) {
		a.Resolved = resolved
	})
	if resolveErr != nil {
		return dispatch.StageResult{}, fmt.Errorf("failed to resolve %d of %d mentions: %w",
			len(mentions)-len(resolved), len(mentions), resolveErr)
	}

	created := 0
	for _, res := range resolved {
		if res.Method == core.MethodNew {
			created++
		}
	}
	w.logger.Info("entities resolved", "document", doc.ID, "mentions", len(mentions), "new", created)
	return dispatch.StageResult{
		EntitiesResolved: core.Ptr(len(resolved)),
		Attrs: map[string]string{
			"mentions":        strconv.Itoa(len(mentions)),
			"entitiesCreated": strconv.Itoa(created),
		},
	}, nil
}

// extractMentions runs the entity extractor over chunks and returns the
// distinct mentions in first-seen order.
func (w *Workers) extractMentions(ctx context.Context, req dispatch.StageRequest, chunks []string) ([]core.Mention, error) {
	extractor := w.provider.EntityExtractor()
	seen := make(map[string]bool)
	mentions := []core.Mention{}
	for i, chunk := range chunks {
		entities, err := extractor.ExtractEntities(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("entity extraction failed on chunk %d: %w", i, err)
		}
		for _, e := range entities {
			m := core.Mention{
				DatasetID:  req.Document.DatasetID,
				EntityType: ai.NormalizeEntityType(e.Type),
				RawName:    e.Name,
			}
			if core.ValidateMention(m) != nil {
				continue
			}
			key := mentionKey(m)
			if seen[key] {
				continue
			}
			seen[key] = true
			mentions = append(mentions, m)
		}
		// Resolution is the other half of the work.
		if err := req.Report(ctx, (i+1)*50/len(chunks), nil); err != nil {
			return nil, err
		}
	}
	return mentions, nil
}

// resolveMentions resolves pending in batches, recording successes in
// resolved and reporting the second half of the stage's progress after
// each batch. A failed batch does not stop later ones; a failed report does.
func (w *Workers) resolveMentions(ctx context.Context, req dispatch.StageRequest, pending []core.Mention, resolved map[string]normalize.Resolution) error {
	var errs []error
	for start := 0; start < len(pending); start += resolveBatchSize {
		end := min(start+resolveBatchSize, len(pending))
		batch := pending[start:end]
		results, err := w.resolver.ResolveAll(ctx, batch)
		for i, res := range results {
			if res.EntityID != "" {
				resolved[mentionKey(batch[i])] = res
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
		if err := req.Report(ctx, 50+end*50/len(pending), nil); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func mentionKey(m core.Mention) string {
	return m.EntityType + "\x00" + normalize.ExactForm(m.RawName)
}
