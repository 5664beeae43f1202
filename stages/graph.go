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
	"fmt"

	"github.com/poiesic/docflow/ai"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/dispatch"
)

// ExtractGraph builds a knowledge graph from the chunks, merging nodes
// and edges found in more than one chunk.
func (w *Workers) ExtractGraph(ctx context.Context, req dispatch.StageRequest) (dispatch.StageResult, error) {
	doc := req.Document
	if a, ok := w.artifacts.Get(doc.ID); ok && a.Graph != nil {
		w.logger.Debug("graph already extracted", "document", doc.ID)
		return graphResult(a.Graph), nil
	}

	a, err := w.ensureChunks(ctx, doc)
	if err != nil {
		return dispatch.StageResult{}, err
	}
	extractor := w.provider.GraphExtractor()
	graph := &ai.Graph{}
	for i, chunk := range a.Chunks {
		g, err := extractor.ExtractGraph(ctx, chunk)
		if err != nil {
			return dispatch.StageResult{}, fmt.Errorf("graph extraction failed on chunk %d: %w", i, err)
		}
		graph.Merge(g)
		err = req.Report(ctx, (i+1)*100/len(a.Chunks), &core.MetadataPatch{
			NodesCreated: core.Ptr(len(graph.Nodes)),
			EdgesCreated: core.Ptr(len(graph.Edges)),
		})
		if err != nil {
			return dispatch.StageResult{}, err
		}
	}

	w.store(doc.ID, func(a *Artifacts) {
		a.Graph = graph
	})
	w.logger.Info("graph extracted", "document", doc.ID, "nodes", len(graph.Nodes), "edges", len(graph.Edges))
	return graphResult(graph), nil
}

func graphResult(g *ai.Graph) dispatch.StageResult {
	return dispatch.StageResult{
		NodesCreated: core.Ptr(len(g.Nodes)),
		EdgesCreated: core.Ptr(len(g.Edges)),
	}
}
