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

package openai

import (
	"context"
	"strings"

	"github.com/poiesic/docflow/ai"
)

// GraphExtractor implements ai.GraphExtractor using OpenAI-compatible chat APIs.
type GraphExtractor struct {
	chat *jsonChat
}

func newGraphExtractor(config *ai.Config) (*GraphExtractor, error) {
	chat, err := newJSONChat(config, "openai-graph-extractor")
	if err != nil {
		return nil, err
	}
	return &GraphExtractor{chat: chat}, nil
}

// NewGraphExtractor creates a graph extractor using the provided configuration.
//
// Returns ai.GraphExtractor interface to enforce abstraction.
func NewGraphExtractor(config *ai.Config) (ai.GraphExtractor, error) {
	return newGraphExtractor(config)
}

// ExtractGraph asks the model for the entities and relations in text.
// Edges whose endpoints are not among the nodes are dropped.
func (g *GraphExtractor) ExtractGraph(ctx context.Context, text string) (*ai.Graph, error) {
	text = scrubText(text)
	if text == "" {
		return &ai.Graph{}, nil
	}

	var reply ai.Graph
	ok, err := g.chat.complete(ctx, graphSystemPrompt(), text, &reply)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ai.Graph{}, nil
	}

	graph := &ai.Graph{}
	names := make(map[string]bool, len(reply.Nodes))
	for _, n := range reply.Nodes {
		n.Name = strings.TrimSpace(n.Name)
		if n.Name == "" {
			continue
		}
		n.Type = ai.NormalizeEntityType(n.Type)
		names[n.Name] = true
		graph.Merge(&ai.Graph{Nodes: []ai.GraphNode{n}})
	}
	for _, e := range reply.Edges {
		e.Source, e.Target = strings.TrimSpace(e.Source), strings.TrimSpace(e.Target)
		e.Relation = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(e.Relation), " ", "_"))
		if !names[e.Source] || !names[e.Target] || e.Relation == "" {
			g.chat.logger.Debug("dropping dangling edge", "source", e.Source, "target", e.Target)
			continue
		}
		graph.Merge(&ai.Graph{Edges: []ai.GraphEdge{e}})
	}
	return graph, nil
}
