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

package ai

import (
	"slices"
	"strings"
)

// ExtractedEntity is one named entity found in text.
type ExtractedEntity struct {
	// Name is the surface form as it appears in the text.
	Name string

	// Type is one of EntityTypes.
	Type string

	// Salience is a score from 1-10 for how central the entity is to the text.
	Salience int
}

// GraphNode is an entity in an extracted graph.
type GraphNode struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// GraphEdge is a directed relation between two nodes, referenced by name.
type GraphEdge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// Graph is the knowledge graph extracted from one text.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Merge appends other's nodes and edges, skipping nodes already present
// by (name, type) and duplicate edges.
func (g *Graph) Merge(other *Graph) {
	if other == nil {
		return
	}
	nodes := make(map[GraphNode]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n] = true
	}
	edges := make(map[GraphEdge]bool, len(g.Edges))
	for _, e := range g.Edges {
		edges[e] = true
	}
	for _, n := range other.Nodes {
		if !nodes[n] {
			nodes[n] = true
			g.Nodes = append(g.Nodes, n)
		}
	}
	for _, e := range other.Edges {
		if !edges[e] {
			edges[e] = true
			g.Edges = append(g.Edges, e)
		}
	}
}

// EntityTypes are the entity categories extractors may emit.
var EntityTypes = []string{
	"PERSON",
	"ORGANIZATION",
	"LOCATION",
	"PRODUCT",
	"EVENT",
	"WORK",
	"LAW",
	"DATE",
	"MONEY",
	"OTHER",
}

// NormalizeEntityType maps a free-form type to one of EntityTypes.
// Unknown types become OTHER.
func NormalizeEntityType(t string) string {
	t = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(t), " ", "_"))
	switch t {
	case "ORG", "COMPANY":
		return "ORGANIZATION"
	case "PER", "PEOPLE":
		return "PERSON"
	case "LOC", "PLACE", "GPE":
		return "LOCATION"
	}
	if slices.Contains(EntityTypes, t) {
		return t
	}
	return "OTHER"
}
