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
	"maps"
	"slices"
	"sync"

	"github.com/poiesic/docflow/ai"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/normalize"
)

// Artifacts are the intermediate products of one document's stages.
type Artifacts struct {
	Text     string
	Format   string // "pdf", "markdown" or "text"
	Pages    int
	Chunks   []string
	Vectors  [][]float32
	Graph    *ai.Graph
	Mentions []core.Mention                  // nil until extraction ran
	Resolved map[string]normalize.Resolution // Keyed by mention key
}

func (a *Artifacts) clone() *Artifacts {
	c := *a
	c.Chunks = slices.Clone(a.Chunks)
	c.Vectors = slices.Clone(a.Vectors)
	if a.Graph != nil {
		g := ai.Graph{
			Nodes: slices.Clone(a.Graph.Nodes),
			Edges: slices.Clone(a.Graph.Edges),
		}
		c.Graph = &g
	}
	c.Mentions = slices.Clone(a.Mentions)
	c.Resolved = maps.Clone(a.Resolved)
	return &c
}

// ArtifactStore keeps artifacts in memory, keyed by document ID.
// It is safe for concurrent use.
type ArtifactStore struct {
	mu   sync.RWMutex
	docs map[string]*Artifacts
}

// NewArtifactStore creates an empty store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{docs: make(map[string]*Artifacts)}
}

// Get returns a copy of the artifacts for documentID.
func (s *ArtifactStore) Get(documentID string) (*Artifacts, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.docs[documentID]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// Update applies fn to the artifacts for documentID, creating them if needed.
func (s *ArtifactStore) Update(documentID string, fn func(a *Artifacts)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.docs[documentID]
	if !ok {
		a = &Artifacts{}
		s.docs[documentID] = a
	}
	fn(a)
}

// Delete drops every artifact for documentID.
func (s *ArtifactStore) Delete(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, documentID)
}

// Len returns the number of documents with artifacts.
func (s *ArtifactStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
