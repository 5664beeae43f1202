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

package mock

import "github.com/poiesic/docflow/ai"

// MockProvider is a test double for ai.AIProvider.
type MockProvider struct {
	embedder *MockEmbedder
	entities *MockEntityExtractor
	graph    *MockGraphExtractor
}

// NewMockProvider creates a new mock provider with default mock services.
//
// Returns ai.AIProvider interface for consistency with production constructors.
// Use the GetMock accessors to reach concrete types for test assertions.
func NewMockProvider() ai.AIProvider {
	return NewMockProviderWithServices(NewMockEmbedder(), NewMockEntityExtractor(), NewMockGraphExtractor())
}

// NewMockProviderWithServices creates a mock provider with custom mock services.
func NewMockProviderWithServices(embedder *MockEmbedder, entities *MockEntityExtractor, graph *MockGraphExtractor) ai.AIProvider {
	return &MockProvider{
		embedder: embedder,
		entities: entities,
		graph:    graph,
	}
}

// Embedder returns the mock embedder.
func (p *MockProvider) Embedder() ai.Embedder {
	return p.embedder
}

// EntityExtractor returns the mock entity extractor.
func (p *MockProvider) EntityExtractor() ai.EntityExtractor {
	return p.entities
}

// GraphExtractor returns the mock graph extractor.
func (p *MockProvider) GraphExtractor() ai.GraphExtractor {
	return p.graph
}

// Close is a no-op for mock provider.
func (p *MockProvider) Close() error {
	return nil
}

// GetMockEmbedder returns the underlying mock embedder for test assertions.
func (p *MockProvider) GetMockEmbedder() *MockEmbedder {
	return p.embedder
}

// GetMockEntityExtractor returns the underlying mock entity extractor.
func (p *MockProvider) GetMockEntityExtractor() *MockEntityExtractor {
	return p.entities
}

// GetMockGraphExtractor returns the underlying mock graph extractor.
func (p *MockProvider) GetMockGraphExtractor() *MockGraphExtractor {
	return p.graph
}
