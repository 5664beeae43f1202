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

import "context"

// Embedder converts text to vector embeddings.
// Implementations must be thread-safe for concurrent use.
type Embedder interface {
	// EmbedText generates a vector embedding for a single text string.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedTexts generates embeddings for multiple texts in one call.
	// The returned slice is in the same order as the input texts.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// EntityExtractor finds named entities in text.
// Implementations must be thread-safe for concurrent use.
type EntityExtractor interface {
	// ExtractEntities returns the entities mentioned in text, most salient
	// first. Returns an empty slice if none are found.
	ExtractEntities(ctx context.Context, text string) ([]ExtractedEntity, error)
}

// GraphExtractor extracts a knowledge graph of entities and relations.
// Implementations must be thread-safe for concurrent use.
type GraphExtractor interface {
	ExtractGraph(ctx context.Context, text string) (*Graph, error)
}

// AIProvider aggregates the AI services sharing one configuration.
type AIProvider interface {
	Embedder() Embedder
	EntityExtractor() EntityExtractor
	GraphExtractor() GraphExtractor

	// Close releases resources held by the provider and its services.
	Close() error
}
