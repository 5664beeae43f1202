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

import "errors"

var (
	// ErrAIProviderRequired is returned when no AI provider is provided.
	ErrAIProviderRequired = errors.New("AI provider required")

	// ErrResolverRequired is returned when no entity resolver is provided.
	ErrResolverRequired = errors.New("entity resolver required")

	// ErrEmptySource is returned when a document has no source locator.
	ErrEmptySource = errors.New("document has no source")

	// ErrNoText is returned when parsing produced no text at all.
	ErrNoText = errors.New("no text extracted from document")

	// ErrEmbeddingMismatch is returned when the embedder returns a different
	// number of vectors than texts it was given.
	ErrEmbeddingMismatch = errors.New("embedding result mismatch")
)
