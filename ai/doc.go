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

// Package ai defines the model-backed capabilities the default stage
// workers depend on: text embeddings, named-entity extraction and
// knowledge-graph extraction.
//
// The interfaces keep stage code independent of any model vendor. Two
// implementation packages are provided:
//
//   - ai/openai: OpenAI-compatible APIs (OpenAI, Ollama, vLLM, LocalAI)
//     through langchaingo
//   - ai/mock: deterministic test doubles
//
// Public constructors in ai/openai return interface types; mock
// constructors return concrete types so tests can inject behavior and
// inspect call counts.
//
//	provider, err := openai.NewProvider(ai.NewConfig(ai.WithHost("http://localhost:11434")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	entities, err := provider.EntityExtractor().ExtractEntities(ctx, "Coca-Cola is based in Atlanta.")
package ai
