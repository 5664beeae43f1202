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

// Package stages provides the default stage workers for the indexing
// pipeline: parse, chunk, embedding, graph extraction and entity
// recognition.
//
// Workers hand intermediate results to each other through an
// ArtifactStore. Every worker looks for the artifact it produces before
// doing any work, and rebuilds missing upstream artifacts from the
// document source, so a job re-run after a crash or a process restart
// repeats only what was lost.
package stages
