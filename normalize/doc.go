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

// Package normalize resolves raw entity mentions against a per-dataset
// dictionary of canonical entities and aliases.
//
// Resolution tries, in order, an exact match on the case and space folded
// surface form, a fuzzy match scored by Levenshtein similarity, and finally
// creates a new canonical entity. Every resolution appends one entry to the
// normalization log.
//
// Concurrent resolutions of the same match key are serialized in-process by
// striped locks; the store's uniqueness constraints remain authoritative
// across processes, and a duplicate-key conflict restarts the resolution.
package normalize
