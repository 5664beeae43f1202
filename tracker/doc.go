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

// Package tracker owns every write to a document's status and processing
// metadata.
//
// Status changes go through Advance, a compare-and-swap on the persisted
// status: a stale worker that lost a race gets storage.Conflict back, never
// an error, and never moves the document out of a state it does not own.
// Metadata merges are field-level and scoped to one stage, so concurrent
// stages cannot erase each other's sub-objects.
//
// Every committed change is published as a DOCUMENT_PROCESSING_UPDATE event;
// graph extraction changes are also published as GRAPH_EXTRACTION_UPDATE.
package tracker
