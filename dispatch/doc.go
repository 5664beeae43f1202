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

// Package dispatch runs stage jobs for documents.
//
// Jobs live in a storage.JobRepository, which keeps at most one waiting or
// active job per (document, stage); Enqueue is therefore idempotent. A
// claim loop moves due jobs to active and hands them to a bounded ants
// pool, where the registered StageWorker for the job's stage executes.
//
// Delivery is at least once. A job whose executor stops heartbeating is
// requeued by the reaper, and every job write is fenced by the attempt
// number so reports from a superseded executor are ignored. Stage workers
// must therefore check persisted state before repeating side effects.
//
// Failures follow a RetryPolicy: transient errors are retried with
// exponential backoff while the document keeps its status; permanent
// errors, or running out of attempts, move the document to error exactly
// once through the tracker's compare-and-swap.
package dispatch
