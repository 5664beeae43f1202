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

// Package storage provides the persistence contracts for docflow.
//
// This package defines repository interfaces that decouple the pipeline from
// the storage engine. Two backends implement them:
//
//   - storage/badger: embedded BadgerDB, the default
//   - storage/sqlite: embedded SQLite via modernc.org/sqlite
//
// # Concurrency primitives
//
// Every backend must offer the two primitives the pipeline is built on:
//
//   - Conditional writes: DocumentRepository.CompareAndSwap applies a change
//     only if the persisted status matches, returning Applied or Conflict.
//   - Unique inserts: EntityRepository and JobRepository reject duplicates
//     with ErrDuplicateKey or by returning the existing row.
//
// Job updates are additionally fenced on the attempt number; a stale
// executor receives ErrStaleAttempt instead of overwriting newer state.
//
// # Usage
//
//	store, err := badger.NewStore("/path/to/db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
// Use in tests with in-memory storage:
//
//	store, err := badger.NewMemoryStore()
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
package storage
