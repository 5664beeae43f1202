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

package core

import "errors"

// Domain validation errors
var (
	// ErrInvalidDocument indicates a Document failed validation.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrInvalidJob indicates a Job failed validation.
	ErrInvalidJob = errors.New("invalid job")

	// ErrInvalidMention indicates an entity mention failed validation.
	ErrInvalidMention = errors.New("invalid entity mention")

	// ErrInvalidEntity indicates a CanonicalEntity failed validation.
	ErrInvalidEntity = errors.New("invalid canonical entity")

	// ErrEmptyDataset indicates the dataset ID is empty.
	ErrEmptyDataset = errors.New("dataset id cannot be empty")

	// ErrEmptyDocumentID indicates the document ID is empty.
	ErrEmptyDocumentID = errors.New("document id cannot be empty")

	// ErrEmptyEntityName indicates an entity or alias name is blank.
	ErrEmptyEntityName = errors.New("entity name cannot be empty")

	// ErrEmptyEntityType indicates the entity type is empty.
	ErrEmptyEntityType = errors.New("entity type cannot be empty")

	// ErrUnknownStage indicates a stage name outside the pipeline.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrUnknownStatus indicates a status outside the state machine.
	ErrUnknownStatus = errors.New("unknown document status")

	// ErrInvalidTransition indicates a status change that is not an edge
	// of the document state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)
