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

import (
	"fmt"
	"strings"
)

// ValidateDocument validates a Document according to domain rules.
//
// Validation rules:
//   - DatasetID must not be empty
//   - Status must be a known status
//
// NOT validated (populated by the pipeline):
//   - Metadata (empty until a stage reports)
//   - Source (interpreted only by stage workers)
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", ErrInvalidDocument)
	}

	if strings.TrimSpace(doc.DatasetID) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, ErrEmptyDataset)
	}

	if !doc.Status.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidDocument, ErrUnknownStatus, doc.Status)
	}

	return nil
}

// ValidateJob validates a Job before it is enqueued.
func ValidateJob(job *Job) error {
	if job == nil {
		return fmt.Errorf("%w: job is nil", ErrInvalidJob)
	}
	if job.DocumentID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidJob, ErrEmptyDocumentID)
	}
	if !job.Stage.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidJob, ErrUnknownStage, job.Stage)
	}
	return nil
}

// ValidateMention validates a raw entity mention.
func ValidateMention(m Mention) error {
	if strings.TrimSpace(m.DatasetID) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidMention, ErrEmptyDataset)
	}
	if strings.TrimSpace(m.EntityType) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidMention, ErrEmptyEntityType)
	}
	if strings.TrimSpace(m.RawName) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidMention, ErrEmptyEntityName)
	}
	return nil
}

// ValidateCanonicalEntity validates a CanonicalEntity before insert.
func ValidateCanonicalEntity(e *CanonicalEntity) error {
	if e == nil {
		return fmt.Errorf("%w: entity is nil", ErrInvalidEntity)
	}
	if e.DatasetID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidEntity, ErrEmptyDataset)
	}
	if e.EntityType == "" {
		return fmt.Errorf("%w: %w", ErrInvalidEntity, ErrEmptyEntityType)
	}
	if strings.TrimSpace(e.CanonicalName) == "" || e.NormalizedName == "" {
		return fmt.Errorf("%w: %w", ErrInvalidEntity, ErrEmptyEntityName)
	}
	return nil
}
