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
	"errors"
	"testing"
)

func TestValidateDocument(t *testing.T) {
	tests := []struct {
		name    string
		doc     *Document
		wantErr error
	}{
		{
			name:    "valid document",
			doc:     NewDocument("ds", "a.txt", "/tmp/a.txt"),
			wantErr: nil,
		},
		{
			name:    "nil document",
			doc:     nil,
			wantErr: ErrInvalidDocument,
		},
		{
			name:    "missing dataset",
			doc:     &Document{Status: StatusUploaded},
			wantErr: ErrEmptyDataset,
		},
		{
			name:    "unknown status",
			doc:     &Document{DatasetID: "ds", Status: "archived"},
			wantErr: ErrUnknownStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDocument(tt.doc)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateDocument() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateDocument() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMention(t *testing.T) {
	tests := []struct {
		name    string
		mention Mention
		wantErr error
	}{
		{"valid", Mention{DatasetID: "d", EntityType: "organization", RawName: "Coca Cola"}, nil},
		{"blank name", Mention{DatasetID: "d", EntityType: "organization", RawName: "   "}, ErrEmptyEntityName},
		{"missing type", Mention{DatasetID: "d", RawName: "x"}, ErrEmptyEntityType},
		{"missing dataset", Mention{EntityType: "t", RawName: "x"}, ErrEmptyDataset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMention(tt.mention)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateMention() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) || !errors.Is(err, ErrInvalidMention) {
				t.Errorf("ValidateMention() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateJob(t *testing.T) {
	if err := ValidateJob(&Job{DocumentID: "d", Stage: StageChunk}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateJob(&Job{DocumentID: "d", Stage: "ocr"}); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}
	if err := ValidateJob(&Job{Stage: StageChunk}); !errors.Is(err, ErrEmptyDocumentID) {
		t.Errorf("expected ErrEmptyDocumentID, got %v", err)
	}
}

func TestValidateCanonicalEntity(t *testing.T) {
	valid := &CanonicalEntity{DatasetID: "d", EntityType: "org", CanonicalName: "Acme", NormalizedName: "acme"}
	if err := ValidateCanonicalEntity(valid); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateCanonicalEntity(&CanonicalEntity{DatasetID: "d", EntityType: "org"}); !errors.Is(err, ErrEmptyEntityName) {
		t.Errorf("expected ErrEmptyEntityName, got %v", err)
	}
}
