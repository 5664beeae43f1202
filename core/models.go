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
	"encoding/binary"
	"maps"
	"time"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"
)

// Fingerprint is a 64-bit content hash.
type Fingerprint uint64

// FingerprintOf generates a deterministic fingerprint from text using BLAKE2b hashing.
// Identical text always produces the identical fingerprint.
func FingerprintOf(text string) Fingerprint {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return Fingerprint(binary.LittleEndian.Uint64(sum))
}

// NewID returns a random identifier for documents, entities and aliases.
func NewID() string {
	return uuid.NewString()
}

// Document is the persisted indexing state of one uploaded document.
type Document struct {
	ID         string
	DatasetID  string
	Name       string
	Source     string // Opaque locator handed to stage workers (file path, URL, ...)
	Status     DocumentStatus
	Metadata   ProcessingMetadata
	Error      string // Failure reason, set when Status is error
	RetryCount int    // Sum of every stage's retry count
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewDocument creates a document in the uploaded state.
func NewDocument(datasetID, name, source string) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:        NewID(),
		DatasetID: datasetID,
		Name:      name,
		Source:    source,
		Status:    StatusUploaded,
		Metadata:  ProcessingMetadata{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Metadata = d.Metadata.Clone()
	return &c
}

// ApplyPatch merges a stage patch into the document's metadata and
// recomputes the aggregate retry count.
func (d *Document) ApplyPatch(patch *MetadataPatch) {
	if patch == nil {
		return
	}
	if d.Metadata == nil {
		d.Metadata = ProcessingMetadata{}
	}
	d.Metadata.Apply(patch)
	d.RetryCount = d.Metadata.TotalRetries()
}

// StageMetadata is one stage's namespaced slice of processing metadata.
type StageMetadata struct {
	Progress         int               `json:"progress"`
	RetryCount       int               `json:"retryCount"`
	LastError        string            `json:"lastError,omitempty"`
	StartedAt        time.Time         `json:"startedAt,omitzero"`
	CompletedAt      time.Time         `json:"completedAt,omitzero"`
	SegmentsCreated  int               `json:"segmentsCreated,omitempty"`
	NodesCreated     int               `json:"nodesCreated,omitempty"`
	EdgesCreated     int               `json:"edgesCreated,omitempty"`
	EntitiesResolved int               `json:"entitiesResolved,omitempty"`
	Attrs            map[string]string `json:"attrs,omitempty"` // Worker fields with no dedicated slot
}

// ProcessingMetadata holds per-stage metadata keyed by stage.
// A write to one stage never touches another stage's entry.
type ProcessingMetadata map[Stage]*StageMetadata

// Clone returns a deep copy.
func (m ProcessingMetadata) Clone() ProcessingMetadata {
	if m == nil {
		return nil
	}
	c := make(ProcessingMetadata, len(m))
	for stage, sm := range m {
		cp := *sm
		cp.Attrs = maps.Clone(sm.Attrs)
		c[stage] = &cp
	}
	return c
}

// Apply merges patch into the entry for patch.Stage, field by field.
func (m ProcessingMetadata) Apply(patch *MetadataPatch) {
	sm, ok := m[patch.Stage]
	if !ok {
		sm = &StageMetadata{}
		m[patch.Stage] = sm
	}
	if patch.Progress != nil {
		sm.Progress = *patch.Progress
	}
	if patch.RetryCount != nil {
		sm.RetryCount = *patch.RetryCount
	}
	if patch.LastError != nil {
		sm.LastError = *patch.LastError
	}
	if patch.StartedAt != nil {
		sm.StartedAt = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		sm.CompletedAt = *patch.CompletedAt
	}
	if patch.SegmentsCreated != nil {
		sm.SegmentsCreated = *patch.SegmentsCreated
	}
	if patch.NodesCreated != nil {
		sm.NodesCreated = *patch.NodesCreated
	}
	if patch.EdgesCreated != nil {
		sm.EdgesCreated = *patch.EdgesCreated
	}
	if patch.EntitiesResolved != nil {
		sm.EntitiesResolved = *patch.EntitiesResolved
	}
	if len(patch.Attrs) > 0 {
		if sm.Attrs == nil {
			sm.Attrs = make(map[string]string, len(patch.Attrs))
		}
		maps.Copy(sm.Attrs, patch.Attrs)
	}
}

// TotalRetries sums the retry counts of every stage.
func (m ProcessingMetadata) TotalRetries() int {
	total := 0
	for _, sm := range m {
		total += sm.RetryCount
	}
	return total
}

// MetadataPatch is a partial update to one stage's metadata.
// Nil fields are left untouched.
type MetadataPatch struct {
	Stage            Stage
	Progress         *int
	RetryCount       *int
	LastError        *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	SegmentsCreated  *int
	NodesCreated     *int
	EdgesCreated     *int
	EntitiesResolved *int
	Attrs            map[string]string
}

// Merge folds a later patch for the same stage into p. Fields set in
// later win.
func (p *MetadataPatch) Merge(later *MetadataPatch) {
	if later == nil {
		return
	}
	if later.Progress != nil {
		p.Progress = later.Progress
	}
	if later.RetryCount != nil {
		p.RetryCount = later.RetryCount
	}
	if later.LastError != nil {
		p.LastError = later.LastError
	}
	if later.StartedAt != nil {
		p.StartedAt = later.StartedAt
	}
	if later.CompletedAt != nil {
		p.CompletedAt = later.CompletedAt
	}
	if later.SegmentsCreated != nil {
		p.SegmentsCreated = later.SegmentsCreated
	}
	if later.NodesCreated != nil {
		p.NodesCreated = later.NodesCreated
	}
	if later.EdgesCreated != nil {
		p.EdgesCreated = later.EdgesCreated
	}
	if later.EntitiesResolved != nil {
		p.EntitiesResolved = later.EntitiesResolved
	}
	if len(later.Attrs) > 0 {
		if p.Attrs == nil {
			p.Attrs = make(map[string]string, len(later.Attrs))
		}
		maps.Copy(p.Attrs, later.Attrs)
	}
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
