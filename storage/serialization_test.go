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

package storage

import (
	"testing"
	"time"

	"github.com/poiesic/docflow/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalDocument(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	doc := &core.Document{
		ID:         "doc-1",
		DatasetID:  "ds-1",
		Name:       "annual-report.pdf",
		Source:     "/var/docs/annual-report.pdf",
		Status:     core.StatusEmbedding,
		RetryCount: 2,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata: core.ProcessingMetadata{
			core.StageParse: {
				Progress:    100,
				StartedAt:   now,
				CompletedAt: now,
				Attrs:       map[string]string{"pages": "12", "format": "pdf"},
			},
			core.StageEmbedding: {
				Progress:   40,
				RetryCount: 2,
				LastError:  "connection reset",
				StartedAt:  now,
			},
		},
	}

	decoded, err := UnmarshalDocument(MarshalDocument(doc))
	require.NoError(t, err)
	assert.Equal(t, doc, decoded)
}

func TestMarshalUnmarshalJob(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	job := core.NewJob("doc-1", core.StageChunk, map[string]string{"chunkSize": "512"}, now)
	job.Attempts = 3
	job.Status = core.JobActive
	job.LastHeartbeat = now
	job.CancelRequested = true

	decoded, err := UnmarshalJob(MarshalJob(job))
	require.NoError(t, err)
	assert.Equal(t, job, decoded)
}

func TestMarshalUnmarshalEntityRecords(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	entity := &core.CanonicalEntity{
		ID:              "e1",
		DatasetID:       "d",
		EntityType:      "organization",
		CanonicalName:   "Coca Cola",
		NormalizedName:  "coca cola",
		MatchKey:        "coca cola",
		ConfidenceScore: 1,
		Source:          core.SourceAuto,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	decodedEntity, err := UnmarshalCanonicalEntity(MarshalCanonicalEntity(entity))
	require.NoError(t, err)
	assert.Equal(t, entity, decodedEntity)

	alias := &core.Alias{
		ID:              "a1",
		OwnerEntityID:   "e1",
		AliasText:       "Coca-Cola Inc.",
		NormalizedText:  "coca-cola inc.",
		SimilarityScore: 0.9166,
		MatchCount:      4,
		LastMatchedAt:   now,
		CreatedAt:       now,
	}
	decodedAlias, err := UnmarshalAlias(MarshalAlias(alias))
	require.NoError(t, err)
	assert.Equal(t, alias, decodedAlias)
}

func TestUnmarshal_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty data", []byte{}},
		{"truncated document", MarshalDocument(core.NewDocument("ds", "a", "b"))[:5]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalDocument(tt.data)
			assert.ErrorIs(t, err, ErrSerializationFailed)
		})
	}
}
