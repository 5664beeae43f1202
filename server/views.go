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

package server

import (
	"time"

	"github.com/poiesic/docflow/core"
)

type documentView struct {
	ID                 string                  `json:"id"`
	DatasetID          string                  `json:"datasetId"`
	Name               string                  `json:"name"`
	Source             string                  `json:"source"`
	Status             core.DocumentStatus     `json:"status"`
	ProcessingMetadata core.ProcessingMetadata `json:"processingMetadata"`
	FailureReason      string                  `json:"failureReason,omitempty"`
	RetryCount         int                     `json:"retryCount"`
	CreatedAt          time.Time               `json:"createdAt"`
	UpdatedAt          time.Time               `json:"updatedAt"`
	Jobs               []jobView               `json:"jobs,omitempty"`
}

func newDocumentView(doc *core.Document) documentView {
	metadata := doc.Metadata
	if metadata == nil {
		metadata = core.ProcessingMetadata{}
	}
	return documentView{
		ID:                 doc.ID,
		DatasetID:          doc.DatasetID,
		Name:               doc.Name,
		Source:             doc.Source,
		Status:             doc.Status,
		ProcessingMetadata: metadata,
		FailureReason:      doc.Error,
		RetryCount:         doc.RetryCount,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
	}
}

type jobView struct {
	ID              string            `json:"id"`
	DocumentID      string            `json:"documentId"`
	Stage           core.Stage        `json:"stage"`
	Status          core.JobStatus    `json:"status"`
	Attempts        int               `json:"attempts"`
	Progress        int               `json:"progress"`
	Params          map[string]string `json:"params,omitempty"`
	FailureReason   string            `json:"failureReason,omitempty"`
	CancelRequested bool              `json:"cancelRequested,omitempty"`
	LastHeartbeat   time.Time         `json:"lastHeartbeat,omitzero"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func newJobView(job *core.Job) jobView {
	return jobView{
		ID:              job.ID,
		DocumentID:      job.DocumentID,
		Stage:           job.Stage,
		Status:          job.Status,
		Attempts:        job.Attempts,
		Progress:        job.ProgressPercent,
		Params:          job.Params,
		FailureReason:   job.FailureReason,
		CancelRequested: job.CancelRequested,
		LastHeartbeat:   job.LastHeartbeat,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

func newJobViews(jobs []*core.Job) []jobView {
	views := make([]jobView, len(jobs))
	for i, job := range jobs {
		views[i] = newJobView(job)
	}
	return views
}

type entityView struct {
	ID              string            `json:"id"`
	DatasetID       string            `json:"datasetId"`
	EntityType      string            `json:"entityType"`
	CanonicalName   string            `json:"canonicalName"`
	ConfidenceScore float64           `json:"confidenceScore"`
	Source          core.EntitySource `json:"source"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

func newEntityView(e *core.CanonicalEntity) entityView {
	return entityView{
		ID:              e.ID,
		DatasetID:       e.DatasetID,
		EntityType:      e.EntityType,
		CanonicalName:   e.CanonicalName,
		ConfidenceScore: e.ConfidenceScore,
		Source:          e.Source,
		Metadata:        e.Metadata,
		CreatedAt:       e.CreatedAt,
	}
}

type aliasView struct {
	ID              string    `json:"id"`
	EntityID        string    `json:"entityId"`
	AliasText       string    `json:"aliasText"`
	AliasType       string    `json:"aliasType,omitempty"`
	SimilarityScore float64   `json:"similarityScore"`
	MatchCount      int       `json:"matchCount"`
	LastMatchedAt   time.Time `json:"lastMatchedAt,omitzero"`
	CreatedAt       time.Time `json:"createdAt"`
}

func newAliasView(a *core.Alias) aliasView {
	return aliasView{
		ID:              a.ID,
		EntityID:        a.OwnerEntityID,
		AliasText:       a.AliasText,
		AliasType:       a.AliasType,
		SimilarityScore: a.SimilarityScore,
		MatchCount:      a.MatchCount,
		LastMatchedAt:   a.LastMatchedAt,
		CreatedAt:       a.CreatedAt,
	}
}

type logView struct {
	ID             string                   `json:"id"`
	EntityType     string                   `json:"entityType"`
	OriginalEntity string                   `json:"originalEntity"`
	NormalizedTo   string                   `json:"normalizedTo"`
	Method         core.NormalizationMethod `json:"method"`
	Confidence     float64                  `json:"confidence"`
	CreatedAt      time.Time                `json:"createdAt"`
}

func newLogView(e *core.NormalizationLogEntry) logView {
	return logView{
		ID:             e.ID,
		EntityType:     e.EntityType,
		OriginalEntity: e.OriginalEntity,
		NormalizedTo:   e.NormalizedTo,
		Method:         e.Method,
		Confidence:     e.Confidence,
		CreatedAt:      e.CreatedAt,
	}
}
