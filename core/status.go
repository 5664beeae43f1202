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

import "slices"

// DocumentStatus is the indexing state of a document.
type DocumentStatus string

const (
	StatusUploaded        DocumentStatus = "uploaded"
	StatusWaiting         DocumentStatus = "waiting"
	StatusParsing         DocumentStatus = "parsing"
	StatusChunking        DocumentStatus = "chunking"
	StatusEmbedding       DocumentStatus = "embedding"
	StatusGraphExtraction DocumentStatus = "graph_extraction_processing"
	StatusNER             DocumentStatus = "ner_processing"
	StatusCompleted       DocumentStatus = "completed"
	StatusError           DocumentStatus = "error"
)

// transitions is the forward edge set of the document state machine.
// Reset is the only backward move and does not go through this table.
var transitions = map[DocumentStatus][]DocumentStatus{
	StatusUploaded:        {StatusWaiting},
	StatusWaiting:         {StatusParsing, StatusError},
	StatusParsing:         {StatusChunking, StatusError},
	StatusChunking:        {StatusEmbedding, StatusError},
	StatusEmbedding:       {StatusGraphExtraction, StatusError},
	StatusGraphExtraction: {StatusNER, StatusError},
	StatusNER:             {StatusCompleted, StatusError},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to DocumentStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Valid reports whether s is a known status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusUploaded, StatusWaiting, StatusParsing, StatusChunking, StatusEmbedding,
		StatusGraphExtraction, StatusNER, StatusCompleted, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether no forward transition leaves s.
func (s DocumentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// IsProcessing reports whether a stage currently owns the document.
func (s DocumentStatus) IsProcessing() bool {
	_, ok := stageByStatus[s]
	return ok
}

// CanReset reports whether an operator reset back to waiting is allowed from s.
func (s DocumentStatus) CanReset() bool {
	return s.Valid() && s != StatusUploaded
}

// Stage is one phase of document processing.
type Stage string

const (
	StageParse     Stage = "parse"
	StageChunk     Stage = "chunk"
	StageEmbedding Stage = "embedding"
	StageGraph     Stage = "graph_extraction"
	StageNER       Stage = "ner"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageParse, StageChunk, StageEmbedding, StageGraph, StageNER}

var statusByStage = map[Stage]DocumentStatus{
	StageParse:     StatusParsing,
	StageChunk:     StatusChunking,
	StageEmbedding: StatusEmbedding,
	StageGraph:     StatusGraphExtraction,
	StageNER:       StatusNER,
}

var stageByStatus = map[DocumentStatus]Stage{
	StatusParsing:         StageParse,
	StatusChunking:        StageChunk,
	StatusEmbedding:       StageEmbedding,
	StatusGraphExtraction: StageGraph,
	StatusNER:             StageNER,
}

// ParseStage converts a string into a Stage.
func ParseStage(s string) (Stage, error) {
	stage := Stage(s)
	if !stage.Valid() {
		return "", ErrUnknownStage
	}
	return stage, nil
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := statusByStage[s]
	return ok
}

// Status returns the document status owned by the stage while it runs.
func (s Stage) Status() DocumentStatus {
	return statusByStage[s]
}

// EntryStatus is the status a document must hold for the stage to claim it.
// For the first stage that is waiting; later stages are entered by the
// preceding stage's completion, so they find the document already in Status().
func (s Stage) EntryStatus() DocumentStatus {
	if s == StageParse {
		return StatusWaiting
	}
	return s.Status()
}

// Next returns the stage that follows s.
func (s Stage) Next() (Stage, bool) {
	i := slices.Index(Stages, s)
	if i < 0 || i == len(Stages)-1 {
		return "", false
	}
	return Stages[i+1], true
}

// CompletionStatus is the status a document moves to when s succeeds.
func (s Stage) CompletionStatus() DocumentStatus {
	if next, ok := s.Next(); ok {
		return next.Status()
	}
	return StatusCompleted
}

// StageForStatus returns the stage that owns a processing status.
func StageForStatus(status DocumentStatus) (Stage, bool) {
	stage, ok := stageByStatus[status]
	return stage, ok
}
