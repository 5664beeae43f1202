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

package dispatch

import (
	"context"
	"maps"

	"github.com/poiesic/docflow/core"
)

// StageWorker performs one stage for one document. Execute may be called
// again for the same document after a crash or timeout, so it must check
// persisted state before repeating expensive side effects.
type StageWorker interface {
	Execute(ctx context.Context, req StageRequest) (StageResult, error)
}

// StageWorkerFunc adapts a function to StageWorker.
type StageWorkerFunc func(ctx context.Context, req StageRequest) (StageResult, error)

func (f StageWorkerFunc) Execute(ctx context.Context, req StageRequest) (StageResult, error) {
	return f(ctx, req)
}

// Reporter receives progress from running jobs.
type Reporter interface {
	Progress(ctx context.Context, jobID string, attempt, percent int, patch *core.MetadataPatch) error
}

// StageRequest describes one execution of a job.
type StageRequest struct {
	JobID    string
	Attempt  int
	Stage    core.Stage
	Document *core.Document // Snapshot taken when the job was claimed
	Params   map[string]string

	reporter Reporter
}

// NewStageRequest builds a request for job against doc that reports to reporter.
func NewStageRequest(job *core.Job, doc *core.Document, reporter Reporter) StageRequest {
	return StageRequest{
		JobID:    job.ID,
		Attempt:  job.Attempts,
		Stage:    job.Stage,
		Document: doc,
		Params:   maps.Clone(job.Params),
		reporter: reporter,
	}
}

// Report records progress and an optional metadata patch for this stage.
// It is the worker's cancellation checkpoint: ErrJobCancelled means stop.
func (r StageRequest) Report(ctx context.Context, percent int, patch *core.MetadataPatch) error {
	if r.reporter == nil {
		return nil
	}
	return r.reporter.Progress(ctx, r.JobID, r.Attempt, percent, patch)
}

// StageResult carries the counts a stage produced. Nil fields were not
// produced by the stage.
type StageResult struct {
	SegmentsCreated  *int
	NodesCreated     *int
	EdgesCreated     *int
	EntitiesResolved *int
	Attrs            map[string]string
}

// patch converts the result into the completion patch for stage.
func (r StageResult) patch(stage core.Stage) *core.MetadataPatch {
	return &core.MetadataPatch{
		Stage:            stage,
		SegmentsCreated:  r.SegmentsCreated,
		NodesCreated:     r.NodesCreated,
		EdgesCreated:     r.EdgesCreated,
		EntitiesResolved: r.EntitiesResolved,
		Attrs:            maps.Clone(r.Attrs),
	}
}
