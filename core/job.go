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
	"crypto/rand"
	"maps"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether the job will never run again.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a unit of work: one stage for one document.
// Attempts is incremented on every claim and doubles as the fencing token
// that lets the dispatcher ignore reports from a superseded executor.
type Job struct {
	ID              string
	DocumentID      string
	Stage           Stage
	Params          map[string]string
	Attempts        int
	Status          JobStatus
	ProgressPercent int
	LastHeartbeat   time.Time
	FailureReason   string
	CancelRequested bool
	AvailableAt     time.Time // Earliest time a waiting job may be claimed
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewSortableID returns a ULID for jobs and log entries. IDs minted by one
// process are strictly increasing, so they sort in creation order.
func NewSortableID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// NewJob creates a waiting job that is immediately available.
func NewJob(documentID string, stage Stage, params map[string]string, now time.Time) *Job {
	return &Job{
		ID:          NewSortableID(),
		DocumentID:  documentID,
		Stage:       stage,
		Params:      maps.Clone(params),
		Status:      JobWaiting,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Params = maps.Clone(j.Params)
	return &c
}
