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
	"errors"
	"fmt"
)

var (
	// ErrJobCancelled is returned from Progress once the job has been
	// flagged for cooperative cancellation. Workers should stop and return it.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrJobSuperseded is returned when a report comes from an executor
	// whose attempt is no longer current.
	ErrJobSuperseded = errors.New("job superseded")

	// ErrHeartbeatTimeout is the failure recorded for jobs the reaper requeues.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrTrackerRequired is returned when no tracker is provided.
	ErrTrackerRequired = errors.New("tracker required")

	// ErrJobRepositoryRequired is returned when no job repository is provided.
	ErrJobRepositoryRequired = errors.New("job repository required")

	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("dispatcher already running")
)

// StageError is the error a stage worker returns to say whether the
// failure is worth retrying.
type StageError struct {
	Err       error
	Retryable bool
}

func (e *StageError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("transient stage error: %v", e.Err)
	}
	return fmt.Sprintf("permanent stage error: %v", e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable stage error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Err: err, Retryable: true}
}

// Permanent wraps err as a non-retryable stage error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Err: err, Retryable: false}
}

// IsRetryable reports whether err should be retried. Errors that are not
// StageErrors are treated as transient.
func IsRetryable(err error) bool {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Retryable
	}
	return true
}

// failureReason is the message recorded for err. StageError wrapping is
// stripped so users see the worker's own message.
func failureReason(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) && stageErr.Err != nil {
		return stageErr.Err.Error()
	}
	return err.Error()
}
