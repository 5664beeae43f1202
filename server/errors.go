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
	"errors"
	"fmt"
	"net/http"

	"github.com/poiesic/docflow"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/notify"
	"github.com/poiesic/docflow/storage"
	"github.com/poiesic/docflow/tracker"
)

// AppError is an error with the HTTP status it should be reported as.
type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError.
func NewAppError(code int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// MapError maps domain errors to an AppError with a matching HTTP status.
func MapError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NewAppError(http.StatusNotFound, "Resource not found", err)
	case errors.Is(err, core.ErrInvalidDocument),
		errors.Is(err, core.ErrInvalidMention),
		errors.Is(err, core.ErrInvalidJob),
		errors.Is(err, core.ErrUnknownStage),
		errors.Is(err, core.ErrEmptyEntityName):
		return NewAppError(http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, tracker.ErrResetNotAllowed),
		errors.Is(err, docflow.ErrDocumentBusy),
		errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, storage.ErrDuplicateKey):
		return NewAppError(http.StatusConflict, "Conflict", err)
	case errors.Is(err, notify.ErrBroadcasterClosed):
		return NewAppError(http.StatusServiceUnavailable, "Shutting down", err)
	}
	return NewAppError(http.StatusInternalServerError, "Internal server error", err)
}
