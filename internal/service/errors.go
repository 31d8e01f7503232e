package service

import (
	"errors"
	"fmt"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
)

var (
	// ErrValidation is wrapped by every input validation failure.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means no task has the requested id.
	ErrNotFound = errors.New("task not found")
	// ErrNotReady means the task is PENDING or PROCESSING; retry later.
	ErrNotReady = errors.New("task result not ready")
	// ErrResultUnavailable means the task FAILED and will never have a result.
	ErrResultUnavailable = errors.New("task failed; no result available")
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StateError carries the status that made a result request invalid.
type StateError struct {
	TaskID int64
	Status models.TaskStatus
	// Reason is the stored failure description for FAILED tasks.
	Reason string
	err    error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("task %d is %s: %v", e.TaskID, e.Status, e.err)
}

func (e *StateError) Unwrap() error { return e.err }
