package store

import (
	"errors"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
)

// ErrNotFound is returned when no task has the requested id.
var ErrNotFound = errors.New("task not found")

// CreateTaskParams collects inputs required to insert a task.
type CreateTaskParams struct {
	Prompt   string
	Model    *string
	Provider *string
	Priority int
}

// ListParams filters and pages ListTasks. A nil Status lists every status.
type ListParams struct {
	Status *models.TaskStatus
	Limit  int
	Offset int
}

// ClaimOutcome describes what a claim attempt found.
type ClaimOutcome int

const (
	ClaimNotFound ClaimOutcome = iota
	// Claimed moved the task PENDING -> PROCESSING.
	Claimed
	// Reclaimed took over a PROCESSING task whose owner stopped heartbeating.
	Reclaimed
	// ClaimBusy means another owner holds a live claim.
	ClaimBusy
	// ClaimTerminal means the task already reached COMPLETED or FAILED.
	ClaimTerminal
)

func (o ClaimOutcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case Reclaimed:
		return "reclaimed"
	case ClaimBusy:
		return "busy"
	case ClaimTerminal:
		return "terminal"
	default:
		return "not_found"
	}
}

// ClaimResult is the task as left by a claim attempt.
type ClaimResult struct {
	Outcome       ClaimOutcome
	Task          models.Task
	PreviousOwner string
}

// Acquired reports whether the caller now owns the task.
func (r ClaimResult) Acquired() bool {
	return r.Outcome == Claimed || r.Outcome == Reclaimed
}
