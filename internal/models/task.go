package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus enumerates lifecycle states persisted in Postgres.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []TaskStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// ParseStatus accepts any casing of a known status name.
func ParseStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a forward move in
// PENDING -> PROCESSING -> COMPLETED | FAILED. PROCESSING -> PROCESSING is
// allowed so a redelivered item can take over a stale claim.
func CanTransition(from, to TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	if from == StatusProcessing && to == StatusProcessing {
		return true
	}
	switch to {
	case StatusProcessing:
		return from == StatusPending
	case StatusCompleted, StatusFailed:
		return from == StatusProcessing
	}
	return false
}

// Progress is advisory execution metadata published while a task runs.
type Progress struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// Task represents a unit of submitted work persisted in Postgres.
type Task struct {
	ID        int64      `json:"id"`
	Prompt    string     `json:"prompt"`
	Model     *string    `json:"model"`
	Provider  *string    `json:"provider"`
	Priority  int        `json:"priority"`
	Status    TaskStatus `json:"status"`
	Result    *string    `json:"result"`
	Attempts  int        `json:"attempts"`
	Progress  *Progress  `json:"progress,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// ModelName returns the requested model or "".
func (t Task) ModelName() string {
	if t.Model == nil {
		return ""
	}
	return *t.Model
}

// ProviderName returns the requested provider or "".
func (t Task) ProviderName() string {
	if t.Provider == nil {
		return ""
	}
	return *t.Provider
}

// WorkItem is the queue payload: a snapshot of the task inputs sufficient to
// execute without reading the store first.
type WorkItem struct {
	TaskID     int64     `json:"task_id"`
	Prompt     string    `json:"prompt"`
	Model      string    `json:"model,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Priority   int       `json:"priority"`
	DeliveryID string    `json:"delivery_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewWorkItem snapshots a persisted task.
func NewWorkItem(t Task, deliveryID string, now time.Time) WorkItem {
	return WorkItem{
		TaskID:     t.ID,
		Prompt:     t.Prompt,
		Model:      t.ModelName(),
		Provider:   t.ProviderName(),
		Priority:   t.Priority,
		DeliveryID: deliveryID,
		EnqueuedAt: now.UTC(),
	}
}

// Task event names recorded in the task_events table.
const (
	EventCreated        = "created"
	EventEnqueued       = "enqueued"
	EventEnqueueFailed  = "enqueue_failed"
	EventProcessing     = "processing"
	EventReclaimed      = "reclaimed"
	EventRetry          = "retry"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventFallback       = "fallback"
	EventRequeued       = "requeued"
	EventDuplicateNoop  = "duplicate_delivery"
	EventOwnershipLost  = "ownership_lost"
	EventResultArchived = "result_archived"
)

// TaskEvent is a simple audit event row.
type TaskEvent struct {
	TaskID   int64     `json:"task_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
