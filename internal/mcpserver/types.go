// types.go defines the tool argument and response shapes. Every tool answers
// with a ToolResponse so agents can branch on success and error.code alone.
package mcpserver

import (
	"time"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
)

// Error codes reported in ToolError.Code.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeTaskNotFound = "TASK_NOT_FOUND"
	CodeTaskNotReady = "TASK_NOT_READY"
	CodeTaskFailed   = "TASK_FAILED"
	CodeInternal     = "INTERNAL_ERROR"
)

// CreateTaskArgs is the input for the create_task tool.
type CreateTaskArgs struct {
	Prompt   string `json:"prompt,omitempty" jsonschema:"The prompt to process (1-1000 characters). Required."`
	Model    string `json:"model,omitempty" jsonschema:"Model name; the provider default is used when empty"`
	Provider string `json:"provider,omitempty" jsonschema:"Provider name; see data://providers/available"`
	Priority *int   `json:"priority,omitempty" jsonschema:"Priority from 1 (lowest) to 10 (highest), default 1"`
}

// TaskIDArgs is the input for get_task_status and get_task_result.
type TaskIDArgs struct {
	TaskID int64 `json:"task_id,omitempty" jsonschema:"ID of the task. Required, positive."`
}

// ListTasksArgs is the input for the list_tasks tool.
type ListTasksArgs struct {
	Status string `json:"status,omitempty" jsonschema:"Filter by status: PENDING, PROCESSING, COMPLETED or FAILED"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of tasks to return"`
	Offset int    `json:"offset,omitempty" jsonschema:"Number of tasks to skip"`
}

// ToolError explains a failed tool call.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolResponse is the single result shape of every tool. Only the fields
// relevant to the tool are set.
type ToolResponse struct {
	Success bool       `json:"success"`
	Error   *ToolError `json:"error,omitempty"`
	Message string     `json:"message,omitempty"`

	Task   *TaskView `json:"task,omitempty"`
	Result *string   `json:"result,omitempty"`

	Tasks        []TaskSummary `json:"tasks,omitempty"`
	Count        *int          `json:"count,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	Offset       int           `json:"offset,omitempty"`
	StatusFilter string        `json:"status_filter,omitempty"`
}

// TaskView is the full per-task view. Result is set only for COMPLETED tasks;
// Placeholder marks a result synthesized because no provider answered.
type TaskView struct {
	ID          int64            `json:"id"`
	Prompt      string           `json:"prompt"`
	Status      string           `json:"status"`
	Model       string           `json:"model,omitempty"`
	Provider    string           `json:"provider,omitempty"`
	Priority    int              `json:"priority"`
	Attempts    int              `json:"attempts"`
	Progress    *models.Progress `json:"progress,omitempty"`
	Result      *string          `json:"result,omitempty"`
	Placeholder bool             `json:"placeholder,omitempty"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at,omitempty"`
}

// TaskSummary is the list_tasks view: prompt truncated, result omitted.
type TaskSummary struct {
	ID        int64  `json:"id"`
	Prompt    string `json:"prompt"`
	Status    string `json:"status"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Priority  int    `json:"priority"`
	HasResult bool   `json:"has_result"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func viewOf(t models.Task) *TaskView {
	v := &TaskView{
		ID:        t.ID,
		Prompt:    t.Prompt,
		Status:    string(t.Status),
		Model:     t.ModelName(),
		Provider:  t.ProviderName(),
		Priority:  t.Priority,
		Attempts:  t.Attempts,
		Progress:  t.Progress,
		CreatedAt: timestamp(&t.CreatedAt),
		UpdatedAt: timestamp(t.UpdatedAt),
	}
	if t.Status == models.StatusCompleted {
		v.Result = t.Result
		v.Placeholder = t.Result != nil && provider.IsPlaceholder(*t.Result)
	}
	return v
}

const summaryPromptLimit = 100

func summaryOf(t models.Task) TaskSummary {
	return TaskSummary{
		ID:        t.ID,
		Prompt:    truncate(t.Prompt, summaryPromptLimit),
		Status:    string(t.Status),
		Model:     t.ModelName(),
		Provider:  t.ProviderName(),
		Priority:  t.Priority,
		HasResult: t.Status == models.StatusCompleted && t.Result != nil && *t.Result != "",
		CreatedAt: timestamp(&t.CreatedAt),
		UpdatedAt: timestamp(t.UpdatedAt),
	}
}

func timestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
