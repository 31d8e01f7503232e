package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lcksfa/async-ai-task-runner/internal/service"
	"github.com/lcksfa/async-ai-task-runner/internal/telemetry"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "create_task",
		Description: "Submit a prompt for asynchronous processing. Returns immediately with the PENDING task; poll get_task_status for progress.",
	}, toolHandler(s, "create_task", s.CreateTask))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_task_status",
		Description: "Get the status, progress and details of one task. The result is included once the task is COMPLETED.",
	}, toolHandler(s, "get_task_status", s.GetTaskStatus))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_tasks",
		Description: "List tasks newest first, optionally filtered by status. Prompts are truncated to 100 characters.",
	}, toolHandler(s, "list_tasks", s.ListTasks))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_task_result",
		Description: "Get the result text of a COMPLETED task. Fails with TASK_NOT_READY while the task is pending or processing and TASK_FAILED if it failed.",
	}, toolHandler(s, "get_task_result", s.GetTaskResult))
}

func toolHandler[In any](s *Server, name string, fn func(context.Context, In) ToolResponse) mcp.ToolHandlerFor[In, ToolResponse] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, ToolResponse, error) {
		resp := fn(ctx, in)
		telemetry.MCPToolCalls.WithLabelValues(name, strconv.FormatBool(resp.Success)).Inc()
		if !resp.Success {
			s.logger.Info("tool call failed", "tool", name, "code", resp.Error.Code, "message", resp.Error.Message)
		}
		return &mcp.CallToolResult{IsError: !resp.Success}, resp, nil
	}
}

// CreateTask submits a task.
func (s *Server) CreateTask(ctx context.Context, args CreateTaskArgs) ToolResponse {
	req := service.SubmitRequest{Prompt: args.Prompt, Priority: args.Priority}
	if args.Model != "" {
		req.Model = &args.Model
	}
	if args.Provider != "" {
		req.Provider = &args.Provider
	}
	task, err := s.tasks.Submit(ctx, req)
	if err != nil {
		return s.failure(err)
	}
	return ToolResponse{Success: true, Task: viewOf(task), Message: "Task created successfully"}
}

// GetTaskStatus returns one task.
func (s *Server) GetTaskStatus(ctx context.Context, args TaskIDArgs) ToolResponse {
	if resp, ok := checkID(args.TaskID); !ok {
		return resp
	}
	task, err := s.tasks.Get(ctx, args.TaskID)
	if err != nil {
		return s.failure(err)
	}
	return ToolResponse{Success: true, Task: viewOf(task)}
}

// ListTasks lists tasks. Out of range limits are clamped rather than rejected.
func (s *Server) ListTasks(ctx context.Context, args ListTasksArgs) ToolResponse {
	limits := s.tasks.Limits()
	limit := args.Limit
	if limit <= 0 {
		limit = limits.DefaultListLimit
	}
	limit = min(limit, limits.MaxListLimit)
	offset := max(args.Offset, 0)

	tasks, err := s.tasks.List(ctx, service.ListRequest{Status: args.Status, Limit: limit, Offset: offset})
	if err != nil {
		return s.failure(err)
	}
	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, summaryOf(t))
	}
	count := len(out)
	return ToolResponse{
		Success:      true,
		Tasks:        out,
		Count:        &count,
		Limit:        limit,
		Offset:       offset,
		StatusFilter: args.Status,
	}
}

// GetTaskResult returns the result of a COMPLETED task.
func (s *Server) GetTaskResult(ctx context.Context, args TaskIDArgs) ToolResponse {
	if resp, ok := checkID(args.TaskID); !ok {
		return resp
	}
	text, task, err := s.tasks.Result(ctx, args.TaskID)
	if err != nil {
		return s.failure(err)
	}
	return ToolResponse{Success: true, Task: viewOf(task), Result: &text}
}

func checkID(id int64) (ToolResponse, bool) {
	if id <= 0 {
		return ToolResponse{Error: &ToolError{Code: CodeValidation, Message: "task_id must be a positive integer"}}, false
	}
	return ToolResponse{}, true
}

// failure maps a service error onto a structured tool error. Unexpected
// errors are logged and reported without detail.
func (s *Server) failure(err error) ToolResponse {
	var (
		code = CodeInternal
		msg  = "internal error"
		se   *service.StateError
	)
	switch {
	case errors.Is(err, service.ErrValidation):
		code, msg = CodeValidation, err.Error()
	case errors.Is(err, service.ErrNotFound):
		code, msg = CodeTaskNotFound, err.Error()
	case errors.Is(err, service.ErrNotReady):
		code, msg = CodeTaskNotReady, err.Error()
		if errors.As(err, &se) {
			msg = fmt.Sprintf("task %d is %s; try again later", se.TaskID, se.Status)
		}
	case errors.Is(err, service.ErrResultUnavailable):
		code, msg = CodeTaskFailed, err.Error()
		if errors.As(err, &se) && se.Reason != "" {
			msg = fmt.Sprintf("task %d failed: %s", se.TaskID, se.Reason)
		}
	default:
		s.logger.Error("tool call error", "error", err)
	}
	return ToolResponse{Error: &ToolError{Code: code, Message: msg}}
}
