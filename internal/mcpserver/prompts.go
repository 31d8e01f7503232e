package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/service"
)

const recentTasksInPrompt = 10

func (s *Server) registerPrompts() {
	s.server.AddPrompt(&mcp.Prompt{
		Name:        "task_summary",
		Description: "Summarize recent tasks and their outcomes",
		Arguments: []*mcp.PromptArgument{
			{Name: "status_filter", Description: "Only include tasks with this status"},
		},
	}, s.taskSummaryPrompt)

	s.server.AddPrompt(&mcp.Prompt{
		Name:        "system_health",
		Description: "Assess task processing health from current status counts",
	}, s.systemHealthPrompt)
}

func (s *Server) taskSummaryPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	status := req.Params.Arguments["status_filter"]
	tasks, err := s.tasks.List(ctx, service.ListRequest{Status: status, Limit: recentTasksInPrompt})
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following %d most recent tasks", len(tasks))
	if status != "" {
		fmt.Fprintf(&b, " with status %s", strings.ToUpper(status))
	}
	b.WriteString(". Point out failures and any results produced by a placeholder fallback.\n\n")
	for _, t := range tasks {
		sum := summaryOf(t)
		fmt.Fprintf(&b, "- #%d [%s] priority=%d provider=%s: %s\n", sum.ID, sum.Status, sum.Priority, orDefault(sum.Provider), sum.Prompt)
		if t.Status.Terminal() && t.Result != nil {
			fmt.Fprintf(&b, "  result: %s\n", truncate(*t.Result, summaryPromptLimit))
		}
	}
	return userPrompt("Recent task summary", b.String()), nil
}

func (s *Server) systemHealthPrompt(ctx context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	counts, err := s.tasks.Stats(ctx)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	var b strings.Builder
	b.WriteString("Assess the health of the task processing system from these counts.\n\n")
	for _, st := range models.AllStatuses {
		fmt.Fprintf(&b, "- %s: %d\n", st, counts[st])
	}
	fmt.Fprintf(&b, "- total: %d\n", total)
	if done := counts[models.StatusCompleted] + counts[models.StatusFailed]; done > 0 {
		fmt.Fprintf(&b, "\nFailure rate among finished tasks: %.1f%%\n", 100*float64(counts[models.StatusFailed])/float64(done))
	}
	b.WriteString("\nA large PENDING backlog suggests too few workers; many PROCESSING tasks that never finish suggest stuck providers.")
	return userPrompt("System health", b.String()), nil
}

func userPrompt(description, text string) *mcp.GetPromptResult {
	return &mcp.GetPromptResult{
		Description: description,
		Messages: []*mcp.PromptMessage{
			{Role: "user", Content: &mcp.TextContent{Text: text}},
		},
	}
}

func orDefault(provider string) string {
	if provider == "" {
		return "default"
	}
	return provider
}
