package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
)

// Resource URIs.
const (
	URIStatuses  = "data://tasks/statuses"
	URISchema    = "data://tasks/schema"
	URIProviders = "data://providers/available"
	URIStats     = "data://tasks/stats"
)

func (s *Server) registerResources() {
	s.addJSONResource(URIStatuses, "task_statuses", "Task lifecycle states and what they mean", func(context.Context) (any, error) {
		return statusDescriptions(), nil
	})
	s.addJSONResource(URISchema, "task_schema", "JSON schema and validation rules for create_task", func(context.Context) (any, error) {
		return s.taskSchema(), nil
	})
	s.addJSONResource(URIProviders, "available_providers", "Configured generation providers and their default models", func(context.Context) (any, error) {
		return map[string]any{"providers": s.providers}, nil
	})
	s.addJSONResource(URIStats, "task_stats", "Task counts by status", func(ctx context.Context) (any, error) {
		counts, err := s.tasks.Stats(ctx)
		if err != nil {
			return nil, err
		}
		var total int64
		byStatus := make(map[string]int64, len(counts))
		for st, n := range counts {
			byStatus[string(st)] = n
			total += n
		}
		return map[string]any{"total": total, "by_status": byStatus}, nil
	})
}

func (s *Server) addJSONResource(uri, name, description string, load func(context.Context) (any, error)) {
	s.server.AddResource(&mcp.Resource{
		URI:         uri,
		Name:        name,
		Description: description,
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		v, err := load(ctx)
		if err != nil {
			s.logger.Error("resource read failed", "uri", uri, "error", err)
			return nil, fmt.Errorf("read %s: %w", uri, err)
		}
		body, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(body),
		}}}, nil
	})
}

type statusInfo struct {
	Status      models.TaskStatus `json:"status"`
	Description string            `json:"description"`
	Terminal    bool              `json:"terminal"`
}

func statusDescriptions() map[string]any {
	desc := map[models.TaskStatus]string{
		models.StatusPending:    "Accepted and queued; no worker has started it yet.",
		models.StatusProcessing: "A worker owns the task and is calling the provider.",
		models.StatusCompleted:  "Finished; the result field holds the generated text.",
		models.StatusFailed:     "Finished unsuccessfully; the result field describes the failure.",
	}
	out := make([]statusInfo, 0, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		out = append(out, statusInfo{Status: st, Description: desc[st], Terminal: st.Terminal()})
	}
	return map[string]any{
		"statuses":    out,
		"transitions": []string{"PENDING -> PROCESSING", "PROCESSING -> COMPLETED", "PROCESSING -> FAILED"},
	}
}

func (s *Server) taskSchema() map[string]any {
	limits := s.tasks.Limits()
	providers := make([]string, 0, len(s.providers))
	for _, p := range s.providers {
		providers = append(providers, p.Name)
	}
	provider := map[string]any{"type": "string", "maxLength": 50}
	if len(providers) > 0 {
		provider["enum"] = providers
	}
	return map[string]any{
		"type":     "object",
		"required": []string{"prompt"},
		"properties": map[string]any{
			"prompt":   map[string]any{"type": "string", "minLength": 1, "maxLength": limits.MaxPromptLength},
			"model":    map[string]any{"type": "string", "maxLength": 100},
			"provider": provider,
			"priority": map[string]any{"type": "integer", "minimum": 1, "maximum": 10, "default": limits.DefaultPriority},
		},
		"list_limits": map[string]int{"default": limits.DefaultListLimit, "max": limits.MaxListLimit},
	}
}
