// Package mcpserver exposes task operations to agents over the Model Context
// Protocol, as tools, resources and prompts.
package mcpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
	"github.com/lcksfa/async-ai-task-runner/internal/service"
)

// TaskService is the submission and query surface the tools adapt.
type TaskService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (models.Task, error)
	Get(ctx context.Context, id int64) (models.Task, error)
	List(ctx context.Context, req service.ListRequest) ([]models.Task, error)
	Result(ctx context.Context, id int64) (string, models.Task, error)
	Stats(ctx context.Context) (map[models.TaskStatus]int64, error)
	Limits() service.Options
}

// Server binds the task service to an MCP server.
type Server struct {
	tasks     TaskService
	providers []provider.Info
	server    *mcp.Server
	logger    *slog.Logger
}

// New registers tools, resources and prompts. providers feeds the
// data://providers/available resource.
func New(tasks TaskService, providers []provider.Info, name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = "async-ai-task-runner"
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		tasks:     tasks,
		providers: providers,
		server:    mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		logger:    logger.With("component", "mcp"),
	}
	s.registerTools()
	s.registerResources()
	s.registerPrompts()
	return s
}

// MCP returns the underlying server, for in-process transports.
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// Handler serves the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
}

// Run serves over stdin/stdout until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server running on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
