package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
	"github.com/lcksfa/async-ai-task-runner/internal/ratelimit"
	"github.com/lcksfa/async-ai-task-runner/internal/service"
	"github.com/lcksfa/async-ai-task-runner/internal/telemetry"
)

// TaskService is the submission and query surface behind the HTTP routes.
type TaskService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (models.Task, error)
	Get(ctx context.Context, id int64) (models.Task, error)
	List(ctx context.Context, req service.ListRequest) ([]models.Task, error)
	Result(ctx context.Context, id int64) (string, models.Task, error)
	Stats(ctx context.Context) (map[models.TaskStatus]int64, error)
	Events(ctx context.Context, id int64) ([]models.TaskEvent, error)
}

// Pinger is a dependency reported by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries the optional collaborators of the server.
type Options struct {
	AppName   string
	Version   string
	Limiter   ratelimit.Limiter
	MCP       http.Handler
	Checks    map[string]Pinger
	Providers []provider.Info
}

// Server wires HTTP handlers for the task API.
type Server struct {
	tasks  TaskService
	opts   Options
	logger *slog.Logger
}

// New constructs the API server.
func New(tasks TaskService, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{tasks: tasks, opts: opts, logger: logger.With("component", "api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	if s.opts.MCP != nil {
		r.Handle("/mcp", s.opts.MCP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.rateLimit).Post("/tasks", s.handleCreate)
		r.Get("/tasks", s.handleList)
		r.Get("/tasks/{id}", s.handleGet)
		r.Get("/tasks/{id}/result", s.handleResult)
		r.Get("/tasks/{id}/events", s.handleEvents)
		r.Get("/stats", s.handleStats)
		r.Get("/providers", s.handleProviders)
	})
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.opts.Limiter == nil {
		return next
	}
	return ratelimit.Middleware(s.opts.Limiter, ratelimit.ClientKey, s.logger, telemetry.RateLimitRejects.Inc)(next)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be a JSON object: "+err.Error())
		return
	}
	task, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/tasks/%d", task.ID))
	writeJSON(w, http.StatusCreated, task)
}

type listResponse struct {
	Tasks  []models.Task `json:"tasks"`
	Count  int           `json:"count"`
	Limit  int           `json:"limit,omitempty"`
	Offset int           `json:"offset,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.ListRequest{Status: q.Get("status")}
	var err error
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit: must be an integer")
		return
	}
	if req.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset: must be an integer")
		return
	}
	tasks, err := s.tasks.List(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks, Count: len(tasks), Limit: req.Limit, Offset: req.Offset})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type resultResponse struct {
	TaskID int64             `json:"task_id"`
	Status models.TaskStatus `json:"status"`
	Result string            `json:"result"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	text, task, err := s.tasks.Result(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{TaskID: task.ID, Status: task.Status, Result: text})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	events, err := s.tasks.Events(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.tasks.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	providers := s.opts.Providers
	if providers == nil {
		providers = []provider.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

type healthResponse struct {
	Status  string            `json:"status"`
	App     string            `json:"app,omitempty"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := healthResponse{Status: "ok", App: s.opts.AppName, Version: s.opts.Version, Checks: map[string]string{}}
	code := http.StatusOK
	for name, dep := range s.opts.Checks {
		if err := dep.Ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, code, resp)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "TASK_NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrNotReady):
		writeError(w, http.StatusConflict, "TASK_NOT_READY", err.Error())
	case errors.Is(err, service.ErrResultUnavailable):
		msg := err.Error()
		var se *service.StateError
		if errors.As(err, &se) && se.Reason != "" {
			msg = "task failed: " + se.Reason
		}
		writeError(w, http.StatusConflict, "TASK_FAILED", msg)
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "id: must be a positive integer")
		return 0, false
	}
	return id, true
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Code: errCode, Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
