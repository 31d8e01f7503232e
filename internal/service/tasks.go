// Package service holds the Submission Gateway and the read-only Query
// Surface. HTTP and MCP front-ends are thin adapters over Tasks.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lcksfa/async-ai-task-runner/internal/config"
	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/store"
	"github.com/lcksfa/async-ai-task-runner/internal/telemetry"
)

// Store is the persistence the gateway and query surface need.
type Store interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, error)
	GetTask(ctx context.Context, id int64) (models.Task, error)
	ListTasks(ctx context.Context, p store.ListParams) ([]models.Task, error)
	MarkEnqueued(ctx context.Context, id int64) error
	CountByStatus(ctx context.Context) (map[models.TaskStatus]int64, error)
	AppendEvent(ctx context.Context, taskID int64, event, detail string) error
	ListEvents(ctx context.Context, taskID int64) ([]models.TaskEvent, error)
}

// Publisher hands work items to the queue.
type Publisher interface {
	Publish(ctx context.Context, item models.WorkItem) error
}

// Options bound what the gateway accepts.
type Options struct {
	MaxPromptLength  int
	DefaultPriority  int
	DefaultListLimit int
	MaxListLimit     int
	// Providers, when non-empty, is the closed set of accepted provider names.
	Providers []string
}

// OptionsFromConfig derives gateway options from process config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxPromptLength:  cfg.MaxPromptLength,
		DefaultPriority:  cfg.DefaultPriority,
		DefaultListLimit: cfg.DefaultListLimit,
		MaxListLimit:     cfg.MaxListLimit,
		Providers:        cfg.EnabledProviders(),
	}
}

// SubmitRequest is a new task as submitted by a caller.
type SubmitRequest struct {
	Prompt   string  `json:"prompt" validate:"required"`
	Model    *string `json:"model,omitempty" validate:"omitempty,max=100"`
	Provider *string `json:"provider,omitempty" validate:"omitempty,max=50"`
	Priority *int    `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`
}

// ListRequest filters a listing. Status is case-insensitive; empty lists all.
type ListRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Tasks implements submission and queries over a task store and a queue.
type Tasks struct {
	store    Store
	pub      Publisher
	opts     Options
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewTasks wires the gateway. pub may be nil for read-only use.
func NewTasks(st Store, pub Publisher, opts Options, logger *slog.Logger) *Tasks {
	if opts.MaxPromptLength <= 0 {
		opts.MaxPromptLength = 1000
	}
	if opts.DefaultPriority <= 0 {
		opts.DefaultPriority = 1
	}
	if opts.MaxListLimit <= 0 {
		opts.MaxListLimit = 100
	}
	if opts.DefaultListLimit <= 0 || opts.DefaultListLimit > opts.MaxListLimit {
		opts.DefaultListLimit = min(10, opts.MaxListLimit)
	}
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Tasks{store: st, pub: pub, opts: opts, validate: v, logger: logger, now: time.Now}
}

// Providers returns the accepted provider names (empty means any).
func (s *Tasks) Providers() []string {
	return slices.Clone(s.opts.Providers)
}

// Limits exposes the effective bounds for schema descriptions.
func (s *Tasks) Limits() Options {
	return s.opts
}

// Submit validates the request, persists a PENDING task, and publishes a
// work item. A publish failure is logged and counted but not returned: the
// task stays PENDING for the re-enqueue sweep.
func (s *Tasks) Submit(ctx context.Context, req SubmitRequest) (models.Task, error) {
	if err := s.validateSubmit(req); err != nil {
		telemetry.ValidationErrors.Inc()
		return models.Task{}, err
	}

	priority := s.opts.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	task, err := s.store.CreateTask(ctx, store.CreateTaskParams{
		Prompt:   req.Prompt,
		Model:    nonEmpty(req.Model),
		Provider: nonEmpty(req.Provider),
		Priority: priority,
	})
	if err != nil {
		return models.Task{}, fmt.Errorf("create task: %w", err)
	}
	telemetry.TasksSubmitted.Inc()

	log := s.logger.With("task_id", task.ID)
	if s.pub == nil {
		return task, nil
	}
	item := models.NewWorkItem(task, uuid.NewString(), s.now())
	if err := s.pub.Publish(ctx, item); err != nil {
		telemetry.EnqueueFailures.Inc()
		log.Warn("enqueue failed; task left PENDING for re-enqueue sweep", "error", err)
		if evErr := s.store.AppendEvent(ctx, task.ID, models.EventEnqueueFailed, err.Error()); evErr != nil {
			log.Error("append event failed", "error", evErr)
		}
		return task, nil
	}
	telemetry.EnqueueCounter.Inc()
	if err := s.store.MarkEnqueued(ctx, task.ID); err != nil {
		log.Error("mark enqueued failed", "error", err)
	}
	if err := s.store.AppendEvent(ctx, task.ID, models.EventEnqueued, "delivery="+item.DeliveryID); err != nil {
		log.Error("append event failed", "error", err)
	}
	log.Info("task submitted", "priority", task.Priority, "provider", task.ProviderName())
	return task, nil
}

func (s *Tasks) validateSubmit(req SubmitRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return &ValidationError{Field: "request", Message: err.Error()}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return &ValidationError{Field: "prompt", Message: "must not be blank"}
	}
	if n := utf8.RuneCountInString(req.Prompt); n > s.opts.MaxPromptLength {
		return &ValidationError{Field: "prompt", Message: fmt.Sprintf("must be at most %d characters (got %d)", s.opts.MaxPromptLength, n)}
	}
	if req.Provider != nil && *req.Provider != "" && len(s.opts.Providers) > 0 && !slices.Contains(s.opts.Providers, *req.Provider) {
		return &ValidationError{Field: "provider", Message: fmt.Sprintf("unknown provider %q; available: %s", *req.Provider, strings.Join(s.opts.Providers, ", "))}
	}
	return nil
}

func fieldError(fe validator.FieldError) *ValidationError {
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "min":
		msg = "must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.String {
			msg = "must be at most " + fe.Param() + " characters"
		} else {
			msg = "must be at most " + fe.Param()
		}
	default:
		msg = "failed " + fe.Tag() + " validation"
	}
	return &ValidationError{Field: fe.Field(), Message: msg}
}

// Get returns a task by id.
func (s *Tasks) Get(ctx context.Context, id int64) (models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Task{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// List returns tasks newest first.
func (s *Tasks) List(ctx context.Context, req ListRequest) ([]models.Task, error) {
	params := store.ListParams{Limit: req.Limit, Offset: req.Offset}
	if params.Limit == 0 {
		params.Limit = s.opts.DefaultListLimit
	}
	if params.Limit < 1 || params.Limit > s.opts.MaxListLimit {
		return nil, &ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", s.opts.MaxListLimit)}
	}
	if params.Offset < 0 {
		return nil, &ValidationError{Field: "offset", Message: "must not be negative"}
	}
	if req.Status != "" {
		st, err := models.ParseStatus(req.Status)
		if err != nil {
			return nil, &ValidationError{Field: "status", Message: "must be one of PENDING, PROCESSING, COMPLETED, FAILED"}
		}
		params.Status = &st
	}
	return s.store.ListTasks(ctx, params)
}

// Result returns the result text of a COMPLETED task. PENDING and
// PROCESSING tasks yield ErrNotReady; FAILED tasks yield ErrResultUnavailable.
func (s *Tasks) Result(ctx context.Context, id int64) (string, models.Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return "", models.Task{}, err
	}
	switch task.Status {
	case models.StatusCompleted:
		if task.Result == nil {
			return "", task, &StateError{TaskID: id, Status: task.Status, err: ErrNotReady}
		}
		return *task.Result, task, nil
	case models.StatusFailed:
		reason := ""
		if task.Result != nil {
			reason = *task.Result
		}
		return "", task, &StateError{TaskID: id, Status: task.Status, Reason: reason, err: ErrResultUnavailable}
	default:
		return "", task, &StateError{TaskID: id, Status: task.Status, err: ErrNotReady}
	}
}

// Stats counts tasks per status.
func (s *Tasks) Stats(ctx context.Context) (map[models.TaskStatus]int64, error) {
	return s.store.CountByStatus(ctx)
}

// Events returns the audit trail of a task.
func (s *Tasks) Events(ctx context.Context, id int64) ([]models.TaskEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
