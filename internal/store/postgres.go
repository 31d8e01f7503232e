package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
)

// Store wraps pgxpool for Postgres persistence. Every status write is a single
// conditional UPDATE so concurrent workers cannot lose or double-apply a
// transition.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const taskColumns = `id, prompt, model, provider, priority, status, result, attempts,
	progress_percent, progress_message, created_at, updated_at`

// CreateTask inserts a PENDING task and records a created event in the same transaction.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	if p.Priority == 0 {
		p.Priority = 1
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	task, err := scanTask(tx.QueryRow(ctx, `
		INSERT INTO tasks (prompt, model, provider, priority, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+taskColumns,
		p.Prompt, p.Model, p.Provider, p.Priority, models.StatusPending))
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO task_events (task_id, event, detail) VALUES ($1, $2, $3)
	`, task.ID, models.EventCreated, fmt.Sprintf("priority=%d", task.Priority)); err != nil {
		return models.Task{}, fmt.Errorf("insert created event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (models.Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, p ListParams) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{p.Limit, p.Offset}
	if p.Status != nil {
		query += ` WHERE status = $3`
		args = append(args, string(*p.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]models.Task, 0, p.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// MarkEnqueued records that a work item for the task reached the queue.
func (s *Store) MarkEnqueued(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET enqueued_at = NOW() WHERE id = $1 AND enqueued_at IS NULL`, id)
	return err
}

// ListUnqueued returns PENDING tasks that never reached the queue and are older than olderThan.
func (s *Store) ListUnqueued(ctx context.Context, olderThan time.Duration, limit int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND enqueued_at IS NULL AND created_at < NOW() - make_interval(secs => $2)
		ORDER BY created_at
		LIMIT $3
	`, models.StatusPending, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("list unqueued: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ClaimTask moves a task into PROCESSING for owner. A PENDING task is
// claimed; a PROCESSING task whose heartbeat is older than staleAfter is
// reclaimed. Anything else is reported without modification.
func (s *Store) ClaimTask(ctx context.Context, id int64, owner string, staleAfter time.Duration) (ClaimResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var (
		status    string
		prevOwner pgtype.Text
		stale     bool
	)
	err = tx.QueryRow(ctx, `
		SELECT status, owner, COALESCE(heartbeat_at < NOW() - make_interval(secs => $2), TRUE)
		FROM tasks WHERE id = $1
		FOR UPDATE
	`, id, staleAfter.Seconds()).Scan(&status, &prevOwner, &stale)
	if errors.Is(err, pgx.ErrNoRows) {
		return ClaimResult{Outcome: ClaimNotFound}, nil
	}
	if err != nil {
		return ClaimResult{}, fmt.Errorf("lock task %d: %w", id, err)
	}

	res := ClaimResult{PreviousOwner: prevOwner.String}
	switch current := models.TaskStatus(status); {
	case current.Terminal():
		res.Outcome = ClaimTerminal
	case current == models.StatusProcessing && !stale:
		res.Outcome = ClaimBusy
	case current == models.StatusProcessing:
		res.Outcome = Reclaimed
	default:
		res.Outcome = Claimed
	}
	if !res.Acquired() {
		task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
		if err != nil {
			return ClaimResult{}, fmt.Errorf("read task %d: %w", id, err)
		}
		res.Task = task
		return res, nil
	}

	task, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2,
		    owner = $3,
		    heartbeat_at = NOW(),
		    updated_at = CASE WHEN status = $4 THEN NOW() ELSE updated_at END,
		    progress_percent = 0,
		    progress_message = 'claimed'
		WHERE id = $1
		RETURNING `+taskColumns,
		id, models.StatusProcessing, owner, models.StatusPending))
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim task %d: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ClaimResult{}, fmt.Errorf("commit claim: %w", err)
	}
	res.Task = task
	return res, nil
}

// Heartbeat refreshes the owner's claim and optionally publishes progress.
// It returns false when owner no longer holds the task.
func (s *Store) Heartbeat(ctx context.Context, id int64, owner string, progress *models.Progress) (bool, error) {
	var pct pgtype.Int2
	var msg pgtype.Text
	if progress != nil {
		pct = pgtype.Int2{Int16: int16(clampPercent(progress.Percent)), Valid: true}
		msg = pgtype.Text{String: progress.Message, Valid: true}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET heartbeat_at = NOW(),
		    progress_percent = COALESCE($4, progress_percent),
		    progress_message = COALESCE($5, progress_message)
		WHERE id = $1 AND owner = $2 AND status = $3
	`, id, owner, models.StatusProcessing, pct, msg)
	if err != nil {
		return false, fmt.Errorf("heartbeat task %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordAttempt stores the number of provider calls made by the current owner.
func (s *Store) RecordAttempt(ctx context.Context, id int64, owner string, attempt int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET attempts = $4, heartbeat_at = NOW()
		WHERE id = $1 AND owner = $2 AND status = $3
	`, id, owner, models.StatusProcessing, attempt)
	return err
}

// CompleteTask writes the result and COMPLETED status if owner still holds the task.
func (s *Store) CompleteTask(ctx context.Context, id int64, owner, result string) (bool, error) {
	return s.finish(ctx, id, owner, models.StatusCompleted, result)
}

// FailTask writes the failure description and FAILED status if owner still holds the task.
func (s *Store) FailTask(ctx context.Context, id int64, owner, reason string) (bool, error) {
	return s.finish(ctx, id, owner, models.StatusFailed, reason)
}

func (s *Store) finish(ctx context.Context, id int64, owner string, status models.TaskStatus, result string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $3,
		    result = $4,
		    updated_at = NOW(),
		    heartbeat_at = NULL,
		    progress_percent = 100,
		    progress_message = LOWER($3)
		WHERE id = $1 AND owner = $2 AND status = $5
	`, id, owner, status, result, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark task %d %s: %w", id, status, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountByStatus returns the number of tasks per status, zero-filled.
func (s *Store) CountByStatus(ctx context.Context) (map[models.TaskStatus]int64, error) {
	counts := make(map[models.TaskStatus]int64, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, taskID int64, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_events (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

// ListEvents returns a task's audit trail in order.
func (s *Store) ListEvents(ctx context.Context, taskID int64) ([]models.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, event, detail, ts FROM task_events WHERE task_id = $1 ORDER BY ts, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []models.TaskEvent{}
	for rows.Next() {
		var ev models.TaskEvent
		if err := rows.Scan(&ev.TaskID, &ev.Event, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanTask(row pgx.Row) (models.Task, error) {
	var (
		task      models.Task
		status    string
		model     pgtype.Text
		provider  pgtype.Text
		result    pgtype.Text
		pct       pgtype.Int2
		msg       pgtype.Text
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&task.ID, &task.Prompt, &model, &provider, &task.Priority, &status, &result,
		&task.Attempts, &pct, &msg, &task.CreatedAt, &updatedAt); err != nil {
		return models.Task{}, err
	}
	task.Status = models.TaskStatus(status)
	task.Model = textPtr(model)
	task.Provider = textPtr(provider)
	task.Result = textPtr(result)
	if pct.Valid || msg.Valid {
		task.Progress = &models.Progress{Percent: int(pct.Int16), Message: msg.String}
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		task.UpdatedAt = &t
	}
	return task, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
