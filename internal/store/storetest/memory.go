// Package storetest provides an in-memory task store with the same
// conditional-update semantics as the Postgres store.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/store"
)

type record struct {
	task        models.Task
	owner       string
	heartbeatAt time.Time
	enqueuedAt  *time.Time
}

// MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*record
	events []models.TaskEvent
	clock  func() time.Time

	// FailCreate, when set, is returned by CreateTask.
	FailCreate error
}

// NewMemoryStore returns an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[int64]*record), clock: time.Now}
}

// SetClock replaces the time source used for timestamps and heartbeat staleness.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = now
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateTask(_ context.Context, p store.CreateTaskParams) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate != nil {
		return models.Task{}, m.FailCreate
	}
	if p.Priority == 0 {
		p.Priority = 1
	}
	m.nextID++
	t := models.Task{
		ID:        m.nextID,
		Prompt:    p.Prompt,
		Model:     cloneStr(p.Model),
		Provider:  cloneStr(p.Provider),
		Priority:  p.Priority,
		Status:    models.StatusPending,
		CreatedAt: m.clock().UTC(),
	}
	m.tasks[t.ID] = &record{task: t}
	m.appendLocked(t.ID, models.EventCreated, "")
	return cloneTask(t), nil
}

func (m *MemoryStore) GetTask(_ context.Context, id int64) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[id]
	if !ok {
		return models.Task{}, store.ErrNotFound
	}
	return cloneTask(r.task), nil
}

func (m *MemoryStore) ListTasks(_ context.Context, p store.ListParams) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]models.Task, 0, len(m.tasks))
	for _, r := range m.tasks {
		if p.Status != nil && r.task.Status != *p.Status {
			continue
		}
		all = append(all, cloneTask(r.task))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if p.Offset >= len(all) {
		return []models.Task{}, nil
	}
	all = all[p.Offset:]
	if p.Limit > 0 && len(all) > p.Limit {
		all = all[:p.Limit]
	}
	return all, nil
}

func (m *MemoryStore) MarkEnqueued(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.tasks[id]; ok && r.enqueuedAt == nil {
		now := m.clock()
		r.enqueuedAt = &now
	}
	return nil
}

// Enqueued reports whether MarkEnqueued was recorded for id.
func (m *MemoryStore) Enqueued(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[id]
	return ok && r.enqueuedAt != nil
}

func (m *MemoryStore) ListUnqueued(_ context.Context, olderThan time.Duration, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock().Add(-olderThan)
	var out []models.Task
	for _, r := range m.tasks {
		if r.task.Status == models.StatusPending && r.enqueuedAt == nil && r.task.CreatedAt.Before(cutoff) {
			out = append(out, cloneTask(r.task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimTask(_ context.Context, id int64, owner string, staleAfter time.Duration) (store.ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[id]
	if !ok {
		return store.ClaimResult{Outcome: store.ClaimNotFound}, nil
	}
	now := m.clock()
	res := store.ClaimResult{PreviousOwner: r.owner}
	switch {
	case r.task.Status.Terminal():
		res.Outcome = store.ClaimTerminal
	case r.task.Status == models.StatusProcessing && now.Sub(r.heartbeatAt) <= staleAfter:
		res.Outcome = store.ClaimBusy
	case r.task.Status == models.StatusProcessing:
		res.Outcome = store.Reclaimed
	default:
		res.Outcome = store.Claimed
	}
	if res.Acquired() && models.CanTransition(r.task.Status, models.StatusProcessing) {
		if r.task.Status == models.StatusPending {
			ts := now.UTC()
			r.task.UpdatedAt = &ts
		}
		r.task.Status = models.StatusProcessing
		r.task.Progress = &models.Progress{Percent: 0, Message: "claimed"}
		r.owner = owner
		r.heartbeatAt = now
	}
	res.Task = cloneTask(r.task)
	return res, nil
}

func (m *MemoryStore) Heartbeat(_ context.Context, id int64, owner string, progress *models.Progress) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.held(id, owner)
	if !ok {
		return false, nil
	}
	r.heartbeatAt = m.clock()
	if progress != nil {
		p := *progress
		r.task.Progress = &p
	}
	return true, nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, id int64, owner string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.held(id, owner); ok {
		r.task.Attempts = attempt
		r.heartbeatAt = m.clock()
	}
	return nil
}

func (m *MemoryStore) CompleteTask(_ context.Context, id int64, owner, result string) (bool, error) {
	return m.finish(id, owner, models.StatusCompleted, result), nil
}

func (m *MemoryStore) FailTask(_ context.Context, id int64, owner, reason string) (bool, error) {
	return m.finish(id, owner, models.StatusFailed, reason), nil
}

func (m *MemoryStore) finish(id int64, owner string, status models.TaskStatus, result string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.held(id, owner)
	if !ok || !models.CanTransition(r.task.Status, status) {
		return false
	}
	now := m.clock().UTC()
	r.task.Status = status
	r.task.Result = &result
	r.task.UpdatedAt = &now
	r.task.Progress = &models.Progress{Percent: 100, Message: strings.ToLower(string(status))}
	r.heartbeatAt = time.Time{}
	return true
}

func (m *MemoryStore) held(id int64, owner string) (*record, bool) {
	r, ok := m.tasks[id]
	if !ok || r.owner != owner || r.task.Status != models.StatusProcessing {
		return nil, false
	}
	return r, true
}

func (m *MemoryStore) CountByStatus(context.Context) (map[models.TaskStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.TaskStatus]int64, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	for _, r := range m.tasks {
		counts[r.task.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, taskID int64, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(taskID, event, detail)
	return nil
}

func (m *MemoryStore) appendLocked(taskID int64, event, detail string) {
	m.events = append(m.events, models.TaskEvent{TaskID: taskID, Event: event, Detail: detail, Recorded: m.clock().UTC()})
}

func (m *MemoryStore) ListEvents(_ context.Context, taskID int64) ([]models.TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.TaskEvent{}
	for _, ev := range m.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// EventNames returns the event names recorded for a task, in order.
func (m *MemoryStore) EventNames(taskID int64) []string {
	evs, _ := m.ListEvents(context.Background(), taskID)
	names := make([]string, 0, len(evs))
	for _, ev := range evs {
		names = append(names, ev.Event)
	}
	return names
}

// Len returns the number of stored tasks.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTask(t models.Task) models.Task {
	out := t
	out.Model = cloneStr(t.Model)
	out.Provider = cloneStr(t.Provider)
	out.Result = cloneStr(t.Result)
	if t.UpdatedAt != nil {
		u := *t.UpdatedAt
		out.UpdatedAt = &u
	}
	if t.Progress != nil {
		p := *t.Progress
		out.Progress = &p
	}
	return out
}
