package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
	"github.com/lcksfa/async-ai-task-runner/internal/store"
)

func TestSweepRepublishesUnqueuedTasks(t *testing.T) {
	h := newHarness(t, provider.Options{}, answer("x"))
	ctx := context.Background()

	start := time.Now()
	h.store.SetClock(func() time.Time { return start })
	orphan, err := h.store.CreateTask(ctx, store.CreateTaskParams{Prompt: "lost publish", Priority: 9})
	require.NoError(t, err)
	queued := h.submit("normal")

	pool := NewPool("w", 1, h.queue, h.store, h.reg, nil, Options{SweepGrace: time.Minute}, quietLogger())

	n, err := pool.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "tasks inside the grace period are left alone")

	h.store.SetClock(func() time.Time { return start.Add(2 * time.Minute) })
	n, err = pool.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.store.Enqueued(orphan.ID))
	assert.Contains(t, h.store.EventNames(orphan.ID), models.EventEnqueued)
	assert.NotContains(t, h.store.EventNames(queued.ID), models.EventEnqueued)

	d := h.next()
	assert.Equal(t, orphan.ID, d.Item.TaskID, "priority 9 lands in the high lane")
	assert.Equal(t, "lost publish", d.Item.Prompt)

	n, err = pool.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPoolRunDrainsQueue(t *testing.T) {
	h := newHarness(t, provider.Options{}, answer("done"))
	var ids []int64
	for i := 0; i < 8; i++ {
		ids = append(ids, h.submit("p").ID)
	}

	pool := NewPool("w", 3, h.queue, h.store, h.reg, nil, Options{
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, quietLogger())
	require.Len(t, pool.processors, 3)
	assert.Equal(t, "w-2", pool.processors[2].ID())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := h.store.CountByStatus(context.Background())
		return err == nil && counts[models.StatusCompleted] == int64(len(ids))
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	err := <-errCh
	assert.True(t, errors.Is(err, context.Canceled), "unexpected pool error: %v", err)
	assert.Equal(t, int32(len(ids)), h.calls.Load(), "each task executed once")
	assert.Zero(t, h.inFlight())
}

func TestDefaultWorkerID(t *testing.T) {
	assert.NotEmpty(t, DefaultWorkerID())
}
