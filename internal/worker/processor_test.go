package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
	"github.com/lcksfa/async-ai-task-runner/internal/queue"
	"github.com/lcksfa/async-ai-task-runner/internal/store"
	"github.com/lcksfa/async-ai-task-runner/internal/store/storetest"
)

const testVisibility = 30 * time.Second

type harness struct {
	t     *testing.T
	queue *queue.RedisQueue
	store *storetest.MemoryStore
	reg   *provider.Registry
	proc  *Processor
	calls atomic.Int32
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, regOpts provider.Options, gen provider.GeneratorFunc) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		t:     t,
		queue: queue.NewWithClient(client, []string{"high", "default", "low"}, testVisibility),
		store: storetest.NewMemoryStore(),
	}
	if regOpts.Timeout == 0 {
		regOpts.Timeout = 5 * time.Second
	}
	h.reg = provider.NewRegistry("alpha", regOpts, quietLogger())
	h.reg.Register("alpha", "openai", "a-1", provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (string, error) {
		h.calls.Add(1)
		return gen(ctx, req)
	}))
	h.proc = NewProcessor("w-1", h.queue, h.store, h.reg, nil, Options{
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, quietLogger())
	return h
}

func (h *harness) submit(prompt string) models.Task {
	h.t.Helper()
	ctx := context.Background()
	task, err := h.store.CreateTask(ctx, store.CreateTaskParams{Prompt: prompt, Priority: 5})
	require.NoError(h.t, err)
	require.NoError(h.t, h.queue.Publish(ctx, models.NewWorkItem(task, "", time.Now())))
	require.NoError(h.t, h.store.MarkEnqueued(ctx, task.ID))
	return task
}

func (h *harness) next() *queue.Delivery {
	h.t.Helper()
	d, err := h.queue.Dequeue(context.Background())
	require.NoError(h.t, err)
	require.NotNil(h.t, d)
	return d
}

func (h *harness) task(id int64) models.Task {
	h.t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(h.t, err)
	return task
}

func (h *harness) inFlight() int64 {
	h.t.Helper()
	n, err := h.queue.InFlight(context.Background())
	require.NoError(h.t, err)
	return n
}

func answer(text string) provider.GeneratorFunc {
	return func(context.Context, provider.Request) (string, error) { return text, nil }
}

func TestProcessDeliveryCompletes(t *testing.T) {
	var seen provider.Request
	h := newHarness(t, provider.Options{}, func(_ context.Context, req provider.Request) (string, error) {
		seen = req
		return "Mass attracts mass.", nil
	})
	task := h.submit("Explain gravity")

	require.NoError(t, h.proc.ProcessDelivery(context.Background(), h.next()))

	got := h.task(task.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "Mass attracts mass.", *got.Result)
	require.NotNil(t, got.UpdatedAt)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "Explain gravity", seen.Prompt)
	assert.Equal(t, "a-1", seen.Model)

	assert.Zero(t, h.inFlight(), "delivery acked after persist")
	assert.Equal(t, []string{models.EventCreated, models.EventProcessing, models.EventCompleted}, h.store.EventNames(task.ID))
}

func TestRetryableErrorsExhaustBudget(t *testing.T) {
	h := newHarness(t, provider.Options{}, func(context.Context, provider.Request) (string, error) {
		return "", provider.NewRetryable("alpha", errors.New("503 service unavailable"))
	})
	task := h.submit("p")

	require.NoError(t, h.proc.ProcessDelivery(context.Background(), h.next()))

	assert.Equal(t, int32(3), h.calls.Load(), "exactly MaxAttempts provider calls")
	got := h.task(task.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Result)
	assert.Contains(t, *got.Result, "gave up after 3 attempts")
	assert.Contains(t, *got.Result, "503 service unavailable")
	assert.Equal(t, 3, got.Attempts)
	assert.Zero(t, h.inFlight())

	retries := 0
	for _, name := range h.store.EventNames(task.ID) {
		if name == models.EventRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestRetryThenSuccess(t *testing.T) {
	h := newHarness(t, provider.Options{}, nil)
	var n atomic.Int32
	h.reg.Register("alpha", "openai", "a-1", provider.GeneratorFunc(func(context.Context, provider.Request) (string, error) {
		if n.Add(1) < 3 {
			return "", context.DeadlineExceeded
		}
		return "third time lucky", nil
	}))
	task := h.submit("p")

	require.NoError(t, h.proc.ProcessDelivery(context.Background(), h.next()))

	got := h.task(task.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "third time lucky", *got.Result)
	assert.Equal(t, int32(3), n.Load())
}

func TestFatalErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, provider.Options{}, func(context.Context, provider.Request) (string, error) {
		return "", &provider.Error{Provider: "alpha", Class: provider.Fatal, StatusCode: 401, Err: errors.New("invalid api key")}
	})
	task := h.submit("p")

	require.NoError(t, h.proc.ProcessDelivery(context.Background(), h.next()))

	assert.Equal(t, int32(1), h.calls.Load())
	got := h.task(task.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(*got.Result, "request rejected"), *got.Result)
	assert.Contains(t, *got.Result, "invalid api key")
}

func TestUnknownProviderFailsFatally(t *testing.T) {
	h := newHarness(t, provider.Options{}, answer("never"))
	ctx := context.Background()
	gamma := "gamma"
	task, err := h.store.CreateTask(ctx, store.CreateTaskParams{Prompt: "p", Provider: &gamma, Priority: 1})
	require.NoError(t, err)
	require.NoError(t, h.queue.Publish(ctx, models.NewWorkItem(task, "", time.Now())))

	require.NoError(t, h.proc.ProcessDelivery(ctx, h.next()))

	assert.Zero(t, h.calls.Load())
	got := h.task(task.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, *got.Result, "gamma")
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	h := newHarness(t, provider.Options{}, answer("once"))
	task := h.submit("p")
	ctx := context.Background()

	require.NoError(t, h.proc.ProcessDelivery(ctx, h.next()))
	require.NoError(t, h.queue.Publish(ctx, models.NewWorkItem(task, "", time.Now())))
	require.NoError(t, h.proc.ProcessDelivery(ctx, h.next()))

	assert.Equal(t, int32(1), h.calls.Load())
	got := h.task(task.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "once", *got.Result)
	assert.Zero(t, h.inFlight())
	assert.Contains(t, h.store.EventNames(task.ID), models.EventDuplicateNoop)
}

func TestBusyTaskDefersDelivery(t *testing.T) {
	h := newHarness(t, provider.Options{}, answer("x"))
	task := h.submit("p")
	ctx := context.Background()

	claim, err := h.store.ClaimTask(ctx, task.ID, "w-other", testVisibility)
	require.NoError(t, err)
	require.Equal(t, store.Claimed, claim.Outcome)

	require.NoError(t, h.proc.ProcessDelivery(ctx, h.next()))

	assert.Zero(t, h.calls.Load())
	assert.Equal(t, models.StatusProcessing, h.task(task.ID).Status)
	assert.Equal(t, int64(1), h.inFlight(), "delivery stays leased until it expires")
}

func TestStaleOwnerIsReclaimed(t *testing.T) {
	h := newHarness(t, provider.Options{}, answer("recovered"))
	task := h.submit("p")
	ctx := context.Background()

	start := time.Now()
	h.store.SetClock(func() time.Time { return start })
	_, err := h.store.ClaimTask(ctx, task.ID, "w-crashed", testVisibility)
	require.NoError(t, err)

	h.store.SetClock(func() time.Time { return start.Add(2 * testVisibility) })
	require.NoError(t, h.proc.ProcessDelivery(ctx, h.next()))

	got := h.task(task.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "recovered", *got.Result)
	assert.Contains(t, h.store.EventNames(task.ID), models.EventReclaimed)
}

func TestCrashedWorkerDeliveryIsRequeued(t *testing.T) {
	h := newHarness(t, provider.Options{}, answer("done"))
	task := h.submit("p")
	ctx := context.Background()

	// A worker leases the item and dies without acking.
	stale := h.next()

	pool := NewPool("w", 1, h.queue, h.store, h.reg, nil, Options{}, quietLogger())
	pool.now = func() time.Time { return time.Now().Add(2 * testVisibility) }
	require.NoError(t, pool.Housekeep(ctx))
	assert.Contains(t, h.store.EventNames(task.ID), models.EventRequeued)

	fresh := h.next()
	assert.Equal(t, 1, fresh.Redeliveries)
	require.NoError(t, h.queue.Ack(ctx, stale))
	assert.Equal(t, int64(1), h.inFlight(), "stale ack must not release the new lease")

	require.NoError(t, h.proc.ProcessDelivery(ctx, fresh))
	assert.Equal(t, models.StatusCompleted, h.task(task.ID).Status)
	assert.Zero(t, h.inFlight())
}

func TestPlaceholderFallbackCompletes(t *testing.T) {
	h := newHarness(t, provider.Options{Placeholder: true}, func(context.Context, provider.Request) (string, error) {
		return "", provider.NewRetryable("alpha", errors.New("connection refused"))
	})
	task := h.submit("Explain gravity")

	require.NoError(t, h.proc.ProcessDelivery(context.Background(), h.next()))

	assert.Equal(t, int32(3), h.calls.Load())
	got := h.task(task.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.True(t, provider.IsPlaceholder(*got.Result))
	assert.Contains(t, *got.Result, "Explain gravity")
	assert.Contains(t, h.store.EventNames(task.ID), models.EventFallback)
}

func TestEmptyRegistryUsesPlaceholder(t *testing.T) {
	for _, placeholder := range []bool{true, false} {
		h := newHarness(t, provider.Options{}, answer("never"))
		empty := provider.NewRegistry("deepseek", provider.Options{Placeholder: placeholder}, quietLogger())
		h.proc = NewProcessor("w-1", h.queue, h.store, empty, nil, Options{MaxAttempts: 3, BackoffInitial: time.Millisecond}, quietLogger())
		task := h.submit("Explain gravity")

		require.NoError(t, h.proc.ProcessDelivery(context.Background(), h.next()))

		got := h.task(task.ID)
		require.NotNil(t, got.Result)
		assert.Contains(t, *got.Result, "no providers configured")
		assert.Equal(t, 1, got.Attempts)
		if placeholder {
			assert.Equal(t, models.StatusCompleted, got.Status)
			assert.True(t, provider.IsPlaceholder(*got.Result))
			assert.Contains(t, h.store.EventNames(task.ID), models.EventFallback)
		} else {
			assert.Equal(t, models.StatusFailed, got.Status)
			assert.True(t, strings.HasPrefix(*got.Result, "request rejected"), *got.Result)
		}
		assert.Zero(t, h.inFlight())
	}
}

func TestFatalErrorSkipsFallback(t *testing.T) {
	h := newHarness(t, provider.Options{Placeholder: true}, func(context.Context, provider.Request) (string, error) {
		return "", provider.NewFatal("alpha", provider.ErrBlocked)
	})
	task := h.submit("p")

	require.NoError(t, h.proc.ProcessDelivery(context.Background(), h.next()))

	got := h.task(task.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.False(t, provider.IsPlaceholder(*got.Result))
}

func TestPanicIsIsolated(t *testing.T) {
	h := newHarness(t, provider.Options{}, func(context.Context, provider.Request) (string, error) {
		panic("nil map write")
	})
	task := h.submit("p")

	require.NoError(t, h.proc.ProcessDelivery(context.Background(), h.next()))

	got := h.task(task.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "internal error", *got.Result)
	assert.Zero(t, h.inFlight())
}

func TestOwnershipLostDiscardsResult(t *testing.T) {
	h := newHarness(t, provider.Options{}, nil)
	var taskID int64
	h.reg.Register("alpha", "openai", "a-1", provider.GeneratorFunc(func(ctx context.Context, _ provider.Request) (string, error) {
		later := time.Now().Add(2 * testVisibility)
		h.store.SetClock(func() time.Time { return later })
		res, err := h.store.ClaimTask(ctx, taskID, "w-intruder", testVisibility)
		require.NoError(t, err)
		require.Equal(t, store.Reclaimed, res.Outcome)
		return "late answer", nil
	}))
	task := h.submit("p")
	taskID = task.ID

	require.NoError(t, h.proc.ProcessDelivery(context.Background(), h.next()))

	got := h.task(task.ID)
	assert.Equal(t, models.StatusProcessing, got.Status, "the new owner decides the outcome")
	assert.Nil(t, got.Result)
	assert.Contains(t, h.store.EventNames(task.ID), models.EventOwnershipLost)
	assert.Zero(t, h.inFlight())
}

func TestShutdownLeavesDeliveryLeased(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, provider.Options{}, func(ctx context.Context, _ provider.Request) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	task := h.submit("p")
	d := h.next()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.proc.ProcessDelivery(ctx, d) }()
	<-started
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StatusProcessing, h.task(task.ID).Status)
	assert.Equal(t, int64(1), h.inFlight())
}

func TestStatusNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, provider.Options{}, answer("ok"))
	task := h.submit("p")
	ctx := context.Background()

	observed := []models.TaskStatus{h.task(task.ID).Status}
	require.NoError(t, h.proc.ProcessDelivery(ctx, h.next()))
	observed = append(observed, h.task(task.ID).Status)
	require.NoError(t, h.queue.Publish(ctx, models.NewWorkItem(task, "", time.Now())))
	require.NoError(t, h.proc.ProcessDelivery(ctx, h.next()))
	observed = append(observed, h.task(task.ID).Status)

	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, slices.Index(models.AllStatuses, observed[i]), slices.Index(models.AllStatuses, observed[i-1]),
			"%s after %s", observed[i], observed[i-1])
	}
}
