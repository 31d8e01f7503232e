package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lcksfa/async-ai-task-runner/internal/archive"
	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/telemetry"
)

// Pool supervises N processors plus queue housekeeping and the re-enqueue sweep.
type Pool struct {
	processors []*Processor
	queue      Queue
	store      Store
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// NewPool creates concurrency processors named <baseID>-<n>.
func NewPool(baseID string, concurrency int, q Queue, st Store, providers Providers, up archive.Uploader, opts Options, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if baseID == "" {
		baseID = DefaultWorkerID()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	opts = opts.withDefaults()
	pool := &Pool{queue: q, store: st, opts: opts, logger: logger, now: time.Now}
	for i := 0; i < concurrency; i++ {
		id := fmt.Sprintf("%s-%d", baseID, i)
		pool.processors = append(pool.processors, NewProcessor(id, q, st, providers, up, opts, logger))
	}
	return pool
}

// DefaultWorkerID derives an owner id from the hostname and pid, falling back
// to a random id.
func DefaultWorkerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return "worker-" + uuid.NewString()[:8]
}

// Run blocks until ctx is cancelled or a loop fails.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, proc := range p.processors {
		g.Go(func() error { return proc.Run(gctx) })
	}
	g.Go(func() error { return p.every(gctx, p.opts.PollInterval, "housekeeping", p.Housekeep) })
	g.Go(func() error { return p.every(gctx, p.opts.SweepInterval, "sweep", p.sweepTick) })
	ids := make([]string, 0, len(p.processors))
	for _, proc := range p.processors {
		ids = append(ids, proc.ID())
	}
	p.logger.Info("worker pool started", "processors", ids,
		"max_attempts", p.opts.MaxAttempts, "sweep_interval", p.opts.SweepInterval)
	return g.Wait()
}

func (p *Pool) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn(name+" failed", "error", err)
		}
	}
}

// Housekeep returns expired leases to their lanes and refreshes gauges.
func (p *Pool) Housekeep(ctx context.Context) error {
	items, err := p.queue.RequeueExpired(ctx, p.now(), int64(p.opts.ReclaimBatch))
	if err != nil {
		return fmt.Errorf("requeue expired: %w", err)
	}
	for _, item := range items {
		telemetry.LeaseRequeued.Inc()
		p.logger.Warn("lease expired; delivery requeued", "task_id", item.TaskID, "delivery_id", item.DeliveryID)
		if err := p.store.AppendEvent(ctx, item.TaskID, models.EventRequeued, "lease expired"); err != nil {
			p.logger.Warn("append event failed", "task_id", item.TaskID, "error", err)
		}
	}

	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if n, err := p.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(n))
	}
	if counts, err := p.store.CountByStatus(ctx); err == nil {
		for status, n := range counts {
			telemetry.StatusGauge.WithLabelValues(string(status)).Set(float64(n))
		}
	}
	return nil
}

func (p *Pool) sweepTick(ctx context.Context) error {
	_, err := p.Sweep(ctx)
	return err
}

// Sweep re-publishes PENDING tasks whose original enqueue never happened.
func (p *Pool) Sweep(ctx context.Context) (int, error) {
	tasks, err := p.store.ListUnqueued(ctx, p.opts.SweepGrace, p.opts.ReclaimBatch)
	if err != nil {
		return 0, fmt.Errorf("list unqueued: %w", err)
	}
	published := 0
	for _, t := range tasks {
		item := models.NewWorkItem(t, uuid.NewString(), p.now())
		if err := p.queue.Publish(ctx, item); err != nil {
			return published, fmt.Errorf("publish task %d: %w", t.ID, err)
		}
		if err := p.store.MarkEnqueued(ctx, t.ID); err != nil {
			p.logger.Warn("mark enqueued failed", "task_id", t.ID, "error", err)
		}
		if err := p.store.AppendEvent(ctx, t.ID, models.EventEnqueued, "sweep delivery="+item.DeliveryID); err != nil {
			p.logger.Warn("append event failed", "task_id", t.ID, "error", err)
		}
		telemetry.SweepRequeued.Inc()
		published++
	}
	if published > 0 {
		p.logger.Info("sweep re-enqueued tasks", "count", published)
	}
	return published, nil
}
