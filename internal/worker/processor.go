package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lcksfa/async-ai-task-runner/internal/archive"
	"github.com/lcksfa/async-ai-task-runner/internal/config"
	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
	"github.com/lcksfa/async-ai-task-runner/internal/queue"
	"github.com/lcksfa/async-ai-task-runner/internal/store"
	"github.com/lcksfa/async-ai-task-runner/internal/telemetry"
)

// Queue is the broker contract the worker consumes.
type Queue interface {
	Publish(ctx context.Context, item models.WorkItem) error
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	ExtendLease(ctx context.Context, d *queue.Delivery, extension time.Duration) (bool, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]models.WorkItem, error)
	ReadyDepth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
	VisibilityTimeout() time.Duration
}

// Store is the slice of the Task Record Store the worker writes through.
type Store interface {
	ClaimTask(ctx context.Context, id int64, owner string, staleAfter time.Duration) (store.ClaimResult, error)
	Heartbeat(ctx context.Context, id int64, owner string, progress *models.Progress) (bool, error)
	RecordAttempt(ctx context.Context, id int64, owner string, attempt int) error
	CompleteTask(ctx context.Context, id int64, owner, result string) (bool, error)
	FailTask(ctx context.Context, id int64, owner, reason string) (bool, error)
	ListUnqueued(ctx context.Context, olderThan time.Duration, limit int) ([]models.Task, error)
	MarkEnqueued(ctx context.Context, id int64) error
	CountByStatus(ctx context.Context) (map[models.TaskStatus]int64, error)
	AppendEvent(ctx context.Context, taskID int64, event, detail string) error
}

// Providers is the generation surface; *provider.Registry implements it.
type Providers interface {
	Resolve(name string) (string, error)
	Generate(ctx context.Context, name string, req provider.Request) (provider.Result, error)
	Fallback(ctx context.Context, failed string, req provider.Request, cause error) (provider.Result, error)
}

// Options tune the execution loop.
type Options struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	PollInterval   time.Duration
	ReclaimBatch   int
	SweepInterval  time.Duration
	SweepGrace     time.Duration
}

// OptionsFromConfig copies worker settings out of process config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		PollInterval:   cfg.WorkerPollInterval,
		ReclaimBatch:   cfg.ReclaimBatchSize,
		SweepInterval:  cfg.SweepInterval,
		SweepGrace:     cfg.SweepGrace,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.ReclaimBatch <= 0 {
		o.ReclaimBatch = 100
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.SweepGrace <= 0 {
		o.SweepGrace = time.Minute
	}
	return o
}

// errInternal is stored for executions that panicked.
var errInternal = errors.New("internal error")

// Processor is one single-threaded execution loop: one task in flight at a time.
type Processor struct {
	id        string
	queue     Queue
	store     Store
	providers Providers
	archive   archive.Uploader
	opts      Options
	logger    *slog.Logger
}

// NewProcessor builds an execution loop. up may be nil.
func NewProcessor(id string, q Queue, st Store, providers Providers, up archive.Uploader, opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		id:        id,
		queue:     q,
		store:     st,
		providers: providers,
		archive:   up,
		opts:      opts.withDefaults(),
		logger:    logger.With("worker_id", id),
	}
}

// ID is the owner token this processor claims tasks with.
func (p *Processor) ID() string {
	return p.id
}

// Run consumes deliveries until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("processor started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("dequeue failed", "error", err)
			}
			if err := sleepCtx(ctx, p.opts.PollInterval); err != nil {
				return err
			}
			continue
		}
		if d == nil {
			if err := sleepCtx(ctx, p.opts.PollInterval); err != nil {
				return err
			}
			continue
		}

		if err := p.ProcessDelivery(ctx, d); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("delivery left for redelivery", "task_id", d.Item.TaskID, "error", err)
		}
	}
}

// ProcessDelivery executes one delivery to a persisted terminal state and acks
// it. A non-nil error means the delivery was not acked and will be
// redelivered once its lease expires.
func (p *Processor) ProcessDelivery(ctx context.Context, d *queue.Delivery) error {
	item := d.Item
	log := p.logger.With("task_id", item.TaskID, "delivery_id", item.DeliveryID, "redeliveries", d.Redeliveries)

	claim, err := p.store.ClaimTask(ctx, item.TaskID, p.id, p.queue.VisibilityTimeout())
	if err != nil {
		return fmt.Errorf("claim task %d: %w", item.TaskID, err)
	}

	switch claim.Outcome {
	case store.ClaimNotFound:
		log.Warn("work item references unknown task; dropping")
		return p.ack(ctx, d, log)
	case store.ClaimTerminal:
		telemetry.DuplicateNoops.Inc()
		log.Info("task already terminal; duplicate delivery", "status", claim.Task.Status)
		p.event(ctx, item.TaskID, models.EventDuplicateNoop, "status="+string(claim.Task.Status), log)
		return p.ack(ctx, d, log)
	case store.ClaimBusy:
		// The current owner is alive. Leave this delivery unacked so it comes
		// back after the lease; by then the owner has finished or gone stale.
		telemetry.DuplicateNoops.Inc()
		log.Info("task held by live owner; deferring delivery", "owner", claim.PreviousOwner)
		return nil
	case store.Reclaimed:
		telemetry.WorkerReclaimed.Inc()
		log.Warn("reclaimed stale task", "previous_owner", claim.PreviousOwner)
		p.event(ctx, item.TaskID, models.EventReclaimed, "previous_owner="+claim.PreviousOwner+" owner="+p.id, log)
	case store.Claimed:
		p.event(ctx, item.TaskID, models.EventProcessing, "owner="+p.id, log)
	}

	execCtx, cancelExec := context.WithCancelCause(ctx)
	defer cancelExec(nil)
	stopKeeper := p.keepLease(execCtx, d, cancelExec, log)

	res, execErr := p.safeExecute(execCtx, item, log)
	stopKeeper()

	if ctx.Err() != nil && execErr != nil {
		log.Info("shutdown interrupted task; leaving delivery for redelivery")
		return ctx.Err()
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return p.persist(persistCtx, d, res, execErr, log)
}

func (p *Processor) persist(ctx context.Context, d *queue.Delivery, res provider.Result, execErr error, log *slog.Logger) error {
	id := d.Item.TaskID
	var (
		ok  bool
		err error
	)
	if execErr == nil {
		ok, err = p.store.CompleteTask(ctx, id, p.id, res.Text)
	} else {
		ok, err = p.store.FailTask(ctx, id, p.id, failureReason(execErr))
	}
	if err != nil {
		return fmt.Errorf("persist task %d: %w", id, err)
	}
	if !ok {
		log.Warn("ownership lost before terminal write; result discarded")
		p.event(ctx, id, models.EventOwnershipLost, "owner="+p.id, log)
		return p.ack(ctx, d, log)
	}

	if execErr != nil {
		telemetry.WorkerFailures.Inc()
		log.Warn("task failed", "error", execErr)
		p.event(ctx, id, models.EventFailed, failureReason(execErr), log)
		return p.ack(ctx, d, log)
	}

	telemetry.WorkerSuccess.Inc()
	if res.Fallback != "" {
		p.event(ctx, id, models.EventFallback, res.Fallback+" provider="+res.Provider, log)
	}
	p.event(ctx, id, models.EventCompleted, "provider="+res.Provider+" model="+res.Model, log)
	log.Info("task completed", "provider", res.Provider, "model", res.Model, "fallback", res.Fallback)
	p.archiveResult(ctx, id, res.Text, log)
	return p.ack(ctx, d, log)
}

func (p *Processor) archiveResult(ctx context.Context, id int64, text string, log *slog.Logger) {
	if p.archive == nil {
		return
	}
	loc, err := p.archive.Upload(ctx, archive.ResultKey(id), []byte(text), "text/plain; charset=utf-8")
	if err != nil {
		telemetry.ArchiveFailures.Inc()
		log.Warn("result archive failed", "error", err)
		return
	}
	p.event(ctx, id, models.EventResultArchived, loc, log)
}

// keepLease extends the queue lease and refreshes the store heartbeat every
// visibility/3 until the returned stop func is called. Losing the store
// heartbeat cancels execution.
func (p *Processor) keepLease(ctx context.Context, d *queue.Delivery, cancel context.CancelCauseFunc, log *slog.Logger) func() {
	vis := p.queue.VisibilityTimeout()
	interval := vis / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if ok, err := p.queue.ExtendLease(ctx, d, vis); err != nil {
				log.Warn("extend lease failed", "error", err)
			} else if !ok {
				log.Warn("queue lease already released")
			}
			held, err := p.store.Heartbeat(ctx, d.Item.TaskID, p.id, nil)
			if err != nil {
				log.Warn("heartbeat failed", "error", err)
				continue
			}
			if !held {
				cancel(errOwnershipLost)
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

var errOwnershipLost = errors.New("task ownership lost")

func (p *Processor) safeExecute(ctx context.Context, item models.WorkItem, log *slog.Logger) (res provider.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.WorkerPanics.Inc()
			log.Error("task execution panicked", "panic", r, "stack", string(debug.Stack()))
			res, err = provider.Result{}, errInternal
		}
	}()
	return p.execute(ctx, item, log)
}

// execute calls the provider with retries inside this delivery. Retryable
// failures back off and try again up to the attempt budget, then fallback is
// consulted. Fatal failures stop immediately.
func (p *Processor) execute(ctx context.Context, item models.WorkItem, log *slog.Logger) (provider.Result, error) {
	req := provider.Request{Prompt: item.Prompt, Model: item.Model}
	budget := p.opts.MaxAttempts

	for attempt := 1; ; attempt++ {
		alog := log.With("attempt", attempt, "provider", item.Provider)
		if err := p.store.RecordAttempt(ctx, item.TaskID, p.id, attempt); err != nil {
			alog.Warn("record attempt failed", "error", err)
		}
		p.progress(ctx, item.TaskID, 10+80*(attempt-1)/budget, fmt.Sprintf("generating (attempt %d/%d)", attempt, budget), alog)

		res, err := p.providers.Generate(ctx, item.Provider, req)
		if err == nil {
			p.progress(ctx, item.TaskID, 95, "saving result", alog)
			return res, nil
		}
		if ctx.Err() != nil {
			if cause := context.Cause(ctx); cause != nil {
				return provider.Result{}, cause
			}
			return provider.Result{}, ctx.Err()
		}

		class := provider.Classify(err)
		switch decide(class, attempt, budget) {
		case actionRetry:
			wait := backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, attempt)
			telemetry.WorkerRetries.Inc()
			alog.Warn("provider call failed; retrying", "error", err, "backoff", wait)
			p.event(ctx, item.TaskID, models.EventRetry, fmt.Sprintf("attempt=%d backoff=%s error=%v", attempt, wait, err), alog)
			if err := sleepCtx(ctx, wait); err != nil {
				return provider.Result{}, err
			}
		case actionExhausted:
			failed, _ := p.providers.Resolve(item.Provider)
			return p.fallback(ctx, failed, req, err, fmt.Errorf("gave up after %d attempts: %w", attempt, err), alog)
		default:
			if errors.Is(err, provider.ErrNoProviders) {
				return p.fallback(ctx, "", req, err, err, alog)
			}
			return provider.Result{}, err
		}
	}
}

// fallback returns the registry's fallback result, or failure when there is none.
func (p *Processor) fallback(ctx context.Context, failed string, req provider.Request, cause, failure error, log *slog.Logger) (provider.Result, error) {
	fb, err := p.providers.Fallback(ctx, failed, req, cause)
	if err == nil {
		log.Warn("no provider answered; using fallback", "fallback", fb.Fallback, "fallback_provider", fb.Provider, "cause", cause)
		return fb, nil
	}
	if !errors.Is(err, provider.ErrNoFallback) {
		log.Warn("fallback failed", "error", err)
	}
	return provider.Result{}, failure
}

func (p *Processor) progress(ctx context.Context, id int64, percent int, msg string, log *slog.Logger) {
	if _, err := p.store.Heartbeat(ctx, id, p.id, &models.Progress{Percent: percent, Message: msg}); err != nil {
		log.Warn("progress update failed", "error", err)
	}
}

func (p *Processor) event(ctx context.Context, id int64, name, detail string, log *slog.Logger) {
	if err := p.store.AppendEvent(ctx, id, name, detail); err != nil {
		log.Warn("append event failed", "event", name, "error", err)
	}
}

func (p *Processor) ack(ctx context.Context, d *queue.Delivery, log *slog.Logger) error {
	if err := p.queue.Ack(ctx, d); err != nil {
		log.Warn("ack failed; delivery will be redelivered as a no-op", "error", err)
	}
	return nil
}

// failureReason renders the human-readable text stored on a FAILED task.
func failureReason(err error) string {
	if errors.Is(err, errInternal) {
		return "internal error"
	}
	if provider.Classify(err) == provider.Fatal {
		return "request rejected: " + err.Error()
	}
	if msg := err.Error(); msg != "" {
		return "task failed: " + msg
	}
	return "task failed"
}
