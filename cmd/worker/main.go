package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lcksfa/async-ai-task-runner/internal/archive"
	"github.com/lcksfa/async-ai-task-runner/internal/config"
	"github.com/lcksfa/async-ai-task-runner/internal/logger"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
	"github.com/lcksfa/async-ai-task-runner/internal/queue"
	"github.com/lcksfa/async-ai-task-runner/internal/store"
	"github.com/lcksfa/async-ai-task-runner/internal/telemetry"
	"github.com/lcksfa/async-ai-task-runner/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.Setup(cfg, "worker")
	telemetry.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx, log); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	providers, err := provider.FromConfig(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init providers: %w", err)
	}
	uploader, err := archive.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init result archive: %w", err)
	}

	pool := worker.NewPool(cfg.WorkerID, cfg.WorkerConcurrency, q, st, providers, uploader, worker.OptionsFromConfig(cfg), log)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info("worker started",
			"providers", providers.Describe(),
			"default_provider", providers.Default(),
			"visibility", cfg.VisibilityTimeout,
			"backoff_initial", cfg.BackoffInitial,
			"concurrency", cfg.WorkerConcurrency)
		err := pool.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = g.Wait()
	log.Info("worker stopped")
	return err
}
