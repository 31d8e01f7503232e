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

	"github.com/lcksfa/async-ai-task-runner/internal/api"
	"github.com/lcksfa/async-ai-task-runner/internal/config"
	"github.com/lcksfa/async-ai-task-runner/internal/logger"
	"github.com/lcksfa/async-ai-task-runner/internal/mcpserver"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
	"github.com/lcksfa/async-ai-task-runner/internal/queue"
	"github.com/lcksfa/async-ai-task-runner/internal/ratelimit"
	"github.com/lcksfa/async-ai-task-runner/internal/service"
	"github.com/lcksfa/async-ai-task-runner/internal/store"
	"github.com/lcksfa/async-ai-task-runner/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.Setup(cfg, "api")
	telemetry.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	tasks := service.NewTasks(st, q, service.OptionsFromConfig(cfg), log)
	catalog := provider.Catalog(cfg)
	mcp := mcpserver.New(tasks, catalog, cfg.MCPServerName, cfg.MCPServerVersion, log)

	var limiter ratelimit.Limiter
	if cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(tasks, api.Options{
		AppName:   cfg.MCPServerName,
		Version:   cfg.MCPServerVersion,
		Limiter:   limiter,
		MCP:       mcp.Handler(),
		Checks:    map[string]api.Pinger{"postgres": st, "redis": q},
		Providers: catalog,
	}, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", httpServer.Addr, "providers", len(catalog))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down api")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
