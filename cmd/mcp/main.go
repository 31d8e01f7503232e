// Command mcp serves the task tools to a local agent over stdio. Submitted
// tasks go to the same Postgres and Redis the api and worker use.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lcksfa/async-ai-task-runner/internal/config"
	"github.com/lcksfa/async-ai-task-runner/internal/logger"
	"github.com/lcksfa/async-ai-task-runner/internal/mcpserver"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
	"github.com/lcksfa/async-ai-task-runner/internal/queue"
	"github.com/lcksfa/async-ai-task-runner/internal/service"
	"github.com/lcksfa/async-ai-task-runner/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcp:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.SetupTo(os.Stderr, cfg, "mcp")

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
	srv := mcpserver.New(tasks, provider.Catalog(cfg), cfg.MCPServerName, cfg.MCPServerVersion, log)

	log.Info("mcp server ready on stdio", "name", cfg.MCPServerName, "version", cfg.MCPServerVersion)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
