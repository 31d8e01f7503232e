// Package logger configures the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lcksfa/async-ai-task-runner/internal/config"
)

// ParseLevel maps a case-insensitive level name onto a slog level. Unknown
// names fall back to info and report false.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New builds a logger writing to w in the requested format (json or text).
func New(w io.Writer, level, format string) *slog.Logger {
	lvl, _ := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup creates the logger for a binary and installs it as the slog default.
// The service name is attached to every record.
func Setup(cfg config.Config, service string) *slog.Logger {
	return SetupTo(os.Stdout, cfg, service)
}

// SetupTo is Setup writing to w. The stdio MCP server logs to stderr since
// stdout carries the protocol.
func SetupTo(w io.Writer, cfg config.Config, service string) *slog.Logger {
	l := New(w, cfg.LogLevel, cfg.LogFormat).With("service", service, "env", cfg.AppEnv)
	if _, ok := ParseLevel(cfg.LogLevel); !ok {
		l.Warn("invalid log level configured, using default level",
			"configured_level", cfg.LogLevel,
			"default_level", "info")
	}
	slog.SetDefault(l)
	return l
}
