// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for rivet.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogConfig struct {
	Level  string
	Format string
	Output io.Writer
}

// NewLogger returns a logger with a component field attached. Format is
// "json" or "text" (default).
func NewLogger(component string, cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	if logger == nil || runID == "" {
		return logger
	}
	return logger.With("run_id", runID)
}

func WithNode(logger *slog.Logger, node string) *slog.Logger {
	if logger == nil || node == "" {
		return logger
	}
	return logger.With("node", node)
}
