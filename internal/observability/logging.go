// Package observability provides structured logging and metrics for the
// execution engine and approval gate.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	// JSON format is recommended for production; text for development.
	Format string

	// Output is the writer for log output (defaults to os.Stderr).
	Output io.Writer
}

// NewLogger creates a slog.Logger from the config.
func NewLogger(config LogConfig) *slog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(config.Level)}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// ContextKey is the type for context keys used for log correlation.
type ContextKey string

const (
	// ToolCallIDKey carries the tool call ID being executed.
	ToolCallIDKey ContextKey = "tool_call_id"

	// ThreadIDKey carries the originating thread ID.
	ThreadIDKey ContextKey = "thread_id"
)

// WithToolCallID returns a context carrying the tool call ID.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, id)
}

// ToolCallID returns the tool call ID from the context, or "".
func ToolCallID(ctx context.Context) string {
	if v, ok := ctx.Value(ToolCallIDKey).(string); ok {
		return v
	}
	return ""
}

// WithThreadID returns a context carrying the thread ID.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, id)
}

// ThreadID returns the thread ID from the context, or "".
func ThreadID(ctx context.Context) string {
	if v, ok := ctx.Value(ThreadIDKey).(string); ok {
		return v
	}
	return ""
}
