package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithBackend returns a logger with backend connection fields attached.
// Use this for all logging within a single backend connection's lifecycle.
func WithBackend(address, directory string) *slog.Logger {
	return slog.With(
		"backend", address,
		"directory", directory,
	)
}

// WithSource returns a logger scoped to one event source.
func WithSource(logger *slog.Logger, source string) *slog.Logger {
	return logger.With("source", source)
}
