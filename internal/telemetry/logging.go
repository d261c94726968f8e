// Package telemetry adapts the teacher's libs/go/core/logging and
// libs/go/core/otelinit packages: structured slog logging plus an
// OpenTelemetry meter provider (no tracer provider is installed), exporting to stdout rather than
// an OTLP collector — a single-host daemon has no sidecar to dial (see
// DESIGN.md).
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger. JSON if AIPM_JSON_LOG is
// truthy, text otherwise.
func InitLogging(component string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("AIPM_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("AIPM_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
