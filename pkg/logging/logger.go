package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig defines the configuration for structured logging
type LogConfig struct {
	Level  string // "DEBUG", "INFO", "WARN" or "ERROR"
	Format string // "json" or "text"
	// Output defaults to stdout.
	Output io.Writer
}

// Setup builds a logger from config and installs it as the slog default.
func Setup(config LogConfig) *slog.Logger {
	level, ok := ParseLevel(config.Level)
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if !ok {
		logger.Warn("invalid log level specified, defaulting to INFO", "specified_level", config.Level)
	}
	if f := strings.ToLower(config.Format); f != "" && f != "json" && f != "text" {
		logger.Warn("invalid log format specified, defaulting to text", "specified_format", config.Format)
	}
	logger.Debug("logger initialized", "level", level.String(), "format", config.Format)
	return logger
}

// ParseLevel maps a level name to a slog level. Empty means INFO; unknown
// names report false and also fall back to INFO.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	return base.With(
		slog.String("component", component),
	)
}
