// Package observe defines the logging contract injected into the runtime
// and its slog-backed default. The core's public APIs stay log-free; every
// diagnostic goes through an Observer.
package observe

import "log/slog"

// Level is an Observer log level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Observer receives structured diagnostics from the runtime.
type Observer interface {
	Log(level Level, msg string, fields map[string]any, correlationID string)
}

// Slog adapts an *slog.Logger to Observer. A nil logger uses the process
// default.
type Slog struct {
	Logger *slog.Logger
}

// Log implements Observer.
func (s Slog) Log(level Level, msg string, fields map[string]any, correlationID string) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := make([]any, 0, 2*len(fields)+2)
	if correlationID != "" {
		args = append(args, "correlation_id", correlationID)
	}
	for k, v := range fields {
		args = append(args, k, v)
	}
	switch level {
	case LevelDebug:
		logger.Debug(msg, args...)
	case LevelWarn:
		logger.Warn(msg, args...)
	case LevelError:
		logger.Error(msg, args...)
	default:
		logger.Info(msg, args...)
	}
}

// Nop discards everything.
type Nop struct{}

// Log implements Observer.
func (Nop) Log(Level, string, map[string]any, string) {}
