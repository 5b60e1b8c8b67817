package log

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool
)

const MaxAgeDays = 30

// Setup configures the process-wide slog default: JSON to a rotated,
// process-suffixed log file. An empty logFile logs to stderr.
func Setup(logFile string, debugMode bool) {
	initOnce.Do(func() {
		level := slog.LevelInfo
		if debugMode {
			level = slog.LevelDebug
		}
		opts := &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		}

		if logFile == "" {
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
			initialized.Store(true)
			return
		}

		// Process-specific file name so concurrent processes don't fight
		// over rotation.
		pid := os.Getpid()
		dir := filepath.Dir(logFile)
		ext := filepath.Ext(logFile)
		name := strings.TrimSuffix(filepath.Base(logFile), ext)
		processLogFile := filepath.Join(dir, fmt.Sprintf("%s-%d%s", name, pid, ext))

		logRotator := &lumberjack.Logger{
			Filename:   processLogFile,
			MaxSize:    10, // MB
			MaxBackups: 0,
			MaxAge:     MaxAgeDays,
			Compress:   false,
		}

		slog.SetDefault(slog.New(slog.NewJSONHandler(logRotator, opts)))
		initialized.Store(true)
	})
}

// Initialized reports whether Setup has run.
func Initialized() bool {
	return initialized.Load()
}

// RecoverPanic logs a panic and writes a timestamped dump file, then runs
// cleanup.
func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		slog.Error("panic recovered", "name", name, "panic", r)

		timestamp := time.Now().Format("20060102-150405")
		filename := fmt.Sprintf("ensemble-panic-%s-%s.log", name, timestamp)

		if file, err := os.Create(filename); err == nil {
			defer file.Close()
			fmt.Fprintf(file, "Panic in %s: %v\n\n", name, r)
			fmt.Fprintf(file, "Time: %s\n\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(file, "Stack Trace:\n%s\n", debug.Stack())
		}

		if cleanup != nil {
			cleanup()
		}
	}
}
