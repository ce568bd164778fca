// Package log configures the process-wide structured logger and
// provides small key-value helpers used throughout the engine.
package log

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var setupOnce sync.Once

// Setup installs a text slog handler on stderr at the given level
// ("debug", "info", "warn", "error"; anything else means info). Safe to
// call more than once; only the first call takes effect.
func Setup(level string) {
	setupOnce.Do(func() {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLevel(level),
		})
		slog.SetDefault(slog.New(handler))
	})
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func Debug(msg string, kv ...any) {
	slog.Debug(msg, kv...)
}

func Info(msg string, kv ...any) {
	slog.Info(msg, kv...)
}

func Warn(msg string, kv ...any) {
	slog.Warn(msg, kv...)
}

// Error logs msg at error level with err prepended to the key-value
// attributes.
func Error(msg string, err error, kv ...any) {
	slog.Error(msg, append([]any{"err", err}, kv...)...)
}
