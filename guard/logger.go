package guard

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/banksean/zoned/zone"
)

// restoreLogger reinitializes the process-wide slog default logger from cfg,
// the step the guard's in-child bootstrap performs immediately after clone
// since it inherits no usable file descriptors from the supervisor once it
// has pivoted its mount namespace. "json-file" backends rotate through
// lumberjack so a long-lived zone's guard log never grows unbounded; a
// teacher go.mod dependency that was declared but never imported by any of
// its own source files.
func restoreLogger(cfg zone.LoggerConfig) {
	var w io.Writer
	switch cfg.Backend {
	case "json-file":
		w = &lumberjack.Logger{
			Filename:   cfg.Arg,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	case "discard", "":
		w = io.Discard
	default:
		w = io.Discard
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelFromString(cfg.Level)}))
	slog.SetDefault(logger)
}

func levelFromString(s string) slog.Level {
	switch s {
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
