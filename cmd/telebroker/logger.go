package main

import (
	"log/slog"
	"os"

	"github.com/shigarus/telebroker/internal/logging"
)

func setupLogger(format, level string, debug bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if debug {
		lvl = slog.LevelDebug
	}
	l := logging.New(format, lvl, os.Stderr).With("app", "telebroker")
	logging.Set(l)
	return l
}
