package main

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger initializes the structured logger with JSON output
// Log level is controlled by LOG_LEVEL env var (debug/info/warn/error)
func InitLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level.String())
}

// shortID abbreviates a hex ID or pubkey for log output.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:8] + "…" + id[len(id)-4:]
}
