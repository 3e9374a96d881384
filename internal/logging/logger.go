package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"hermannm.dev/devlog"
)

// Formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatDev  = "dev"
)

// New creates a structured logger writing to w.
// app: application name (e.g., "papyrix-dfu")
// level: one of "debug", "info", "warn", "error" (default: "info")
// format: one of "text", "json", "dev" (default: "text")
func New(w io.Writer, app, level, format string) *slog.Logger {
	lvl := parseLevel(level)

	var handler slog.Handler
	switch strings.ToLower(format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case FormatDev:
		handler = devlog.NewHandler(w, &devlog.Options{Level: lvl})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}

	// Add default attributes: app and pid
	return slog.New(handler).With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
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
