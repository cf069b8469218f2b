// Package logging builds the structured logger used across the engine.
// Grounded on core/node.go:initLogger from the teacher: a single
// construction point producing a *slog.Logger with a JSON handler, passed
// explicitly to every component rather than read from a package-level
// global (§9: "global mutable state... passed explicitly as capability
// handles").
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON slog.Logger at the given level name ("debug", "info",
// "warn", "error"; unrecognized values default to info).
func New(levelName string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
