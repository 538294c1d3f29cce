// Package util provides shared utility functions for logging, retries, rate
// limiting, and calendar-day key handling.
package util

import (
	"log/slog"
	"os"
)

// NewLogger creates a JSON slog logger at the given level ("debug", "info",
// "warn", "error"; unrecognised values fall back to info). Logs go to stderr
// so CLI report output on stdout stays machine-readable.
func NewLogger(level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
