// Package logging builds the daemon's structured logger.
package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates a structured logger based on the environment.
// Production uses JSON format at info level, development uses text
// format at debug level.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}
