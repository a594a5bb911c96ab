// Package logging provides the single slog setup helper, matching
// cmd/chatserver/main.go's startup pattern: one logger built once at startup
// and passed to the components that log (audit, chaosadmin),
// JSON-structured in production.
package logging

import (
	"log/slog"
	"os"
)

// Format selects the slog handler.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// New builds the process-wide logger. format defaults to JSON (production);
// "text" is useful for local development.
func New(format Format, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == FormatText {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
