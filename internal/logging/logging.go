// Package logging builds the slog loggers used by the server and client.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// New returns a logger for component writing to stderr at the given level.
func New(component, level string) *slog.Logger {
	return NewWithWriter(os.Stderr, component, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, component, level string) *slog.Logger {
	handler := charmlog.NewWithOptions(w, charmlog.Options{
		Prefix:          component,
		Level:           ParseLevel(level),
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	return slog.New(handler).With(slog.Int("pid", os.Getpid()))
}

// ParseLevel maps debug, info, warn and error to a log level. Anything else is info.
func ParseLevel(level string) charmlog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
