// Package logging provides structured logging for the service.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger so call sites stay decoupled from the handler choice.
type Logger struct {
	*slog.Logger
}

// New returns a text logger at debug level in dev and a JSON logger otherwise.
func New(env string) *Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler
	if strings.EqualFold(env, "dev") || strings.EqualFold(env, "development") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// WithComponent returns a logger tagged with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", name))}
}

// WithRequestID returns a logger tagged with the request id.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{Logger: l.With(slog.String("request_id", requestID))}
}
