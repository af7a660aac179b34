// Package logging is a thin abstraction over slog so packages depend on a
// minimal interface while callers plug any structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the minimal structured logging interface used across agentline.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement Logger.
type SlogAdapter struct {
	*slog.Logger
}

func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }
func (s *SlogAdapter) Info(msg string, args ...any)  { s.Logger.Info(msg, args...) }
func (s *SlogAdapter) Warn(msg string, args ...any)  { s.Logger.Warn(msg, args...) }
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// New returns a text Logger writing to w.
func New(w io.Writer, level slog.Level) Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &SlogAdapter{Logger: slog.New(h)}
}

// Default returns a Logger writing to stderr at info level.
func Default() Logger {
	return New(os.Stderr, slog.LevelInfo)
}

// Nop discards everything; handy in tests.
func Nop() Logger {
	return New(io.Discard, slog.LevelError)
}
