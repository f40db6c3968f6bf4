// Package logging builds the structured loggers used across vigil.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger owns a structured logger and the file it writes to, if any.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates a logger writing text records to the specified path.
// If the path is empty, returns a no-op logger.
// Creates parent directories if they don't exist.
func New(logPath string, level slog.Level) (*Logger, error) {
	if logPath == "" {
		return Nop(), nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := &Logger{
		Logger: slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})),
		file:   f,
	}
	l.Info("log started", "at", time.Now().Format(time.RFC3339))
	return l, nil
}

// NewForProject creates a logger in the project's .vigil/logs directory.
// Returns a no-op logger if the file cannot be opened.
func NewForProject(projectRoot string, level slog.Level) *Logger {
	l, err := New(filepath.Join(projectRoot, ".vigil", "logs", "vigil.log"), level)
	if err != nil {
		return Nop()
	}
	return l
}

// NewWriter creates a logger writing to w, mostly for tests and stderr.
func NewWriter(w io.Writer, level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *slog.Logger {
	if l == nil || l.Logger == nil {
		return Nop().Logger
	}
	return l.With("component", name)
}

// Close closes the log file.
// Safe to call on nil logger or logger without file.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// OrNop returns logger, or a discarding logger when it is nil.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Nop().Logger
	}
	return logger
}
