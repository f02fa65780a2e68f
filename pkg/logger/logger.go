package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger defines the interface for logging in vboxhalt.
// It provides standard logging levels and a mechanism to add structured context.
type Logger interface {
	// Debug logs a message at the debug level.
	Debug(msg string, args ...any)
	// Info logs a message at the info level.
	Info(msg string, args ...any)
	// Warn logs a message at the warning level.
	Warn(msg string, args ...any)
	// Error logs a message at the error level.
	Error(msg string, args ...any)
	// With returns a new Logger with the given structured context added.
	With(args ...any) Logger
}

// Log is the global logger instance used throughout the application.
// It is initialized with a default JSON handler pointing to stdout.
var Log Logger = New(os.Stdout, slog.LevelInfo)

// New builds a Logger writing JSON records with source info to w.
func New(w io.Writer, level slog.Level) Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}
	return &wrapper{l: slog.New(slog.NewJSONHandler(w, opts))}
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// The empty string means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}

// InitLogger initializes the global Log instance with the specified logging level.
// Unknown levels fall back to info.
func InitLogger(level string) {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	Log = New(os.Stdout, lvl)
}

// InitFileLogger points the global Log at the file at path, appending to it.
// The returned closer must be closed on exit.
func InitFileLogger(level, path string) (io.Closer, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	Log = New(f, lvl)
	return f, nil
}

type wrapper struct {
	l *slog.Logger
}

func (w *wrapper) Debug(msg string, args ...any) { w.l.Debug(msg, args...) }
func (w *wrapper) Info(msg string, args ...any)  { w.l.Info(msg, args...) }
func (w *wrapper) Warn(msg string, args ...any)  { w.l.Warn(msg, args...) }
func (w *wrapper) Error(msg string, args ...any) { w.l.Error(msg, args...) }
func (w *wrapper) With(args ...any) Logger       { return &wrapper{l: w.l.With(args...)} }

// Personal.AI order the ending
