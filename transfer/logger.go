package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Logger interface for transfer logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// FileLogger writes logs to a file
type FileLogger struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileLogger creates a logger that appends to the file at path
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: file}, nil
}

func (l *FileLogger) log(level, format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "[%s] %s: %s\n", timestamp, level, fmt.Sprintf(format, args...))
}

func (l *FileLogger) Debug(format string, args ...interface{}) {
	l.log("DEBUG", format, args...)
}

func (l *FileLogger) Info(format string, args ...interface{}) {
	l.log("INFO", format, args...)
}

func (l *FileLogger) Error(format string, args ...interface{}) {
	l.log("ERROR", format, args...)
}

func (l *FileLogger) Close() error {
	if l != nil && l.file != nil {
		return l.file.Close()
	}
	return nil
}

// NoopLogger does nothing
type NoopLogger struct{}

func (NoopLogger) Debug(format string, args ...interface{}) {}
func (NoopLogger) Info(format string, args ...interface{})  {}
func (NoopLogger) Error(format string, args ...interface{}) {}

// SlogLogger forwards to a *slog.Logger. A nil Logger uses slog.Default().
type SlogLogger struct {
	Logger *slog.Logger
	// Attrs are attached to every record, e.g. the protocol name.
	Attrs []slog.Attr
}

// NewSlogLogger returns a SlogLogger tagging every record with attrs.
func NewSlogLogger(l *slog.Logger, attrs ...slog.Attr) *SlogLogger {
	return &SlogLogger{Logger: l, Attrs: attrs}
}

func (s *SlogLogger) emit(level slog.Level, format string, args []interface{}) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	l.LogAttrs(ctx, level, fmt.Sprintf(format, args...), s.Attrs...)
}

func (s *SlogLogger) Debug(format string, args ...interface{}) {
	s.emit(slog.LevelDebug, format, args)
}

func (s *SlogLogger) Info(format string, args ...interface{}) {
	s.emit(slog.LevelInfo, format, args)
}

func (s *SlogLogger) Error(format string, args ...interface{}) {
	s.emit(slog.LevelError, format, args)
}

// OrNoop returns l, or NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}
