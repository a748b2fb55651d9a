package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log sink.
type Options struct {
	Level      string
	Format     string // "text" or "json"
	File       string // rotate into this file instead of stdout when set
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is a levelled printf-style logger over slog. A nil *Logger
// discards everything below error.
type Logger struct {
	sl *slog.Logger
}

// New creates a text logger on stdout at the given level.
func New(level string) *Logger {
	return NewWithOptions(Options{Level: level})
}

// NewWithOptions builds a logger from opts.
func NewWithOptions(opts Options) *Logger {
	var w io.Writer = os.Stdout
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 64),
			MaxBackups: opts.MaxBackups,
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
	}
	return newLogger(w, opts)
}

// NewWriter creates a logger writing to w, mainly for tests.
func NewWriter(w io.Writer, level string) *Logger {
	return newLogger(w, Options{Level: level})
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return newLogger(io.Discard, Options{Level: "error"})
}

func newLogger(w io.Writer, opts Options) *Logger {
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	return &Logger{sl: slog.New(h)}
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (l *Logger) log(level slog.Level, format string, v ...interface{}) {
	if l == nil {
		if level >= slog.LevelError {
			slog.Error(fmt.Sprintf(format, v...))
		}
		return
	}
	if !l.sl.Enabled(context.Background(), level) {
		return
	}
	l.sl.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.log(slog.LevelInfo, format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.log(slog.LevelWarn, format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.log(slog.LevelError, format, v...)
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.log(slog.LevelDebug, format, v...)
}

// With returns a logger that adds the given key/value attributes to every record.
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sl: l.sl.With(args...)}
}
