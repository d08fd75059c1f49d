// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for readersync components.
//
// Every long-lived component (tree store, job controller, suggestion queue,
// session scope) receives a *Logger through its constructor and derives a
// child with With() carrying its identifying attributes:
//
//	log := logger.With("thread_id", threadID)
//	log.Info("branch loaded", "messages", len(msgs))
//
// Records go to Config.Output (stderr unless set, silenced by Quiet) and,
// when Config.LogDir is set, to a daily JSON file.
//
// # Thread Safety
//
// Logger is safe for concurrent use. Child loggers share the file of their
// parent; only the root logger should be closed.
//
// # Security Considerations
//
// Bearer tokens and attachment payloads must never be logged. Log presence
// or size instead:
//
//	logger.Info("attachment queued", "name", a.Name, "size", a.Size)
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is a record severity.
type Level = slog.Level

const (
	// LevelDebug traces individual stream events and ticks.
	LevelDebug = slog.LevelDebug
	// LevelInfo records state transitions (job started, branch loaded).
	LevelInfo = slog.LevelInfo
	// LevelWarn records recovered failures, such as a background commit
	// that was returned to pending.
	LevelWarn = slog.LevelWarn
	// LevelError records failures surfaced to the user.
	LevelError = slog.LevelError
)

// ParseLevel reads the logging.level config value. Matching is
// case-insensitive, "warning" is accepted and an empty value means info.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return LevelInfo, nil
	case "warning":
		return LevelWarn, nil
	case "debug", "info", "warn", "error":
		var l Level
		err := l.UnmarshalText([]byte(s))
		return l, err
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Config configures a Logger. The zero value logs Info and above to stderr
// in text format.
type Config struct {
	Level Level

	// LogDir enables JSON file logging. Supports a leading "~".
	LogDir string

	// Service is attached to every record and names the log file
	// ({service}_{date}.log).
	Service string

	// JSON switches Output from text to JSON.
	JSON bool

	// Output receives console records. Defaults to os.Stderr.
	Output io.Writer

	// Quiet disables Output.
	Quiet bool
}

// Logger wraps slog.Logger with an optional log file.
type Logger struct {
	slog *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates a Logger from config.
//
// A LogDir that cannot be created or opened is skipped; logging never
// blocks startup.
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelDebug,
//	    LogDir:  "~/.readersync/logs",
//	    Service: "readersync",
//	})
//	defer logger.Close()
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level}
	var sinks tee

	if !config.Quiet {
		out := config.Output
		if out == nil {
			out = os.Stderr
		}
		if config.JSON {
			sinks = append(sinks, slog.NewJSONHandler(out, opts))
		} else {
			sinks = append(sinks, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{}
	if config.LogDir != "" {
		if file := openLogFile(config); file != nil {
			logger.file = file
			sinks = append(sinks, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler = sinks
	if len(sinks) == 1 {
		handler = sinks[0]
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	logger.slog = slog.New(handler)
	return logger
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(Config{Quiet: true})
}

func openLogFile(config Config) *os.File {
	dir := expandPath(config.LogDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil
	}
	service := config.Service
	if service == "" {
		service = "readersync"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil
	}
	return file
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child logger carrying args on every record. The child
// is never closed itself.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

// Close syncs and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := errors.Join(l.file.Sync(), l.file.Close())
	l.file = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// tee sends each record to every handler enabled for its level.
type tee []slog.Handler

func (t tee) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t tee) WithGroup(name string) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (t tee) each(fn func(slog.Handler) slog.Handler) tee {
	next := make(tee, len(t))
	for i, h := range t {
		next[i] = fn(h)
	}
	return next
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
