// Package logging provides structured logging for scribe components.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls the process-wide log sink.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	File   string // rotate into this file instead of stderr when set

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	baseMu sync.RWMutex
	base   = newBase(os.Stderr)
)

func newBase(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(jsonFormatter())
	return l
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyMsg:  "event",
		},
	}
}

// Setup configures the shared logger. It returns a closer for the log file,
// if any.
func Setup(cfg Config) (io.Closer, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(jsonFormatter())
	}

	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   true,
		}
		l.SetOutput(lj)
		closer = lj
	} else {
		l.SetOutput(os.Stderr)
	}

	baseMu.Lock()
	base = l
	baseMu.Unlock()
	return closer, nil
}

// SetOutput redirects the shared logger, mainly for tests.
func SetOutput(w io.Writer) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base.SetOutput(w)
}

// SetLevel changes the shared logger level.
func SetLevel(level Level) {
	lv, err := logrus.ParseLevel(string(level))
	if err != nil {
		return
	}
	baseMu.Lock()
	defer baseMu.Unlock()
	base.SetLevel(lv)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Logger provides structured logging
type Logger struct {
	component string
	fields    logrus.Fields
}

// New creates a new logger for a component
func New(component string) *Logger {
	return &Logger{component: component}
}

// With returns a logger that adds key=val to every event.
func (l *Logger) With(key string, val any) *Logger {
	fields := make(logrus.Fields, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = val
	return &Logger{component: l.component, fields: fields}
}

func (l *Logger) entry(extra map[string]any, err error) *logrus.Entry {
	baseMu.RLock()
	b := base
	baseMu.RUnlock()

	e := b.WithField("component", l.component)
	if len(l.fields) > 0 {
		e = e.WithFields(l.fields)
	}
	if len(extra) > 0 {
		e = e.WithFields(logrus.Fields(extra))
	}
	if err != nil {
		e = e.WithError(err)
	}
	return e
}

// Debug logs a debug event
func (l *Logger) Debug(event string, extra map[string]any) {
	l.entry(extra, nil).Debug(event)
}

// Info logs an info event
func (l *Logger) Info(event string, extra map[string]any) {
	l.entry(extra, nil).Info(event)
}

// Warn logs a warning event
func (l *Logger) Warn(event string, extra map[string]any, err error) {
	l.entry(extra, err).Warn(event)
}

// Error logs an error event
func (l *Logger) Error(event string, extra map[string]any, err error) {
	l.entry(extra, err).Error(event)
}

// TimedEvent logs an event with duration
func (l *Logger) TimedEvent(event string, start time.Time, extra map[string]any) {
	e := l.entry(extra, nil).WithField("duration_ms", time.Since(start).Milliseconds())
	e.Info(event)
}
