// Package logger provides structured logging for the daemon and its
// workers, built on zerolog with lumberjack-backed file rotation.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

// Logger is the logging surface every package depends on. Fields are
// passed as flat key-value pairs; a lone map[string]interface{} is
// also accepted for callers that already have one assembled.
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})

	// With returns a child logger that includes the given fields on
	// every subsequent call. Used to bind task_id/task_kind/feed_id
	// for the lifetime of a worker run.
	With(fields ...interface{}) Logger
}

type loggerImpl struct {
	zl zerolog.Logger
}

func New(writers ...io.Writer) Logger {
	multi := io.MultiWriter(writers...)
	zl := zerolog.New(multi).With().Timestamp().Logger()
	return &loggerImpl{zl: zl}
}

func ConsoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
}

func FileWriter(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

func (l *loggerImpl) Info(msg string, fields ...interface{})  { logWithFields(l.zl.Info(), msg, fields...) }
func (l *loggerImpl) Warn(msg string, fields ...interface{})  { logWithFields(l.zl.Warn(), msg, fields...) }
func (l *loggerImpl) Error(msg string, fields ...interface{}) { logWithFields(l.zl.Error(), msg, fields...) }
func (l *loggerImpl) Debug(msg string, fields ...interface{}) { logWithFields(l.zl.Debug(), msg, fields...) }
func (l *loggerImpl) Fatal(msg string, fields ...interface{}) { logWithFields(l.zl.Fatal(), msg, fields...) }

func (l *loggerImpl) With(fields ...interface{}) Logger {
	ctx := l.zl.With()
	if len(fields)%2 == 0 {
		for i := 0; i < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			ctx = ctx.Interface(key, fields[i+1])
		}
	}
	return &loggerImpl{zl: ctx.Logger()}
}

var (
	global     zerolog.Logger
	globalOnce sync.Once
)

type Config struct {
	Level           zerolog.Level
	Console         bool
	File            bool
	FilePath        string
	MaxSizeMB       int
	MaxBackups      int
	MaxAgeDays      int
	Compress        bool
	TimeFieldFormat string
}

func DefaultConfig() Config {
	return Config{
		Level:           zerolog.InfoLevel,
		Console:         true,
		File:            false,
		FilePath:        "gtfsd.log",
		MaxSizeMB:       10,
		MaxBackups:      5,
		MaxAgeDays:      30,
		Compress:        true,
		TimeFieldFormat: time.RFC3339,
	}
}

// Init sets up the process-wide logger once. Subsequent calls are
// no-ops, matching the teacher's sync.Once-guarded singleton.
func Init(cfg Config) {
	globalOnce.Do(func() {
		var writers []io.Writer

		if cfg.Console {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: cfg.TimeFieldFormat})
		}
		if cfg.File {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			})
		}
		if len(writers) == 0 {
			writers = append(writers, os.Stdout)
		}

		multi := io.MultiWriter(writers...)
		global = zerolog.New(multi).With().Timestamp().Logger().Level(cfg.Level)
		zerolog.TimeFieldFormat = cfg.TimeFieldFormat
	})
}

// Global returns a Logger backed by the process-wide zerolog instance
// configured by Init. Safe to call before Init; it falls back to an
// unconfigured (but usable) zerolog.Logger.
func Global() Logger {
	return &loggerImpl{zl: global}
}

func logWithFields(event *zerolog.Event, msg string, fields ...interface{}) {
	if len(fields) == 1 {
		if m, ok := fields[0].(map[string]interface{}); ok {
			event.Fields(m).Msg(msg)
			return
		}
	}
	if len(fields)%2 == 0 {
		for i := 0; i < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			if key == "error" {
				if err, ok := fields[i+1].(error); ok && err != nil {
					event = event.Err(err)
					continue
				}
			}
			event = event.Interface(key, fields[i+1])
		}
	}
	event.Msg(msg)
}
