// Package logging wraps zerolog behind small leveled helpers with variadic
// key-value pairs, plus lumberjack-based file rotation.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// InitLogger configures the process logger. When file is non-empty, output is
// written both to stderr and to a size/age-rotated log file.
func InitLogger(file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool, level string) {
	var out io.Writer = os.Stderr
	if file != "" {
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		}
		out = io.MultiWriter(os.Stderr, rotated)
	}

	mu.Lock()
	logger = zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(level))
	mu.Unlock()
}

// SetLogLevel changes the active log level. Unknown levels fall back to info.
func SetLogLevel(level string) {
	mu.Lock()
	logger = logger.Level(parseLevel(level))
	mu.Unlock()
}

// SetLoggerForTest replaces the package logger. Tests only.
func SetLoggerForTest(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Info logs at info level with alternating key-value pairs.
func Info(msg string, kv ...any) {
	mu.RLock()
	ev := logger.Info()
	mu.RUnlock()
	emit(ev, msg, kv)
}

// Warn logs at warn level with alternating key-value pairs.
func Warn(msg string, kv ...any) {
	mu.RLock()
	ev := logger.Warn()
	mu.RUnlock()
	emit(ev, msg, kv)
}

// Error logs at error level with alternating key-value pairs.
func Error(msg string, kv ...any) {
	mu.RLock()
	ev := logger.Error()
	mu.RUnlock()
	emit(ev, msg, kv)
}

// emit attaches the pairs to the event. A dangling key without a value is
// logged under the "EXTRA" field rather than dropped.
func emit(ev *zerolog.Event, msg string, kv []any) {
	n := len(kv)
	for i := 0; i+1 < n; i += 2 {
		key := fmt.Sprint(kv[i])
		ev = ev.Interface(key, kv[i+1])
	}
	if n%2 == 1 {
		ev = ev.Interface("EXTRA", kv[n-1])
	}
	ev.Msg(msg)
}
