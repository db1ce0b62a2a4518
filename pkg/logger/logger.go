package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

var (
	mu           sync.RWMutex
	debugEnabled bool
	out          = log.New(os.Stderr, "", 0)
	now          = time.Now
)

// SetDebug enables or disables debug logging
func SetDebug(enabled bool) {
	mu.Lock()
	debugEnabled = enabled
	mu.Unlock()
}

// DebugEnabled reports whether Debug lines are emitted.
func DebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugEnabled
}

// SetOutput redirects every level to w (tests capture output this way).
func SetOutput(w io.Writer) {
	mu.Lock()
	out = log.New(w, "", 0)
	mu.Unlock()
}

func emit(level, format string, args ...interface{}) {
	mu.RLock()
	l := out
	mu.RUnlock()
	l.Printf("%s %-5s %s", now().Format("2006-01-02 15:04:05"), level, fmt.Sprintf(format, args...))
}

// Info logs an informational message
func Info(format string, args ...interface{}) {
	emit("INFO", format, args...)
}

// Warn logs a recoverable problem (fallbacks, skipped records).
func Warn(format string, args ...interface{}) {
	emit("WARN", format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	emit("ERROR", format, args...)
}

// Debug logs a debug message if debug logging is enabled
func Debug(format string, args ...interface{}) {
	if DebugEnabled() {
		emit("DEBUG", format, args...)
	}
}

// Infof is an alias for Info for consistency
func Infof(format string, args ...interface{}) { Info(format, args...) }

// Warnf is an alias for Warn
func Warnf(format string, args ...interface{}) { Warn(format, args...) }

// Errorf is an alias for Error for consistency
func Errorf(format string, args ...interface{}) { Error(format, args...) }

// Debugf is an alias for Debug for consistency
func Debugf(format string, args ...interface{}) { Debug(format, args...) }

// Fatal logs an error message and exits with status 1
func Fatal(format string, args ...interface{}) {
	emit("FATAL", format, args...)
	os.Exit(1)
}

// Fatalf is an alias for Fatal for consistency
func Fatalf(format string, args ...interface{}) {
	Fatal(format, args...)
}
