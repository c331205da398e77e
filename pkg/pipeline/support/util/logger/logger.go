// Package logger provides the leveled logger shared by every logstats package.
// Messages are written through the standard `log` package with a "[LEVEL]" prefix
// and filtered by a process-wide level.
package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
)

// LogLevel is the verbosity of the logger. Smaller values are more verbose.
type LogLevel int32

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	// LevelSilent suppresses everything except Fatalf.
	LevelSilent
)

var levelNames = map[string]LogLevel{
	"TRACE":  LevelTrace,
	"DEBUG":  LevelDebug,
	"INFO":   LevelInfo,
	"WARN":   LevelWarn,
	"ERROR":  LevelError,
	"FATAL":  LevelFatal,
	"SILENT": LevelSilent,
}

var current atomic.Int32

func init() {
	current.Store(int32(LevelInfo))
}

// SetLogLevel sets the global log level from its name (case-insensitive).
// Unknown names fall back to INFO and print a notice.
func SetLogLevel(level string) {
	lvl, ok := levelNames[strings.ToUpper(strings.TrimSpace(level))]
	if !ok {
		fmt.Printf("Unknown log level '%s' specified. Defaulting to INFO level.\n", level)
		lvl = LevelInfo
	}
	current.Store(int32(lvl))
}

// GetLogLevel returns the current global log level.
func GetLogLevel() LogLevel {
	return LogLevel(current.Load())
}

// Enabled reports whether messages at lvl are currently written.
func Enabled(lvl LogLevel) bool {
	return GetLogLevel() <= lvl
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

func logf(lvl LogLevel, tag, format string, v ...interface{}) {
	if !Enabled(lvl) {
		return
	}
	log.Printf("["+tag+"] "+format, v...)
}

// Tracef outputs a TRACE level message.
func Tracef(format string, v ...interface{}) { logf(LevelTrace, "TRACE", format, v...) }

// Debugf outputs a DEBUG level message.
func Debugf(format string, v ...interface{}) { logf(LevelDebug, "DEBUG", format, v...) }

// Infof outputs an INFO level message.
func Infof(format string, v ...interface{}) { logf(LevelInfo, "INFO", format, v...) }

// Warnf outputs a WARN level message.
func Warnf(format string, v ...interface{}) { logf(LevelWarn, "WARN", format, v...) }

// Errorf outputs an ERROR level message.
func Errorf(format string, v ...interface{}) { logf(LevelError, "ERROR", format, v...) }

// Fatalf outputs a FATAL message regardless of level and terminates the process.
func Fatalf(format string, v ...interface{}) {
	log.Fatalf("[FATAL] "+format, v...)
}
