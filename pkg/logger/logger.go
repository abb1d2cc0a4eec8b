package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// LogLevel represents different log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the label printed in front of each line
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the diagnostic sink handed to every component
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// StandardLogger implements Logger interface
type StandardLogger struct {
	verbose bool
	logger  *log.Logger
	now     func() time.Time
}

// New creates a new console logger instance
func New(verbose bool) *StandardLogger {
	return NewWithWriter(os.Stdout, verbose)
}

// NewWithWriter creates a logger that writes to w. A nil writer discards everything.
func NewWithWriter(w io.Writer, verbose bool) *StandardLogger {
	l := &StandardLogger{
		verbose: verbose,
		now:     time.Now,
	}
	if w != nil {
		l.logger = log.New(w, "", 0)
	}
	return l
}

// Nop returns a logger that discards all output
func Nop() *StandardLogger {
	return NewWithWriter(nil, false)
}

// Debug logs debug messages (only in verbose mode)
func (l *StandardLogger) Debug(format string, args ...interface{}) {
	if l.verbose {
		l.logWithLevel(LevelDebug, format, args...)
	}
}

// Info logs informational messages
func (l *StandardLogger) Info(format string, args ...interface{}) {
	l.logWithLevel(LevelInfo, format, args...)
}

// Warn logs warning messages
func (l *StandardLogger) Warn(format string, args ...interface{}) {
	l.logWithLevel(LevelWarn, format, args...)
}

// Error logs error messages
func (l *StandardLogger) Error(format string, args ...interface{}) {
	l.logWithLevel(LevelError, format, args...)
}

// logWithLevel logs a message with the specified level
func (l *StandardLogger) logWithLevel(level LogLevel, format string, args ...interface{}) {
	// Skip logging if logger is nil (quiet mode)
	if l.logger == nil {
		return
	}
	timestamp := l.now().Format("15:04:05")
	prefix := fmt.Sprintf("[%s] %s: ", timestamp, level)
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%s%s", prefix, message)
}
