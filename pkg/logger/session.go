package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SessionLogFile is the name of the free-text diagnostic log kept in every session directory
const SessionLogFile = "recorder.log"

// SessionLogger writes every line to the session's diagnostic log file and,
// unless quiet, to the console. The file always receives debug lines.
type SessionLogger struct {
	console *StandardLogger
	file    *StandardLogger
	output  *os.File
	path    string
}

// NewSession opens (or appends to) the diagnostic log inside sessionDir
func NewSession(sessionDir string, verbose, quiet bool) (*SessionLogger, error) {
	return NewSessionWithConsole(sessionDir, os.Stdout, verbose, quiet)
}

// NewSessionWithConsole is NewSession with an explicit console writer
func NewSessionWithConsole(sessionDir string, console io.Writer, verbose, quiet bool) (*SessionLogger, error) {
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	path := filepath.Join(sessionDir, SessionLogFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	// Quiet mode keeps the console logger but with no output
	if quiet {
		console = nil
	}

	return &SessionLogger{
		console: NewWithWriter(console, verbose),
		file:    NewWithWriter(f, true),
		output:  f,
		path:    path,
	}, nil
}

// Path returns the location of the diagnostic log file
func (l *SessionLogger) Path() string {
	return l.path
}

func (l *SessionLogger) Debug(format string, args ...interface{}) {
	l.console.Debug(format, args...)
	l.file.Debug(format, args...)
}

func (l *SessionLogger) Info(format string, args ...interface{}) {
	l.console.Info(format, args...)
	l.file.Info(format, args...)
}

func (l *SessionLogger) Warn(format string, args ...interface{}) {
	l.console.Warn(format, args...)
	l.file.Warn(format, args...)
}

func (l *SessionLogger) Error(format string, args ...interface{}) {
	l.console.Error(format, args...)
	l.file.Error(format, args...)
}

// Close syncs and closes the diagnostic log file
func (l *SessionLogger) Close() error {
	if l.output == nil {
		return nil
	}
	if err := l.output.Sync(); err != nil {
		l.output.Close()
		return err
	}
	return l.output.Close()
}
