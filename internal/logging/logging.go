package logging

import (
	"log"
	"os"
)

// Logger is a simple logger that writes to the console.
type Logger struct {
	*log.Logger
}

// NewLogger creates a new Logger.
func NewLogger() *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
	}
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.print("INFO", msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.print("WARN", msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.print("ERROR", msg, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.print("DEBUG", msg, args...)
}

// print renders msg followed by key/value pairs, slog style. A trailing key
// without a value is dropped.
func (l *Logger) print(level, msg string, args ...interface{}) {
	line := level + ": " + msg
	pairs := len(args) / 2 * 2
	for i := 0; i < pairs; i += 2 {
		line += " %v=%v"
	}
	if pairs > 0 {
		l.Printf(line, args[:pairs]...)
		return
	}
	l.Print(line)
}
