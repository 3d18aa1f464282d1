// Package logging provides structured JSON logging for the offline sync daemon.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a case-insensitive level name into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	lvl := LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if lvl == "WARNING" {
		lvl = LevelWarn
	}
	if _, ok := levelRank[lvl]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// Fields is the structured context attached to a log entry.
type Fields map[string]interface{}

// Logger provides structured JSON logging.
type Logger struct {
	mu       *sync.Mutex
	out      io.Writer
	minLevel LogLevel
	fields   Fields
	now      func() time.Time
}

var (
	// global logger instance
	global   *Logger
	globalMu sync.Mutex
)

// New creates a logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		out:      out,
		minLevel: minLevel,
		now:      time.Now,
	}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return New(io.Discard, LevelError)
}

// Init replaces the global logger.
func Init(out io.Writer, minLevel LogLevel) {
	SetGlobal(New(out, minLevel))
}

// SetGlobal installs l as the global logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

// Get returns the global logger instance.
func Get() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(os.Stdout, LevelInfo)
	}
	return global
}

// With returns a child logger that adds fields to every entry. The child shares the parent's output.
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	child := *l
	child.fields = merged
	return &child
}

// Level returns the minimum level written by l.
func (l *Logger) Level() LogLevel {
	return l.minLevel
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Level:     string(level),
		Message:   message,
		Context:   context,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	data, jsonErr := json.Marshal(entry)
	if jsonErr != nil {
		log.Printf("Failed to marshal log entry: %v\n", jsonErr)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...Fields) {
	l.log(LevelDebug, message, nil, l.merge(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...Fields) {
	l.log(LevelInfo, message, nil, l.merge(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...Fields) {
	l.log(LevelWarn, message, nil, l.merge(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...Fields) {
	l.log(LevelError, message, err, l.merge(context...))
}

// merge combines the logger's own fields with per-call context.
func (l *Logger) merge(context ...Fields) map[string]interface{} {
	if len(context) == 0 && len(l.fields) == 0 {
		return nil
	}
	if len(context) == 1 && len(l.fields) == 0 {
		return context[0]
	}
	merged := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...Fields) {
	Get().Debug(message, context...)
}

func Info(message string, context ...Fields) {
	Get().Info(message, context...)
}

func Warn(message string, context ...Fields) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...Fields) {
	Get().Error(message, err, context...)
}
