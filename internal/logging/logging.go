// Package logging provides the leveled, structured logger shared by all
// subsystems. Output goes to a console writer, a size-capped log file, or both.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents the severity level of a log message.
type Level int

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// String returns the string representation of the level.
func (l Level) String() string {
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

// ParseLevel parses a string into a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Config configures a Logger.
type Config struct {
	// Level is the minimum level to output.
	Level Level
	// Output is where log lines are written. Defaults to os.Stderr.
	Output io.Writer
	// Prefix is prepended to all log messages.
	Prefix string
	// FilePath, when set, appends log lines to the named file as well.
	FilePath string
	// MaxFileSize caps the log file size in bytes. When the cap is reached
	// the file is truncated and logging starts over. Zero means no cap.
	MaxFileSize int64
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
		Prefix: "mcpdbg",
	}
}

// Logger is a leveled logger with optional structured fields.
type Logger struct {
	mu       sync.Mutex
	level    Level
	output   io.Writer
	prefix   string
	fields   map[string]any
	disabled bool

	filePath    string
	file        *os.File
	fileSize    int64
	maxFileSize int64
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	l := &Logger{
		level:       cfg.Level,
		output:      cfg.Output,
		prefix:      cfg.Prefix,
		fields:      make(map[string]any),
		filePath:    cfg.FilePath,
		maxFileSize: cfg.MaxFileSize,
	}

	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.FilePath, err)
		}
		if info, err := f.Stat(); err == nil {
			l.fileSize = info.Size()
		}
		l.file = f
	}

	return l, nil
}

// WithField returns a new logger with the given field added.
func (l *Logger) WithField(key string, value any) *Logger {
	newFields := make(map[string]any, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value

	return &Logger{
		level:       l.level,
		output:      l.output,
		prefix:      l.prefix,
		fields:      newFields,
		disabled:    l.disabled,
		filePath:    l.filePath,
		file:        l.file,
		fileSize:    l.fileSize,
		maxFileSize: l.maxFileSize,
	}
}

// WithFields returns a new logger carrying all of the parent's fields plus
// the given ones. The parent is not modified.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	newFields := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		level:       l.level,
		output:      l.output,
		prefix:      l.prefix,
		fields:      newFields,
		disabled:    l.disabled,
		filePath:    l.filePath,
		file:        l.file,
		fileSize:    l.fileSize,
		maxFileSize: l.maxFileSize,
	}
}

// WithComponent returns a new logger with the component field set.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithField("component", component)
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput sets the console output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// Close closes the log file, if one is open. The logger remains usable for
// console output afterward.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

func (l *Logger) log(level Level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled || level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02T15:04:05.000")

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var line string
	if l.prefix != "" {
		line = fmt.Sprintf("%s [%s] %s: %s", timestamp, level.String(), l.prefix, msg)
	} else {
		line = fmt.Sprintf("%s [%s] %s", timestamp, level.String(), msg)
	}

	if len(l.fields) > 0 {
		line += " {"
		first := true
		for k, v := range l.fields {
			if !first {
				line += ", "
			}
			line += fmt.Sprintf("%s=%v", k, v)
			first = false
		}
		line += "}"
	}

	line += "\n"

	if l.output != nil {
		_, _ = l.output.Write([]byte(line))
	}
	l.writeFile([]byte(line))
}

// writeFile appends to the log file, truncating when the size cap is hit.
// Caller must hold l.mu.
func (l *Logger) writeFile(b []byte) {
	if l.file == nil {
		return
	}

	if l.maxFileSize > 0 && l.fileSize+int64(len(b)) > l.maxFileSize {
		if err := l.file.Truncate(0); err == nil {
			_, _ = l.file.Seek(0, io.SeekStart)
			l.fileSize = 0
		}
	}

	n, _ := l.file.Write(b)
	l.fileSize += int64(n)
}

// NullLogger is a logger that discards all output.
var NullLogger = &Logger{disabled: true}
