package logging

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/felixgeelhaar/objclass/internal/ports"
)

// ConsoleLogger logs structured messages to the console through
// charmbracelet/log.
type ConsoleLogger struct {
	mu     sync.Mutex
	logger *log.Logger
	level  ports.Level

	out          io.Writer
	prefix       string
	jsonFormat   bool
	includeTime  bool
	includeLevel bool
}

// ConsoleLoggerOption configures the console logger.
type ConsoleLoggerOption func(*ConsoleLogger)

// WithOutput sets the output writer (default: os.Stderr).
func WithOutput(w io.Writer) ConsoleLoggerOption {
	return func(l *ConsoleLogger) {
		l.out = w
	}
}

// WithLevel sets the minimum log level (default: Info).
func WithLevel(level ports.Level) ConsoleLoggerOption {
	return func(l *ConsoleLogger) {
		l.level = level
	}
}

// WithJSONFormat enables JSON output format.
func WithJSONFormat(enabled bool) ConsoleLoggerOption {
	return func(l *ConsoleLogger) {
		l.jsonFormat = enabled
	}
}

// WithTimestamp includes timestamp in log entries.
func WithTimestamp(enabled bool) ConsoleLoggerOption {
	return func(l *ConsoleLogger) {
		l.includeTime = enabled
	}
}

// WithLevelLabel includes level label in log entries.
func WithLevelLabel(enabled bool) ConsoleLoggerOption {
	return func(l *ConsoleLogger) {
		l.includeLevel = enabled
	}
}

// WithPrefix sets a prefix printed before every message.
func WithPrefix(prefix string) ConsoleLoggerOption {
	return func(l *ConsoleLogger) {
		l.prefix = prefix
	}
}

// NewConsoleLogger creates a new console logger.
func NewConsoleLogger(opts ...ConsoleLoggerOption) *ConsoleLogger {
	l := &ConsoleLogger{
		out:          os.Stderr,
		level:        ports.LevelInfo,
		includeTime:  true,
		includeLevel: true,
	}

	for _, opt := range opts {
		opt(l)
	}

	formatter := log.TextFormatter
	if l.jsonFormat {
		formatter = log.JSONFormatter
	}
	// Derived loggers share the writer, so writes are serialized here.
	l.out = &lockedWriter{w: l.out}
	l.logger = log.NewWithOptions(l.out, log.Options{
		Level:           charmLevel(l.level),
		Prefix:          l.prefix,
		ReportTimestamp: l.includeTime,
		TimeFormat:      "15:04:05",
		Formatter:       formatter,
	})
	if !l.includeLevel {
		styles := log.DefaultStyles()
		for lvl := range styles.Levels {
			delete(styles.Levels, lvl)
		}
		l.logger.SetStyles(styles)
	}

	return l
}

// Debug logs a debug message.
func (l *ConsoleLogger) Debug(_ context.Context, msg string, fields ...ports.Field) {
	l.current().Debug(msg, keyvals(fields)...)
}

// Info logs an informational message.
func (l *ConsoleLogger) Info(_ context.Context, msg string, fields ...ports.Field) {
	l.current().Info(msg, keyvals(fields)...)
}

// Warn logs a warning message.
func (l *ConsoleLogger) Warn(_ context.Context, msg string, fields ...ports.Field) {
	l.current().Warn(msg, keyvals(fields)...)
}

// Error logs an error message.
func (l *ConsoleLogger) Error(_ context.Context, msg string, fields ...ports.Field) {
	l.current().Error(msg, keyvals(fields)...)
}

// With returns a new logger with additional fields.
func (l *ConsoleLogger) With(fields ...ports.Field) ports.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	return &ConsoleLogger{
		logger:       l.logger.With(keyvals(fields)...),
		level:        l.level,
		out:          l.out,
		prefix:       l.prefix,
		jsonFormat:   l.jsonFormat,
		includeTime:  l.includeTime,
		includeLevel: l.includeLevel,
	}
}

// Level returns the minimum log level.
func (l *ConsoleLogger) Level() ports.Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLevel sets the minimum log level.
func (l *ConsoleLogger) SetLevel(level ports.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.logger.SetLevel(charmLevel(level))
}

func (l *ConsoleLogger) current() *log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logger
}

func charmLevel(level ports.Level) log.Level {
	switch level {
	case ports.LevelDebug:
		return log.DebugLevel
	case ports.LevelWarn:
		return log.WarnLevel
	case ports.LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func keyvals(fields []ports.Field) []interface{} {
	if len(fields) == 0 {
		return nil
	}
	kv := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

// Ensure ConsoleLogger implements Logger.
var _ ports.Logger = (*ConsoleLogger)(nil)
