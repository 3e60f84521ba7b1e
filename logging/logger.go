// Package logging provides a tiny abstraction over slog so downstream code can
// depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer AuditLogger with contextual
// helpers (session, interaction, component) and domain specific logging helpers
// for tool runs, model calls, finalized turns and persistence.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a case-insensitive level name into a LogLevel.
// Unknown names map to LogLevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger defines the minimal logging interface used across the module.
// This allows users to provide their own logger implementation or use the built-in adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Ensure returns l, or a NoOpLogger when l is nil.
func Ensure(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// AuditLogger wraps slog.Logger adding contextual cloning helpers and
// domain convenience methods. It should be cheap to copy via With* methods.
// Unlike the minimal adapters, key/value args are attached as attributes
// rather than interpolated into the message.
type AuditLogger struct {
	logger        *slog.Logger
	level         LogLevel
	context       map[string]any
	component     string
	sessionID     string
	interactionID string
}

// LoggerConfig configures construction of an AuditLogger.
type LoggerConfig struct {
	Level         LogLevel
	Format        string // json or text
	Output        io.Writer
	AddSource     bool
	Component     string
	SessionID     string
	InteractionID string
	CustomAttrs   map[string]any
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stderr, AddSource: false, CustomAttrs: map[string]any{}}
}

// NewLogger builds an AuditLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *AuditLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	ctx := make(map[string]any, len(cfg.CustomAttrs))
	for k, v := range cfg.CustomAttrs {
		ctx[k] = v
	}
	return &AuditLogger{logger: slog.New(handler), level: cfg.Level, context: ctx, component: cfg.Component, sessionID: cfg.SessionID, interactionID: cfg.InteractionID}
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *AuditLogger) clone() *AuditLogger {
	nl := *l
	nl.context = make(map[string]any, len(l.context))
	for k, v := range l.context {
		nl.context[k] = v
	}
	return &nl
}

// WithContext adds a key/value attribute that will be attached to every log entry.
func (l *AuditLogger) WithContext(key string, value any) *AuditLogger {
	nl := l.clone()
	nl.context[key] = value
	return nl
}

// WithComponent sets the logical component (turn, telemetry, store, etc.).
func (l *AuditLogger) WithComponent(c string) *AuditLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithSession attaches session and interaction identifiers.
func (l *AuditLogger) WithSession(sid, iid string) *AuditLogger {
	nl := l.clone()
	nl.sessionID = sid
	nl.interactionID = iid
	return nl
}

func (l *AuditLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.context)+3)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.sessionID != "" {
		attrs = append(attrs, slog.String("session_id", l.sessionID))
	}
	if l.interactionID != "" {
		attrs = append(attrs, slog.String("interaction_id", l.interactionID))
	}
	for k, v := range l.context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (l *AuditLogger) log(level slog.Level, allowed bool, msg string, args ...any) {
	if !allowed {
		return
	}
	attrs := l.buildAttrs()
	attrs = append(attrs, argsToAttrs(args)...)
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// argsToAttrs converts alternating key/value args (k1, v1, k2, v2, ...) into
// slog attributes. A trailing key without value is paired with nil and
// non-string keys are rendered with fmt.
func argsToAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		var v any
		if i+1 < len(args) {
			v = args[i+1]
		}
		attrs = append(attrs, slog.Any(key, v))
	}
	return attrs
}

// Debug logs at debug level.
func (l *AuditLogger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *AuditLogger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *AuditLogger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, l.level <= LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *AuditLogger) Error(msg string, args ...any) {
	l.log(slog.LevelError, l.level <= LogLevelError, msg, args...)
}

// ErrorWithStack logs an error plus a runtime stack snapshot.
func (l *AuditLogger) ErrorWithStack(err error, msg string, args ...any) {
	if l.level > LogLevelError {
		return
	}
	attrs := l.buildAttrs()
	attrs = append(attrs, slog.String("error", err.Error()), slog.String("error_type", fmt.Sprintf("%T", err)))
	stack := make([]byte, 4096)
	n := runtime.Stack(stack, false)
	attrs = append(attrs, slog.String("stack_trace", string(stack[:n])))
	attrs = append(attrs, argsToAttrs(args)...)
	l.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

// LogToolRun records the timing of a completed tool run.
func (l *AuditLogger) LogToolRun(tool, runToken string, dur time.Duration) {
	if l.level > LogLevelDebug {
		return
	}
	attrs := l.buildAttrs()
	attrs = append(attrs, slog.String("tool_name", tool), slog.String("run_id", runToken), slog.Duration("duration", dur))
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "Tool run captured", attrs...)
}

// LogModelCall records a model request or response capture.
func (l *AuditLogger) LogModelCall(event, runToken string, messages int) {
	if l.level > LogLevelDebug {
		return
	}
	attrs := l.buildAttrs()
	attrs = append(attrs, slog.String("event", event), slog.String("run_id", runToken), slog.Int("message_count", messages))
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "Model call captured", attrs...)
}

// LogTurn records aggregate metrics for a finalized turn.
func (l *AuditLogger) LogTurn(interactionID string, tools, matched int, latency time.Duration) {
	if l.level > LogLevelInfo {
		return
	}
	attrs := l.buildAttrs()
	attrs = append(attrs,
		slog.String("interaction_id", interactionID),
		slog.Int("tool_count", tools),
		slog.Int("timed_count", matched),
		slog.Duration("latency", latency),
	)
	l.logger.LogAttrs(context.Background(), slog.LevelInfo, "Turn finalized", attrs...)
}

// LogPersist records the outcome of appending an audit record.
func (l *AuditLogger) LogPersist(sink string, dur time.Duration, err error) {
	attrs := l.buildAttrs()
	attrs = append(attrs, slog.String("sink", sink), slog.Duration("duration", dur), slog.Bool("success", err == nil))
	level := slog.LevelDebug
	msg := "Audit record persisted"
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		level = slog.LevelError
		msg = "Audit record persistence failed"
	}
	if slogLevel(l.level) > level {
		return
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// StartTimer returns a closure that logs the elapsed duration when invoked.
func (l *AuditLogger) StartTimer(op string) func() {
	start := time.Now()
	return func() { l.Debug("Operation completed", "operation", op, "duration", time.Since(start)) }
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// NewSlogLogger creates a new AuditLogger with the specified configuration.
func NewSlogLogger(level LogLevel, format string, addSource bool) *AuditLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	if format != "" {
		cfg.Format = format
	}
	cfg.AddSource = addSource
	return NewLogger(cfg)
}

// ToolRun reports a completed tool run through l, using the structured
// AuditLogger form when available.
func ToolRun(l Logger, tool, runToken string, dur time.Duration) {
	if al, ok := l.(*AuditLogger); ok {
		al.LogToolRun(tool, runToken, dur)
		return
	}
	l.Debug("Tool run captured", "tool_name", tool, "run_id", runToken, "duration", dur)
}

// ModelCall reports a captured model call through l.
func ModelCall(l Logger, event, runToken string, messages int) {
	if al, ok := l.(*AuditLogger); ok {
		al.LogModelCall(event, runToken, messages)
		return
	}
	l.Debug("Model call captured", "event", event, "run_id", runToken, "message_count", messages)
}

// Turn reports a finalized turn through l.
func Turn(l Logger, interactionID string, tools, matched int, latency time.Duration) {
	if al, ok := l.(*AuditLogger); ok {
		al.LogTurn(interactionID, tools, matched, latency)
		return
	}
	l.Info("Turn finalized", "interaction_id", interactionID, "tool_count", tools, "timed_count", matched, "latency", latency)
}

// Persist reports the outcome of a sink write through l.
func Persist(l Logger, sink string, dur time.Duration, err error) {
	if al, ok := l.(*AuditLogger); ok {
		al.LogPersist(sink, dur, err)
		return
	}
	if err != nil {
		l.Error("Audit record persistence failed", "sink", sink, "duration", dur, "error", err)
		return
	}
	l.Debug("Audit record persisted", "sink", sink, "duration", dur)
}

// ErrorWithStack reports err through l, attaching a stack snapshot when l is
// an AuditLogger.
func ErrorWithStack(l Logger, err error, msg string, args ...any) {
	if al, ok := l.(*AuditLogger); ok {
		al.ErrorWithStack(err, msg, args...)
		return
	}
	l.Error(msg, append(args, "error", err)...)
}
