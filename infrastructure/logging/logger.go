// Package logging provides structured logging with trace ID support.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID.
	TraceIDKey ContextKey = "trace_id"
	// ModuleKey is the context key for the owning module name.
	ModuleKey ContextKey = "module"
	// SubjectKey is the context key for the authenticated subject.
	SubjectKey ContextKey = "subject"
)

// Logger wraps logrus.Logger with host-specific helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// Config controls logger construction from the host configuration.
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// New creates a Logger for the named component.
func New(component string, cfg Config) *Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	logger.SetOutput(out)

	return &Logger{
		Logger:    logger,
		component: component,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables. Defaults to "info" and "json" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, Config{Level: level, Format: format})
}

// Named returns a logger sharing the underlying logrus instance but tagged
// with a different component. Used to derive per-module loggers from the
// host logger without reconfiguring output.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Component returns the component tag for this logger.
func (l *Logger) Component() string {
	return l.component
}

// WithContext creates a logger entry enriched with context values.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if ctx == nil {
		return entry
	}
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if module := ctx.Value(ModuleKey); module != nil {
		entry = entry.WithField("module", module)
	}
	if subject := ctx.Value(SubjectKey); subject != nil {
		entry = entry.WithField("subject", subject)
	}
	return entry
}

// WithFields creates a logger entry with custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError creates a logger entry carrying an error.
func (l *Logger) WithError(err error) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if err != nil {
		entry = entry.WithField("error", err.Error())
	}
	return entry
}

// LogRequest logs a served HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("HTTP request")
}

// LogPhase logs a module lifecycle phase transition. Event is one of
// "begin", "end", "failure"; the message key follows
// module.<name>.<phase>.<event>.
func (l *Logger) LogPhase(module, phase, event string, elapsed time.Duration, err error) {
	entry := l.WithFields(map[string]interface{}{
		"module": module,
		"phase":  phase,
		"event":  event,
	})
	if elapsed > 0 {
		entry = entry.WithField("duration_ms", elapsed.Milliseconds())
	}
	msg := "module." + module + "." + phase + "." + event
	if err != nil {
		entry.WithField("error", err.Error()).Error(msg)
		return
	}
	entry.Info(msg)
}

// LogConfigChange logs an effective configuration change.
func (l *Logger) LogConfigChange(key, source, changeType string) {
	l.WithFields(map[string]interface{}{
		"key":         key,
		"source":      source,
		"change_type": changeType,
	}).Info("config.changed")
}

// LogHealthTransition logs a module health status transition.
func (l *Logger) LogHealthTransition(module, from, to string) {
	l.WithFields(map[string]interface{}{
		"module": module,
		"from":   from,
		"to":     to,
	}).Info("health.transition")
}

// Context helpers

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithModule tags the context with the owning module name.
func WithModule(ctx context.Context, module string) context.Context {
	return context.WithValue(ctx, ModuleKey, module)
}

// GetModule retrieves the module name from context.
func GetModule(ctx context.Context) string {
	if module, ok := ctx.Value(ModuleKey).(string); ok {
		return module
	}
	return ""
}

// WithSubject adds the authenticated subject to the context.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}

// GetSubject retrieves the authenticated subject from context.
func GetSubject(ctx context.Context) string {
	if subject, ok := ctx.Value(SubjectKey).(string); ok {
		return subject
	}
	return ""
}
