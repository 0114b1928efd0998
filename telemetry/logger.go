package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/draftmill/flywheel/core"
)

// PlatformLogger is the structured logger used across the platform.
// It implements core.Logger including the context-aware variants, which
// attach correlation and trace identifiers to each entry.
//
// Output routing:
//   - ERROR entries go to stderr
//   - DEBUG, INFO, and WARN entries go to stdout
//
// Formats:
//   - json: one JSON object per line, for log aggregation in K8s
//   - text: human-readable lines for local development
type PlatformLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	stdout      io.Writer
	stderr      io.Writer
	mu          sync.RWMutex

	// Optional rate limiting for error entries, to prevent log flooding
	// during sustained failures. Nil means no limiting.
	errorLimiter *RateLimiter
}

// LoggerOption customizes a PlatformLogger.
type LoggerOption func(*PlatformLogger)

// WithLevel sets the minimum log level (DEBUG, INFO, WARN, ERROR).
func WithLevel(level string) LoggerOption {
	return func(l *PlatformLogger) {
		l.level = strings.ToUpper(level)
		l.debug = l.level == "DEBUG"
	}
}

// WithFormat selects "json" or "text" output.
func WithFormat(format string) LoggerOption {
	return func(l *PlatformLogger) {
		l.format = format
	}
}

// WithOutputs overrides the standard and error streams. Useful for tests.
func WithOutputs(stdout, stderr io.Writer) LoggerOption {
	return func(l *PlatformLogger) {
		l.stdout = stdout
		l.stderr = stderr
	}
}

// WithErrorRateLimit drops error entries arriving faster than one per
// interval. Off by default.
func WithErrorRateLimit(interval time.Duration) LoggerOption {
	return func(l *PlatformLogger) {
		l.errorLimiter = NewRateLimiter(interval)
	}
}

// NewLogger creates a logger for the named service.
// Configuration priority:
//  1. Explicit options (highest)
//  2. Environment variables (FLYWHEEL_LOG_LEVEL, FLYWHEEL_DEBUG, FLYWHEEL_LOG_FORMAT)
//  3. Auto-detection (K8s environment uses JSON)
//  4. Defaults (lowest)
func NewLogger(serviceName string, opts ...LoggerOption) *PlatformLogger {
	// Determine log level from environment
	level := os.Getenv("FLYWHEEL_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("FLYWHEEL_DEBUG") == "true" ||
		strings.ToUpper(level) == "DEBUG"

	// Auto-detect Kubernetes environment for structured logging
	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json" // Use JSON in K8s for log aggregation
	}
	// Allow explicit override
	if envFormat := os.Getenv("FLYWHEEL_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	l := &PlatformLogger{
		level:       strings.ToUpper(level),
		debug:       debug,
		serviceName: serviceName,
		format:      format,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Info logs informational messages
func (l *PlatformLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages
func (l *PlatformLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages to stderr, subject to rate limiting when enabled.
// When entries were dropped since the last one, the allowed entry carries a
// suppressed_errors field with the count.
func (l *PlatformLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil {
		if !l.errorLimiter.Allow() {
			return
		}
		if n := l.errorLimiter.TakeSuppressed(); n > 0 {
			merged := make(map[string]interface{}, len(fields)+1)
			for k, v := range fields {
				merged[k] = v
			}
			merged["suppressed_errors"] = n
			fields = merged
		}
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only when debug mode is enabled)
func (l *PlatformLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

// InfoWithContext logs at INFO level with correlation fields from ctx
func (l *PlatformLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, mergeContextFields(ctx, fields))
}

// ErrorWithContext logs at ERROR level with correlation fields from ctx
func (l *PlatformLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, mergeContextFields(ctx, fields))
}

// WarnWithContext logs at WARN level with correlation fields from ctx
func (l *PlatformLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, mergeContextFields(ctx, fields))
}

// DebugWithContext logs at DEBUG level with correlation fields from ctx
func (l *PlatformLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, mergeContextFields(ctx, fields))
}

// log is the core logging implementation
func (l *PlatformLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)

	// Error entries go to stderr so runtimes can split the streams
	out := l.stdout
	if level == "ERROR" {
		out = l.stderr
	}

	if l.format == "json" {
		l.logJSON(out, timestamp, level, msg, fields)
	} else {
		l.logText(out, timestamp, level, msg, fields)
	}
}

// logJSON outputs structured JSON logs
func (l *PlatformLogger) logJSON(out io.Writer, timestamp, level, msg string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"message":   msg,
	}

	for k, v := range fields {
		// Avoid overwriting envelope fields
		if k != "timestamp" && k != "level" && k != "service" && k != "message" {
			// Errors marshal to "{}" by default; keep the message instead
			if err, ok := v.(error); ok {
				logEntry[k] = err.Error()
				continue
			}
			logEntry[k] = v
		}
	}

	if data, err := json.Marshal(logEntry); err == nil {
		fmt.Fprintln(out, string(data))
	}
}

// logText outputs human-readable text logs
func (l *PlatformLogger) logText(out io.Writer, timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Surface the fields a reader looks for first
		if op, ok := fields["operation"]; ok {
			fieldStr.WriteString(fmt.Sprintf("operation=%v ", op))
		}
		if err, ok := fields["error"]; ok {
			fieldStr.WriteString(fmt.Sprintf("error=\"%v\" ", err))
		}
		for k, v := range fields {
			if k == "operation" || k == "error" {
				continue
			}
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	fmt.Fprintf(out, "%s [%s] [%s] %s%s\n",
		timestamp, level, l.serviceName, msg, fieldStr.String())
}

// shouldLog determines if a log level should be output
func (l *PlatformLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]

	// Default to logging if levels are unknown
	if !ok1 || !ok2 {
		return true
	}

	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level
func (l *PlatformLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetFormat dynamically updates the log format
func (l *PlatformLogger) SetFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

// SetOutputs changes the output writers (useful for testing)
func (l *PlatformLogger) SetOutputs(stdout, stderr io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stdout = stdout
	l.stderr = stderr
}

// Component derives a logger that stamps a component field on every entry,
// so one process can split its log stream by subsystem (queue, plan,
// commerce). The child shares the parent's level, outputs, and error rate
// limiter. An explicit component field passed by the caller wins.
func (l *PlatformLogger) Component(name string) core.Logger {
	if name == "" {
		return l
	}
	return &componentLogger{base: l, component: name}
}

type componentLogger struct {
	base      *PlatformLogger
	component string
}

func (c *componentLogger) stamp(fields map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(fields)+1)
	merged["component"] = c.component
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

func (c *componentLogger) Info(msg string, fields map[string]interface{}) {
	c.base.Info(msg, c.stamp(fields))
}

func (c *componentLogger) Warn(msg string, fields map[string]interface{}) {
	c.base.Warn(msg, c.stamp(fields))
}

func (c *componentLogger) Error(msg string, fields map[string]interface{}) {
	c.base.Error(msg, c.stamp(fields))
}

func (c *componentLogger) Debug(msg string, fields map[string]interface{}) {
	c.base.Debug(msg, c.stamp(fields))
}

func (c *componentLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.InfoWithContext(ctx, msg, c.stamp(fields))
}

func (c *componentLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.WarnWithContext(ctx, msg, c.stamp(fields))
}

func (c *componentLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.ErrorWithContext(ctx, msg, c.stamp(fields))
}

func (c *componentLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.DebugWithContext(ctx, msg, c.stamp(fields))
}

// mergeContextFields copies fields and adds correlation/trace identifiers
// found in the context. The caller's map is never mutated.
func mergeContextFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	ctxFields := ContextFields(ctx)
	if len(ctxFields) == 0 {
		return fields
	}

	merged := make(map[string]interface{}, len(fields)+len(ctxFields))
	for k, v := range ctxFields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}
