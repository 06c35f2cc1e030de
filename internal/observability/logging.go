// Package observability provides structured logging with secret
// redaction, Prometheus metrics, OpenTelemetry tracing, and the audit
// timeline.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text". JSON is
	// recommended for production; text for development.
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data
	// redaction. Default patterns already cover common secrets.
	RedactPatterns []string
}

// ContextKey is the type for context keys used in log correlation.
type ContextKey string

const (
	// ConnectionIDKey is the context key for WebSocket connection IDs.
	ConnectionIDKey ContextKey = "connection_id"

	// ConversationIDKey is the context key for conversation IDs.
	ConversationIDKey ContextKey = "conversation_id"

	// UserIDKey is the context key for user IDs.
	UserIDKey ContextKey = "user_id"

	// MessageIDKey is the context key for protocol message IDs.
	MessageIDKey ContextKey = "message_id"
)

var contextKeys = []ContextKey{ConnectionIDKey, ConversationIDKey, UserIDKey, MessageIDKey}

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	// API keys and tokens
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,

	// Anthropic API keys
	`sk-ant-[a-zA-Z0-9_-]{95,}`,

	// OpenAI API keys
	`sk-[a-zA-Z0-9]{48,}`,

	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,

	// Generic hex secrets (32+ chars)
	`(?i)(secret|key|token)[\s:=]+["\']?([a-fA-F0-9]{32,})["\']?`,
}

// sensitiveKeys are attribute names whose values are always replaced.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"api_key":       true,
	"apikey":        true,
	"private_key":   true,
	"auth":          true,
	"authorization": true,
}

// NewLogger creates a structured logger. String attribute values and
// messages pass through the redaction patterns, and correlation IDs
// placed in the context via WithConnectionID and friends are attached
// to every record.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var inner slog.Handler
	if config.Format == "text" {
		inner = slog.NewTextHandler(config.Output, opts)
	} else {
		inner = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return slog.New(&redactHandler{inner: inner, redacts: redacts})
}

// LogLevelFromString converts a string to a slog.Level. Returns
// LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithConnectionID adds a connection ID to the context for log correlation.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, id)
}

// WithConversationID adds a conversation ID to the context for log correlation.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

// WithUserID adds a user ID to the context for log correlation.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

// WithMessageID adds a protocol message ID to the context for log correlation.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, MessageIDKey, id)
}

// redactHandler wraps another handler, scrubbing secrets from messages
// and string attribute values and attaching correlation IDs from the
// context.
type redactHandler struct {
	inner   slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)

	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(attr))
		return true
	})
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			clean.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.inner.Handle(ctx, clean)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		clean[i] = h.redactAttr(attr)
	}
	return &redactHandler{inner: h.inner.WithAttrs(clean), redacts: h.redacts}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name), redacts: h.redacts}
}

func (h *redactHandler) redactAttr(attr slog.Attr) slog.Attr {
	key := strings.ToLower(strings.ReplaceAll(attr.Key, "-", "_"))
	if sensitiveKeys[key] {
		return slog.String(attr.Key, "[REDACTED]")
	}
	switch attr.Value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.redactString(attr.Value.String()))
	case slog.KindGroup:
		members := attr.Value.Group()
		clean := make([]any, len(members))
		for i, member := range members {
			clean[i] = h.redactAttr(member)
		}
		return slog.Group(attr.Key, clean...)
	default:
		return attr
	}
}

func (h *redactHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
