// Package observability provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the steward runtime. Components receive these by
// reference; nothing in this package installs process-global state except the
// optional OTel provider.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// DefaultRedactPatterns match secret material that must never reach logs:
// provider API keys, bearer tokens, JWTs, and key-value pairs whose key
// suggests a credential.
var DefaultRedactPatterns = []string{
	`sk-ant-[A-Za-z0-9\-_]{8,}`,
	`sk-[A-Za-z0-9]{20,}`,
	`(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`,
	`eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`,
	`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*\S+`,
}

// LogConfig configures the runtime logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// Format is json or text. Defaults to json.
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer

	// RedactPatterns are additional regexps applied to string attributes.
	RedactPatterns []string

	// AddSource includes file:line in records.
	AddSource bool
}

// Logger wraps slog with secret redaction and context-field extraction.
type Logger struct {
	*slog.Logger
	redact []*regexp.Regexp
}

// NewLogger builds a Logger from config. Invalid redact patterns are skipped.
func NewLogger(cfg LogConfig) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level := parseLevel(cfg.Level)

	patterns := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(cfg.RedactPatterns))
	for _, p := range append(append([]string{}, DefaultRedactPatterns...), cfg.RedactPatterns...) {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		patterns = append(patterns, re)
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(redactString(a.Value.String(), patterns))
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler), redact: patterns}
}

// NopLogger returns a logger that discards everything. Used in tests.
func NopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard, Level: "error"})
}

// With returns a child logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), redact: l.redact}
}

// WithContext returns a child logger annotated with any identifiers stored in
// ctx (user key, session id, turn id).
func (l *Logger) WithContext(ctx context.Context) *Logger {
	args := make([]any, 0, 6)
	if v, ok := ctx.Value(userKeyKey).(string); ok && v != "" {
		args = append(args, "user_key", v)
	}
	if v, ok := ctx.Value(sessionIDKey).(string); ok && v != "" {
		args = append(args, "session_id", v)
	}
	if v, ok := ctx.Value(turnIDKey).(string); ok && v != "" {
		args = append(args, "turn_id", v)
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}

// Redact applies the logger's redaction patterns to s. Exposed so callers can
// scrub strings that bypass slog (error payloads sent over transports).
func (l *Logger) Redact(s string) string {
	return redactString(s, l.redact)
}

func redactString(s string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type contextKey string

const (
	userKeyKey   contextKey = "user_key"
	sessionIDKey contextKey = "session_id"
	turnIDKey    contextKey = "turn_id"
)

// ContextWithUserKey stores the user key for WithContext extraction.
func ContextWithUserKey(ctx context.Context, userKey string) context.Context {
	return context.WithValue(ctx, userKeyKey, userKey)
}

// UserKeyFromContext returns the user key stored by ContextWithUserKey.
// Tools use it to scope per-user state to the acting user.
func UserKeyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userKeyKey).(string)
	return v, ok && v != ""
}

// ContextWithSessionID stores the session id for WithContext extraction.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// ContextWithTurnID stores the turn id for WithContext extraction.
func ContextWithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey, turnID)
}
