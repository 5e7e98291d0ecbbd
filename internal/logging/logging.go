// Package logging builds the structured logger shared by every component
// of the dubbing worker.
//
// Grounded on jmylchreest-tvarr's internal/observability/logger.go: a
// runtime-adjustable slog.LevelVar, a masq-based field redactor for
// sensitive values, and json/text handler selection. Generalized from the
// teacher's plain Logger field on pkg/orchestrator/types.go into a
// constructor every stream worker shares.
package logging

import (
	"io"
	"log/slog"
	"os"
	"regexp"

	"github.com/m-mizutani/masq"
)

// urlCredentialPattern matches query-string credentials embedded in RTMP
// or STS URLs, e.g. rtmp://host/app?token=abc123.
var urlCredentialPattern = regexp.MustCompile(`(?i)(token|secret|password|auth|apikey|api_key)=([^&\s"']+)`)

// Config controls handler format and verbosity. The zero value produces
// an info-level JSON logger writing to stdout.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json, text
	AddSource bool
}

// Level is the shared, runtime-adjustable log level. SetLevel changes the
// verbosity of every logger built from this package without rebuilding
// handlers.
var Level = &slog.LevelVar{}

// New builds a logger writing to stdout per cfg.
func New(cfg Config) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter builds a logger writing to w; used directly by tests that
// want to inspect emitted records.
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	Level.Set(parseLevel(cfg.Level))
	redact := sensitiveFieldRedactor()

	opts := &slog.HandlerOptions{
		Level:     Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			a = redact(groups, a)
			if a.Value.Kind() == slog.KindString {
				if redacted := redactURLCredentials(a.Value.String()); redacted != a.Value.String() {
					a = slog.String(a.Key, redacted)
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func sensitiveFieldRedactor() func(groups []string, a slog.Attr) slog.Attr {
	return masq.New(
		masq.WithFieldName("token"),
		masq.WithFieldName("Token"),
		masq.WithFieldName("secret"),
		masq.WithFieldName("Secret"),
		masq.WithFieldName("password"),
		masq.WithFieldName("Password"),
		masq.WithFieldName("auth_token"),
		masq.WithFieldName("sts_auth_token"),
	)
}

func redactURLCredentials(s string) string {
	return urlCredentialPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the shared level at runtime; valid values are debug,
// info, warn, error.
func SetLevel(level string) {
	Level.Set(parseLevel(level))
}

// ForStream returns a child logger tagged with stream_id, the field every
// per-stream log record carries.
func ForStream(base *slog.Logger, streamID string) *slog.Logger {
	return base.With(slog.String("stream_id", streamID))
}

// ForFragment further tags a stream logger with fragment_id and
// sequence_number, for the fragment lifecycle log lines.
func ForFragment(base *slog.Logger, fragmentID string, sequenceNumber int64) *slog.Logger {
	return base.With(
		slog.String("fragment_id", fragmentID),
		slog.Int64("sequence_number", sequenceNumber),
	)
}
