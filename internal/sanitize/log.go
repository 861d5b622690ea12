package sanitize

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
)

type logRule struct {
	pattern     *regexp.Regexp
	replacement string
}

var logRules = []logRule{
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "<IP_REDACTED>"},
	{regexp.MustCompile(`(?i)password["\s:=]+[^\s"]+`), "password=<REDACTED>"},
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret)["\s:=]+[^\s"]+`), "${1}=<REDACTED>"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "<AWS_KEY_REDACTED>"},
	{regexp.MustCompile(`Basic [A-Za-z0-9+/=]{20,}`), "Basic <REDACTED>"},
	{regexp.MustCompile(`Bearer [A-Za-z0-9\-._~+/]+=*`), "Bearer <REDACTED>"},
}

// ForLog scrubs addresses and credentials from a log line. It is narrower than
// RedactPII and is applied to everything that is logged, sanitized or not.
func ForLog(message string) string {
	for _, r := range logRules {
		message = r.pattern.ReplaceAllString(message, r.replacement)
	}
	return message
}

// LogHandler wraps a slog.Handler and runs ForLog over the message and every
// string-like attribute of each record.
type LogHandler struct {
	next slog.Handler
}

// NewLogHandler wraps next.
func NewLogHandler(next slog.Handler) *LogHandler {
	return &LogHandler{next: next}
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	scrubbed := slog.NewRecord(r.Time, r.Level, ForLog(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		scrubbed.AddAttrs(scrubAttr(a))
		return true
	})
	return h.next.Handle(ctx, scrubbed)
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = scrubAttr(a)
	}
	return &LogHandler{next: h.next.WithAttrs(out)}
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{next: h.next.WithGroup(name)}
}

func scrubAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, ForLog(v.String()))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, g := range group {
			out[i] = scrubAttr(g)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return slog.String(a.Key, ForLog(x.Error()))
		case fmt.Stringer:
			return slog.String(a.Key, ForLog(x.String()))
		case []string:
			out := make([]string, len(x))
			for i, s := range x {
				out[i] = ForLog(s)
			}
			return slog.Any(a.Key, out)
		case nil:
			return slog.Attr{Key: a.Key, Value: v}
		default:
			return slog.String(a.Key, ForLog(fmt.Sprintf("%+v", x)))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}
