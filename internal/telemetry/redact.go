package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const redacted = "[redacted]"

// Redactor is a slog handler that masks registered values, such as plugin
// config data, wherever they appear in a record's message or attributes.
type Redactor struct {
	inner  slog.Handler
	values *redactSet
}

type redactSet struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

// NewRedactor wraps inner.
func NewRedactor(inner slog.Handler) *Redactor {
	return &Redactor{inner: inner, values: &redactSet{values: map[string]struct{}{}}}
}

// Add registers values to mask. Values shorter than four bytes are ignored
// so that short config values do not mangle unrelated log text.
func (r *Redactor) Add(values ...string) {
	r.values.mu.Lock()
	defer r.values.mu.Unlock()
	for _, v := range values {
		if len(v) >= 4 {
			r.values.values[v] = struct{}{}
		}
	}
}

// Redact masks every registered value in s.
func (r *Redactor) Redact(s string) string {
	r.values.mu.RLock()
	defer r.values.mu.RUnlock()
	for v := range r.values.values {
		s = strings.ReplaceAll(s, v, redacted)
	}
	return s
}

func (r *Redactor) empty() bool {
	r.values.mu.RLock()
	defer r.values.mu.RUnlock()
	return len(r.values.values) == 0
}

func (r *Redactor) Enabled(ctx context.Context, level slog.Level) bool {
	return r.inner.Enabled(ctx, level)
}

func (r *Redactor) Handle(ctx context.Context, record slog.Record) error {
	if r.empty() {
		return r.inner.Handle(ctx, record)
	}
	out := slog.NewRecord(record.Time, record.Level, r.Redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(r.attr(a))
		return true
	})
	return r.inner.Handle(ctx, out)
}

// WithAttrs shares the registered values with the parent.
func (r *Redactor) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Redactor{inner: r.inner.WithAttrs(attrs), values: r.values}
}

// WithGroup shares the registered values with the parent.
func (r *Redactor) WithGroup(name string) slog.Handler {
	return &Redactor{inner: r.inner.WithGroup(name), values: r.values}
}

func (r *Redactor) attr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.Redact(v.String()))
	case slog.KindGroup:
		group := v.Group()
		attrs := make([]any, 0, len(group))
		for _, g := range group {
			attrs = append(attrs, r.attr(g))
		}
		return slog.Group(a.Key, attrs...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, r.Redact(err.Error()))
		}
		if s, ok := v.Any().(fmt.Stringer); ok {
			return slog.String(a.Key, r.Redact(s.String()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}
