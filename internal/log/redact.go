package log

import (
	"context"
	"log/slog"
	"strings"
)

const redacted = "[redacted]"

// DefaultRedactKeys are attribute keys whose values never reach the output.
// Matching is case-insensitive and also applies to keys ending in "_<key>".
var DefaultRedactKeys = []string{
	"secret",
	"api_key",
	"apikey",
	"token",
	"authorization",
	"password",
	"plaintext",
	"encrypted_data",
	"signature",
}

type redactHandler struct {
	next slog.Handler
	keys map[string]struct{}
}

func newRedactHandler(next slog.Handler, extra []string) redactHandler {
	keys := make(map[string]struct{}, len(DefaultRedactKeys)+len(extra))
	for _, k := range DefaultRedactKeys {
		keys[strings.ToLower(k)] = struct{}{}
	}
	for _, k := range extra {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys[k] = struct{}{}
		}
	}
	return redactHandler{next: next, keys: keys}
}

func (h redactHandler) sensitive(key string) bool {
	k := strings.ToLower(key)
	if _, ok := h.keys[k]; ok {
		return true
	}
	if i := strings.LastIndexByte(k, '_'); i >= 0 {
		if _, ok := h.keys[k[i+1:]]; ok {
			return true
		}
	}
	if i := strings.LastIndexByte(k, '.'); i >= 0 {
		if _, ok := h.keys[k[i+1:]]; ok {
			return true
		}
	}
	return false
}

func (h redactHandler) scrub(a slog.Attr) slog.Attr {
	if h.sensitive(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindGroup {
		in := a.Value.Group()
		out := make([]slog.Attr, len(in))
		for i, g := range in {
			out[i] = h.scrub(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}

func (h redactHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h redactHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.scrub(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.scrub(a)
	}
	return redactHandler{next: h.next.WithAttrs(clean), keys: h.keys}
}

func (h redactHandler) WithGroup(name string) slog.Handler {
	return redactHandler{next: h.next.WithGroup(name), keys: h.keys}
}
