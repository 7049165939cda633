package log

import (
	"log/slog"
	"strings"
	"testing"
)

func TestRedact_SensitiveKeys(t *testing.T) {
	l, buf := newJSON(t, Options{RedactKeys: []string{"device_id"}})
	l = l.With("api_key", "k-123")
	l.Info(t.Context(), "fetch",
		"key", "ADDONS/tool.js",
		"encrypted_data", "AAAA",
		"request_token", "tok",
		"Secret", "s3cr3t",
		"device_id", "host-1",
		"version_hash", "abc",
	)

	out := buf.String()
	for _, leaked := range []string{"k-123", "AAAA", "tok\"", "s3cr3t", "host-1"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("sensitive value %q leaked: %s", leaked, out)
		}
	}
	r := records(t, buf)[0]
	if r["key"] != "ADDONS/tool.js" || r["version_hash"] != "abc" {
		t.Fatalf("ordinary attrs should pass through: %v", r)
	}
	if r["api_key"] != redacted || r["request_token"] != redacted {
		t.Fatalf("record = %v", r)
	}
}

func TestRedact_Groups(t *testing.T) {
	l, buf := newJSON(t, Options{})
	l.Info(t.Context(), "creds", "auth", slog.GroupValue(
		slog.String("user", "svc"),
		slog.String("password", "hunter2"),
	))
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("grouped secret leaked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "svc") {
		t.Fatal("grouped ordinary value should pass")
	}
}
