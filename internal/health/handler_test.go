package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serve(t *testing.T, h http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
	return rec
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.Handler
		wantCode int
		wantBody string
	}{
		{"healthy", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok"},
		{"healthy nil probe", HealthzHandler(nil), http.StatusOK, "ok"},
		{"ready", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready"},
		{"not ready", ReadyzHandler(Named("catalog", Fixed(false, "no listing loaded"))), http.StatusServiceUnavailable, "catalog: no listing loaded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, tt.h)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandler_PassesRequestContext(t *testing.T) {
	type key struct{}
	var got any
	h := ReadyzHandler(CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	}))
	req := httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), key{}, "marker"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "marker" {
		t.Fatalf("probe context value = %v", got)
	}
}

func TestHandler_DrainingGate(t *testing.T) {
	var g ShutdownGate
	h := ReadyzHandler(All(g.Probe(), Fixed(true, "")))
	if rec := serve(t, h); rec.Code != http.StatusOK {
		t.Fatalf("open gate status = %d", rec.Code)
	}
	g.Set("draining")
	if rec := serve(t, h); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining status = %d", rec.Code)
	}
}
