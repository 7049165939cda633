package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-addons/internal/httpmw"
)

func newTestKeyed(t *testing.T, opts ...KeyedOption) *Keyed {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewKeyed(ctx, append([]KeyedOption{WithTTL(100 * time.Millisecond)}, opts...)...)
}

func TestKeyed_BurstThenReject(t *testing.T) {
	k := newTestKeyed(t, WithRate(0.001, 3))
	for i := 0; i < 3; i++ {
		if !k.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if k.Allow("10.0.0.1") {
		t.Fatal("request over burst should be denied")
	}
	if !k.Allow("10.0.0.2") {
		t.Fatal("other key has its own bucket")
	}
}

func TestKeyed_OnDenied(t *testing.T) {
	var n atomic.Int32
	k := newTestKeyed(t, WithRate(0.001, 1), WithOnKeyDenied(func(string) { n.Add(1) }))
	k.Allow("a")
	k.Allow("a")
	k.Allow("a")
	if n.Load() != 2 {
		t.Fatalf("OnDenied = %d, want 2", n.Load())
	}
}

func TestKeyed_MaxClients(t *testing.T) {
	k := newTestKeyed(t, WithRate(100, 100), WithMaxClients(2))
	k.Allow("a")
	k.Allow("b")
	if k.Allow("c") {
		t.Fatal("new key should be denied at capacity")
	}
	if !k.Allow("a") {
		t.Fatal("existing key should still be served at capacity")
	}
}

func TestKeyed_EvictsIdle(t *testing.T) {
	k := newTestKeyed(t)
	for i := 0; i < 5; i++ {
		k.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	deadline := time.Now().Add(2 * time.Second)
	for k.len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle keys not evicted, %d left", k.len())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestKeyed_Middleware(t *testing.T) {
	k := newTestKeyed(t, WithRate(0.001, 1))
	var served atomic.Int32
	h := k.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/extensions/load", nil)
		req = req.WithContext(httpmw.WithClientIP(req.Context(), "192.0.2.7"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 should carry Retry-After")
	}
	if served.Load() != 1 {
		t.Fatalf("handler served %d requests, want 1", served.Load())
	}
}
