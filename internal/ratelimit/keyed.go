package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-addons/internal/httpmw"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed holds one token bucket per client key with idle eviction.
// Used to keep admin API callers from forcing fetch storms.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	perSecond  rate.Limit
	burst      int
	ttl        time.Duration
	maxClients int

	// OnDenied is called on every denied request.
	OnDenied func(key string)
}

type KeyedOption func(*Keyed)

// WithRate sets refill rate and bucket capacity.
func WithRate(perSecond float64, burst int) KeyedOption {
	return func(k *Keyed) {
		k.perSecond = rate.Limit(perSecond)
		k.burst = burst
	}
}

// WithTTL controls how long an idle key is kept.
func WithTTL(d time.Duration) KeyedOption {
	return func(k *Keyed) {
		if d > 0 {
			k.ttl = d
		}
	}
}

// WithMaxClients caps tracked keys; new keys are denied at capacity. Zero disables the cap.
func WithMaxClients(n int) KeyedOption {
	return func(k *Keyed) { k.maxClients = n }
}

func WithOnKeyDenied(fn func(key string)) KeyedOption {
	return func(k *Keyed) { k.OnDenied = fn }
}

// NewKeyed starts a limiter whose eviction loop stops with ctx.
func NewKeyed(ctx context.Context, opts ...KeyedOption) *Keyed {
	k := &Keyed{
		buckets:    make(map[string]*bucket),
		perSecond:  1,
		burst:      5,
		ttl:        5 * time.Minute,
		maxClients: 1024,
	}
	for _, o := range opts {
		o(k)
	}
	go k.evict(ctx)
	return k
}

// Allow reports whether key may proceed now.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		if k.maxClients > 0 && len(k.buckets) >= k.maxClients {
			k.mu.Unlock()
			k.denied(key)
			return false
		}
		b = &bucket{limiter: rate.NewLimiter(k.perSecond, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = time.Now()
	allowed := b.limiter.Allow()
	k.mu.Unlock()

	if !allowed {
		k.denied(key)
	}
	return allowed
}

func (k *Keyed) denied(key string) {
	if k.OnDenied != nil {
		k.OnDenied(key)
	}
}

func (k *Keyed) evict(ctx context.Context) {
	ticker := time.NewTicker(k.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			k.mu.Lock()
			for key, b := range k.buckets {
				if now.Sub(b.lastSeen) > k.ttl {
					delete(k.buckets, key)
				}
			}
			k.mu.Unlock()
		}
	}
}

func (k *Keyed) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// Middleware rejects requests over the per-client budget with 429.
// The key is the client IP resolved by httpmw.ClientIP.
func (k *Keyed) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !k.Allow(httpmw.ClientIPFromContext(r.Context())) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
