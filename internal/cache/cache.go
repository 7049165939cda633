package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// FetchFunc retrieves a fresh entry from the remote.
type FetchFunc func(ctx context.Context) (Entry, error)

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncCacheResult(result string)
	IncCacheEvictions(n int)
	SetCacheEntries(n int)
}

// Cache results reported to Metrics.
const (
	ResultHit         = "hit"
	ResultMiss        = "miss"
	ResultStale       = "stale"
	ResultRateLimited = "rate_limited"
)

type Options struct {
	Logger  log.Logger
	Store   Store
	Limiter *ratelimit.Window
	Metrics Metrics
	Now     func() time.Time
}

// Cache maps logical paths to encrypted payloads with TTL freshness and a
// shared call budget for refreshes. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	store   Store
	limiter *ratelimit.Window
	logger  log.Logger
	metrics Metrics
	now     func() time.Time
	group   singleflight.Group

	// saves are serialised and ordered by generation
	saveMu   sync.Mutex
	gen      uint64
	savedGen uint64
}

// New loads persisted entries. An unreadable store yields an empty cache and
// a warning; the next successful save replaces it.
func New(ctx context.Context, opts Options) *Cache {
	c := &Cache{
		entries: map[string]Entry{},
		store:   opts.Store,
		limiter: opts.Limiter,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if c.logger == nil {
		c.logger = log.Nop()
	}
	if c.store == nil {
		c.store = NewMemStore()
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewWindow(0, 0)
	}
	if c.now == nil {
		c.now = time.Now
	}

	m, err := c.store.Load()
	if err != nil {
		c.logger.Warn(ctx, "cache unreadable, starting empty", "error", err.Error())
	} else {
		c.entries = m
	}
	c.setGauge(len(c.entries))
	return c
}

// Get returns the entry for path regardless of age.
func (c *Cache) Get(path string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	return e, ok
}

// GetOrFetch returns a fresh entry or refreshes it through fetch.
//
// A fresh hit never touches the limiter. A refresh first asks the limiter;
// when denied the stale entry is returned with Stale set, or ErrRateLimited
// if none exists. Concurrent refreshes of one path share a single fetch.
func (c *Cache) GetOrFetch(ctx context.Context, path string, ttl time.Duration, fetch FetchFunc) (Entry, error) {
	if e, ok := c.Get(path); ok && e.Fresh(c.now(), ttl) {
		c.inc(ResultHit)
		return e, nil
	}

	// the shared fetch outlives any single caller's cancellation
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(path, func() (any, error) {
		return c.refresh(shared, path, ttl, fetch)
	})
	select {
	case <-ctx.Done():
		return Entry{}, xerrors.Wrapf(ctx.Err(), "fetch %s", path)
	case r := <-ch:
		if r.Err != nil {
			return Entry{}, r.Err
		}
		return r.Val.(Entry), nil
	}
}

func (c *Cache) refresh(ctx context.Context, path string, ttl time.Duration, fetch FetchFunc) (Entry, error) {
	old, had := c.Get(path)
	if had && old.Fresh(c.now(), ttl) {
		c.inc(ResultHit)
		return old, nil
	}

	if !c.limiter.TryAcquire() {
		if had {
			c.inc(ResultStale)
			c.logger.Debug(ctx, "rate limited, serving stale entry",
				"path", path,
				"age", c.now().Sub(old.FetchedAt).String(),
			)
			old.Stale = true
			return old, nil
		}
		c.inc(ResultRateLimited)
		return Entry{}, xerrors.Markf(xerrors.ErrRateLimited, "fetch %s: local call budget exhausted", path)
	}

	c.inc(ResultMiss)
	e, err := fetch(ctx)
	if err != nil {
		return Entry{}, err
	}
	e.Path = path
	e.Stale = false
	if e.FetchedAt.IsZero() {
		e.FetchedAt = c.now()
	}
	c.Put(ctx, e)
	return e, nil
}

// Put stores or overwrites an entry and persists the cache.
func (c *Cache) Put(ctx context.Context, e Entry) {
	if e.FetchedAt.IsZero() {
		e.FetchedAt = c.now()
	}
	e.Stale = false
	c.mu.Lock()
	c.entries[e.Path] = e
	c.mu.Unlock()
	c.persist(ctx)
}

// Touch marks an entry as freshly confirmed, used when the remote reports
// the cached version is current. Unknown paths are ignored.
func (c *Cache) Touch(ctx context.Context, path string) bool {
	c.mu.Lock()
	e, ok := c.entries[path]
	if ok {
		e.FetchedAt = c.now()
		c.entries[path] = e
	}
	c.mu.Unlock()
	if ok {
		c.persist(ctx)
	}
	return ok
}

// Invalidate removes every entry whose path is not in valid and returns the
// removed paths.
func (c *Cache) Invalidate(ctx context.Context, valid []string) []string {
	keep := make(map[string]struct{}, len(valid))
	for _, p := range valid {
		keep[p] = struct{}{}
	}
	var removed []string
	c.mu.Lock()
	for p := range c.entries {
		if _, ok := keep[p]; !ok {
			delete(c.entries, p)
			removed = append(removed, p)
		}
	}
	c.mu.Unlock()

	if len(removed) > 0 {
		slices.Sort(removed)
		c.evicted(len(removed))
		c.logger.Info(ctx, "cache entries invalidated", "count", len(removed))
		c.persist(ctx)
	}
	return removed
}

// InvalidateOne removes a single entry. Reports whether it existed.
func (c *Cache) InvalidateOne(ctx context.Context, path string) bool {
	c.mu.Lock()
	_, ok := c.entries[path]
	delete(c.entries, path)
	c.mu.Unlock()
	if ok {
		c.evicted(1)
		c.persist(ctx)
	}
	return ok
}

// Paths returns cached paths in sorted order.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.entries))
	for p := range c.entries {
		out = append(out, p)
	}
	c.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// persist snapshots under the lock and saves outside it. A snapshot
// older than one already saved is dropped.
func (c *Cache) persist(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	snap := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		snap[k] = v
	}
	c.mu.Unlock()
	c.setGauge(len(snap))

	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if gen <= c.savedGen {
		return
	}
	if err := c.store.Save(snap); err != nil {
		c.logger.Error(ctx, err, "persist cache", "entries", len(snap))
		return
	}
	c.savedGen = gen
}

func (c *Cache) inc(result string) {
	if c.metrics != nil {
		c.metrics.IncCacheResult(result)
	}
}

func (c *Cache) evicted(n int) {
	if c.metrics != nil {
		c.metrics.IncCacheEvictions(n)
	}
}

func (c *Cache) setGauge(n int) {
	if c.metrics != nil {
		c.metrics.SetCacheEntries(n)
	}
}
