package catalog

import (
	"errors"
	"maps"
	"slices"
	"sync/atomic"
	"time"
)

// Snapshot is one listing of every configured folder.
type Snapshot struct {
	Folders  map[string][]string
	LoadedAt time.Time
}

// Keys returns every extension key across folders, sorted and deduplicated.
func (s *Snapshot) Keys() []string {
	var out []string
	for _, ks := range s.Folders {
		out = append(out, ks...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type Catalog struct {
	active atomic.Pointer[Snapshot]
}

func New() *Catalog { return &Catalog{} }

// Set replaces the active snapshot with a private copy of s.
func (c *Catalog) Set(s Snapshot) {
	cp := &Snapshot{
		Folders:  make(map[string][]string, len(s.Folders)),
		LoadedAt: s.LoadedAt,
	}
	for f, ks := range s.Folders {
		cp.Folders[f] = slices.Clone(ks)
	}
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	c.active.Store(cp)
}

// Get retrieves the active snapshot.
func (c *Catalog) Get() (*Snapshot, bool) {
	s := c.active.Load()
	return s, s != nil
}

// Keys returns every listed key, or nil before the first Set.
func (c *Catalog) Keys() []string {
	s := c.active.Load()
	if s == nil {
		return nil
	}
	return s.Keys()
}

// Folders returns the listed folder names in sorted order.
func (c *Catalog) Folders() []string {
	s := c.active.Load()
	if s == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(s.Folders))
}

// Contains reports whether key is in the active listing.
func (c *Catalog) Contains(key string) bool {
	s := c.active.Load()
	if s == nil {
		return false
	}
	for _, ks := range s.Folders {
		if slices.Contains(ks, key) {
			return true
		}
	}
	return false
}

// LoadedAt returns when the active listing was fetched, or zero.
func (c *Catalog) LoadedAt() time.Time {
	s := c.active.Load()
	if s == nil {
		return time.Time{}
	}
	return s.LoadedAt
}

// Fresh reports whether the listing is younger than ttl at now.
func (c *Catalog) Fresh(now time.Time, ttl time.Duration) bool {
	at := c.LoadedAt()
	return !at.IsZero() && now.Sub(at) < ttl
}

// ReadyErr returns an error if no listing has been loaded.
func (c *Catalog) ReadyErr() error {
	if _, ok := c.Get(); !ok {
		return errors.New("catalog: no listing loaded")
	}
	return nil
}
