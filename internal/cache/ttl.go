package cache

import (
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// Kind selects a TTL class.
type Kind string

const (
	KindContent Kind = "content"
	KindListing Kind = "listing"
	KindAuth    Kind = "auth"
)

// TTLTable holds per-endpoint freshness windows.
type TTLTable struct {
	Content time.Duration
	Listing time.Duration
	Auth    time.Duration
}

func DefaultTTLs() TTLTable {
	return TTLTable{
		Content: 5 * time.Minute,
		Listing: time.Hour,
		Auth:    time.Minute,
	}
}

// For returns the TTL for kind, falling back to Content.
func (t TTLTable) For(k Kind) time.Duration {
	switch k {
	case KindListing:
		return t.Listing
	case KindAuth:
		return t.Auth
	default:
		return t.Content
	}
}

func (t TTLTable) String() string {
	return "content=" + t.Content.String() + ",listing=" + t.Listing.String() + ",auth=" + t.Auth.String()
}

// ParseTTLTable parses "content=5m,listing=1h,auth=1m". Omitted kinds keep defaults.
func ParseTTLTable(s string) (TTLTable, error) {
	t := DefaultTTLs()
	s = strings.TrimSpace(s)
	if s == "" {
		return t, nil
	}
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return t, xerrors.Newf("ttl entry %q: want kind=duration", part)
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return t, xerrors.Wrapf(err, "ttl entry %q", part)
		}
		if d <= 0 {
			return t, xerrors.Newf("ttl entry %q: must be positive", part)
		}
		switch Kind(strings.TrimSpace(k)) {
		case KindContent:
			t.Content = d
		case KindListing:
			t.Listing = d
		case KindAuth:
			t.Auth = d
		default:
			return t, xerrors.Newf("ttl entry %q: unknown kind (valid: content|listing|auth)", part)
		}
	}
	return t, nil
}
