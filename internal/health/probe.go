package health

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// Probe is evaluated at request time: nil is OK, non-nil fails with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every non-nil probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Named prefixes failures of p with name.
func Named(name string, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		if err := p.Check(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// Fresh fails when last() is older than maxAge. A zero time passes so a
// component that has not run yet is not reported stale.
func Fresh(last func() time.Time, maxAge time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) error {
		at := last()
		if at.IsZero() || maxAge <= 0 {
			return nil
		}
		if age := now().Sub(at); age > maxAge {
			return xerrors.Newf("stale for %s", age.Truncate(time.Second))
		}
		return nil
	}
}
