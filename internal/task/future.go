package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// Future is a single-slot handoff of one result from a worker.
// The first completion wins; later ones are dropped.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns an already-completed future.
func Resolved[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(v, err)
	return f
}

func (f *Future[T]) complete(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Poll returns the result without blocking. ok is false while pending.
func (f *Future[T]) Poll() (v T, ok bool, err error) {
	select {
	case <-f.done:
		return f.val, true, f.err
	default:
		return v, false, nil
	}
}

// Await waits up to timeout. On timeout the outcome is unknown: the worker
// may still finish, and its result is discarded unless awaited again.
func (f *Future[T]) Await(timeout time.Duration) (T, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return f.val, f.err
	case <-t.C:
		var zero T
		return zero, xerrors.Markf(xerrors.ErrTimeout, "no result after %s", timeout)
	}
}

// AwaitContext waits until the result is ready or ctx is done.
func (f *Future[T]) AwaitContext(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, xerrors.Mark(ctx.Err(), xerrors.ErrTimeout)
		}
		return zero, ctx.Err()
	}
}
