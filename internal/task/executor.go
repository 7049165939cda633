package task

import (
	"context"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// DefaultWorkers bounds concurrent network calls when unset.
const DefaultWorkers = 4

// Metrics is implemented by the metrics package.
type Metrics interface {
	SetTasksInFlight(n int)
}

type ExecutorOptions struct {
	Logger  log.Logger
	Workers int
	Metrics Metrics
}

// Executor runs blocking work off the loop goroutine with bounded
// concurrency. Every submitted task gets its own goroutine that waits for a
// worker slot, so Submit never blocks.
type Executor struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	logger  log.Logger
	metrics Metrics

	mu       sync.Mutex
	inFlight int
}

// NewExecutor derives its context from ctx; canceling ctx or calling Close
// cancels every running task.
func NewExecutor(ctx context.Context, opts ExecutorOptions) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Executor{
		ctx:     ctx,
		cancel:  cancel,
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Submit schedules fn on e and returns its future. A panic in fn completes
// the future with an error. Not a method because methods cannot be generic.
func Submit[T any](e *Executor, name string, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		var zero T
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			f.complete(zero, xerrors.Wrapf(err, "task %s: acquire worker", name))
			return
		}
		defer e.sem.Release(1)
		e.track(1)
		defer e.track(-1)

		defer func() {
			if r := recover(); r != nil {
				err := xerrors.Newf("task %s panicked: %v", name, r)
				e.logger.Error(e.ctx, err, "task panic", "task", name, "stack", string(debug.Stack()))
				f.complete(zero, err)
			}
		}()
		v, err := fn(e.ctx)
		f.complete(v, err)
	}()
	return f
}

func (e *Executor) track(delta int) {
	e.mu.Lock()
	e.inFlight += delta
	n := e.inFlight
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.SetTasksInFlight(n)
	}
}

// InFlight reports tasks currently holding a worker slot.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// Close cancels outstanding tasks and waits for their goroutines to exit.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}
