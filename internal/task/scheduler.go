package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// DefaultTick is how often Run polls when nothing wakes it.
const DefaultTick = 100 * time.Millisecond

// ErrStopped is returned for work offered after Run has returned.
var ErrStopped = errors.New("loop stopped")

// Scheduler is the single cooperative loop. Work posted from any goroutine
// runs on the goroutine that calls Poll or Run, one callback at a time.
type Scheduler struct {
	mu    sync.Mutex
	queue []func()
	wake   chan struct{}
	tick   time.Duration
	closed bool

	logger log.Logger
}

func NewScheduler(tick time.Duration, logger log.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Scheduler{
		wake:   make(chan struct{}, 1),
		tick:   tick,
		logger: logger,
	}
}

// Post queues fn to run on the loop. Never blocks. It reports false, and fn
// is dropped, once Run has returned.
func (s *Scheduler) Post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Poll runs every queued callback on the calling goroutine and returns how
// many ran. Callbacks posted while polling run on the next Poll.
func (s *Scheduler) Poll() int {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, fn := range batch {
		s.run(fn)
	}
	return len(batch)
}

func (s *Scheduler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(context.Background(), xerrors.Newf("%v", r), "loop callback panicked")
		}
	}()
	fn()
}

// Pending reports queued callbacks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run polls until ctx is done, then stops accepting posts and drains what is
// already queued.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			s.Poll()
			return nil
		case <-s.wake:
		case <-t.C:
		}
		s.Poll()
	}
}

// Call runs fn on the loop and waits for it to return. Unless Call returns
// ErrStopped, fn runs exactly once, possibly after Call has given up on ctx.
func (s *Scheduler) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(ctx.Err(), "wait for loop")
	}
}

// Then posts fn to the loop once f completes. fn sees the worker's result.
// When the loop has stopped, fn runs on the waiting goroutine with the
// worker's value and ErrStopped.
func Then[T any](s *Scheduler, f *Future[T], fn func(T, error)) {
	go func() {
		<-f.Done()
		v, _, err := f.Poll()
		if !s.Post(func() { fn(v, err) }) {
			fn(v, ErrStopped)
		}
	}()
}
