// Watcher asks the remote whether any cached extension has a newer version
// and hot-reloads active modules when one arrives.
//
// Each cycle refreshes the listing (gated by the listing TTL), then walks
// every cached path with its current version hash, pacing requests so the
// remote is never hammered. Consecutive cycles where nothing could be
// reached back off exponentially.

package addons

import (
	"context"
	"math"
	"time"

	"github.com/keithlinneman/linnemanlabs-addons/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-addons/internal/lifecycle"
	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

const (
	// DefaultCheckInterval is how often the watcher walks the cache.
	DefaultCheckInterval = time.Hour

	// DefaultCheckSpacing separates consecutive version checks in one cycle.
	DefaultCheckSpacing = time.Second

	// maxBackoff caps exponential backoff on consecutive remote errors.
	maxBackoff = 6 * time.Hour
)

// pollResult describes what happened during a single check cycle.
type pollResult int

const (
	pollNoChange    pollResult = iota // every checked path is current
	pollUpdated                       // at least one new version stored
	pollRemoteError                   // no check reached the remote - caller should back off
	pollLoadError                     // new version stored but hot reload failed
)

// WatcherMetrics is implemented by the metrics package to observe watcher behavior.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherUpdates()
	IncWatcherError(errType string)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

// WatcherOptions configures the version watcher.
type WatcherOptions struct {
	Logger   log.Logger
	Service  *Service
	Interval time.Duration

	// Pacer spaces individual checks. Nil uses DefaultCheckSpacing.
	Pacer *ratelimit.Pacer

	// OnUpdate is called after a new version is stored, before any reload.
	// Called synchronously on the watcher goroutine.
	OnUpdate func(key, version string)

	Metrics WatcherMetrics

	// StaleThreshold is how long since the last successful check before
	// the watcher logs a staleness warning. Zero defaults to 24 hours.
	StaleThreshold time.Duration
}

// Watcher polls for new extension versions.
type Watcher struct {
	svc      *Service
	logger   log.Logger
	interval time.Duration
	pacer    *ratelimit.Pacer
	onUpdate func(key, version string)
	metrics  WatcherMetrics

	// backoff state
	consecutiveErrs int

	// staleness tracking
	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount   int64
	updateCount int64
}

// NewWatcher creates a version watcher. Call Run to start the poll loop.
func NewWatcher(opts *WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	pacer := opts.Pacer
	if pacer == nil {
		pacer = ratelimit.NewPacer(DefaultCheckSpacing, 1)
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 24 * time.Hour
	}
	return &Watcher{
		svc:            opts.Service,
		logger:         opts.Logger,
		interval:       interval,
		pacer:          pacer,
		onUpdate:       opts.OnUpdate,
		metrics:        opts.Metrics,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "version watcher starting",
		"interval", w.interval.String(),
		"cached", w.svc.cache.Len(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "version watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"updates", w.updateCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)

			if result == pollRemoteError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "version watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "version watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
			w.trackStaleness(ctx, result)
		}
	}
}

// trackStaleness emits one structured error on the transition into the
// stale state and one info line on recovery.
func (w *Watcher) trackStaleness(ctx context.Context, result pollResult) {
	if result != pollRemoteError {
		if w.staleLogged {
			w.logger.Info(ctx, "version watcher: staleness recovered")
			w.staleLogged = false
			if w.metrics != nil {
				w.metrics.SetWatcherStale(false)
			}
		}
		return
	}
	if time.Since(w.lastSuccessAt) <= w.staleThreshold || w.staleLogged {
		return
	}
	w.logger.Error(ctx, xerrors.Newf("last successful version check was %s ago", time.Since(w.lastSuccessAt).Truncate(time.Second)),
		"version watcher: cached extensions are stale, unable to verify freshness",
	)
	w.staleLogged = true
	if w.metrics != nil {
		w.metrics.SetWatcherStale(true)
	}
}

// checkOnce performs a single listing refresh and version walk.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	if _, err := w.svc.SyncListing(ctx, false); err != nil {
		w.errored("listing")
	}

	active := map[string]string{}
	for name, key := range w.svc.ActiveKeys() {
		active[key] = name
	}

	var reached, failed, updated, reloadErrs int
	for _, key := range w.svc.cache.Paths() {
		if err := w.pacer.Wait(ctx); err != nil {
			break
		}
		if w.svc.limiter != nil && !w.svc.limiter.TryAcquire() {
			w.logger.Debug(ctx, "version watcher: call budget exhausted, finishing cycle early",
				"checked", reached+failed,
			)
			break
		}

		old, ok := w.svc.cache.Get(key)
		if !ok {
			continue
		}
		fresh, err := w.svc.onWorker(key)(old.VersionHash)(ctx)
		if err != nil {
			failed++
			w.logger.Error(ctx, err, "version watcher: check failed", "key", key)
			w.errored(xerrors.Label(err))
			continue
		}
		reached++

		if fresh.SameContent(old) {
			w.svc.cache.Touch(ctx, key)
			continue
		}

		w.svc.cache.Put(ctx, fresh)
		updated++
		w.updateCount++
		if w.metrics != nil {
			w.metrics.IncWatcherUpdates()
		}
		w.logger.Info(ctx, "version watcher: new version stored",
			"key", key,
			"old_version", cryptoutil.ShortHash(old.VersionHash),
			"new_version", cryptoutil.ShortHash(fresh.VersionHash),
		)
		w.notify(ctx, key, fresh.VersionHash)

		if name, ok := active[key]; ok {
			outcome, err := w.svc.Load(ctx, key)
			if err != nil {
				reloadErrs++
				w.errored("reload")
				continue
			}
			w.logger.Info(ctx, "version watcher: module hot reloaded",
				"module", name,
				"outcome", outcome.String(),
			)
			if outcome == lifecycle.Unchanged {
				w.logger.Debug(ctx, "version watcher: new payload decrypted to identical source", "module", name)
			}
		}
	}

	if reached > 0 || failed == 0 {
		now := time.Now()
		w.lastSuccessAt = now
		if w.metrics != nil {
			w.metrics.SetWatcherLastSuccess(float64(now.Unix()))
		}
	}

	switch {
	case reached == 0 && failed > 0:
		return pollRemoteError
	case reloadErrs > 0:
		return pollLoadError
	case updated > 0:
		return pollUpdated
	default:
		return pollNoChange
	}
}

func (w *Watcher) notify(ctx context.Context, key, version string) {
	if w.onUpdate == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(ctx, xerrors.Newf("OnUpdate panic: %v", r),
				"version watcher: OnUpdate callback panicked, continuing",
				"key", key,
			)
		}
	}()
	w.onUpdate(key, version)
}

func (w *Watcher) errored(errType string) {
	if w.metrics != nil {
		w.metrics.IncWatcherError(errType)
	}
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
