package addons

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-addons/internal/cache"
	"github.com/keithlinneman/linnemanlabs-addons/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-addons/internal/codec"
	"github.com/keithlinneman/linnemanlabs-addons/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-addons/internal/host"
	"github.com/keithlinneman/linnemanlabs-addons/internal/lifecycle"
	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-addons/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-addons/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-addons/internal/remote"
	"github.com/keithlinneman/linnemanlabs-addons/internal/task"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// DefaultRequestTimeout bounds how long a caller waits for one remote call.
const DefaultRequestTimeout = 30 * time.Second

// Opener decrypts and decodes a raw blob into verified plaintext.
type Opener interface {
	Open(ctx context.Context, raw []byte) ([]byte, error)
}

// Modules is the lifecycle surface the service drives.
type Modules interface {
	Load(ctx context.Context, name string, src []byte) (lifecycle.Outcome, error)
	Unload(ctx context.Context, name string) bool
	UnloadAll(ctx context.Context) int
	SetPlacement(ctx context.Context, mode host.Mode)
	State(name string) lifecycle.State
	Names() []string
	Modules() []lifecycle.Summary
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncFetchTimeout(op string)
	IncIntegrityEviction()
	IncExtensionLoad(result string)
	ObserveLoadDuration(seconds float64)
}

type Options struct {
	Logger    log.Logger
	Source    remote.Source
	Cache     *cache.Cache
	Codec     Opener
	Verifier  cryptoutil.Verifier
	Modules   Modules
	Executor  *task.Executor
	Loop      *task.Scheduler
	Catalog   *catalog.Catalog
	Limiter   *ratelimit.Window
	TTLs      cache.TTLTable
	Folders   []string
	Bucket    string
	DeviceID  string
	Metrics   Metrics

	// RequestTimeout bounds each wait on a worker. Zero uses DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Service runs the fetch, decrypt, verify and load pipeline for extensions
// named by their remote key. Network calls run on the executor; lifecycle
// transitions run on the loop.
type Service struct {
	source   remote.Source
	cache    *cache.Cache
	codec    Opener
	verifier cryptoutil.Verifier
	modules  Modules
	exec     *task.Executor
	loop     *task.Scheduler
	catalog  *catalog.Catalog
	limiter  *ratelimit.Window
	ttls     cache.TTLTable
	folders  []string
	bucket   string
	deviceID string
	timeout  time.Duration
	logger   log.Logger
	metrics  Metrics
	tracer   trace.Tracer

	// module name -> remote key for every module loaded through the service
	mu   sync.Mutex
	keys map[string]string
}

func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Source == nil {
		return nil, xerrors.New("Source is required")
	}
	if opts.Codec == nil {
		return nil, xerrors.New("Codec is required")
	}
	if opts.Modules == nil {
		return nil, xerrors.New("Modules is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Verifier == nil {
		opts.Verifier = cryptoutil.NopVerifier{}
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(ctx, cache.Options{Logger: opts.Logger, Limiter: opts.Limiter})
	}
	if opts.Executor == nil {
		opts.Executor = task.NewExecutor(ctx, task.ExecutorOptions{Logger: opts.Logger})
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.New()
	}
	if opts.TTLs == (cache.TTLTable{}) {
		opts.TTLs = cache.DefaultTTLs()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Service{
		source:   opts.Source,
		cache:    opts.Cache,
		codec:    opts.Codec,
		verifier: opts.Verifier,
		modules:  opts.Modules,
		exec:     opts.Executor,
		loop:     opts.Loop,
		catalog:  opts.Catalog,
		limiter:  opts.Limiter,
		ttls:     opts.TTLs,
		folders:  opts.Folders,
		bucket:   opts.Bucket,
		deviceID: opts.DeviceID,
		timeout:  opts.RequestTimeout,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   otelx.Tracer(),
		keys:     map[string]string{},
	}, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.\-]+`)

// ModuleName derives the module name from a remote key: the base name
// without its extension, with unsupported characters replaced.
func ModuleName(key string) string {
	base := strings.TrimSuffix(path.Base(key), path.Ext(key))
	base = unsafeName.ReplaceAllString(base, "_")
	return strings.TrimLeft(base, "_.-")
}

// Load fetches key (through the cache), decrypts, verifies and installs it.
// It blocks until the module is installed on the loop or an error occurs.
func (s *Service) Load(ctx context.Context, key string) (lifecycle.Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "addons.Load", trace.WithAttributes(attribute.String("addon.key", key)))
	defer span.End()
	start := time.Now()

	name, src, err := s.prepare(ctx, key, s.onWorker(key))
	if err != nil {
		return s.fail(ctx, span, key, lifecycle.Loaded, err)
	}

	// The loop callback owns src. It may run after Load has given up on ctx,
	// in which case it wipes src without touching the installed module. An
	// install that has started runs to completion under the exec timeout.
	type result struct {
		outcome lifecycle.Outcome
		err     error
	}
	res := make(chan result, 1)
	err = s.onLoop(ctx, func() {
		defer codec.Wipe(src)
		if err := ctx.Err(); err != nil {
			s.logger.Debug(ctx, "abandoned load skipped", "key", key)
			res <- result{lifecycle.Loaded, err}
			return
		}
		o, err := s.install(context.WithoutCancel(ctx), key, name, src)
		res <- result{o, err}
	})
	if errors.Is(err, task.ErrStopped) {
		codec.Wipe(src)
		return s.fail(ctx, span, key, lifecycle.Loaded, xerrors.Mark(err, xerrors.ErrLifecycle))
	}
	if err != nil {
		return s.fail(ctx, span, key, lifecycle.Loaded, err)
	}
	r := <-res
	if r.err != nil {
		return s.fail(ctx, span, key, r.outcome, r.err)
	}
	outcome := r.outcome
	s.observe(outcome, time.Since(start))
	span.SetAttributes(attribute.String("addon.outcome", outcome.String()))
	return outcome, nil
}

// LoadAsync runs fetch, decrypt and verify on a worker and installs the
// module on the loop. done, if non-nil, runs on the loop afterwards, or on
// the worker side with a lifecycle error once the loop has stopped.
func (s *Service) LoadAsync(ctx context.Context, key string, done func(lifecycle.Outcome, error)) {
	if s.loop == nil {
		go func() {
			o, err := s.Load(ctx, key)
			if done != nil {
				done(o, err)
			}
		}()
		return
	}

	type prepared struct {
		name string
		src  []byte
	}
	parent := trace.SpanFromContext(ctx)
	start := time.Now()
	f := task.Submit(s.exec, "load "+key, func(wctx context.Context) (prepared, error) {
		wctx = log.WithContext(trace.ContextWithSpan(wctx, parent), log.FromContext(ctx))
		wctx, cancel := context.WithTimeout(wctx, s.timeout)
		defer cancel()
		name, src, err := s.prepare(wctx, key, s.direct(key))
		return prepared{name: name, src: src}, err
	})
	task.Then(s.loop, f, func(p prepared, err error) {
		defer codec.Wipe(p.src)
		var outcome lifecycle.Outcome
		if errors.Is(err, task.ErrStopped) {
			err = xerrors.Mark(err, xerrors.ErrLifecycle)
		}
		if err == nil {
			outcome, err = s.install(ctx, key, p.name, p.src)
		}
		if err != nil {
			s.report(ctx, key, err)
		} else {
			s.observe(outcome, time.Since(start))
		}
		if done != nil {
			done(outcome, err)
		}
	})
}

// prepare returns the module name and verified plaintext for key. The caller
// owns the plaintext and must wipe it.
func (s *Service) prepare(ctx context.Context, key string, fetch func(current string) cache.FetchFunc) (string, []byte, error) {
	if err := pathutil.ValidKey(key); err != nil {
		return "", nil, xerrors.Mark(err, xerrors.ErrLifecycle)
	}
	name := ModuleName(key)
	if name == "" {
		return "", nil, xerrors.Markf(xerrors.ErrLifecycle, "key %q yields no module name", key)
	}

	current := ""
	if e, ok := s.cache.Get(key); ok {
		current = e.VersionHash
	}
	entry, err := s.cache.GetOrFetch(ctx, key, s.ttls.For(cache.KindContent), fetch(current))
	if err != nil {
		return "", nil, err
	}
	if entry.Stale {
		s.logger.Info(ctx, "serving stale extension, refresh was rate limited", "key", key)
	}

	src, err := s.open(ctx, entry)
	if err != nil {
		if errors.Is(err, xerrors.ErrIntegrity) || errors.Is(err, xerrors.ErrFormat) {
			s.evict(ctx, key, err)
		}
		return "", nil, err
	}
	return name, src, nil
}

// open decodes, decrypts and verifies one cached entry.
func (s *Service) open(ctx context.Context, e cache.Entry) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "addons.Open")
	defer span.End()

	if err := codec.CheckType(e.EncryptionType); err != nil {
		return nil, err
	}
	raw, err := codec.DecodeString(e.Payload)
	if err != nil {
		return nil, err
	}
	defer codec.Wipe(raw)

	src, err := s.codec.Open(ctx, raw)
	if err != nil {
		return nil, err
	}
	if err := s.verifier.Verify(ctx, src, e.Signature); err != nil {
		codec.Wipe(src)
		return nil, xerrors.Mark(xerrors.Wrap(err, "verify signature"), xerrors.ErrIntegrity)
	}
	return src, nil
}

// install must run on the loop.
func (s *Service) install(ctx context.Context, key, name string, src []byte) (lifecycle.Outcome, error) {
	s.mu.Lock()
	if prev, ok := s.keys[name]; ok && prev != key && s.modules.State(name) != lifecycle.Unloaded {
		s.mu.Unlock()
		return lifecycle.Loaded, xerrors.Markf(xerrors.ErrLifecycle, "module %s is already loaded from %s", name, prev)
	}
	s.mu.Unlock()

	outcome, err := s.modules.Load(ctx, name, src)
	if err != nil {
		return outcome, err
	}
	s.mu.Lock()
	s.keys[name] = key
	s.mu.Unlock()
	return outcome, nil
}

func (s *Service) evict(ctx context.Context, key string, cause error) {
	s.cache.InvalidateOne(ctx, key)
	if errors.Is(cause, xerrors.ErrIntegrity) && s.metrics != nil {
		s.metrics.IncIntegrityEviction()
	}
	s.logger.Error(ctx, cause, "cached extension rejected and evicted",
		"key", key,
		"class", xerrors.Label(cause),
	)
}

// direct fetches on the calling goroutine. Used from workers.
func (s *Service) direct(key string) func(current string) cache.FetchFunc {
	return func(current string) cache.FetchFunc {
		return func(ctx context.Context) (cache.Entry, error) {
			return s.fetchEntry(ctx, key, current)
		}
	}
}

// onWorker fetches on the executor and waits at most the request timeout.
// On timeout the worker's result is discarded.
func (s *Service) onWorker(key string) func(current string) cache.FetchFunc {
	return func(current string) cache.FetchFunc {
		return func(ctx context.Context) (cache.Entry, error) {
			parent := trace.SpanFromContext(ctx)
			f := task.Submit(s.exec, "fetch "+key, func(wctx context.Context) (cache.Entry, error) {
				wctx, cancel := context.WithTimeout(trace.ContextWithSpan(wctx, parent), s.timeout)
				defer cancel()
				return s.fetchEntry(wctx, key, current)
			})
			actx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			e, err := f.AwaitContext(actx)
			if errors.Is(err, xerrors.ErrTimeout) && s.metrics != nil {
				s.metrics.IncFetchTimeout(remote.EndpointFetch)
			}
			return e, err
		}
	}
}

func (s *Service) fetchEntry(ctx context.Context, key, current string) (cache.Entry, error) {
	ctx, span := s.tracer.Start(ctx, "addons.Fetch", trace.WithAttributes(attribute.String("addon.key", key)))
	defer span.End()

	resp, err := s.source.Fetch(ctx, remote.Request{
		Bucket:         s.bucket,
		Key:            key,
		DeviceID:       s.deviceID,
		CurrentVersion: current,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, xerrors.Label(err))
		return cache.Entry{}, err
	}
	if resp.Unchanged {
		old, ok := s.cache.Get(key)
		if !ok {
			return cache.Entry{}, xerrors.Markf(xerrors.ErrFormat, "%s: remote reported unchanged but nothing is cached", key)
		}
		span.SetAttributes(attribute.Bool("addon.unchanged", true))
		old.FetchedAt = time.Time{}
		return old, nil
	}
	return entryFrom(key, resp), nil
}

func entryFrom(key string, r *remote.Response) cache.Entry {
	return cache.Entry{
		Path:           key,
		Payload:        r.EncryptedData,
		Signature:      r.Signature,
		EncryptionType: r.EncryptionType,
		VersionHash:    r.VersionHash,
	}
}

// onLoop runs fn on the loop, or inline when no loop is configured.
func (s *Service) onLoop(ctx context.Context, fn func()) error {
	if s.loop == nil {
		fn()
		return nil
	}
	return s.loop.Call(ctx, fn)
}

func (s *Service) fail(ctx context.Context, span trace.Span, key string, o lifecycle.Outcome, err error) (lifecycle.Outcome, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, xerrors.Label(err))
	s.report(ctx, key, err)
	return o, err
}

func (s *Service) report(ctx context.Context, key string, err error) {
	if s.metrics != nil {
		s.metrics.IncExtensionLoad(xerrors.Label(err))
	}
	s.logger.Warn(ctx, "extension load failed",
		"key", key,
		"class", xerrors.Label(err),
		"reason", xerrors.Reason(err),
		"error", err.Error(),
	)
}

func (s *Service) observe(o lifecycle.Outcome, d time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncExtensionLoad(o.String())
	s.metrics.ObserveLoadDuration(d.Seconds())
}

// Unload removes the module loaded from key or named key. Unknown names are
// a no-op.
func (s *Service) Unload(ctx context.Context, nameOrKey string) (bool, error) {
	name := nameOrKey
	if strings.Contains(nameOrKey, "/") || strings.HasSuffix(nameOrKey, remote.ModuleSuffix) {
		name = ModuleName(nameOrKey)
	}
	res := make(chan bool, 1)
	err := s.onLoop(ctx, func() {
		ok := s.modules.Unload(ctx, name)
		s.mu.Lock()
		delete(s.keys, name)
		s.mu.Unlock()
		res <- ok
	})
	if err != nil {
		return false, err
	}
	return <-res, nil
}

// UnloadAll removes every module. Used at shutdown; once the loop has
// stopped the caller runs the unload itself.
func (s *Service) UnloadAll(ctx context.Context) (int, error) {
	res := make(chan int, 1)
	unload := func() {
		n := s.modules.UnloadAll(ctx)
		s.mu.Lock()
		clear(s.keys)
		s.mu.Unlock()
		res <- n
	}
	err := s.onLoop(ctx, unload)
	if errors.Is(err, task.ErrStopped) {
		unload()
		err = nil
	}
	if err != nil {
		return 0, err
	}
	return <-res, nil
}

// SetPlacement re-places every active module.
func (s *Service) SetPlacement(ctx context.Context, mode host.Mode) error {
	return s.onLoop(ctx, func() { s.modules.SetPlacement(ctx, mode) })
}

// ActiveKeys maps active module names to the key they were loaded from.
func (s *Service) ActiveKeys() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.keys))
	for name, key := range s.keys {
		if s.modules.State(name) == lifecycle.Active {
			out[name] = key
		}
	}
	return out
}

// Modules summarises loaded modules for the admin API.
func (s *Service) Modules() []lifecycle.Summary { return s.modules.Modules() }

func (s *Service) Catalog() *catalog.Catalog { return s.catalog }
func (s *Service) Cache() *cache.Cache       { return s.cache }
