package opshttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-addons/internal/health"
	"github.com/keithlinneman/linnemanlabs-addons/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	// loads block on remote fetches with their own timeout
	DefaultWriteTimeout   = 60 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultMaxHeaderBytes = 1 << 20
	shutdownTimeout       = 5 * time.Second
)

// quietPaths are neither traced nor access logged.
var quietPaths = []string{"/-/healthy", "/-/ready", "/metrics"}

// NewHandler builds the ops handler: probes, metrics, optional pprof and the
// admin API, wrapped in the middleware chain.
func NewHandler(opts *Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json", "text/plain"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog(quietPaths...))
	r.Use(httpmw.MaxBody(maxBody))

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	if opts.EnablePprof {
		RegisterPprof(r)
	} else {
		r.HandleFunc("/debug/pprof/*", http.NotFound)
	}

	if opts.Admin != nil {
		NewAPI(opts.Admin, opts.Catalog, logger).RegisterRoutes(r)
	}

	traced := make(map[string]struct{}, len(quietPaths))
	for _, p := range quietPaths {
		traced[p] = struct{}{}
	}

	return httpmw.Chain(r,
		httpmw.APIHeaders,
		recoverMW(opts, logger),
		httpmw.RequestID(httpmw.DefaultRequestIDHeader),
		httpmw.ClientIP(opts.TrustedHops),
		opts.RateLimitMW,
		func(h http.Handler) http.Handler {
			return otelhttp.NewHandler(h, "http.server",
				otelhttp.WithFilter(func(r *http.Request) bool {
					_, quiet := traced[r.URL.Path]
					return !quiet
				}),
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					// renamed to the route pattern by AnnotateHTTPRoute
					return r.Method + " " + r.URL.Path
				}),
			)
		},
		httpmw.TraceResponseHeaders("", ""),
		catalogMW(opts),
		opts.MetricsMW,
		httpmw.WithLogger(logger),
	)
}

func recoverMW(opts *Options, logger log.Logger) func(http.Handler) http.Handler {
	if !opts.UseRecoverMW {
		return nil
	}
	return httpmw.Recover(logger, opts.OnPanic)
}

func catalogMW(opts *Options) func(http.Handler) http.Handler {
	if opts.Catalog == nil {
		return nil
	}
	return httpmw.CatalogHeaders(opts.Catalog)
}

// NewServer returns an *http.Server with the ops listener timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Addr and serves NewHandler in the background.
// It returns stop(ctx) for graceful shutdown and the bound address.
func Start(ctx context.Context, opts *Options) (stop func(context.Context) error, addr string, err error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	listen := opts.Addr
	if listen == "" {
		listen = DefaultAddr
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "listen ops http on %s", listen)
	}
	addr = ln.Addr().String()
	srv := NewServer(addr, NewHandler(opts))

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr, "pprof", opts.EnablePprof, "admin_api", opts.Admin != nil)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop = func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, shutdownTimeout)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, addr, nil
}
