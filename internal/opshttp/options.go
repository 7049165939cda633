package opshttp

import (
	"context"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-addons/internal/health"
	"github.com/keithlinneman/linnemanlabs-addons/internal/host"
	"github.com/keithlinneman/linnemanlabs-addons/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-addons/internal/lifecycle"
	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
)

// Admin is the extension control surface exposed under /api.
// *addons.Service satisfies it.
type Admin interface {
	Modules() []lifecycle.Summary
	Load(ctx context.Context, key string) (lifecycle.Outcome, error)
	Unload(ctx context.Context, nameOrKey string) (bool, error)
	SyncListing(ctx context.Context, force bool) ([]string, error)
	SetPlacement(ctx context.Context, mode host.Mode) error
}

type Options struct {
	// Addr is the listen address; empty means ":9000".
	Addr   string
	Logger log.Logger

	Metrics     http.Handler
	MetricsMW   func(http.Handler) http.Handler
	EnablePprof bool

	Health    health.Probe
	Readiness health.Probe

	// Admin enables the /api routes when set.
	Admin   Admin
	Catalog httpmw.CatalogInfo

	RateLimitMW  func(http.Handler) http.Handler
	TrustedHops  int
	MaxBodyBytes int64

	UseRecoverMW bool
	OnPanic      func()
}

const (
	DefaultAddr         = ":9000"
	DefaultMaxBodyBytes = 4 << 10
)
