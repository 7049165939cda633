package health

import (
	"context"
	"sync"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// ShutdownGate fails readiness while the daemon drains.
type ShutdownGate struct {
	mu       sync.RWMutex
	draining bool
	reason   string
}

func (g *ShutdownGate) Set(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.draining = true
	g.reason = reason
}

func (g *ShutdownGate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.draining = false
	g.reason = ""
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		g.mu.RLock()
		defer g.mu.RUnlock()
		if !g.draining {
			return nil
		}
		if g.reason == "" {
			return xerrors.New("draining")
		}
		return xerrors.New(g.reason)
	}
}
