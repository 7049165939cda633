package lifecycle

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/keithlinneman/linnemanlabs-addons/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-addons/internal/host"
	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// DefaultExecTimeout bounds top-level execution and each hook call.
const DefaultExecTimeout = 5 * time.Second

// Host is the extension-point surface the manager drives.
type Host interface {
	Define(d host.Descriptor) (host.Handle, error)
	DefineNew(d host.Descriptor) (host.Handle, error)
	Descriptor(h host.Handle) (host.Descriptor, bool)
	Points() []host.Handle
	Register(h host.Handle, d host.Descriptor) error
	Unregister(h host.Handle) error
	Forget(h host.Handle)
	IsRegistered(h host.Handle) bool
	Placement() host.Mode
	SetPlacement(m host.Mode)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncModuleLoad(outcome string)
	IncModuleLoadFailure(reason string)
	IncModuleUnload()
	SetActiveModules(n int)
}

type Options struct {
	Logger      log.Logger
	Host        Host
	ExecTimeout time.Duration
	Metrics     Metrics
}

// Manager installs, replaces and removes extensions. Transitions of one name
// are serialised; different names proceed independently.
type Manager struct {
	host        Host
	logger      log.Logger
	execTimeout time.Duration
	metrics     Metrics

	mu      sync.Mutex
	modules map[string]*module
	guards  map[string]*guard
}

// guard serialises operations on one module name. waiters counts holders
// and goroutines queued on it.
type guard struct {
	sync.Mutex
	waiters int
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = DefaultExecTimeout
	}
	if opts.Host == nil {
		opts.Host = host.NewRegistry(host.Grouped)
	}
	return &Manager{
		host:        opts.Host,
		logger:      opts.Logger,
		execTimeout: opts.ExecTimeout,
		metrics:     opts.Metrics,
		modules:     map[string]*module{},
		guards:      map[string]*guard{},
	}
}

// lock takes the guard for name. The returned func releases it and drops
// the guard once nobody waits on it and name has no module.
func (m *Manager) lock(name string) func() {
	m.mu.Lock()
	g, ok := m.guards[name]
	if !ok {
		g = &guard{}
		m.guards[name] = g
	}
	g.waiters++
	m.mu.Unlock()

	g.Lock()
	return func() {
		m.mu.Lock()
		g.waiters--
		if _, known := m.modules[name]; g.waiters == 0 && !known {
			delete(m.guards, name)
		}
		m.mu.Unlock()
		g.Unlock()
	}
}

func (m *Manager) get(name string) *module {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modules[name]
}

func (m *Manager) set(mod *module) {
	m.mu.Lock()
	m.modules[mod.name] = mod
	m.mu.Unlock()
}

func (m *Manager) drop(name string) {
	m.mu.Lock()
	delete(m.modules, name)
	m.mu.Unlock()
	m.updateGauge()
}

func (m *Manager) updateGauge() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	n := 0
	for _, mod := range m.modules {
		if mod.state == Active {
			n++
		}
	}
	m.mu.Unlock()
	m.metrics.SetActiveModules(n)
}

// Load executes src as extension name and installs it. An Active module with
// the same content hash is left untouched. An Active module with different
// content is unloaded first. On any failure nothing of src stays registered.
// src is not retained; the caller may wipe it after Load returns.
func (m *Manager) Load(ctx context.Context, name string, src []byte) (Outcome, error) {
	if !namePattern.MatchString(name) {
		return Loaded, xerrors.Markf(xerrors.ErrLifecycle, "invalid module name %q", name)
	}
	defer m.lock(name)()

	hash := cryptoutil.SHA256Hex(src)
	outcome := Loaded
	if old := m.get(name); old != nil {
		if old.state == Active && cryptoutil.HashEqual(old.hash, hash) {
			m.logger.Debug(ctx, "module unchanged, skipping load", "module", name, "hash", cryptoutil.ShortHash(hash))
			m.loadMetric(Unchanged)
			return Unchanged, nil
		}
		m.unloadLocked(ctx, old)
		outcome = Replaced
	}

	mod := &module{name: name, state: Loading, hash: hash}
	m.set(mod)

	if err := m.install(ctx, mod, src); err != nil {
		m.drop(name)
		if m.metrics != nil {
			m.metrics.IncModuleLoadFailure(xerrors.Label(err))
		}
		m.logger.Warn(ctx, "module load failed, rolled back",
			"module", name,
			"hash", cryptoutil.ShortHash(hash),
			"error", err.Error(),
		)
		return outcome, err
	}

	m.mu.Lock()
	mod.state = Active
	mod.loadedAt = time.Now()
	m.mu.Unlock()
	m.updateGauge()
	m.loadMetric(outcome)
	m.logger.Info(ctx, "module loaded",
		"module", name,
		"outcome", outcome.String(),
		"hash", cryptoutil.ShortHash(hash),
		"points", len(mod.points),
	)
	return outcome, nil
}

// install runs the load steps. On error every point the module defined is
// unregistered and forgotten.
func (m *Manager) install(ctx context.Context, mod *module, src []byte) (err error) {
	before := m.host.Points()

	sb, err := newSandbox(mod.name, mod.hash, m.host, m.logger)
	if err != nil {
		return xerrors.Mark(err, xerrors.ErrLifecycle)
	}
	defer func() {
		if err != nil {
			for h := range sb.defined {
				m.forcePoint(h)
			}
		}
	}()

	prg, err := goja.Compile(mod.name, string(src), false)
	if err != nil {
		return xerrors.Mark(xerrors.Wrap(err, "compile extension"), xerrors.ErrLifecycle)
	}
	if _, err := m.call(ctx, sb.rt, func() (goja.Value, error) { return sb.rt.RunProgram(prg) }); err != nil {
		return xerrors.Mark(xerrors.Wrap(err, "execute extension"), xerrors.ErrLifecycle)
	}

	points := attribute(before, m.host.Points(), sb.defined)
	m.mu.Lock()
	mod.points = points
	m.mu.Unlock()
	sb.owned = make(map[host.Handle]struct{}, len(points))
	for _, h := range points {
		sb.owned[h] = struct{}{}
	}

	hook, ok := sb.hook(InstallHook)
	if !ok {
		return xerrors.Markf(xerrors.ErrLifecycle, "extension %s has no %s function", mod.name, InstallHook)
	}

	m.place(mod.name, mod.points, m.host.Placement())

	if _, err := m.call(ctx, sb.rt, func() (goja.Value, error) { return hook(goja.Undefined()) }); err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "%s hook", InstallHook), xerrors.ErrLifecycle)
	}
	mod.rt = sb.rt
	return nil
}

// attribute returns handles present after but not before that this
// runtime defined, sorted.
func attribute(before, after []host.Handle, defined map[host.Handle]struct{}) []host.Handle {
	seen := make(map[host.Handle]struct{}, len(before))
	for _, h := range before {
		seen[h] = struct{}{}
	}
	var out []host.Handle
	for _, h := range after {
		if _, old := seen[h]; old {
			continue
		}
		if _, mine := defined[h]; mine {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return out
}

// place rebuilds each point's descriptor for mode and applies it. Registered
// points are re-registered with the new placement.
func (m *Manager) place(name string, points []host.Handle, mode host.Mode) {
	for _, h := range points {
		d, ok := m.host.Descriptor(h)
		if !ok {
			continue
		}
		placed := d.Place(mode, name)
		if m.host.IsRegistered(h) {
			if err := m.host.Register(h, placed); err != nil {
				m.logger.Warn(context.Background(), "re-place point failed", "module", name, "point", string(h), "error", err.Error())
			}
			continue
		}
		if _, err := m.host.Define(placed); err != nil {
			m.logger.Warn(context.Background(), "place point failed", "module", name, "point", string(h), "error", err.Error())
		}
	}
}

// call runs fn on rt with the exec timeout. The runtime is interrupted when
// the timeout elapses or ctx is canceled.
func (m *Manager) call(ctx context.Context, rt *goja.Runtime, fn func() (goja.Value, error)) (goja.Value, error) {
	timer := time.NewTimer(m.execTimeout)
	defer timer.Stop()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-timer.C:
			rt.Interrupt("execution timeout exceeded")
		case <-ctx.Done():
			rt.Interrupt("context canceled")
		case <-stop:
		}
	}()

	v, err := fn()
	rt.ClearInterrupt()
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return nil, xerrors.Newf("interrupted: %v", ie.Value())
	}
	return v, err
}

// Unload removes name. Unknown names are a no-op.
func (m *Manager) Unload(ctx context.Context, name string) bool {
	defer m.lock(name)()
	mod := m.get(name)
	if mod == nil {
		return false
	}
	m.unloadLocked(ctx, mod)
	return true
}

// unloadLocked calls the removal hook best effort, then force-unregisters
// and forgets every owned point regardless of what the hook did.
func (m *Manager) unloadLocked(ctx context.Context, mod *module) {
	m.mu.Lock()
	mod.state = Unloading
	m.mu.Unlock()

	if mod.rt != nil {
		rt := mod.rt
		if hook, ok := goja.AssertFunction(rt.Get(RemoveHook)); ok {
			if _, err := m.call(ctx, rt, func() (goja.Value, error) { return hook(goja.Undefined()) }); err != nil {
				m.logger.Warn(ctx, "removal hook failed, forcing cleanup", "module", mod.name, "error", err.Error())
			}
		}
	}
	for _, h := range mod.points {
		m.forcePoint(h)
	}

	m.mu.Lock()
	mod.rt = nil
	mod.points = nil
	mod.state = Unloaded
	m.mu.Unlock()
	m.drop(mod.name)
	if m.metrics != nil {
		m.metrics.IncModuleUnload()
	}
	m.logger.Info(ctx, "module unloaded", "module", mod.name, "hash", cryptoutil.ShortHash(mod.hash))
}

func (m *Manager) forcePoint(h host.Handle) {
	if m.host.IsRegistered(h) {
		if err := m.host.Unregister(h); err != nil && !errors.Is(err, host.ErrNotRegistered) {
			m.logger.Warn(context.Background(), "force unregister failed", "point", string(h), "error", err.Error())
		}
	}
	m.host.Forget(h)
}

// UnloadAll removes every module, in name order.
func (m *Manager) UnloadAll(ctx context.Context) int {
	names := m.Names()
	n := 0
	for _, name := range names {
		if m.Unload(ctx, name) {
			n++
		}
	}
	return n
}

// SetPlacement switches placement mode and re-places every active module.
func (m *Manager) SetPlacement(ctx context.Context, mode host.Mode) {
	m.host.SetPlacement(mode)
	for _, name := range m.Names() {
		unlock := m.lock(name)
		if mod := m.get(name); mod != nil && mod.state == Active {
			m.place(name, mod.points, mode)
		}
		unlock()
	}
	m.logger.Info(ctx, "placement changed", "mode", mode.String())
}

// State reports the state of name; Unloaded if unknown.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mod, ok := m.modules[name]; ok {
		return mod.state
	}
	return Unloaded
}

// Hash returns the content hash of an active module.
func (m *Manager) Hash(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.modules[name]
	if !ok || mod.state != Active {
		return "", false
	}
	return mod.hash, true
}

// Points returns the handles owned by name.
func (m *Manager) Points(name string) []host.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mod, ok := m.modules[name]; ok {
		return slices.Clone(mod.points)
	}
	return nil
}

// Names returns known module names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.modules))
	for n := range m.modules {
		out = append(out, n)
	}
	m.mu.Unlock()
	slices.Sort(out)
	return out
}

// Modules returns summaries of every known module, sorted by name.
func (m *Manager) Modules() []Summary {
	m.mu.Lock()
	out := make([]Summary, 0, len(m.modules))
	for _, mod := range m.modules {
		out = append(out, mod.summary())
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Summary) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (m *Manager) loadMetric(o Outcome) {
	if m.metrics != nil {
		m.metrics.IncModuleLoad(o.String())
	}
}
