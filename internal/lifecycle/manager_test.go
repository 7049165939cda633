package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-addons/internal/host"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

type fakeMetrics struct {
	mu       sync.Mutex
	loads    map[string]int
	failures map[string]int
	unloads  int
	active   int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{loads: map[string]int{}, failures: map[string]int{}}
}

func (f *fakeMetrics) IncModuleLoad(o string) {
	f.mu.Lock()
	f.loads[o]++
	f.mu.Unlock()
}

func (f *fakeMetrics) IncModuleLoadFailure(r string) {
	f.mu.Lock()
	f.failures[r]++
	f.mu.Unlock()
}

func (f *fakeMetrics) IncModuleUnload() {
	f.mu.Lock()
	f.unloads++
	f.mu.Unlock()
}

func (f *fakeMetrics) SetActiveModules(n int) {
	f.mu.Lock()
	f.active = n
	f.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *host.Registry, *fakeMetrics) {
	t.Helper()
	reg := host.NewRegistry(host.Grouped)
	fm := newFakeMetrics()
	return New(Options{Host: reg, Metrics: fm, ExecTimeout: time.Second}), reg, fm
}

// panelsSource defines the given panels and registers them all in register().
func panelsSource(ids ...string) string {
	var b strings.Builder
	b.WriteString("var ids = [];\n")
	for _, id := range ids {
		b.WriteString(`ids.push(host.definePanel({id: "` + id + `", label: "` + id + `"}));` + "\n")
	}
	b.WriteString(`function register() { ids.forEach(function (id) { host.registerPanel(id); }); }` + "\n")
	b.WriteString(`function unregister() { ids.forEach(function (id) { host.unregisterPanel(id); }); }` + "\n")
	return b.String()
}

func registeredIDs(reg *host.Registry) []string {
	var out []string
	for _, d := range reg.Registered() {
		out = append(out, d.ID)
	}
	return out
}

func TestLoad_RegistersAttributedPoints(t *testing.T) {
	m, reg, fm := newTestManager(t)

	out, err := m.Load(t.Context(), "tool", []byte(panelsSource("TOOL_PT_a", "TOOL_PT_b")))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out != Loaded {
		t.Fatalf("outcome = %v, want loaded", out)
	}
	if m.State("tool") != Active {
		t.Fatalf("state = %v", m.State("tool"))
	}
	pts := m.Points("tool")
	if len(pts) != 2 || pts[0] != "TOOL_PT_a" || pts[1] != "TOOL_PT_b" {
		t.Fatalf("points = %v", pts)
	}
	for _, d := range reg.Registered() {
		if d.Category != host.GroupCategory || d.Parent != host.GroupParent {
			t.Fatalf("point not placed for grouped mode: %+v", d)
		}
	}
	if fm.loads["loaded"] != 1 || fm.active != 1 {
		t.Fatalf("metrics loads=%v active=%d", fm.loads, fm.active)
	}
}

func TestLoad_ReplaceLeavesOnlyNewPoints(t *testing.T) {
	m, reg, _ := newTestManager(t)

	if _, err := m.Load(t.Context(), "tool", []byte(panelsSource("OLD_PT_a", "OLD_PT_b"))); err != nil {
		t.Fatalf("Load v1: %v", err)
	}
	out, err := m.Load(t.Context(), "tool", []byte(panelsSource("NEW_PT_a")))
	if err != nil {
		t.Fatalf("Load v2: %v", err)
	}
	if out != Replaced {
		t.Fatalf("outcome = %v, want replaced", out)
	}
	got := registeredIDs(reg)
	if len(got) != 1 || got[0] != "NEW_PT_a" {
		t.Fatalf("registered = %v, want [NEW_PT_a]", got)
	}
	if len(reg.Points()) != 1 {
		t.Fatalf("old definitions not forgotten: %v", reg.Points())
	}
}

func TestLoad_SameContentIsNoop(t *testing.T) {
	m, _, fm := newTestManager(t)
	src := []byte(panelsSource("TOOL_PT_a"))

	m.Load(t.Context(), "tool", src)
	out, err := m.Load(t.Context(), "tool", src)
	if err != nil || out != Unchanged {
		t.Fatalf("second Load = %v, %v; want unchanged", out, err)
	}
	if fm.unloads != 0 {
		t.Fatal("unchanged load should not unload")
	}
}

func TestLoad_MissingInstallHookRollsBack(t *testing.T) {
	m, reg, fm := newTestManager(t)

	src := `host.definePanel({id: "X_PT_a"}); host.registerPanel("X_PT_a");`
	_, err := m.Load(t.Context(), "broken", []byte(src))
	if !errors.Is(err, xerrors.ErrLifecycle) {
		t.Fatalf("Load = %v, want ErrLifecycle", err)
	}
	if m.State("broken") != Unloaded {
		t.Fatalf("state = %v, want unloaded", m.State("broken"))
	}
	if len(reg.Points()) != 0 || len(reg.Registered()) != 0 {
		t.Fatal("rollback left extension points behind")
	}
	if fm.failures["lifecycle"] != 1 {
		t.Fatalf("failures = %v", fm.failures)
	}
}

func TestLoad_ThrowingInstallHookRollsBack(t *testing.T) {
	m, reg, _ := newTestManager(t)

	src := `host.definePanel({id: "X_PT_a"});
function register() { host.registerPanel("X_PT_a"); throw new Error("nope"); }`
	if _, err := m.Load(t.Context(), "thrower", []byte(src)); !errors.Is(err, xerrors.ErrLifecycle) {
		t.Fatalf("Load = %v, want ErrLifecycle", err)
	}
	if len(reg.Registered()) != 0 {
		t.Fatalf("registered after failed hook: %v", registeredIDs(reg))
	}
}

func TestLoad_SyntaxError(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Load(t.Context(), "bad", []byte("function register( {")); !errors.Is(err, xerrors.ErrLifecycle) {
		t.Fatalf("Load = %v, want ErrLifecycle", err)
	}
}

func TestLoad_FailedReplaceLeavesNothing(t *testing.T) {
	m, reg, _ := newTestManager(t)
	m.Load(t.Context(), "tool", []byte(panelsSource("TOOL_PT_a")))

	if _, err := m.Load(t.Context(), "tool", []byte("throw new Error('boom')")); err == nil {
		t.Fatal("expected failure")
	}
	if m.State("tool") != Unloaded || len(reg.Registered()) != 0 {
		t.Fatal("failed replacement should leave the name unloaded and clean")
	}
}

func TestLoad_InvalidName(t *testing.T) {
	m, _, _ := newTestManager(t)
	for _, name := range []string{"", "../x", "has space"} {
		if _, err := m.Load(t.Context(), name, []byte("function register(){}")); !errors.Is(err, xerrors.ErrLifecycle) {
			t.Fatalf("Load(%q) = %v, want ErrLifecycle", name, err)
		}
	}
}

func TestLoad_Timeout(t *testing.T) {
	reg := host.NewRegistry(host.Grouped)
	m := New(Options{Host: reg, ExecTimeout: 50 * time.Millisecond})

	_, err := m.Load(t.Context(), "spin", []byte("host.definePanel({id: 'S_PT'}); for (;;) {}"))
	if !errors.Is(err, xerrors.ErrLifecycle) {
		t.Fatalf("Load = %v, want ErrLifecycle", err)
	}
	if len(reg.Points()) != 0 {
		t.Fatal("interrupted load left points defined")
	}
}

func TestLoad_CannotTakeOverForeignPoint(t *testing.T) {
	m, reg, _ := newTestManager(t)
	m.Load(t.Context(), "owner", []byte(panelsSource("SHARED_PT")))

	src := `host.definePanel({id: "SHARED_PT"}); function register() {}`
	if _, err := m.Load(t.Context(), "thief", []byte(src)); err == nil {
		t.Fatal("redefining another module's point should fail")
	}
	steal := `function register() { host.registerPanel("SHARED_PT"); }`
	if _, err := m.Load(t.Context(), "thief2", []byte(steal)); err == nil {
		t.Fatal("registering another module's point should fail")
	}
	if !reg.IsRegistered("SHARED_PT") || len(m.Points("owner")) != 1 {
		t.Fatal("owner's point should be untouched")
	}
}

func TestSandbox_GlobalsRemoved(t *testing.T) {
	m, _, _ := newTestManager(t)
	cases := map[string]string{
		"eval":        `eval("1")`,
		"Function":    `Function("return 1")()`,
		"constructor": `(function(){}).constructor("return 1")()`,
		"generator":   `(function*(){}).constructor("yield 1")`,
		"require":     `require("fs")`,
		"process":     `process.exit(1)`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			src := body + "; function register() {}"
			if _, err := m.Load(t.Context(), "probe-"+name, []byte(src)); err == nil {
				t.Fatalf("%s should be unavailable", name)
			}
		})
	}
}

func TestSandbox_CapabilitiesFrozen(t *testing.T) {
	m, _, _ := newTestManager(t)
	src := `"use strict"; host.registerPanel = function () {}; function register() {}`
	if _, err := m.Load(t.Context(), "mutator", []byte(src)); err == nil {
		t.Fatal("host object should be frozen")
	}
	src = `if (loader.name !== "meta") { throw new Error(loader.name); } function register() {}`
	if _, err := m.Load(t.Context(), "meta", []byte(src)); err != nil {
		t.Fatalf("loader metadata: %v", err)
	}
}

func TestUnload_FailingRemovalHookStillCleansUp(t *testing.T) {
	m, reg, fm := newTestManager(t)
	src := panelsSource("TOOL_PT_a", "TOOL_PT_b") + `unregister = function () { throw new Error("bad cleanup"); };`
	if _, err := m.Load(t.Context(), "tool", []byte(src)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !m.Unload(t.Context(), "tool") {
		t.Fatal("Unload should report removal")
	}
	if len(reg.Registered()) != 0 || len(reg.Points()) != 0 {
		t.Fatalf("points left after unload: %v", reg.Points())
	}
	if m.State("tool") != Unloaded || fm.unloads != 1 || fm.active != 0 {
		t.Fatalf("state=%v unloads=%d active=%d", m.State("tool"), fm.unloads, fm.active)
	}
}

func TestUnload_UnknownIsNoop(t *testing.T) {
	m, _, _ := newTestManager(t)
	if m.Unload(t.Context(), "ghost") {
		t.Fatal("unknown module should be a no-op")
	}
}

func TestUnloadAll(t *testing.T) {
	m, reg, _ := newTestManager(t)
	m.Load(t.Context(), "a", []byte(panelsSource("A_PT")))
	m.Load(t.Context(), "b", []byte(panelsSource("B_PT")))

	if n := m.UnloadAll(t.Context()); n != 2 {
		t.Fatalf("UnloadAll = %d", n)
	}
	if len(m.Names()) != 0 || len(reg.Registered()) != 0 {
		t.Fatal("everything should be gone")
	}
}

func TestSetPlacement_ReplacesActiveModules(t *testing.T) {
	m, reg, _ := newTestManager(t)
	m.Load(t.Context(), "tool", []byte(panelsSource("TOOL_PT_a")))

	m.SetPlacement(t.Context(), host.Standalone)
	d := reg.Registered()[0]
	if d.Category != "tool" || d.Parent != "" {
		t.Fatalf("standalone placement = %+v", d)
	}

	m.SetPlacement(t.Context(), host.Grouped)
	d = reg.Registered()[0]
	if d.Category != host.GroupCategory || d.Parent != host.GroupParent {
		t.Fatalf("grouped placement = %+v", d)
	}
}

func TestModules_Summary(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Load(t.Context(), "b", []byte(panelsSource("B_PT")))
	m.Load(t.Context(), "a", []byte(panelsSource("A_PT")))

	mods := m.Modules()
	if len(mods) != 2 || mods[0].Name != "a" || mods[1].State != "active" {
		t.Fatalf("Modules = %+v", mods)
	}
	if h, ok := m.Hash("a"); !ok || len(h) != 64 {
		t.Fatalf("Hash = %q, %v", h, ok)
	}
}

func TestLoad_ConcurrentDifferentNames(t *testing.T) {
	m, reg, _ := newTestManager(t)
	var wg sync.WaitGroup
	names := []string{"m1", "m2", "m3", "m4"}
	for _, n := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := strings.ToUpper(n) + "_PT"
			if _, err := m.Load(context.Background(), n, []byte(panelsSource(id))); err != nil {
				t.Errorf("Load %s: %v", n, err)
			}
		}()
	}
	wg.Wait()
	for _, n := range names {
		pts := m.Points(n)
		if len(pts) != 1 || string(pts[0]) != strings.ToUpper(n)+"_PT" {
			t.Fatalf("%s owns %v", n, pts)
		}
	}
	if len(reg.Registered()) != 4 {
		t.Fatalf("registered = %v", registeredIDs(reg))
	}
}

func TestCheckSyntax(t *testing.T) {
	if err := CheckSyntax([]byte("function register() {}")); err != nil {
		t.Fatalf("valid source: %v", err)
	}
	if err := CheckSyntax([]byte("function register( {")); err == nil {
		t.Fatal("invalid source should fail")
	}
}

func TestLoad_ConcurrentSharedPointHasOneOwner(t *testing.T) {
	for range 20 {
		m, reg, _ := newTestManager(t)
		var wg sync.WaitGroup
		errs := map[string]error{}
		var mu sync.Mutex
		for _, n := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.Load(context.Background(), n, []byte(panelsSource("SHARED_PT")))
				mu.Lock()
				errs[n] = err
				mu.Unlock()
			}()
		}
		wg.Wait()

		winner, loser := "a", "b"
		if errs["a"] != nil {
			winner, loser = "b", "a"
		}
		if errs[winner] != nil || errs[loser] == nil {
			t.Fatalf("exactly one load should win, errs = %v", errs)
		}
		if pts := m.Points(winner); len(pts) != 1 || pts[0] != "SHARED_PT" {
			t.Fatalf("%s owns %v", winner, pts)
		}
		if len(m.Points(loser)) != 0 || m.State(loser) != Unloaded {
			t.Fatalf("%s should hold nothing", loser)
		}
		if !reg.IsRegistered("SHARED_PT") {
			t.Fatal("winner's point should stay registered after the loser rolls back")
		}
		m.Unload(t.Context(), winner)
		if len(reg.Points()) != 0 {
			t.Fatalf("points left after unload: %v", reg.Points())
		}
	}
}

func guardCount(m *Manager) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.guards)
}

func TestUnload_DropsNameGuard(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Load(t.Context(), "tool", []byte(panelsSource("TOOL_PT"))); err != nil {
		t.Fatal(err)
	}
	if n := guardCount(m); n != 1 {
		t.Fatalf("guards while active = %d, want 1", n)
	}
	m.Unload(t.Context(), "tool")
	if n := guardCount(m); n != 0 {
		t.Fatalf("guards after unload = %d, want 0", n)
	}

	m.Unload(t.Context(), "ghost")
	m.Load(t.Context(), "broken", []byte("function register( {"))
	if n := guardCount(m); n != 0 {
		t.Fatalf("guards after no-op unload and failed load = %d, want 0", n)
	}
}
