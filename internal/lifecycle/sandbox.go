package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/dop251/goja"

	"github.com/keithlinneman/linnemanlabs-addons/internal/host"
	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// Names of the hooks an extension exposes as globals.
const (
	InstallHook = "register"
	RemoveHook  = "unregister"
)

// removedGlobals are deleted from every extension runtime.
var removedGlobals = []string{"eval", "Function", "require", "module", "exports", "process"}

// prelude closes the constructor back doors to Function before the global
// is removed.
const prelude = `(function () {
	var protos = [Object.getPrototypeOf(function () {})];
	try { protos.push(Object.getPrototypeOf(function* () {})); } catch (e) {}
	try { protos.push(Object.getPrototypeOf(async function () {})); } catch (e) {}
	for (var i = 0; i < protos.length; i++) {
		Object.defineProperty(protos[i], "constructor", {value: undefined, writable: false, configurable: false});
	}
})();`

var preludeProgram = goja.MustCompile("prelude", prelude, true)

// CheckSyntax reports whether src compiles as an extension script.
func CheckSyntax(src []byte) error {
	_, err := goja.Compile("extension", string(src), false)
	return err
}

// sandbox is the capability surface handed to one extension runtime.
type sandbox struct {
	name    string
	hash    string
	host    Host
	logger  log.Logger
	rt      *goja.Runtime
	defined map[host.Handle]struct{}

	// owned is filled after attribution; before that only defined points
	// may be registered.
	owned map[host.Handle]struct{}
}

func newSandbox(name, hash string, h Host, logger log.Logger) (*sandbox, error) {
	rt := goja.New()
	rt.SetMaxCallStackSize(1024)

	s := &sandbox{
		name:    name,
		hash:    hash,
		host:    h,
		logger:  logger,
		rt:      rt,
		defined: map[host.Handle]struct{}{},
	}

	if _, err := rt.RunProgram(preludeProgram); err != nil {
		return nil, xerrors.Wrap(err, "sandbox prelude")
	}
	g := rt.GlobalObject()
	for _, n := range removedGlobals {
		if err := g.Delete(n); err != nil {
			if err := g.Set(n, goja.Undefined()); err != nil {
				return nil, xerrors.Wrapf(err, "remove global %s", n)
			}
		}
	}

	hostObj := rt.NewObject()
	for k, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"definePanel":     s.definePanel,
		"registerPanel":   s.registerPanel,
		"unregisterPanel": s.unregisterPanel,
		"log":             s.log,
		"placement":       s.placement,
	} {
		if err := hostObj.Set(k, fn); err != nil {
			return nil, xerrors.Wrapf(err, "host.%s", k)
		}
	}
	loader := rt.NewObject()
	loader.Set("name", name)
	loader.Set("version", hash)

	if err := rt.Set("host", hostObj); err != nil {
		return nil, err
	}
	if err := rt.Set("loader", loader); err != nil {
		return nil, err
	}
	if _, err := rt.RunString(`Object.freeze(host); Object.freeze(loader);`); err != nil {
		return nil, xerrors.Wrap(err, "freeze capability objects")
	}
	return s, nil
}

func (s *sandbox) throw(format string, args ...any) {
	panic(s.rt.NewTypeError(append([]any{format}, args...)...))
}

// definePanel({id, label, parent, space, region, order}) -> id
func (s *sandbox) definePanel(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		s.throw("definePanel: descriptor object required")
	}
	obj := arg.ToObject(s.rt)
	d := host.Descriptor{
		ID:     str(obj.Get("id")),
		Label:  str(obj.Get("label")),
		Parent: str(obj.Get("parent")),
		Space:  str(obj.Get("space")),
		Region: str(obj.Get("region")),
	}
	if v := obj.Get("order"); v != nil && !goja.IsUndefined(v) {
		d.Order = int(v.ToInteger())
	}

	h := host.Handle(d.ID)
	define := s.host.DefineNew
	if _, mine := s.defined[h]; mine {
		define = s.host.Define
	}
	if _, err := define(d); err != nil {
		if errors.Is(err, host.ErrDefined) {
			s.throw("definePanel: %s is owned by another extension", d.ID)
		}
		s.throw("definePanel: %s", err.Error())
	}
	s.defined[h] = struct{}{}
	return s.rt.ToValue(d.ID)
}

func (s *sandbox) mayTouch(h host.Handle) bool {
	if s.owned != nil {
		_, ok := s.owned[h]
		return ok
	}
	_, ok := s.defined[h]
	return ok
}

func (s *sandbox) registerPanel(call goja.FunctionCall) goja.Value {
	h := host.Handle(call.Argument(0).String())
	if !s.mayTouch(h) {
		s.throw("registerPanel: %s is not defined by this extension", h)
	}
	d, ok := s.host.Descriptor(h)
	if !ok {
		s.throw("registerPanel: %s is not defined", h)
	}
	if err := s.host.Register(h, d); err != nil {
		s.throw("registerPanel: %s", err.Error())
	}
	return goja.Undefined()
}

func (s *sandbox) unregisterPanel(call goja.FunctionCall) goja.Value {
	h := host.Handle(call.Argument(0).String())
	if !s.mayTouch(h) {
		return s.rt.ToValue(false)
	}
	return s.rt.ToValue(s.host.Unregister(h) == nil)
}

func (s *sandbox) log(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = a.String()
	}
	s.logger.Info(context.Background(), "extension log", "module", s.name, "msg", strings.Join(parts, " "))
	return goja.Undefined()
}

func (s *sandbox) placement(goja.FunctionCall) goja.Value {
	return s.rt.ToValue(s.host.Placement().String())
}

// hook returns the named global if it is callable.
func (s *sandbox) hook(name string) (goja.Callable, bool) {
	return goja.AssertFunction(s.rt.Get(name))
}

func str(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
