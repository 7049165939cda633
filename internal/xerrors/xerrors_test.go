package xerrors

import (
	"errors"
	"io"
	"io/fs"
	"runtime"
	"strings"
	"testing"
)

func topFunc(pcs []uintptr) string {
	fr, _ := runtime.CallersFrames(pcs).Next()
	return fr.Function
}

func TestNew_CapturesCallerStack(t *testing.T) {
	for name, err := range map[string]error{
		"New":  New("blob too short"),
		"Newf": Newf("blob too short: %d bytes", 12),
	} {
		var s interface{ StackPCs() []uintptr }
		if !errors.As(err, &s) {
			t.Fatalf("%s: no stack", name)
		}
		if fn := topFunc(s.StackPCs()); !strings.HasSuffix(fn, "TestNew_CapturesCallerStack") {
			t.Fatalf("%s: top frame = %s, want the caller", name, fn)
		}
	}
	if got := Newf("%d bytes", 12).Error(); got != "12 bytes" {
		t.Fatalf("Newf message = %q", got)
	}
}

func TestNewf_HonoursWrapVerb(t *testing.T) {
	err := Newf("read cache: %w", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("wrapped target should be reachable")
	}
}

func TestWrap_MessageAndPC(t *testing.T) {
	base := errors.New("connection refused")
	err := Wrapf(Wrap(base, "list ADDONS/"), "sync attempt %d", 2)

	if err.Error() != "sync attempt 2: list ADDONS/: connection refused" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, base) {
		t.Fatal("Wrap must preserve the chain")
	}

	var p interface{ PC() uintptr }
	if !errors.As(err, &p) {
		t.Fatal("wrapped error should expose PC")
	}
	fr, _ := runtime.CallersFrames([]uintptr{p.PC()}).Next()
	if !strings.HasSuffix(fr.Function, "TestWrap_MessageAndPC") {
		t.Fatalf("pc points at %s", fr.Function)
	}
}

func TestNilPassthrough(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil || WithStack(nil) != nil || EnsureTrace(nil) != nil {
		t.Fatal("nil errors must stay nil")
	}
}

func TestEnsureTrace(t *testing.T) {
	plain := &fs.PathError{Op: "open", Path: "script_cache.json", Err: fs.ErrNotExist}
	traced := EnsureTrace(plain)
	if traced == error(plain) {
		t.Fatal("plain error should gain a stack")
	}
	var pe *fs.PathError
	if !errors.As(traced, &pe) || !errors.Is(traced, fs.ErrNotExist) {
		t.Fatal("EnsureTrace must keep the chain intact")
	}
	if EnsureTrace(traced) != traced {
		t.Fatal("already traced error should be returned as is")
	}
	wrappedTraced := Wrap(traced, "load cache")
	if EnsureTrace(wrappedTraced) != wrappedTraced {
		t.Fatal("a stack deeper in the chain counts")
	}
}

func TestWrappers_AreMarked(t *testing.T) {
	var marker interface{ IsXerrorsWrapper() }
	for _, err := range []error{New("a"), Wrap(errors.New("b"), "c"), Mark(errors.New("d"), ErrFormat)} {
		if !errors.As(err, &marker) {
			t.Fatalf("%T should identify as an xerrors wrapper", err)
		}
	}
}
