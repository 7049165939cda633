package host

import (
	"errors"
	"testing"
)

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"grouped": Grouped, "": Grouped, "Standalone": Standalone} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("sideways"); err == nil {
		t.Fatal("unknown mode should fail")
	}
}

func TestDescriptor_Place(t *testing.T) {
	top := Descriptor{ID: "TOOL_PT_main", Label: "Tool", Space: "VIEW_3D"}
	child := Descriptor{ID: "TOOL_PT_opts", Parent: "TOOL_PT_main"}

	g := top.Place(Grouped, "tool")
	if g.Category != GroupCategory || g.Parent != GroupParent || g.Region != "UI" {
		t.Fatalf("grouped top = %+v", g)
	}
	s := g.Place(Standalone, "tool")
	if s.Category != "tool" || s.Parent != "" {
		t.Fatalf("standalone top = %+v", s)
	}
	if c := child.Place(Grouped, "tool"); c.Parent != "TOOL_PT_main" || c.Category != GroupCategory {
		t.Fatalf("grouped child = %+v", c)
	}
	if top.Category != "" || top.Parent != "" {
		t.Fatal("Place must not modify the receiver")
	}
}

func TestDescriptor_Validate(t *testing.T) {
	bad := []Descriptor{
		{ID: ""},
		{ID: "has space"},
		{ID: "9starts_with_digit"},
		{ID: "OK", Parent: "bad parent"},
		{ID: "SELF", Parent: "SELF"},
	}
	for _, d := range bad {
		if d.Validate() == nil {
			t.Errorf("Validate(%+v) should fail", d)
		}
	}
	if err := (Descriptor{ID: "TOOL_PT_main", Parent: GroupParent}).Validate(); err != nil {
		t.Fatalf("valid descriptor: %v", err)
	}
}

func TestRegistry_DefineRegisterUnregister(t *testing.T) {
	r := NewRegistry(Grouped)
	var changes []int
	r.OnChange = func(n int) { changes = append(changes, n) }

	d := Descriptor{ID: "TOOL_PT_main"}
	h, err := r.Define(d)
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	if r.IsRegistered(h) {
		t.Fatal("defined point should not be visible yet")
	}

	placed := d.Place(r.Placement(), "tool")
	if err := r.Register(h, placed); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, _ := r.Descriptor(h)
	if got.Category != GroupCategory {
		t.Fatalf("stored descriptor = %+v", got)
	}
	if regs := r.Registered(); len(regs) != 1 || regs[0].ID != "TOOL_PT_main" {
		t.Fatalf("Registered = %+v", regs)
	}

	if err := r.Unregister(h); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := r.Unregister(h); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("second Unregister = %v, want ErrNotRegistered", err)
	}
	if len(changes) != 2 || changes[0] != 1 || changes[1] != 0 {
		t.Fatalf("OnChange calls = %v", changes)
	}
}

func TestRegistry_RegisterUndefined(t *testing.T) {
	r := NewRegistry(Grouped)
	err := r.Register("NOPE", Descriptor{ID: "NOPE"})
	if !errors.Is(err, ErrUnknownPoint) {
		t.Fatalf("Register(undefined) = %v, want ErrUnknownPoint", err)
	}
	h, _ := r.Define(Descriptor{ID: "A"})
	if err := r.Register(h, Descriptor{ID: "B"}); err == nil {
		t.Fatal("mismatched handle and descriptor should fail")
	}
}

func TestRegistry_DefineNew(t *testing.T) {
	r := NewRegistry(Grouped)
	h, err := r.DefineNew(Descriptor{ID: "A", Label: "first"})
	if err != nil || h != "A" {
		t.Fatalf("DefineNew = %q, %v", h, err)
	}
	if _, err := r.DefineNew(Descriptor{ID: "A", Label: "second"}); !errors.Is(err, ErrDefined) {
		t.Fatalf("second DefineNew = %v, want ErrDefined", err)
	}
	if d, _ := r.Descriptor("A"); d.Label != "first" {
		t.Fatalf("existing definition replaced: %+v", d)
	}
	if _, err := r.DefineNew(Descriptor{}); err == nil {
		t.Fatal("invalid descriptor should fail")
	}
	r.Forget("A")
	if _, err := r.DefineNew(Descriptor{ID: "A"}); err != nil {
		t.Fatalf("DefineNew after Forget: %v", err)
	}
}

func TestRegistry_Forget(t *testing.T) {
	r := NewRegistry(Grouped)
	h, _ := r.Define(Descriptor{ID: "A"})
	r.Register(h, Descriptor{ID: "A"})

	r.Forget(h)
	if r.IsRegistered(h) || len(r.Points()) != 0 {
		t.Fatal("Forget should drop registration and definition")
	}
	r.Forget(h)
}

func TestRegistry_PointsSorted(t *testing.T) {
	r := NewRegistry(Standalone)
	for _, id := range []string{"C", "A", "B"} {
		r.Define(Descriptor{ID: id})
	}
	p := r.Points()
	if len(p) != 3 || p[0] != "A" || p[2] != "C" {
		t.Fatalf("Points = %v", p)
	}
	r.SetPlacement(Grouped)
	if r.Placement() != Grouped {
		t.Fatal("SetPlacement did not apply")
	}
}
