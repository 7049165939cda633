package codec

import (
	"errors"
	"testing"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// balanced is a stand-in parser: it accepts input whose brackets balance.
func balanced(src []byte) error {
	if _, changed := Repair(src); changed {
		return errors.New("unbalanced")
	}
	for _, b := range src {
		if b == '#' {
			return errors.New("illegal character")
		}
	}
	return nil
}

func TestRepair(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		changed bool
	}{
		{"balanced", "f(a[0], {b: 1})", "f(a[0], {b: 1})", false},
		{"open paren", "f(a", "f(a\n)", true},
		{"nested", "function register() { host.log([1, 2", "function register() { host.log([1, 2\n])}", true},
		{"brackets in string", `x = "(("; y = (1`, "x = \"((\"; y = (1\n)", true},
		{"escaped quote", `x = "a\"(" + (1`, "x = \"a\\\"(\" + (1\n)", true},
		{"line comment", "f( // (((\n1", "f( // (((\n1\n)", true},
		{"block comment", "f(/* [[ */ 1", "f(/* [[ */ 1\n)", true},
		{"open string", `x = ("abc`, "x = (\"abc\"\n)", true},
		{"stray closer", "f())", "f())", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Repair([]byte(tt.in))
			if changed != tt.changed {
				t.Fatalf("changed = %v, want %v", changed, tt.changed)
			}
			if string(got) != tt.want {
				t.Fatalf("Repair(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestOpen_RepairDisabledByDefault(t *testing.T) {
	c := New(testSecret)
	got, err := c.Open(t.Context(), sealOrFatal(t, c, "f(1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != "f(1" {
		t.Fatalf("source should be untouched without repair, got %q", got)
	}
}

func TestOpen_RepairFixes(t *testing.T) {
	c := New(testSecret, WithRepair(balanced))
	got, err := c.Open(t.Context(), sealOrFatal(t, c, "f(1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != "f(1\n)" {
		t.Fatalf("got %q", got)
	}
}

func TestOpen_RepairStillInvalid(t *testing.T) {
	c := New(testSecret, WithRepair(balanced))
	_, err := c.Open(t.Context(), sealOrFatal(t, c, "f(#"))
	if !errors.Is(err, xerrors.ErrDecode) {
		t.Fatalf("Open = %v, want ErrDecode", err)
	}
}

func TestOpen_RepairNothingToFix(t *testing.T) {
	c := New(testSecret, WithRepair(balanced))
	_, err := c.Open(t.Context(), sealOrFatal(t, c, "f(1) #"))
	if !errors.Is(err, xerrors.ErrDecode) {
		t.Fatalf("Open = %v, want ErrDecode", err)
	}
}
