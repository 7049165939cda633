package pathutil

import (
	"strings"
	"testing"
)

// TestHasDotSegments tests the helper directly for clarity
func TestHasDotSegments(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/normal/path", false},
		{"/path/./here", true},
		{"/path/../up", true},
		{".", true},
		{"..", true},
		{"/...", false},     // three dots is not a dot segment
		{"/.hidden", false}, // dotfile, not a dot segment
		{"/.dotdir/file", false},
		{"/path/to/.", true},
		{"/./", true},
		{"/../", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := HasDotSegments(tt.path)
			if got != tt.want {
				t.Errorf("hasDotSegments(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}
func FuzzHasDotSegments(f *testing.F) {
	f.Add("foo/./bar")
	f.Add("foo/../bar")
	f.Add("./foo")
	f.Add("foo/.")
	f.Add(".")
	f.Add("..")
	f.Add("foo/bar")
	f.Add("...") // triple dot is a valid name

	f.Fuzz(func(t *testing.T, p string) {
		result := HasDotSegments(p)
		// INVARIANT: if result is false, no segment equals "." or ".."
		segments := strings.Split(p, "/")
		hasDangerousSegment := false
		for _, seg := range segments {
			if seg == "." || seg == ".." {
				hasDangerousSegment = true
				break
			}
		}
		if result != hasDangerousSegment {
			t.Errorf("hasDotSegments(%q) = %v, but manual check = %v", p, result, hasDangerousSegment)
		}
	})
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{"ADDONS/FREE/tools.js", true},
		{"tools.js", true},
		{"a/.hidden/b.js", true},
		{"", false},
		{"/abs/tools.js", false},
		{"ADDONS/../secret.js", false},
		{"./tools.js", false},
		{"ADDONS//tools.js", false},
		{"ADDONS/", false},
		{"ADDONS\\tools.js", false},
		{"tools\x00.js", false},
		{"tools\n.js", false},
		{strings.Repeat("a", MaxKeyLen+1), false},
	}
	for _, tt := range tests {
		err := ValidKey(tt.key)
		if (err == nil) != tt.ok {
			t.Errorf("ValidKey(%q) err = %v, want ok=%v", tt.key, err, tt.ok)
		}
	}
}

func TestValidFolder(t *testing.T) {
	if err := ValidFolder("ADDONS/FREE/"); err != nil {
		t.Fatalf("trailing slash folder rejected: %v", err)
	}
	if err := ValidFolder("ADDONS"); err != nil {
		t.Fatalf("bare folder rejected: %v", err)
	}
	if err := ValidFolder("/"); err == nil {
		t.Fatal("root folder should be rejected")
	}
	if err := ValidFolder("ADDONS/../x/"); err == nil {
		t.Fatal("dot segment folder should be rejected")
	}
}
