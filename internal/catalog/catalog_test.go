package catalog

import (
	"testing"
	"time"
)

func TestCatalog_EmptyNotReady(t *testing.T) {
	c := New()
	if err := c.ReadyErr(); err == nil {
		t.Fatal("empty catalog should not be ready")
	}
	if c.Keys() != nil || c.Folders() != nil {
		t.Fatal("empty catalog should list nothing")
	}
	if c.Contains("a.js") {
		t.Fatal("empty catalog contains nothing")
	}
	if !c.LoadedAt().IsZero() {
		t.Fatal("LoadedAt should be zero")
	}
	if c.Fresh(time.Now(), time.Hour) {
		t.Fatal("empty catalog is never fresh")
	}
}

func TestCatalog_SetAndQuery(t *testing.T) {
	c := New()
	c.Set(Snapshot{Folders: map[string][]string{
		"FREE/":    {"FREE/b.js", "FREE/a.js"},
		"PREMIUM/": {"PREMIUM/x.js", "FREE/a.js"},
	}})
	if err := c.ReadyErr(); err != nil {
		t.Fatalf("ReadyErr: %v", err)
	}
	keys := c.Keys()
	want := []string{"FREE/a.js", "FREE/b.js", "PREMIUM/x.js"}
	if len(keys) != len(want) {
		t.Fatalf("Keys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys = %v, want %v", keys, want)
		}
	}
	if f := c.Folders(); len(f) != 2 || f[0] != "FREE/" {
		t.Fatalf("Folders = %v", f)
	}
	if !c.Contains("PREMIUM/x.js") || c.Contains("PREMIUM/y.js") {
		t.Fatal("Contains mismatch")
	}
	if c.LoadedAt().IsZero() {
		t.Fatal("LoadedAt should default to now")
	}
}

func TestCatalog_SetCopies(t *testing.T) {
	c := New()
	keys := []string{"a.js"}
	folders := map[string][]string{"F/": keys}
	c.Set(Snapshot{Folders: folders})

	keys[0] = "mutated.js"
	folders["G/"] = []string{"g.js"}

	if !c.Contains("a.js") || c.Contains("mutated.js") || c.Contains("g.js") {
		t.Fatal("snapshot should not alias caller data")
	}
}

func TestCatalog_Fresh(t *testing.T) {
	c := New()
	at := time.Unix(1000, 0)
	c.Set(Snapshot{Folders: map[string][]string{}, LoadedAt: at})
	if !c.Fresh(at.Add(59*time.Minute), time.Hour) {
		t.Fatal("should be fresh before TTL")
	}
	if c.Fresh(at.Add(time.Hour), time.Hour) {
		t.Fatal("should be stale at TTL")
	}
}
