package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/kvstore"
)

func newTestStore(t *testing.T, clk clock.Clock, opts Options) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session-affinity.json")
	s := NewStore(kvstore.New(), path, clk, opts)
	t.Cleanup(s.Close)
	return s, path
}

func TestStickyBindAndLookup(t *testing.T) {
	clk := clock.NewFake(time.Now())
	s, _ := newTestStore(t, clk, Options{})

	s.Observe("codex", "ses_x")
	s.BindSticky("codex", "ses_x", "acc|a@b|plus")

	got, ok := s.Sticky("codex", "ses_x")
	if !ok || got != "acc|a@b|plus" {
		t.Fatalf("sticky = %q ok=%v", got, ok)
	}
	if _, ok := s.Sticky("native", "ses_x"); ok {
		t.Fatal("modes must not share maps")
	}
}

func TestPersistAndReload(t *testing.T) {
	clk := clock.NewFake(time.Now())
	path := filepath.Join(t.TempDir(), "session-affinity.json")
	kv := kvstore.New()

	s := NewStore(kv, path, clk, Options{})
	s.Observe("codex", "ses_x")
	s.BindSticky("codex", "ses_x", "k1")
	s.BindHybrid("codex", "ses_x", "k2")
	s.Close() // drains the persist queue

	reloaded := NewStore(kv, path, clk, Options{})
	defer reloaded.Close()

	if got, ok := reloaded.Sticky("codex", "ses_x"); !ok || got != "k1" {
		t.Fatalf("sticky after reload = %q ok=%v", got, ok)
	}
	if got, ok := reloaded.Hybrid("codex", "ses_x"); !ok || got != "k2" {
		t.Fatalf("hybrid after reload = %q ok=%v", got, ok)
	}
}

func TestPruneTTL(t *testing.T) {
	clk := clock.NewFake(time.Now())
	s, _ := newTestStore(t, clk, Options{TTL: time.Hour})

	s.Observe("codex", "old")
	s.BindSticky("codex", "old", "k1")
	clk.Advance(2 * time.Hour)
	s.Observe("codex", "fresh")

	s.Prune(nil)

	if _, ok := s.Sticky("codex", "old"); ok {
		t.Fatal("expired key should be pruned")
	}
	if _, ok := s.mode("codex").Seen["fresh"]; !ok {
		t.Fatal("fresh key should survive")
	}
}

func TestPruneMissingSessionNeedsGrace(t *testing.T) {
	clk := clock.NewFake(time.Now())
	s, _ := newTestStore(t, clk, Options{TTL: time.Hour, MissingGrace: 5 * time.Minute})

	s.Observe("codex", "gone")
	none := func(string) bool { return false }

	// First report only starts the grace clock.
	s.Prune(none)
	if _, ok := s.mode("codex").Seen["gone"]; !ok {
		t.Fatal("key dropped before grace elapsed")
	}

	clk.Advance(6 * time.Minute)
	s.Prune(none)
	if _, ok := s.mode("codex").Seen["gone"]; ok {
		t.Fatal("key should be dropped after grace")
	}
}

func TestSizeCapEvictsOldest(t *testing.T) {
	clk := clock.NewFake(time.Now())
	s, _ := newTestStore(t, clk, Options{MaxEntries: 3})

	for _, k := range []string{"a", "b", "c"} {
		s.Observe("codex", k)
		clk.Advance(time.Second)
	}
	s.Observe("codex", "d")

	mm := s.mode("codex")
	if len(mm.Seen) != 3 {
		t.Fatalf("size = %d, want 3", len(mm.Seen))
	}
	if _, ok := mm.Seen["a"]; ok {
		t.Fatal("oldest key should be evicted first")
	}
}

func TestCoalescedPersist(t *testing.T) {
	clk := clock.NewFake(time.Now())
	s, path := newTestStore(t, clk, Options{})

	// A burst of changes must not panic or deadlock; the queue holds at
	// most one pending write.
	for i := 0; i < 100; i++ {
		s.BindSticky("codex", "ses", "k")
	}
	s.Close()

	var raw map[string]any
	if err := kvstore.New().Load(path, &raw); err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if raw["version"].(float64) != 1 {
		t.Fatalf("version = %v", raw["version"])
	}
}
