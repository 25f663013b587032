package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/kvstore"
)

func TestStripEffortSuffix(t *testing.T) {
	cases := map[string]string{
		"gpt-5-codex-high":    "gpt-5-codex",
		"gpt-5-codex-xhigh":   "gpt-5-codex",
		"gpt-5-minimal":       "gpt-5",
		"gpt-5-codex":         "gpt-5-codex",
		"codex-mini-latest":   "codex-mini-latest",
		"-high":               "-high", // suffix alone is not a variant
		"gpt-5-codex-unknown": "gpt-5-codex-unknown",
	}
	for in, want := range cases {
		if got := StripEffortSuffix(in); got != want {
			t.Errorf("StripEffortSuffix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEffortFromSuffix(t *testing.T) {
	if got := EffortFromSuffix("gpt-5-codex-high"); got != "high" {
		t.Fatalf("effort = %q", got)
	}
	if got := EffortFromSuffix("gpt-5-codex"); got != "" {
		t.Fatalf("effort = %q", got)
	}
}

func TestLookupMatchesVariantSlugs(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := New(kvstore.New(), filepath.Join(t.TempDir(), "catalog.json"), clk, nil, 0)
	c.Set([]Model{{Slug: "gpt-5-codex", Instructions: "tmpl"}})

	for _, slug := range []string{"gpt-5-codex", "gpt-5-codex-high", "GPT-5-Codex-Low"} {
		if m, ok := c.Lookup(slug); !ok || m.Slug != "gpt-5-codex" {
			t.Fatalf("Lookup(%q) = %+v ok=%v", slug, m, ok)
		}
	}
	if _, ok := c.Lookup("o999"); ok {
		t.Fatal("unknown slug matched")
	}
}

func TestRefreshCachesToDisk(t *testing.T) {
	clk := clock.NewFake(time.Now())
	kv := kvstore.New()
	path := filepath.Join(t.TempDir(), "catalog.json")
	calls := 0
	fetch := func(ctx context.Context, mode, token, acct string) ([]Model, error) {
		calls++
		return []Model{{Slug: "gpt-5-codex"}}, nil
	}

	c := New(kv, path, clk, fetch, time.Hour)
	c.Refresh(context.Background(), "codex", "at", "acc")
	c.Refresh(context.Background(), "codex", "at", "acc") // within TTL
	if calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", calls)
	}

	// A new instance starts from the disk cache and stays fresh.
	c2 := New(kv, path, clk, fetch, time.Hour)
	if _, ok := c2.Lookup("gpt-5-codex"); !ok {
		t.Fatal("disk cache not loaded")
	}
	c2.Refresh(context.Background(), "codex", "at", "acc")
	if calls != 1 {
		t.Fatalf("fetch calls after reload = %d, want 1", calls)
	}
}

func TestRefreshFailureKeepsCache(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := New(kvstore.New(), filepath.Join(t.TempDir(), "catalog.json"), clk,
		func(ctx context.Context, mode, token, acct string) ([]Model, error) {
			return nil, errors.New("backend down")
		}, time.Hour)
	c.Set([]Model{{Slug: "gpt-5-codex"}})

	clk.Advance(2 * time.Hour)
	c.Refresh(context.Background(), "codex", "at", "acc")
	if _, ok := c.Lookup("gpt-5-codex"); !ok {
		t.Fatal("failed refresh dropped the cached catalog")
	}
}

func TestDefaultsFallsBack(t *testing.T) {
	d, known := Defaults("gpt-5-codex-high")
	if !known || d.ApplyPatchToolType != "freeform" {
		t.Fatalf("gpt-5-codex defaults = %+v known=%v", d, known)
	}
	d, known = Defaults("mystery-model")
	if known || d.DefaultReasoningEffort != "medium" {
		t.Fatalf("fallback defaults = %+v known=%v", d, known)
	}
}

func TestVersionCacheTTLAndFallback(t *testing.T) {
	clk := clock.NewFake(time.Now())
	kv := kvstore.New()
	path := filepath.Join(t.TempDir(), "codex-client-version.json")
	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		return "0.9.0", nil
	}

	v := NewVersionCache(kv, path, clk, fetch, time.Hour, "0.4.2")
	if got := v.Version(context.Background()); got != "0.9.0" || calls != 1 {
		t.Fatalf("first = %q calls=%d", got, calls)
	}
	if got := v.Version(context.Background()); got != "0.9.0" || calls != 1 {
		t.Fatalf("cached = %q calls=%d", got, calls)
	}

	clk.Advance(2 * time.Hour)
	if got := v.Version(context.Background()); got != "0.9.0" || calls != 2 {
		t.Fatalf("after TTL = %q calls=%d", got, calls)
	}

	// No fetcher and no cache → configured fallback.
	v2 := NewVersionCache(kv, filepath.Join(t.TempDir(), "v.json"), clk, nil, time.Hour, "0.4.2")
	if got := v2.Version(context.Background()); got != "0.4.2" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestResolvePersonalityPrecedence(t *testing.T) {
	texts := map[string]string{"variant": "V", "model": "M", "global": "G"}
	resolve := func(key string) (string, bool) {
		v, ok := texts[key]
		return v, ok
	}

	sel := PersonalitySelection{Variant: "variant", Model: "model", Global: "global", Fallback: "fb"}
	if got, _ := ResolvePersonality(resolve, sel); got != "V" {
		t.Fatalf("variant should win, got %q", got)
	}

	sel.Variant = ""
	if got, _ := ResolvePersonality(resolve, sel); got != "M" {
		t.Fatalf("model next, got %q", got)
	}

	sel.Model = "missing"
	if got, _ := ResolvePersonality(resolve, sel); got != "G" {
		t.Fatalf("unresolvable key skipped, got %q", got)
	}

	if _, ok := ResolvePersonality(resolve, PersonalitySelection{Fallback: "nope"}); ok {
		t.Fatal("nothing resolvable should report false")
	}
}
