// Package catalog holds the model catalog consumed by the request
// transform: per-model instruction templates, runtime defaults, the spoofed
// client version cache, and personality resolution.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/kvstore"
)

// Model is one catalog entry. Instructions is a template that may carry
// {{personality}} markers; BaseInstructions is the marker-free fallback.
type Model struct {
	Slug             string `json:"slug"`
	DisplayName      string `json:"displayName,omitempty"`
	Instructions     string `json:"instructions,omitempty"`
	BaseInstructions string `json:"baseInstructions,omitempty"`
}

// FetchFunc retrieves the live catalog from the backend. Optional; the
// cached snapshot serves when absent or failing.
type FetchFunc func(ctx context.Context, mode, accessToken, accountID string) ([]Model, error)

type cacheFile struct {
	FetchedAt int64   `json:"fetchedAt"`
	Models    []Model `json:"models"`
}

// Catalog caches the model list in memory and on disk.
type Catalog struct {
	kv    *kvstore.Store
	path  string
	clk   clock.Clock
	fetch FetchFunc
	ttl   time.Duration

	mu        sync.Mutex
	models    []Model
	fetchedAt int64
}

func New(kv *kvstore.Store, path string, clk clock.Clock, fetch FetchFunc, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Catalog{kv: kv, path: path, clk: clk, fetch: fetch, ttl: ttl}
	var cached cacheFile
	if err := kv.Load(path, &cached); err == nil {
		c.models = cached.Models
		c.fetchedAt = cached.FetchedAt
	}
	return c
}

// Lookup finds the catalog model for a request slug. Effort suffixes
// ("-high", "-minimal", ...) are stripped before matching so variant slugs
// resolve to their base model.
func (c *Catalog) Lookup(slug string) (Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := StripEffortSuffix(strings.ToLower(strings.TrimSpace(slug)))
	for _, m := range c.models {
		if StripEffortSuffix(strings.ToLower(m.Slug)) == want {
			return m, true
		}
	}
	return Model{}, false
}

// Refresh pulls the live catalog when the cached copy is stale. Fetch
// failures keep the cached snapshot; they never propagate to a request.
func (c *Catalog) Refresh(ctx context.Context, mode, accessToken, accountID string) {
	if c.fetch == nil {
		return
	}
	now := c.clk.Now().UnixMilli()

	c.mu.Lock()
	stale := c.fetchedAt == 0 || now-c.fetchedAt > c.ttl.Milliseconds()
	c.mu.Unlock()
	if !stale {
		return
	}

	models, err := c.fetch(ctx, mode, accessToken, accountID)
	if err != nil || len(models) == 0 {
		slog.Debug("catalog refresh failed, keeping cached copy", "error", err)
		return
	}

	c.mu.Lock()
	c.models = models
	c.fetchedAt = now
	c.mu.Unlock()

	if _, err := c.kv.Save(c.path, func(json.RawMessage) (any, error) {
		return cacheFile{FetchedAt: now, Models: models}, nil
	}); err != nil {
		slog.Debug("catalog cache persist failed", "error", err)
	}
}

// Set replaces the in-memory catalog. Used by tests and by hosts that
// supply an already-parsed list.
func (c *Catalog) Set(models []Model) {
	c.mu.Lock()
	c.models = models
	c.fetchedAt = c.clk.Now().UnixMilli()
	c.mu.Unlock()
}

var effortSuffixes = []string{"-none", "-minimal", "-low", "-medium", "-high", "-xhigh"}

// StripEffortSuffix removes a trailing reasoning-effort variant from a
// model slug: "gpt-5-codex-high" resolves as "gpt-5-codex".
func StripEffortSuffix(slug string) string {
	for _, s := range effortSuffixes {
		if strings.HasSuffix(slug, s) && len(slug) > len(s) {
			return slug[:len(slug)-len(s)]
		}
	}
	return slug
}
