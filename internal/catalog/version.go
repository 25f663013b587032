package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/kvstore"
)

// VersionFetchFunc retrieves the current released version of the spoofed
// client, typically from its release feed.
type VersionFetchFunc func(ctx context.Context) (string, error)

type versionFile struct {
	Version   string `json:"version"`
	FetchedAt int64  `json:"fetchedAt"`
}

// VersionCache keeps the spoofed client version in
// codex-client-version.json so the user-agent tracks real releases without
// a fetch per request.
type VersionCache struct {
	kv       *kvstore.Store
	path     string
	clk      clock.Clock
	fetch    VersionFetchFunc
	ttl      time.Duration
	fallback string

	mu     sync.Mutex
	cached versionFile
}

func NewVersionCache(kv *kvstore.Store, path string, clk clock.Clock, fetch VersionFetchFunc, ttl time.Duration, fallback string) *VersionCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	v := &VersionCache{kv: kv, path: path, clk: clk, fetch: fetch, ttl: ttl, fallback: fallback}
	_ = kv.Load(path, &v.cached)
	return v
}

// Version returns the cached client version, refreshing it past the TTL.
// Falls back to the configured version when nothing was ever fetched.
func (v *VersionCache) Version(ctx context.Context) string {
	now := v.clk.Now().UnixMilli()

	v.mu.Lock()
	cached := v.cached
	v.mu.Unlock()

	fresh := cached.Version != "" && now-cached.FetchedAt <= v.ttl.Milliseconds()
	if fresh || v.fetch == nil {
		if cached.Version != "" {
			return cached.Version
		}
		return v.fallback
	}

	version, err := v.fetch(ctx)
	if err != nil || version == "" {
		slog.Debug("client version fetch failed", "error", err)
		if cached.Version != "" {
			return cached.Version
		}
		return v.fallback
	}

	next := versionFile{Version: version, FetchedAt: now}
	v.mu.Lock()
	v.cached = next
	v.mu.Unlock()

	if _, err := v.kv.Save(v.path, func(json.RawMessage) (any, error) {
		return next, nil
	}); err != nil {
		slog.Debug("client version persist failed", "error", err)
	}
	return version
}
