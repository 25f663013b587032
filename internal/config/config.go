package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Storage
	DataDir           string
	AuthFilePath      string
	SnapshotsPath     string
	AffinityPath      string
	ClientVersionPath string
	CatalogPath       string
	UsageDBPath       string

	// Security
	StaticToken   string
	EncryptionKey string // optional; enables at-rest token encryption

	// Upstream
	Provider       string
	SpoofEndpoint  string
	OAuthTokenURL  string
	OAuthClientID  string
	ProxyURL       string
	RequestTimeout time.Duration

	// Spoofed client identity
	SpoofMode     string // "codex" or "native"
	SpoofProgram  string
	PluginVersion string
	Terminal      string

	// Orchestrator
	MaxAttempts     int
	RetryBackoff    time.Duration
	MaxBufferedBody int64

	// Selection
	Strategy  string // round_robin, sticky, hybrid
	PidOffset bool

	// Token refresh
	RefreshTimeout         time.Duration
	RefreshLeaseTTL        time.Duration
	RefreshFailureCooldown time.Duration
	TokenRefreshAdvance    time.Duration

	// Quota
	QuotaFetchTimeout   time.Duration
	QuotaRefreshTTL     time.Duration
	QuotaFailureCooloff time.Duration
	QuotaConcurrency    int
	CatalogFetchTimeout time.Duration

	// Session affinity
	AffinityTTL          time.Duration
	AffinityMaxEntries   int
	AffinityMissingGrace time.Duration

	// Prompt cache key
	CacheKeyStrategy string // "project" or "passthrough"
	CacheKeyVersion  int
	ProjectPath      string

	// Logging
	LogLevel string
}

func Load() *Config {
	dataDir := envOr("DATA_DIR", defaultDataDir())

	return &Config{
		Host: envOr("HOST", "127.0.0.1"),
		Port: envInt("PORT", 3100),

		DataDir:           dataDir,
		AuthFilePath:      envOr("AUTH_FILE", filepath.Join(dataDir, "auth.json")),
		SnapshotsPath:     envOr("SNAPSHOTS_FILE", filepath.Join(dataDir, "snapshots.json")),
		AffinityPath:      envOr("AFFINITY_FILE", filepath.Join(dataDir, "session-affinity.json")),
		ClientVersionPath: envOr("CLIENT_VERSION_FILE", filepath.Join(dataDir, "codex-client-version.json")),
		CatalogPath:       envOr("CATALOG_FILE", filepath.Join(dataDir, "model-catalog.json")),
		UsageDBPath:       envOr("USAGE_DB", filepath.Join(dataDir, "usage.db")),

		StaticToken:   os.Getenv("STATIC_TOKEN"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		Provider:       envOr("PROVIDER", "openai"),
		SpoofEndpoint:  envOr("SPOOF_ENDPOINT", "https://chatgpt.com/backend-api/codex/responses"),
		OAuthTokenURL:  envOr("OAUTH_TOKEN_URL", "https://auth.openai.com/oauth/token"),
		OAuthClientID:  envOr("OAUTH_CLIENT_ID", "app_EMoamEEZ73f0CkXaXp7hrann"),
		ProxyURL:       os.Getenv("EGRESS_PROXY"),
		RequestTimeout: envDuration("REQUEST_TIMEOUT", 5*time.Minute),

		SpoofMode:     envOr("SPOOF_MODE", "codex"),
		SpoofProgram:  envOr("SPOOF_PROGRAM", "codex_cli_rs"),
		PluginVersion: envOr("PLUGIN_VERSION", "0.4.2"),
		Terminal:      envOr("TERMINAL_DESCRIPTOR", ""),

		MaxAttempts:     envAttempts("MAX_ATTEMPTS", 3),
		RetryBackoff:    envDuration("RETRY_BACKOFF", 5*time.Second),
		MaxBufferedBody: int64(envInt("MAX_BUFFERED_BODY_MB", 60)) << 20,

		Strategy:  envOr("STRATEGY", "round_robin"),
		PidOffset: envBool("PID_OFFSET", false),

		RefreshTimeout:         envDuration("REFRESH_TIMEOUT", 30*time.Second),
		RefreshLeaseTTL:        envDuration("REFRESH_LEASE_TTL", 30*time.Second),
		RefreshFailureCooldown: envDuration("REFRESH_FAILURE_COOLDOWN", 2*time.Minute),
		TokenRefreshAdvance:    envDuration("TOKEN_REFRESH_ADVANCE", 60*time.Second),

		QuotaFetchTimeout:   envDuration("QUOTA_FETCH_TIMEOUT", 5*time.Second),
		QuotaRefreshTTL:     envDuration("QUOTA_REFRESH_TTL", 5*time.Minute),
		QuotaFailureCooloff: envDuration("QUOTA_FAILURE_COOLOFF", 10*time.Minute),
		QuotaConcurrency:    envInt("QUOTA_CONCURRENCY", 4),
		CatalogFetchTimeout: envDuration("CATALOG_FETCH_TIMEOUT", 5*time.Second),

		AffinityTTL:          envDuration("AFFINITY_TTL", 6*time.Hour),
		AffinityMaxEntries:   envInt("AFFINITY_MAX_ENTRIES", 200),
		AffinityMissingGrace: envDuration("AFFINITY_MISSING_GRACE", 5*time.Minute),

		CacheKeyStrategy: envOr("CACHE_KEY_STRATEGY", "passthrough"),
		CacheKeyVersion:  envInt("CACHE_KEY_VERSION", 1),
		ProjectPath:      envOr("PROJECT_PATH", ""),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.StaticToken == "" {
		return errMissing("STATIC_TOKEN")
	}
	if c.SpoofMode != "codex" && c.SpoofMode != "native" {
		return &configError{field: "SPOOF_MODE", reason: "must be codex or native"}
	}
	switch c.Strategy {
	case "round_robin", "sticky", "hybrid":
	default:
		return &configError{field: "STRATEGY", reason: "must be round_robin, sticky or hybrid"}
	}
	return nil
}

type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string {
	if e.reason != "" {
		return "invalid env " + e.field + ": " + e.reason
	}
	return "missing required env: " + e.field
}

func errMissing(f string) error { return &configError{field: f} }

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".codex-relay")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

// envAttempts parses the attempt budget. Unparseable values fall back to the
// default; values below one clamp to one so every call makes one attempt.
func envAttempts(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	if n < 1 {
		return 1
	}
	return n
}
