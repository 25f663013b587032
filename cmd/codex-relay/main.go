package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/account"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/catalog"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/config"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/events"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/guard"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/identity"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/kvstore"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/quota"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/relay"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/scheduler"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/server"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/session"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/transform"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/transport"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/usage"
)

var version = "dev"

const (
	usageEndpoint    = "https://chatgpt.com/backend-api/codex/usage"
	modelsEndpoint   = "https://chatgpt.com/backend-api/codex/models"
	releaseFeedURL   = "https://api.github.com/repos/openai/codex/releases/latest"
	catalogTTL       = time.Hour
	clientVersionTTL = 24 * time.Hour
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("codex-relay starting", "version", version)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		slog.Error("data dir init failed", "error", err)
		os.Exit(1)
	}

	clk := clock.Real()
	kv := kvstore.New()

	var crypto *account.Crypto
	if cfg.EncryptionKey != "" {
		crypto = account.NewCrypto(cfg.EncryptionKey)
		if _, err := crypto.DeriveKey("auth"); err != nil {
			slog.Error("key derivation failed", "error", err)
			os.Exit(1)
		}
		slog.Info("token encryption enabled")
	}

	var proxyURL *url.URL
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			slog.Error("egress proxy url invalid", "error", err)
			os.Exit(1)
		}
		proxyURL = u
		slog.Info("egress proxy configured", "scheme", u.Scheme)
	}
	tm := transport.NewManager(proxyURL, cfg.RequestTimeout)
	defer tm.Close()

	accounts := account.NewStore(kv, cfg.AuthFilePath, cfg.Provider, crypto)
	if err := accounts.EnsureDomain(account.Mode(cfg.SpoofMode)); err != nil {
		slog.Warn("auth domain init failed", "error", err)
	}
	refresher := account.NewRefresher(accounts, clk, account.RefresherOptions{
		TokenURL:        cfg.OAuthTokenURL,
		ClientID:        cfg.OAuthClientID,
		Timeout:         cfg.RefreshTimeout,
		LeaseTTL:        cfg.RefreshLeaseTTL,
		FailureCooldown: cfg.RefreshFailureCooldown,
		Advance:         cfg.TokenRefreshAdvance,
		Transport:       tm.RoundTripper(),
	})

	affinity := session.NewStore(kv, cfg.AffinityPath, clk, session.Options{
		TTL:          cfg.AffinityTTL,
		MaxEntries:   cfg.AffinityMaxEntries,
		MissingGrace: cfg.AffinityMissingGrace,
	})
	defer affinity.Close()

	pidOffset := 0
	if cfg.PidOffset {
		pidOffset = os.Getpid()
	}
	selector := scheduler.New(accounts, affinity, pidOffset)

	bus := events.NewBus(200)

	snapshots := quota.NewSnapshots(kv, cfg.SnapshotsPath)
	quotaClient := &http.Client{Timeout: cfg.QuotaFetchTimeout, Transport: tm.RoundTripper()}
	coordinator := quota.NewCoordinator(snapshots, clk, quota.CoordinatorOptions{
		Fetch:          quota.BackendFetcher(quotaClient, usageEndpoint, clk),
		TTL:            cfg.QuotaRefreshTTL,
		FailureCooloff: cfg.QuotaFailureCooloff,
		Timeout:        cfg.QuotaFetchTimeout,
		Concurrency:    int64(cfg.QuotaConcurrency),
		EnsureFresh:    refresher.EnsureFresh,
		OnCrossing: func(acct account.Account, crossings []quota.Crossing) {
			exhausted := false
			for _, cr := range crossings {
				evType := events.EventQuotaWarning
				msg := fmt.Sprintf("quota window %s below %d%%", cr.Window, cr.Threshold)
				if cr.Exhausted {
					evType = events.EventQuotaExhaust
					msg = fmt.Sprintf("quota window %s exhausted", cr.Window)
					exhausted = true
				}
				bus.Publish(events.Event{
					Type:        evType,
					IdentityKey: acct.IdentityKey,
					Message:     msg,
				})
			}
			if exhausted {
				until := quota.ExhaustedCooldown(crossings, clk.Now())
				if err := accounts.SetCooldown(acct.IdentityKey, until); err != nil {
					slog.Warn("exhaustion cooldown write failed",
						"identityKey", acct.IdentityKey, "error", err)
				}
			}
		},
	})
	defer coordinator.Wait()

	httpClient := tm.Client()
	cat := catalog.New(kv, cfg.CatalogPath, clk,
		catalog.BackendModelsFetcher(httpClient, modelsEndpoint), catalogTTL)
	versions := catalog.NewVersionCache(kv, cfg.ClientVersionPath, clk,
		catalog.ReleaseVersionFetcher(httpClient, releaseFeedURL), clientVersionTTL, cfg.PluginVersion)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.CatalogFetchTimeout)
	ident := identity.NewClientIdentity(cfg.SpoofProgram, versions.Version(startupCtx), cfg.Terminal)
	if accts, err := accounts.List(account.Mode(cfg.SpoofMode)); err == nil && len(accts) > 0 {
		cat.Refresh(startupCtx, cfg.SpoofMode, accts[0].Access, accts[0].AccountID)
	}
	cancelStartup()

	pipeline := transform.New(transform.Options{
		Mode:             cfg.SpoofMode,
		Program:          cfg.SpoofProgram,
		UserAgent:        ident.UserAgent(),
		Catalog:          cat,
		CacheKeyStrategy: cfg.CacheKeyStrategy,
		CacheKeyVersion:  cfg.CacheKeyVersion,
		ProjectPath:      cfg.ProjectPath,
	})

	g, err := guard.New(cfg.SpoofEndpoint)
	if err != nil {
		slog.Error("spoof endpoint invalid", "error", err)
		os.Exit(1)
	}

	usageLog, err := usage.Open(cfg.UsageDBPath)
	if err != nil {
		slog.Warn("usage log disabled", "error", err)
		usageLog = nil
	} else {
		defer usageLog.Close()
	}

	toast := func(message, variant string, quiet bool) {
		if quiet {
			slog.Debug("toast", "variant", variant, "message", message)
			return
		}
		slog.Info("toast", "variant", variant, "message", message)
	}

	orch := relay.New(relay.Deps{
		Selector:  selector,
		Accounts:  accounts,
		Refresher: refresher,
		Affinity:  affinity,
		Quota:     coordinator,
		Clock:     clk,
		Client:    httpClient,
		Bus:       bus,
		Toast:     toast,
		UsageLog:  usageLog,
	}, relay.Options{
		Mode: account.Mode(cfg.SpoofMode),
		// auth.json's persisted strategy wins over the env default.
		Strategy:     scheduler.ParseStrategy(accounts.Strategy(cfg.Strategy)),
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
	})

	srv := server.New(cfg, server.Deps{
		Accounts:   accounts,
		Affinity:   affinity,
		Snapshots:  snapshots,
		Guard:      g,
		Pipeline:   pipeline,
		Orch:       orch,
		Bus:        bus,
		LogHandler: logHandler,
		Transport:  tm,
		UsageLog:   usageLog,
	}, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
