// Package server exposes the relay's local HTTP surface: the completion
// endpoints the coding agent calls, a health check, and debug views over
// the account pool, quota snapshots, and recent events.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/account"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/auth"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/config"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/events"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/guard"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/quota"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/relay"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/session"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/transform"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/transport"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/usage"
)

// Executor runs one transformed request through the retry loop.
// *relay.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, req *relay.Request) *http.Response
}

// Deps are the collaborators main wires together at startup. Optional
// fields (UsageLog, Transport, Affinity) may be nil.
type Deps struct {
	Accounts   *account.Store
	Affinity   *session.Store
	Snapshots  *quota.Snapshots
	Guard      *guard.Guard
	Pipeline   *transform.Pipeline
	Orch       Executor
	Bus        *events.Bus
	LogHandler *events.LogHandler
	Transport  *transport.Manager
	UsageLog   *usage.Log
}

// Server is the relay's HTTP front.
type Server struct {
	cfg        *config.Config
	authMw     *auth.Middleware
	accounts   *account.Store
	affinity   *session.Store
	snapshots  *quota.Snapshots
	guard      *guard.Guard
	pipeline   *transform.Pipeline
	orch       Executor
	bus        *events.Bus
	logHandler *events.LogHandler
	transport  *transport.Manager
	usageLog   *usage.Log
	httpServer *http.Server
	version    string
	startTime  time.Time

	mu         sync.Mutex
	lastPhases []transform.PhaseResult
}

func New(cfg *config.Config, d Deps, version string) *Server {
	srv := &Server{
		cfg:        cfg,
		authMw:     auth.NewMiddleware(cfg.StaticToken),
		accounts:   d.Accounts,
		affinity:   d.Affinity,
		snapshots:  d.Snapshots,
		guard:      d.Guard,
		pipeline:   d.Pipeline,
		orch:       d.Orch,
		bus:        d.Bus,
		logHandler: d.LogHandler,
		transport:  d.Transport,
		usageLog:   d.UsageLog,
		version:    version,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.authMw.Authenticate

	// Completion endpoints (authenticated)
	mux.Handle("POST /v1/responses", auth(http.HandlerFunc(s.handleCompletion)))
	mux.Handle("POST /v1/chat/completions", auth(http.HandlerFunc(s.handleCompletion)))
	mux.Handle("POST /backend-api/codex/responses", auth(http.HandlerFunc(s.handleCompletion)))

	// Telemetry sink — swallow without authentication so the spoofed client
	// never phones home through us.
	mux.HandleFunc("POST /api/event_logging/batch", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true}`))
	})

	// Debug views (authenticated)
	mux.Handle("GET /debug/state", auth(http.HandlerFunc(s.handleDebugState)))
	mux.Handle("GET /debug/events", auth(http.HandlerFunc(s.handleDebugEvents)))
	mux.Handle("GET /debug/usage", auth(http.HandlerFunc(s.handleDebugUsage)))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime_s":%d}`, int(time.Since(s.startTime).Seconds()))
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if s.transport != nil {
		go s.transport.RunCleanup(ctx, 5*time.Minute, 15*time.Minute)
	}
	if s.usageLog != nil {
		go s.runUsagePurge(ctx)
	}
	if s.affinity != nil {
		go s.runAffinityPrune(ctx, 10*time.Minute)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requestLogger logs all incoming HTTP requests for debugging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// runAffinityPrune drops idle affinity entries so the TTL is enforced even
// when no new sessions arrive to trigger eviction. No session registry is
// available here, so the missing-session check is skipped.
func (s *Server) runAffinityPrune(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.affinity.Prune(nil)
		}
	}
}

// runUsagePurge deletes attempt records older than 30 days every 6 hours.
func (s *Server) runUsagePurge(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-30 * 24 * time.Hour).UnixMilli()
			n, err := s.usageLog.Purge(ctx, before)
			if err != nil {
				slog.Error("usage purge failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old attempt records", "count", n)
			}
		}
	}
}
