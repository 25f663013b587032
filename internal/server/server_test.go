package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/account"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/config"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/events"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/guard"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/kvstore"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/relay"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/session"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/transform"
)

const testToken = "sk-local-test"

// stubExecutor records the request it received and returns a canned
// response.
type stubExecutor struct {
	got  *relay.Request
	resp *http.Response
}

func (s *stubExecutor) Execute(_ context.Context, req *relay.Request) *http.Response {
	s.got = req
	if s.resp != nil {
		return s.resp
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
	}
}

func newTestServer(t *testing.T, exec Executor) (*Server, *account.Store) {
	t.Helper()
	cfg := &config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		StaticToken:     testToken,
		SpoofMode:       "codex",
		Strategy:        "round_robin",
		MaxBufferedBody: 1 << 20,
		RequestTimeout:  time.Minute,
	}
	g, err := guard.New("https://chatgpt.com/backend-api/codex/responses")
	if err != nil {
		t.Fatal(err)
	}
	accounts := account.NewStore(kvstore.New(),
		filepath.Join(t.TempDir(), "auth.json"), "openai", nil)
	srv := New(cfg, Deps{
		Accounts: accounts,
		Guard:    g,
		Pipeline: transform.New(transform.Options{
			Mode:      "codex",
			Program:   "codex_cli_rs",
			UserAgent: "codex_cli_rs/0.40.0",
		}),
		Orch: exec,
		Bus:  events.NewBus(16),
	}, "test")
	return srv, accounts
}

func do(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestCompletionRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{})
	req := httptest.NewRequest(http.MethodPost, "/v1/responses",
		strings.NewReader(`{"model":"gpt-5-codex"}`))
	if rec := do(t, srv, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCompletionFlow(t *testing.T) {
	exec := &stubExecutor{}
	srv, _ := newTestServer(t, exec)

	body := `{"model":"gpt-5-codex","input":[]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(body))
	req.Header.Set("x-api-key", testToken)
	req.Header.Set("session_id", "sess-1")
	req.Header.Set("X-Initiator", "agent")
	req.Header.Set("X-Stainless-Lang", "js")
	req.Header.Set("OpenAI-Beta", "responses=experimental")

	rec := do(t, srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Fatalf("body = %q", rec.Body.String())
	}

	got := exec.got
	if got == nil {
		t.Fatal("executor not called")
	}
	if got.URL.String() != "https://chatgpt.com/backend-api/codex/responses" {
		t.Fatalf("target = %s", got.URL)
	}
	if got.SessionKey != "sess-1" || !got.Subagent || got.Model != "gpt-5-codex" {
		t.Fatalf("routing = %q subagent=%t model=%q",
			got.SessionKey, got.Subagent, got.Model)
	}
	if got.Header.Get("X-Stainless-Lang") != "" || got.Header.Get("OpenAI-Beta") != "" {
		t.Fatal("fingerprint headers survived the pipeline")
	}
	if got.Header.Get("originator") != "codex_cli_rs" {
		t.Fatalf("originator = %q", got.Header.Get("originator"))
	}
}

func TestCompletionStreamsSSE(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/event-stream")
	exec := &stubExecutor{resp: &http.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader("data: {\"delta\":\"hi\"}\n\ndata: [DONE]\n\n")),
	}}
	srv, _ := newTestServer(t, exec)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-5-codex"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)

	rec := do(t, srv, req)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "data: [DONE]") {
		t.Fatalf("stream truncated: %q", rec.Body.String())
	}
}

func TestCompletionBodyTooLarge(t *testing.T) {
	exec := &stubExecutor{}
	srv, _ := newTestServer(t, exec)
	srv.cfg.MaxBufferedBody = 64

	req := httptest.NewRequest(http.MethodPost, "/v1/responses",
		bytes.NewReader(bytes.Repeat([]byte("x"), 256)))
	req.Header.Set("x-api-key", testToken)

	rec := do(t, srv, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if exec.got != nil {
		t.Fatal("oversized body reached the orchestrator")
	}
}

func TestTelemetrySinkUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{})
	req := httptest.NewRequest(http.MethodPost, "/api/event_logging/batch",
		strings.NewReader(`{"events":[]}`))
	rec := do(t, srv, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "success") {
		t.Fatalf("telemetry sink: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{})
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDebugStateRedactsTokens(t *testing.T) {
	srv, accounts := newTestServer(t, &stubExecutor{})
	if err := accounts.Upsert(account.Account{
		IdentityKey: "acc_1|alice@example.com|plus",
		AccountID:   "acc_1",
		Email:       "alice@example.com",
		Plan:        "plus",
		AuthTypes:   []string{"codex"},
		Access:      "secret-access-token",
		Refresh:     "secret-refresh-token",
		Expires:     9_999_999_999_999,
	}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/state", nil)
	req.Header.Set("x-api-key", testToken)
	rec := do(t, srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	raw := rec.Body.String()
	if strings.Contains(raw, "secret-access-token") || strings.Contains(raw, "secret-refresh-token") {
		t.Fatal("debug state leaked token material")
	}

	var state debugState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if len(state.Accounts) != 1 || state.Accounts[0].Email != "alice@example.com" {
		t.Fatalf("accounts = %+v", state.Accounts)
	}
	if !state.Accounts[0].HasRefreshToken {
		t.Fatal("hasRefreshToken should be true")
	}
}

func TestAffinityPruneLoopDropsExpiredSessions(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{})
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	affinity := session.NewStore(kvstore.New(),
		filepath.Join(t.TempDir(), "session-affinity.json"), clk,
		session.Options{TTL: time.Hour})
	t.Cleanup(affinity.Close)
	srv.affinity = affinity

	affinity.Observe("codex", "sess-old")
	affinity.BindSticky("codex", "sess-old", "acct-1")
	clk.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.runAffinityPrune(ctx, 2*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := affinity.Sticky("codex", "sess-old"); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expired session survived the prune loop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDebugStateRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{})
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/debug/state", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}
