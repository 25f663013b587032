package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/account"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/events"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/guard"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/ratelimit"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/relay"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/transform"
)

// Headers that must not be copied from an upstream response to the caller.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// handleCompletion buffers the inbound request, rewrites its target through
// the guard, runs the transform pipeline, and hands the result to the
// orchestrator. The response streams back to the caller as it arrives.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	// Captured before the pipeline strips it.
	initiator := r.Header.Get("X-Initiator")
	subagent := initiator != "" && initiator != "user"
	sessionKey := r.Header.Get("session_id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBufferedBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeResponse(w, relay.Synthetic(http.StatusRequestEntityTooLarge,
				"invalid_request_error",
				fmt.Sprintf("Request body exceeds the %d byte buffer limit.", tooLarge.Limit)))
			return
		}
		s.writeResponse(w, relay.Synthetic(http.StatusBadRequest,
			"invalid_request_error", "Failed to read request body."))
		return
	}

	target, rewritten, err := s.guard.Rewrite("https://api.openai.com" + r.URL.RequestURI())
	if err != nil {
		var hostErr *guard.HostError
		var protoErr *guard.ProtocolError
		switch {
		case errors.As(err, &hostErr):
			s.writeResponse(w, relay.Synthetic(http.StatusBadRequest, relay.TypeDisallowedHost,
				"Outbound host is not on the backend allowlist."))
		case errors.As(err, &protoErr):
			s.writeResponse(w, relay.Synthetic(http.StatusBadRequest, relay.TypeDisallowedProto,
				"Only HTTPS outbound requests are allowed."))
		default:
			s.writeResponse(w, relay.Synthetic(http.StatusBadRequest,
				"invalid_request_error", "Malformed request target."))
		}
		return
	}

	treq := &transform.Request{
		Method: r.Method,
		URL:    target,
		Header: r.Header.Clone(),
		Body:   body,
	}
	phases := s.pipeline.Apply(treq)
	s.mu.Lock()
	s.lastPhases = phases
	s.mu.Unlock()

	model := modelFromBody(body)
	resp := s.orch.Execute(r.Context(), &relay.Request{
		Request:    treq,
		SessionKey: sessionKey,
		Subagent:   subagent,
		Model:      model,
	})

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:       events.EventRequest,
			SessionKey: sessionKey,
			Mode:       s.cfg.SpoofMode,
			Message:    fmt.Sprintf("%s -> %d (rewritten=%t)", r.URL.Path, resp.StatusCode, rewritten),
		})
	}
	s.writeResponse(w, resp)
}

// writeResponse copies an upstream or synthetic response to the caller,
// flushing after each chunk so SSE streams are relayed live.
func (s *Server) writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				slog.Debug("response copy interrupted", "error", readErr)
			}
			return
		}
	}
}

func modelFromBody(body []byte) string {
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Model
}

// accountView is the token-free projection of an account served by the
// debug endpoint.
type accountView struct {
	IdentityKey     string   `json:"identityKey"`
	Email           string   `json:"email,omitempty"`
	Plan            string   `json:"plan,omitempty"`
	AuthTypes       []string `json:"authTypes,omitempty"`
	Enabled         bool     `json:"enabled"`
	CooldownUntil   int64    `json:"cooldownUntil,omitempty"`
	LastUsed        int64    `json:"lastUsed,omitempty"`
	TokenExpires    int64    `json:"tokenExpires,omitempty"`
	HasRefreshToken bool     `json:"hasRefreshToken"`
}

type debugState struct {
	Version   string                        `json:"version"`
	UptimeS   int                           `json:"uptime_s"`
	Mode      string                        `json:"mode"`
	Strategy  string                        `json:"strategy"`
	Active    string                        `json:"activeIdentityKey,omitempty"`
	Accounts  []accountView                 `json:"accounts"`
	Snapshots map[string]ratelimit.Snapshot `json:"snapshots,omitempty"`
	Phases    []transform.PhaseResult       `json:"lastTransformPhases,omitempty"`
	Events    []events.Event                `json:"recentEvents,omitempty"`
	Logs      []events.LogLine              `json:"recentLogs,omitempty"`
}

func (s *Server) handleDebugState(w http.ResponseWriter, r *http.Request) {
	state := debugState{
		Version:  s.version,
		UptimeS:  int(time.Since(s.startTime).Seconds()),
		Mode:     s.cfg.SpoofMode,
		Strategy: s.cfg.Strategy,
	}

	if s.accounts != nil {
		state.Active = s.accounts.Active(account.Mode(s.cfg.SpoofMode))
		accts, err := s.accounts.List(account.Mode(s.cfg.SpoofMode))
		if err != nil {
			slog.Warn("debug state account list failed", "error", err)
		}
		for _, a := range accts {
			state.Accounts = append(state.Accounts, accountView{
				IdentityKey:     a.IdentityKey,
				Email:           a.Email,
				Plan:            a.Plan,
				AuthTypes:       a.AuthTypes,
				Enabled:         a.IsEnabled(),
				CooldownUntil:   a.CooldownUntil,
				LastUsed:        a.LastUsed,
				TokenExpires:    a.Expires,
				HasRefreshToken: a.Refresh != "",
			})
		}
	}
	if s.snapshots != nil {
		if snaps, err := s.snapshots.All(); err == nil {
			state.Snapshots = snaps
		}
	}
	s.mu.Lock()
	state.Phases = s.lastPhases
	s.mu.Unlock()
	if s.bus != nil {
		state.Events = s.bus.Recent()
	}
	if s.logHandler != nil {
		state.Logs = s.logHandler.Recent()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		slog.Debug("debug state encode failed", "error", err)
	}
}

// handleDebugEvents streams the event bus over SSE, history first.
func (s *Server) handleDebugEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.bus == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, ch, history := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(e events.Event) bool {
		b, err := json.Marshal(e)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, e := range history {
		if !write(e) {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open || !write(e) {
				return
			}
		}
	}
}

func (s *Server) handleDebugUsage(w http.ResponseWriter, r *http.Request) {
	if s.usageLog == nil {
		http.Error(w, "usage log disabled", http.StatusNotFound)
		return
	}
	sinceH := 24
	if v := r.URL.Query().Get("since_h"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sinceH = n
		}
	}
	since := time.Now().Add(-time.Duration(sinceH) * time.Hour).UnixMilli()

	summary, err := s.usageLog.Summary(r.Context(), since)
	if err != nil {
		http.Error(w, "usage query failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"since_h":  sinceH,
		"accounts": summary,
	})
}
