// Package relay holds the fetch orchestrator: the retry loop that acquires
// an account, attaches credentials, dispatches one attempt, classifies the
// response, imposes cooldowns on 429s, and fails over to another account up
// to a bounded attempt count. Execute always returns a response; fatal
// conditions come back as synthetic ones.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/account"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/events"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/quota"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/ratelimit"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/scheduler"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/session"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/transform"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/usage"
)

// Attempt reason codes, logged and surfaced in notifications.
const (
	reasonInitial       = "initial_attempt"
	reasonRetrySwitched = "retry_switched_account_after_429"
	reasonRetrySame     = "retry_same_account_after_429"
)

// Doer sends one upstream attempt. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Hooks are optional per-attempt observation points.
type Hooks struct {
	OnAttemptRequest  func(*transform.Request) *transform.Request
	OnAttemptResponse func(status int, header http.Header)
}

// Request is one transformed outbound call plus its routing metadata.
type Request struct {
	*transform.Request
	SessionKey string // falls back to the session_id header
	Subagent   bool
	Model      string
}

type Options struct {
	Mode         account.Mode
	Strategy     scheduler.Strategy
	MaxAttempts  int
	RetryBackoff time.Duration // cooldown when 429 carries no Retry-After
}

// Orchestrator wires the selector, refresher, quota tracker, and transport
// into the retry loop.
type Orchestrator struct {
	selector  *scheduler.Selector
	accounts  *account.Store
	refresher *account.Refresher
	affinity  *session.Store
	quota     *quota.Coordinator
	clk       clock.Clock
	client    Doer
	bus       *events.Bus
	toast     Toaster
	usageLog  *usage.Log
	hooks     Hooks
	opts      Options

	debounce *debouncer

	mu              sync.Mutex
	lastSessionKey  string
	lastIdentityKey string
	seenSessions    map[string]int64
}

type Deps struct {
	Selector  *scheduler.Selector
	Accounts  *account.Store
	Refresher *account.Refresher
	Affinity  *session.Store
	Quota     *quota.Coordinator
	Clock     clock.Clock
	Client    Doer
	Bus       *events.Bus
	Toast     Toaster
	UsageLog  *usage.Log
	Hooks     Hooks
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 5 * time.Second
	}
	return &Orchestrator{
		selector:     deps.Selector,
		accounts:     deps.Accounts,
		refresher:    deps.Refresher,
		affinity:     deps.Affinity,
		quota:        deps.Quota,
		clk:          deps.Clock,
		client:       deps.Client,
		bus:          deps.Bus,
		toast:        deps.Toast,
		usageLog:     deps.UsageLog,
		hooks:        deps.Hooks,
		opts:         opts,
		debounce:     newDebouncer(deps.Clock),
		seenSessions: make(map[string]int64),
	}
}

// Execute runs the retry loop for one transformed request. It never
// returns nil and never propagates an error to the caller.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) *http.Response {
	start := o.clk.Now()
	sessionKey := req.SessionKey
	if sessionKey == "" && req.Request != nil && req.Request.Header != nil {
		sessionKey = req.Header.Get("session_id")
	}
	o.observeSession(sessionKey, req.Subagent)

	prevStatus := 0
	prevIdentity := ""
	lastIdentity := ""
	var lastRetryAfter int64 = -1
	attempts := 0

	finish := func(resp *http.Response, reason string) *http.Response {
		o.logAttempt(req, resp.StatusCode, attempts, reason, start, lastIdentity)
		return resp
	}

	for attempt := 0; attempt < o.opts.MaxAttempts; attempt++ {
		attempts++
		if ctx.Err() != nil {
			return finish(Synthetic(StatusClientClosedRequest, TypeRequestCancelled,
				"Request cancelled by caller."), TypeRequestCancelled)
		}
		now := o.clk.Now()

		acct, trace, err := o.selector.Pick(scheduler.PickRequest{
			Mode:       o.opts.Mode,
			Strategy:   o.opts.Strategy,
			SessionKey: sessionKey,
			Subagent:   req.Subagent,
			Now:        now,
		})
		if err != nil {
			var ne *scheduler.NoEligibleError
			if errors.As(err, &ne) {
				// Cooldowns imposed by this request's own 429s don't count
				// as "arrived while everyone was cooling": report the rate
				// limit, not the cooldown.
				if prevStatus == http.StatusTooManyRequests && ne.Class == "all_cooling_down" {
					break
				}
				return finish(o.noEligibleResponse(ne), ne.Class)
			}
			return finish(Synthetic(http.StatusBadGateway, TypeFetchFailed,
				"Account selection failed: "+err.Error()), TypeFetchFailed)
		}

		acct, fatal, retryable := o.ensureFresh(ctx, acct)
		if fatal != nil {
			return finish(fatal, TypeInvalidGrant)
		}
		if retryable {
			continue
		}
		lastIdentity = acct.IdentityKey

		reason := reasonInitial
		if attempt > 0 && prevStatus == http.StatusTooManyRequests {
			if prevIdentity != acct.IdentityKey {
				reason = reasonRetrySwitched
			} else {
				reason = reasonRetrySame
			}
		}
		o.notifyAttempt(sessionKey, reason, acct)

		resp, sendErr := o.send(ctx, req, acct)
		if sendErr != nil {
			if ctx.Err() != nil {
				return finish(Synthetic(StatusClientClosedRequest, TypeRequestCancelled,
					"Request cancelled by caller."), TypeRequestCancelled)
			}
			slog.Warn("upstream dispatch failed",
				"identityKey", acct.IdentityKey, "error", sendErr)
			return finish(Synthetic(http.StatusBadGateway, TypeFetchFailed,
				"Upstream fetch failed: "+sendErr.Error()), TypeFetchFailed)
		}
		if o.hooks.OnAttemptResponse != nil {
			o.hooks.OnAttemptResponse(resp.StatusCode, resp.Header.Clone())
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			o.afterSuccess(ctx, acct, resp.Header, req.Model)
			slog.Debug("attempt served",
				"identityKey", acct.IdentityKey,
				"status", resp.StatusCode,
				"attempt", attempt,
				"decision", trace.Decision)
			return finish(resp, reason)
		}

		// 429: cool the account down and fail over.
		retryMs, ok := ratelimit.ParseRetryAfterMs(resp.Header, now)
		if ok {
			lastRetryAfter = retryMs
		} else {
			retryMs = o.opts.RetryBackoff.Milliseconds()
		}
		drainAndClose(resp.Body)

		until := now.UnixMilli() + retryMs
		if err := o.selector.SetCooldown(acct.IdentityKey, until); err != nil {
			slog.Warn("cooldown write failed", "identityKey", acct.IdentityKey, "error", err)
		}
		o.publish(events.Event{
			Type:        events.EventCooldown,
			IdentityKey: acct.IdentityKey,
			SessionKey:  sessionKey,
			Mode:        string(o.opts.Mode),
			Message:     fmt.Sprintf("rate limited, cooling down for %s", FormatWait(retryMs)),
		})
		o.notifyRateLimited(acct, retryMs)

		prevStatus = http.StatusTooManyRequests
		prevIdentity = acct.IdentityKey
	}

	wait := "a short while"
	if lastRetryAfter >= 0 {
		wait = FormatWait(lastRetryAfter)
	}
	return finish(Synthetic(http.StatusTooManyRequests, TypeAllRateLimited,
		"All accounts are rate limited. Try again in "+wait+"."), TypeAllRateLimited)
}

// ensureFresh refreshes the picked account's token when needed. Returns a
// synthetic terminal response for invalid_grant; retryable reports lease
// contention or a recoverable refresh failure where the loop should just
// try the next account.
func (o *Orchestrator) ensureFresh(ctx context.Context, acct account.Account) (account.Account, *http.Response, bool) {
	fresh, err := o.refresher.EnsureFresh(ctx, acct.IdentityKey)
	if err == nil {
		return fresh, nil, false
	}
	if errors.Is(err, account.ErrInvalidGrant) {
		o.publish(events.Event{
			Type:        events.EventRefreshFailed,
			IdentityKey: acct.IdentityKey,
			Message:     "refresh token rejected, re-login required",
		})
		return acct, Synthetic(http.StatusUnauthorized, TypeInvalidGrant,
			"Stored credentials were rejected. Run the login command to re-authenticate."), false
	}
	if errors.Is(err, account.ErrLeaseHeld) {
		slog.Debug("refresh lease held, trying another account", "identityKey", acct.IdentityKey)
		return acct, nil, true
	}
	// Recoverable failure: the refresher already set a cooldown.
	slog.Warn("token refresh failed", "identityKey", acct.IdentityKey, "error", err)
	return acct, nil, true
}

func (o *Orchestrator) send(ctx context.Context, req *Request, acct account.Account) (*http.Response, error) {
	outbound := req.Request.Clone()
	outbound.Header.Set("Authorization", "Bearer "+acct.Access)
	if acct.AccountID != "" {
		outbound.Header.Set("ChatGPT-Account-Id", acct.AccountID)
	}
	if o.hooks.OnAttemptRequest != nil {
		if hooked := o.hooks.OnAttemptRequest(outbound); hooked != nil {
			outbound = hooked
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, outbound.Method, outbound.URL.String(),
		bytes.NewReader(outbound.Body))
	if err != nil {
		return nil, fmt.Errorf("build attempt request: %w", err)
	}
	httpReq.Header = outbound.Header
	return o.client.Do(httpReq)
}

// afterSuccess persists the rate-limit snapshot from response headers,
// schedules an opportunistic quota refresh, and stamps lastUsed. All
// best-effort.
func (o *Orchestrator) afterSuccess(ctx context.Context, acct account.Account, h http.Header, model string) {
	now := o.clk.Now()
	if snap, ok := ratelimit.SnapshotFromHeaders(now, model, h); ok {
		o.quota.Track(acct, snap)
	}
	o.quota.MaybeRefresh(context.WithoutCancel(ctx), acct)

	if err := o.accounts.SetLastUsed(acct.IdentityKey, now.UnixMilli()); err != nil {
		slog.Debug("lastUsed write failed", "identityKey", acct.IdentityKey, "error", err)
	}
	if err := o.accounts.SetActive(o.opts.Mode, acct.IdentityKey); err != nil {
		slog.Debug("active account write failed", "identityKey", acct.IdentityKey, "error", err)
	}
	o.setLastIdentity(acct.IdentityKey)
}

func (o *Orchestrator) observeSession(sessionKey string, subagent bool) {
	if sessionKey == "" || subagent {
		return
	}
	o.affinity.Observe(string(o.opts.Mode), sessionKey)

	o.mu.Lock()
	_, seen := o.seenSessions[sessionKey]
	if len(o.seenSessions) >= maxDedupeEntries {
		o.evictOldestSessionLocked()
	}
	o.seenSessions[sessionKey] = o.clk.Now().UnixMilli()
	resumed := seen && o.lastSessionKey != sessionKey
	o.lastSessionKey = sessionKey
	o.mu.Unlock()

	if !seen {
		if o.debounce.allow("session:"+sessionKey, sessionEventWindow) {
			o.showToast("New session connected.", "info", true)
		}
	} else if resumed {
		if o.debounce.allow("session:resume", sessionResumeWindow) {
			o.showToast("Resumed earlier session.", "info", true)
		}
	}
}

func (o *Orchestrator) evictOldestSessionLocked() {
	var oldestKey string
	var oldest int64
	for k, v := range o.seenSessions {
		if oldestKey == "" || v < oldest {
			oldestKey, oldest = k, v
		}
	}
	if oldestKey != "" {
		delete(o.seenSessions, oldestKey)
	}
}

func (o *Orchestrator) notifyAttempt(sessionKey, reason string, acct account.Account) {
	o.mu.Lock()
	switched := o.lastIdentityKey != "" && o.lastIdentityKey != acct.IdentityKey
	o.mu.Unlock()

	if switched && o.debounce.allow("account:switch", accountSwitchWindow) {
		o.publish(events.Event{
			Type:        events.EventAccountSwitch,
			IdentityKey: acct.IdentityKey,
			SessionKey:  sessionKey,
			Message:     "switched account: " + acct.Email,
		})
		o.showToast("Switched to account "+acct.Email+".", "info", true)
	}
	if reason != reasonInitial {
		slog.Info("retrying after rate limit",
			"reason", reason, "identityKey", acct.IdentityKey)
	}
}

func (o *Orchestrator) notifyRateLimited(acct account.Account, retryMs int64) {
	if !o.debounce.allow("rate-limit-switch:"+acct.IdentityKey, rateLimitWindow) {
		return
	}
	o.showToast(fmt.Sprintf("Account %s rate limited, retrying elsewhere (%s).",
		acct.Email, FormatWait(retryMs)), "warning", false)
}

func (o *Orchestrator) noEligibleResponse(ne *scheduler.NoEligibleError) *http.Response {
	switch ne.Class {
	case "no_accounts_configured", "all_disabled":
		return Synthetic(http.StatusUnauthorized, TypeNoAccounts,
			"No usable accounts are configured. Run the login command to add one.")
	default:
		wait := "a short while"
		if ne.EarliestRecovery > 0 {
			ms := ne.EarliestRecovery - o.clk.Now().UnixMilli()
			wait = FormatWait(ms)
		}
		return Synthetic(http.StatusTooManyRequests, TypeAllCooling,
			"All accounts are cooling down. Try again in "+wait+".")
	}
}

func (o *Orchestrator) setLastIdentity(identityKey string) {
	o.mu.Lock()
	o.lastIdentityKey = identityKey
	o.mu.Unlock()
}

func (o *Orchestrator) publish(e events.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

func (o *Orchestrator) showToast(message, variant string, quiet bool) {
	if o.toast == nil {
		return
	}
	o.toast(message, variant, quiet)
	o.publish(events.Event{Type: events.EventToast, Message: message})
}

func (o *Orchestrator) logAttempt(req *Request, status, attempts int, reason string, start time.Time, identity string) {
	if o.usageLog == nil {
		return
	}
	rec := usage.AttemptRecord{
		Time:        start.UnixMilli(),
		IdentityKey: identity,
		Mode:        string(o.opts.Mode),
		Model:       req.Model,
		Status:      status,
		Attempts:    attempts,
		Reason:      reason,
		LatencyMs:   o.clk.Now().Sub(start).Milliseconds(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := o.usageLog.InsertAttempt(ctx, rec); err != nil {
			slog.Debug("usage log write failed", "error", err)
		}
	}()
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}
