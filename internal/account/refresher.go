package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
)

var (
	// ErrInvalidGrant means the refresh token was rejected upstream. Fatal:
	// the orchestrator turns it into a synthetic 401 and never retries.
	ErrInvalidGrant = errors.New("account: refresh_invalid_grant")

	// ErrLeaseHeld means another refresher holds the lease for this account.
	ErrLeaseHeld = errors.New("account: refresh lease held")
)

// Refresher performs the OAuth token refresh lifecycle: lease acquisition,
// token endpoint call, atomic persist. Single-flight per account is enforced
// by the refreshLeaseUntil timestamp inside the serialized store update.
type Refresher struct {
	store           *Store
	clock           clock.Clock
	client          *http.Client
	tokenURL        string
	clientID        string
	leaseTTL        time.Duration
	failureCooldown time.Duration
	advance         time.Duration
}

type RefresherOptions struct {
	TokenURL        string
	ClientID        string
	Timeout         time.Duration
	LeaseTTL        time.Duration
	FailureCooldown time.Duration
	Advance         time.Duration // refresh this long before expiry
	Transport       http.RoundTripper
}

func NewRefresher(s *Store, clk clock.Clock, opts RefresherOptions) *Refresher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.FailureCooldown <= 0 {
		opts.FailureCooldown = 2 * time.Minute
	}
	client := &http.Client{Timeout: opts.Timeout}
	if opts.Transport != nil {
		client.Transport = opts.Transport
	}
	return &Refresher{
		store:           s,
		clock:           clk,
		client:          client,
		tokenURL:        opts.TokenURL,
		clientID:        opts.ClientID,
		leaseTTL:        opts.LeaseTTL,
		failureCooldown: opts.FailureCooldown,
		advance:         opts.Advance,
	}
}

// NeedsRefresh reports whether the account's access token is expired or
// inside the refresh-advance window.
func (r *Refresher) NeedsRefresh(a *Account, now time.Time) bool {
	if a.Access == "" {
		return true
	}
	return a.Expires > 0 && now.UnixMilli() >= a.Expires-r.advance.Milliseconds()
}

// EnsureFresh returns an account with a usable access token, refreshing it
// if needed. Callers seeing ErrLeaseHeld should treat the account as
// temporarily ineligible and select another.
func (r *Refresher) EnsureFresh(ctx context.Context, identityKey string) (Account, error) {
	acct, err := r.store.Get(identityKey)
	if err != nil {
		return Account{}, err
	}
	if !r.NeedsRefresh(&acct, r.clock.Now()) {
		return acct, nil
	}
	return r.Refresh(ctx, identityKey)
}

// Refresh runs one full lease → refresh → persist cycle regardless of expiry.
func (r *Refresher) Refresh(ctx context.Context, identityKey string) (Account, error) {
	now := r.clock.Now().UnixMilli()

	// Acquire the lease atomically: only succeeds when no future lease exists.
	acct, err := r.store.UpdateAccount(identityKey, func(a *Account) error {
		if a.RefreshLeaseUntil > now {
			return ErrLeaseHeld
		}
		a.RefreshLeaseUntil = now + r.leaseTTL.Milliseconds()
		return nil
	})
	if err != nil {
		return Account{}, err
	}

	if acct.Refresh == "" {
		r.releaseWithCooldown(identityKey)
		return Account{}, fmt.Errorf("account %s: empty refresh token", identityKey)
	}

	slog.Info("refreshing token", "identityKey", identityKey)

	tok, err := r.callTokenEndpoint(ctx, acct.Refresh)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			r.releaseWithCooldown(identityKey)
			slog.Error("refresh token rejected", "identityKey", identityKey)
			return Account{}, err
		}
		r.releaseWithCooldown(identityKey)
		slog.Warn("token refresh failed", "identityKey", identityKey, "error", err)
		return Account{}, fmt.Errorf("oauth refresh: %w", err)
	}

	expires := r.clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	updated, err := r.store.UpdateAccount(identityKey, func(a *Account) error {
		a.Access = tok.AccessToken
		if tok.RefreshToken != "" {
			a.Refresh = tok.RefreshToken
		}
		a.Expires = expires
		a.RefreshLeaseUntil = 0
		a.CooldownUntil = 0
		return nil
	})
	if err != nil {
		return Account{}, fmt.Errorf("persist tokens: %w", err)
	}

	slog.Info("token refreshed", "identityKey", updated.IdentityKey, "expiresIn", tok.ExpiresIn)
	return updated, nil
}

// releaseWithCooldown clears the lease and stamps the failure cooldown.
// Best-effort: persistence failures here must not mask the refresh error.
func (r *Refresher) releaseWithCooldown(identityKey string) {
	now := r.clock.Now().UnixMilli()
	if _, err := r.store.UpdateAccount(identityKey, func(a *Account) error {
		a.RefreshLeaseUntil = 0
		a.CooldownUntil = now + r.failureCooldown.Milliseconds()
		return nil
	}); err != nil {
		slog.Warn("release refresh lease failed", "identityKey", identityKey, "error", err)
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

func (r *Refresher) callTokenEndpoint(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.clientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var tok tokenResponse
	// The error field arrives in both 200 and 4xx bodies depending on the
	// issuer; decode first, then decide.
	_ = json.Unmarshal(body, &tok)
	if tok.Error == "invalid_grant" {
		return nil, ErrInvalidGrant
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	if tok.AccessToken == "" {
		return nil, errors.New("empty access_token in response")
	}
	return &tok, nil
}

func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
