package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/account"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/ratelimit"
)

type usagePayload struct {
	RateLimits []struct {
		Name             string  `json:"name"`
		PercentRemaining float64 `json:"percent_remaining"`
		ResetsAt         int64   `json:"resets_at"` // absolute ms
	} `json:"rate_limits"`
	Credits *float64 `json:"credits"`
}

// BackendFetcher builds a FetchFunc that probes the backend usage endpoint
// with the account's credentials.
func BackendFetcher(client *http.Client, endpoint string, clk clock.Clock) FetchFunc {
	return func(ctx context.Context, acct account.Account) (ratelimit.Snapshot, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return ratelimit.Snapshot{}, fmt.Errorf("build usage request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+acct.Access)
		if acct.AccountID != "" {
			req.Header.Set("ChatGPT-Account-Id", acct.AccountID)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return ratelimit.Snapshot{}, fmt.Errorf("usage fetch: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return ratelimit.Snapshot{}, fmt.Errorf("usage endpoint returned %d", resp.StatusCode)
		}

		var payload usagePayload
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
			return ratelimit.Snapshot{}, fmt.Errorf("decode usage payload: %w", err)
		}

		snap := ratelimit.Snapshot{
			UpdatedAt: clk.Now().UnixMilli(),
			Credits:   payload.Credits,
		}
		for _, l := range payload.RateLimits {
			pct := int(l.PercentRemaining)
			if pct < 0 {
				pct = 0
			}
			if pct > 100 {
				pct = 100
			}
			snap.Limits = append(snap.Limits, ratelimit.Limit{
				Name:     l.Name,
				LeftPct:  pct,
				ResetsAt: l.ResetsAt,
			})
		}
		if len(snap.Limits) == 0 {
			return ratelimit.Snapshot{}, fmt.Errorf("usage payload carried no windows")
		}
		return snap, nil
	}
}
