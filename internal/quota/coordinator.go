package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/account"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/ratelimit"
)

// FetchFunc retrieves a fresh rate-limit snapshot for one account, usually
// by probing the backend's usage endpoint with the account's token.
type FetchFunc func(ctx context.Context, acct account.Account) (ratelimit.Snapshot, error)

type CoordinatorOptions struct {
	Fetch          FetchFunc
	TTL            time.Duration // minimum gap between refreshes per account
	FailureCooloff time.Duration // back off after a failed fetch
	Timeout        time.Duration // per-fetch deadline
	Concurrency    int64         // in-flight fetch cap across accounts
	// EnsureFresh refreshes the account's token before a fetch so a
	// standalone refresh never probes with an expired credential. The
	// handed-in snapshot serves when the hook is absent or fails.
	EnsureFresh func(ctx context.Context, identityKey string) (account.Account, error)
	// OnCrossing fires for newly crossed thresholds, after the snapshot
	// and tracker state are committed.
	OnCrossing func(acct account.Account, crossings []Crossing)
}

// Coordinator dedupes and rate-limits snapshot refreshes. Concurrent
// requests for the same account collapse into one fetch; total concurrency
// is bounded so a large pool cannot stampede the usage endpoint.
type Coordinator struct {
	snapshots *Snapshots
	clk       clock.Clock
	opts      CoordinatorOptions

	sem *semaphore.Weighted
	sf  singleflight.Group

	mu          sync.Mutex
	nextAllowed map[string]int64 // identityKey → earliest next fetch, ms
	states      map[string]TrackerState
	wg          sync.WaitGroup
}

func NewCoordinator(snapshots *Snapshots, clk clock.Clock, opts CoordinatorOptions) *Coordinator {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.FailureCooloff <= 0 {
		opts.FailureCooloff = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Coordinator{
		snapshots:   snapshots,
		clk:         clk,
		opts:        opts,
		sem:         semaphore.NewWeighted(opts.Concurrency),
		nextAllowed: make(map[string]int64),
		states:      make(map[string]TrackerState),
	}
}

// Wait blocks until background refreshes finish. Used on shutdown.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Track commits a snapshot observed from response headers and returns any
// new threshold crossings.
func (c *Coordinator) Track(acct account.Account, snap ratelimit.Snapshot) []Crossing {
	if err := c.snapshots.Put(acct.IdentityKey, snap); err != nil {
		slog.Warn("snapshot persist failed", "identityKey", acct.IdentityKey, "error", err)
	}

	c.mu.Lock()
	next, crossings := Evaluate(c.states[acct.IdentityKey], snap, c.clk.Now())
	c.states[acct.IdentityKey] = next
	c.mu.Unlock()

	if len(crossings) > 0 && c.opts.OnCrossing != nil {
		c.opts.OnCrossing(acct, crossings)
	}
	return crossings
}

// State returns the tracker memory for an account, for debug snapshots.
func (c *Coordinator) State(identityKey string) TrackerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[identityKey]
}

// MaybeRefresh schedules a background snapshot fetch unless one ran
// recently. Never blocks the caller.
func (c *Coordinator) MaybeRefresh(ctx context.Context, acct account.Account) {
	if c.opts.Fetch == nil {
		return
	}
	now := c.clk.Now().UnixMilli()

	c.mu.Lock()
	if next, ok := c.nextAllowed[acct.IdentityKey]; ok && now < next {
		c.mu.Unlock()
		return
	}
	// Reserve the slot before the fetch so queued callers skip out early.
	c.nextAllowed[acct.IdentityKey] = now + c.opts.TTL.Milliseconds()
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.RefreshNow(ctx, acct); err != nil {
			slog.Debug("background snapshot refresh failed",
				"identityKey", acct.IdentityKey, "error", err)
		}
	}()
}

// RefreshNow fetches a snapshot synchronously. Concurrent calls for the
// same account share a single fetch.
func (c *Coordinator) RefreshNow(ctx context.Context, acct account.Account) (ratelimit.Snapshot, error) {
	v, err, _ := c.sf.Do(acct.IdentityKey, func() (any, error) {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.sem.Release(1)

		fetchCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		if c.opts.EnsureFresh != nil {
			if fresh, err := c.opts.EnsureFresh(fetchCtx, acct.IdentityKey); err == nil {
				acct = fresh
			} else {
				slog.Debug("pre-fetch token refresh failed",
					"identityKey", acct.IdentityKey, "error", err)
			}
		}

		snap, err := c.opts.Fetch(fetchCtx, acct)
		now := c.clk.Now().UnixMilli()

		c.mu.Lock()
		if err != nil {
			c.nextAllowed[acct.IdentityKey] = now + c.opts.FailureCooloff.Milliseconds()
		} else {
			c.nextAllowed[acct.IdentityKey] = now + c.opts.TTL.Milliseconds()
		}
		c.mu.Unlock()

		if err != nil {
			return nil, err
		}
		c.Track(acct, snap)
		return snap, nil
	})
	if err != nil {
		return ratelimit.Snapshot{}, err
	}
	return v.(ratelimit.Snapshot), nil
}
