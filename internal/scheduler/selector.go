// Package scheduler picks the account serving the next attempt. Strategies:
// round_robin rotates through the eligible pool, sticky pins a session to
// its first account, hybrid substitutes a stand-in while the pinned account
// cools down and returns to it once it recovers.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/account"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/session"
)

type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Sticky     Strategy = "sticky"
	Hybrid     Strategy = "hybrid"
)

// ParseStrategy normalizes a strategy string, defaulting to round_robin.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case Sticky:
		return Sticky
	case Hybrid:
		return Hybrid
	default:
		return RoundRobin
	}
}

// Trace records one selection decision for debug snapshots. Never persisted.
type Trace struct {
	Strategy            string `json:"strategy"`
	Decision            string `json:"decision"`
	TotalCount          int    `json:"totalCount"`
	DisabledCount       int    `json:"disabledCount"`
	CooldownCount       int    `json:"cooldownCount"`
	RefreshLeaseCount   int    `json:"refreshLeaseCount"`
	EligibleCount       int    `json:"eligibleCount"`
	SelectedIdentityKey string `json:"selectedIdentityKey,omitempty"`
	SelectedIndex       int    `json:"selectedIndex,omitempty"`
	SessionKey          string `json:"sessionKey,omitempty"`
}

// NoEligibleError classifies why no account could serve the request.
type NoEligibleError struct {
	Class string // no_accounts_configured, all_disabled, all_cooling_down, all_refresh_locked
	// EarliestRecovery is the soonest cooldown expiry among blocked
	// accounts, absolute ms; zero when unknown.
	EarliestRecovery int64
}

func (e *NoEligibleError) Error() string {
	return fmt.Sprintf("scheduler: no eligible account (%s)", e.Class)
}

// PickRequest carries the selection inputs for one attempt.
type PickRequest struct {
	Mode       account.Mode
	Strategy   Strategy
	SessionKey string
	Subagent   bool
	Now        time.Time
}

// Selector reads the account pool freshly on every pick; cooldowns written
// by concurrent requests must be visible immediately.
type Selector struct {
	accounts  *account.Store
	affinity  *session.Store
	pidOffset int

	mu        sync.Mutex
	lastIndex map[account.Mode]int
}

func New(accounts *account.Store, affinity *session.Store, pidOffset int) *Selector {
	return &Selector{
		accounts:  accounts,
		affinity:  affinity,
		pidOffset: pidOffset,
		lastIndex: make(map[account.Mode]int),
	}
}

// SetCooldown stamps a cooldown on the account; the write commits before
// any later pick observes the pool.
func (s *Selector) SetCooldown(identityKey string, until int64) error {
	return s.accounts.SetCooldown(identityKey, until)
}

// Pick selects an account for the attempt, or returns a NoEligibleError.
func (s *Selector) Pick(req PickRequest) (account.Account, Trace, error) {
	pool, err := s.accounts.List(req.Mode)
	if err != nil {
		return account.Account{}, Trace{}, fmt.Errorf("list accounts: %w", err)
	}

	strategy := req.Strategy
	if req.Subagent {
		// Subagents always rotate and never pin sessions.
		strategy = RoundRobin
	}

	now := req.Now.UnixMilli()
	trace := Trace{
		Strategy:   string(strategy),
		TotalCount: len(pool),
		SessionKey: req.SessionKey,
	}

	eligible := make([]int, 0, len(pool))
	var earliestRecovery int64
	for i := range pool {
		a := &pool[i]
		switch {
		case !a.IsEnabled():
			trace.DisabledCount++
		case a.CooldownUntil > now:
			trace.CooldownCount++
			if earliestRecovery == 0 || a.CooldownUntil < earliestRecovery {
				earliestRecovery = a.CooldownUntil
			}
		case a.RefreshLeaseUntil > now:
			trace.RefreshLeaseCount++
		default:
			eligible = append(eligible, i)
		}
	}
	trace.EligibleCount = len(eligible)

	if len(eligible) == 0 {
		trace.Decision = "no_eligible"
		err := &NoEligibleError{Class: classify(&trace), EarliestRecovery: earliestRecovery}
		return account.Account{}, trace, err
	}

	mode := string(req.Mode)

	switch strategy {
	case Sticky:
		if key, ok := s.affinity.Sticky(mode, req.SessionKey); ok {
			if idx, found := findEligible(pool, eligible, key); found {
				trace.Decision = "sticky_hit"
				return s.chosen(req, pool, idx, &trace), trace, nil
			}
		}
		idx := s.rotate(req.Mode, pool, eligible)
		trace.Decision = "sticky_fallback"
		picked := s.chosen(req, pool, idx, &trace)
		if !req.Subagent && req.SessionKey != "" {
			s.affinity.BindSticky(mode, req.SessionKey, picked.IdentityKey)
		}
		return picked, trace, nil

	case Hybrid:
		origKey, pinned := s.affinity.Sticky(mode, req.SessionKey)
		if pinned {
			if idx, found := findEligible(pool, eligible, origKey); found {
				// Original recovered; forget any substitution.
				if !req.Subagent {
					s.affinity.ClearHybrid(mode, req.SessionKey)
				}
				trace.Decision = "sticky_hit"
				return s.chosen(req, pool, idx, &trace), trace, nil
			}
			if subKey, ok := s.affinity.Hybrid(mode, req.SessionKey); ok {
				if idx, found := findEligible(pool, eligible, subKey); found {
					trace.Decision = "hybrid_substitute"
					return s.chosen(req, pool, idx, &trace), trace, nil
				}
			}
			// Pick the eligible account closest to full recovery.
			idx := earliestCooldownExpiry(pool, eligible)
			trace.Decision = "hybrid_substitute"
			picked := s.chosen(req, pool, idx, &trace)
			if !req.Subagent && req.SessionKey != "" {
				s.affinity.BindHybrid(mode, req.SessionKey, picked.IdentityKey)
			}
			return picked, trace, nil
		}
		idx := s.rotate(req.Mode, pool, eligible)
		trace.Decision = "sticky_fallback"
		picked := s.chosen(req, pool, idx, &trace)
		if !req.Subagent && req.SessionKey != "" {
			s.affinity.BindSticky(mode, req.SessionKey, picked.IdentityKey)
		}
		return picked, trace, nil

	default:
		idx := s.rotate(req.Mode, pool, eligible)
		if req.Subagent {
			trace.Decision = "subagent_round_robin"
		} else {
			trace.Decision = "round_robin"
		}
		return s.chosen(req, pool, idx, &trace), trace, nil
	}
}

func (s *Selector) chosen(req PickRequest, pool []account.Account, idx int, trace *Trace) account.Account {
	a := pool[idx]
	trace.SelectedIdentityKey = a.IdentityKey
	trace.SelectedIndex = idx
	slog.Debug("account selected",
		"identityKey", a.IdentityKey,
		"strategy", trace.Strategy,
		"decision", trace.Decision,
		"eligible", trace.EligibleCount,
		"total", trace.TotalCount)
	return a
}

// rotate walks the pool starting one past the previous pick (plus the
// process offset). Among eligible accounts the oldest lastUsed wins;
// rotation order breaks ties, which keeps multi-process rotation fair.
func (s *Selector) rotate(mode account.Mode, pool []account.Account, eligible []int) int {
	n := len(pool)

	s.mu.Lock()
	start := (s.lastIndex[mode] + 1 + s.pidOffset) % n
	s.mu.Unlock()

	eligibleSet := make(map[int]bool, len(eligible))
	for _, i := range eligible {
		eligibleSet[i] = true
	}

	best := -1
	for off := 0; off < n; off++ {
		idx := (start + off) % n
		if !eligibleSet[idx] {
			continue
		}
		if best == -1 || pool[idx].LastUsed < pool[best].LastUsed {
			best = idx
		}
	}

	s.mu.Lock()
	s.lastIndex[mode] = best
	s.mu.Unlock()
	return best
}

func findEligible(pool []account.Account, eligible []int, identityKey string) (int, bool) {
	if identityKey == "" {
		return 0, false
	}
	for _, i := range eligible {
		if pool[i].IdentityKey == identityKey {
			return i, true
		}
	}
	return 0, false
}

// earliestCooldownExpiry picks the eligible account whose cooldown expired
// longest ago (smallest cooldownUntil, zero first).
func earliestCooldownExpiry(pool []account.Account, eligible []int) int {
	best := eligible[0]
	for _, i := range eligible[1:] {
		if pool[i].CooldownUntil < pool[best].CooldownUntil {
			best = i
		}
	}
	return best
}

func classify(trace *Trace) string {
	switch {
	case trace.TotalCount == 0:
		return "no_accounts_configured"
	case trace.DisabledCount == trace.TotalCount:
		return "all_disabled"
	case trace.CooldownCount > 0:
		return "all_cooling_down"
	default:
		return "all_refresh_locked"
	}
}
