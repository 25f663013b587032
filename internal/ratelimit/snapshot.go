package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Limit is one rate-limit window inside a snapshot.
type Limit struct {
	Name     string `json:"name"`
	LeftPct  int    `json:"leftPct"`
	ResetsAt int64  `json:"resetsAt,omitempty"` // absolute ms
}

// Snapshot is the quota view of one account at a point in time.
type Snapshot struct {
	UpdatedAt   int64    `json:"updatedAt"` // absolute ms
	ModelFamily string   `json:"modelFamily,omitempty"`
	Limits      []Limit  `json:"limits"`
	Credits     *float64 `json:"credits,omitempty"`
}

// Windows recognized in response headers, in emission order.
var headerTuples = []struct {
	name      string
	remaining string
	limit     string
	reset     string
}{
	{"requests", "x-ratelimit-remaining-requests", "x-ratelimit-limit-requests", "x-ratelimit-reset-requests"},
	{"tokens", "x-ratelimit-remaining-tokens", "x-ratelimit-limit-tokens", "x-ratelimit-reset-tokens"},
}

// SnapshotFromHeaders builds a quota snapshot from x-ratelimit-* response
// headers. A limit is emitted per recognized (remaining, limit, reset) tuple
// whose limit is positive. Returns false when no tuple was recognized.
func SnapshotFromHeaders(now time.Time, family string, h http.Header) (Snapshot, bool) {
	snap := Snapshot{
		UpdatedAt:   now.UnixMilli(),
		ModelFamily: family,
	}

	for _, t := range headerTuples {
		remaining, okR := parseCount(h.Get(t.remaining))
		limit, okL := parseCount(h.Get(t.limit))
		if !okR || !okL || limit <= 0 {
			continue
		}
		l := Limit{
			Name:    t.name,
			LeftPct: leftPct(remaining, limit),
		}
		if resetAt, ok := parseReset(h.Get(t.reset), now); ok {
			l.ResetsAt = resetAt
		}
		snap.Limits = append(snap.Limits, l)
	}

	return snap, len(snap.Limits) > 0
}

func leftPct(remaining, limit float64) int {
	pct := int(math.Round(100 * remaining / limit))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func parseCount(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return f, true
}

// parseReset accepts Go-style durations ("6m0s", "30ms") and bare seconds.
func parseReset(raw string, now time.Time) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return now.Add(d).UnixMilli(), true
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 0 {
		return now.Add(time.Duration(f * float64(time.Second))).UnixMilli(), true
	}
	return 0, false
}
