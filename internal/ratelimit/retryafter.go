// Package ratelimit parses upstream rate-limit signals: Retry-After delays
// and x-ratelimit-* headers turned into quota snapshots.
package ratelimit

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	intPattern     = regexp.MustCompile(`^\d+$`)
	secondsPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)s$`)
	millisPattern  = regexp.MustCompile(`^(\d+(?:\.\d+)?)ms$`)
)

// Bare integers at or above this magnitude are read as absolute-ish
// millisecond delays rather than seconds.
const bareMillisFloor = 1e12

// ParseRetryAfterMs reads the Retry-After header and returns a delay in
// milliseconds. Accepted forms: integer seconds, decimal seconds with an "s"
// suffix, decimal milliseconds with an "ms" suffix, bare millisecond
// integers, and HTTP-dates. HTTP-dates in the past clamp to zero. Negative
// and fractional bare values are rejected.
func ParseRetryAfterMs(h http.Header, now time.Time) (int64, bool) {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}

	if m := millisPattern.FindStringSubmatch(raw); m != nil {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	}

	if m := secondsPattern.FindStringSubmatch(raw); m != nil {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		return int64(f * 1000), true
	}

	if intPattern.MatchString(raw) {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, false
		}
		if float64(n) >= bareMillisFloor {
			return n, true
		}
		return n * 1000, true
	}

	if t, err := http.ParseTime(raw); err == nil {
		ms := t.Sub(now).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return ms, true
	}

	return 0, false
}
