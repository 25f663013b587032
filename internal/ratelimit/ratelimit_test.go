package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func headerWith(key, value string) http.Header {
	h := make(http.Header)
	h.Set(key, value)
	return h
}

func TestParseRetryAfterForms(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		value string
		want  int64
		ok    bool
	}{
		{"integer seconds", "10", 10_000, true},
		{"zero seconds", "0", 0, true},
		{"decimal with s suffix", "1.5s", 1500, true},
		{"plain s suffix", "2s", 2000, true},
		{"millisecond suffix", "250ms", 250, true},
		{"bare milliseconds", "1700000000000", 1_700_000_000_000, true},
		{"fractional bare seconds rejected", "1.5", 0, false},
		{"negative rejected", "-3", 0, false},
		{"garbage rejected", "soon", 0, false},
		{"empty unset", "", 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseRetryAfterMs(headerWith("Retry-After", tc.value), now)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ParseRetryAfterMs(%q) = (%d, %v), want (%d, %v)", tc.value, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	future := now.Add(30 * time.Second).Format(http.TimeFormat)
	got, ok := ParseRetryAfterMs(headerWith("Retry-After", future), now)
	if !ok || got != 30_000 {
		t.Fatalf("future date = (%d, %v), want (30000, true)", got, ok)
	}

	past := now.Add(-time.Hour).Format(http.TimeFormat)
	got, ok = ParseRetryAfterMs(headerWith("Retry-After", past), now)
	if !ok || got != 0 {
		t.Fatalf("past date should clamp to 0, got (%d, %v)", got, ok)
	}
}

func TestParseRetryAfterMonotone(t *testing.T) {
	now := time.Now()
	prev := int64(-1)
	for _, v := range []string{"1", "5", "10", "60", "600"} {
		got, ok := ParseRetryAfterMs(headerWith("Retry-After", v), now)
		if !ok {
			t.Fatalf("parse %q failed", v)
		}
		if got <= prev {
			t.Fatalf("not monotone: %q → %d after %d", v, got, prev)
		}
		prev = got
	}
}

func TestSnapshotFromHeaders(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := make(http.Header)
	h.Set("x-ratelimit-remaining-requests", "25")
	h.Set("x-ratelimit-limit-requests", "100")
	h.Set("x-ratelimit-reset-requests", "1m30s")

	snap, ok := SnapshotFromHeaders(now, "gpt-5", h)
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if len(snap.Limits) != 1 {
		t.Fatalf("limits = %d, want 1", len(snap.Limits))
	}
	l := snap.Limits[0]
	if l.Name != "requests" || l.LeftPct != 25 {
		t.Fatalf("limit = %+v", l)
	}
	if want := now.Add(90 * time.Second).UnixMilli(); l.ResetsAt != want {
		t.Fatalf("resetsAt = %d, want %d", l.ResetsAt, want)
	}
}

func TestSnapshotClampsPct(t *testing.T) {
	now := time.Now()
	h := make(http.Header)
	h.Set("x-ratelimit-remaining-requests", "500")
	h.Set("x-ratelimit-limit-requests", "100")

	snap, ok := SnapshotFromHeaders(now, "", h)
	if !ok || snap.Limits[0].LeftPct != 100 {
		t.Fatalf("leftPct should clamp to 100, got %+v ok=%v", snap, ok)
	}
}

func TestSnapshotSkipsZeroLimit(t *testing.T) {
	h := make(http.Header)
	h.Set("x-ratelimit-remaining-requests", "0")
	h.Set("x-ratelimit-limit-requests", "0")

	if _, ok := SnapshotFromHeaders(time.Now(), "", h); ok {
		t.Fatal("zero limit must not emit a snapshot")
	}
}
