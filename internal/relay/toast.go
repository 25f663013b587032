package relay

import (
	"sync"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
)

// Toaster delivers a user-visible notification. Optional; failures are the
// collaborator's problem, never ours.
type Toaster func(message, variant string, quiet bool)

// Debounce windows per notification family.
const (
	sessionEventWindow  = 60 * time.Second
	accountSwitchWindow = 15 * time.Second
	rateLimitWindow     = 30 * time.Second
	sessionResumeWindow = 60 * time.Second

	maxDedupeEntries = 512
)

// debouncer suppresses repeat notifications per key inside a window. The
// map is bounded with oldest-first eviction.
type debouncer struct {
	clk clock.Clock

	mu   sync.Mutex
	seen map[string]int64
}

func newDebouncer(clk clock.Clock) *debouncer {
	return &debouncer{clk: clk, seen: make(map[string]int64)}
}

func (d *debouncer) allow(key string, window time.Duration) bool {
	now := d.clk.Now().UnixMilli()

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.seen[key]; ok && now-last < window.Milliseconds() {
		return false
	}
	if len(d.seen) >= maxDedupeEntries {
		d.evictOldestLocked()
	}
	d.seen[key] = now
	return true
}

func (d *debouncer) evictOldestLocked() {
	var oldestKey string
	var oldest int64
	for k, v := range d.seen {
		if oldestKey == "" || v < oldest {
			oldestKey, oldest = k, v
		}
	}
	if oldestKey != "" {
		delete(d.seen, oldestKey)
	}
}
