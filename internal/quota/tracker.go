// Package quota tracks per-account rate-limit headroom: threshold crossings
// with hysteresis, persisted snapshots, and the bounded-concurrency refresh
// coordinator.
package quota

import (
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/ratelimit"
)

// Warning thresholds in percent remaining, evaluated high to low.
var thresholds = []int{25, 10, 0}

// WindowState is the hysteresis memory for one limit window.
type WindowState struct {
	// Warned holds the thresholds already crossed since the last reset.
	Warned   map[int]bool `json:"warned,omitempty"`
	ResetsAt int64        `json:"resetsAt,omitempty"`
}

// TrackerState is the per-account tracker memory.
type TrackerState struct {
	Windows map[string]*WindowState `json:"windows,omitempty"`
}

// Crossing is emitted when a window first drops through a threshold.
type Crossing struct {
	Window    string `json:"window"`
	Threshold int    `json:"threshold"`
	Exhausted bool   `json:"exhausted"`
	ResetsAt  int64  `json:"resetsAt,omitempty"`
}

// Evaluate compares a fresh snapshot against the previous tracker state and
// returns the next state plus any new crossings. A window's thresholds
// re-arm once its resetsAt passes.
func Evaluate(prev TrackerState, snap ratelimit.Snapshot, now time.Time) (TrackerState, []Crossing) {
	next := TrackerState{Windows: make(map[string]*WindowState, len(snap.Limits))}
	nowMs := now.UnixMilli()

	var crossings []Crossing
	for _, limit := range snap.Limits {
		ws := prevWindow(prev, limit.Name)

		// Window reset: the recorded reset time passed, thresholds re-arm.
		if ws.ResetsAt > 0 && ws.ResetsAt <= nowMs {
			ws = &WindowState{}
		}
		if ws.Warned == nil {
			ws.Warned = make(map[int]bool)
		}
		if limit.ResetsAt > 0 {
			ws.ResetsAt = limit.ResetsAt
		}

		for _, th := range thresholds {
			if limit.LeftPct > th || ws.Warned[th] {
				continue
			}
			ws.Warned[th] = true
			crossings = append(crossings, Crossing{
				Window:    limit.Name,
				Threshold: th,
				Exhausted: th == 0,
				ResetsAt:  ws.ResetsAt,
			})
		}

		next.Windows[limit.Name] = ws
	}
	return next, crossings
}

func prevWindow(prev TrackerState, name string) *WindowState {
	if prev.Windows == nil {
		return &WindowState{}
	}
	ws, ok := prev.Windows[name]
	if !ok || ws == nil {
		return &WindowState{}
	}
	// Copy so Evaluate never mutates the caller's state.
	cp := &WindowState{ResetsAt: ws.ResetsAt}
	if len(ws.Warned) > 0 {
		cp.Warned = make(map[int]bool, len(ws.Warned))
		for k, v := range ws.Warned {
			cp.Warned[k] = v
		}
	}
	return cp
}

// ExhaustedCooldown computes the cooldown deadline after exhausted
// crossings: the latest known reset, or now+5m when none is known.
func ExhaustedCooldown(crossings []Crossing, now time.Time) int64 {
	var latest int64
	for _, c := range crossings {
		if c.Exhausted && c.ResetsAt > latest {
			latest = c.ResetsAt
		}
	}
	if latest == 0 {
		return now.Add(5 * time.Minute).UnixMilli()
	}
	return latest
}
