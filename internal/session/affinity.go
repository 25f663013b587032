// Package session keeps the sticky and hybrid session-to-account affinity
// maps. State is mirrored to disk on change; bursts of changes coalesce into
// a single write through a one-slot persist queue.
package session

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/clock"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/kvstore"
)

const fileVersion = 1

// ModeMaps is the persisted affinity state for one auth mode.
type ModeMaps struct {
	Seen   map[string]int64  `json:"seenSessionKeys"`
	Sticky map[string]string `json:"stickyBySessionKey"`
	Hybrid map[string]string `json:"hybridBySessionKey"`
}

func newModeMaps() *ModeMaps {
	return &ModeMaps{
		Seen:   make(map[string]int64),
		Sticky: make(map[string]string),
		Hybrid: make(map[string]string),
	}
}

type Options struct {
	TTL          time.Duration // drop keys idle longer than this
	MaxEntries   int           // size cap, oldest-first eviction
	MissingGrace time.Duration // grace before dropping host-reported-missing keys
}

// Store holds affinity maps per mode and persists them on change.
type Store struct {
	kv   *kvstore.Store
	path string
	clk  clock.Clock
	opts Options

	mu           sync.Mutex
	modes        map[string]*ModeMaps
	missingSince map[string]int64 // sessionKey → first-missing ms, not persisted

	dirty     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewStore(kv *kvstore.Store, path string, clk clock.Clock, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 6 * time.Hour
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 200
	}
	s := &Store{
		kv:           kv,
		path:         path,
		clk:          clk,
		opts:         opts,
		modes:        make(map[string]*ModeMaps),
		missingSince: make(map[string]int64),
		dirty:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	s.load()

	s.wg.Add(1)
	go s.persistLoop()
	return s
}

// Close drains any pending persist and stops the writer.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Store) load() {
	var raw map[string]json.RawMessage
	if err := s.kv.Load(s.path, &raw); err != nil {
		return
	}
	for mode, blob := range raw {
		if mode == "version" {
			continue
		}
		mm := newModeMaps()
		if err := json.Unmarshal(blob, mm); err != nil {
			continue
		}
		if mm.Seen == nil {
			mm.Seen = make(map[string]int64)
		}
		if mm.Sticky == nil {
			mm.Sticky = make(map[string]string)
		}
		if mm.Hybrid == nil {
			mm.Hybrid = make(map[string]string)
		}
		s.modes[mode] = mm
	}
}

func (s *Store) mode(mode string) *ModeMaps {
	mm, ok := s.modes[mode]
	if !ok {
		mm = newModeMaps()
		s.modes[mode] = mm
	}
	return mm
}

// Observe stamps the session key as recently seen and enforces the size cap.
func (s *Store) Observe(mode, sessionKey string) {
	if sessionKey == "" {
		return
	}
	now := s.clk.Now().UnixMilli()

	s.mu.Lock()
	mm := s.mode(mode)
	mm.Seen[sessionKey] = now
	s.capLocked(mm)
	s.mu.Unlock()

	s.Persist()
}

// Sticky returns the sticky-bound identity key for a session.
func (s *Store) Sticky(mode, sessionKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.mode(mode).Sticky[sessionKey]
	return v, ok
}

// BindSticky records a sticky mapping and schedules persistence.
func (s *Store) BindSticky(mode, sessionKey, identityKey string) {
	if sessionKey == "" {
		return
	}
	s.mu.Lock()
	s.mode(mode).Sticky[sessionKey] = identityKey
	s.mu.Unlock()
	s.Persist()
}

// Hybrid returns the substitute identity key recorded for a session.
func (s *Store) Hybrid(mode, sessionKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.mode(mode).Hybrid[sessionKey]
	return v, ok
}

// BindHybrid remembers a substitution made while the sticky account cools.
func (s *Store) BindHybrid(mode, sessionKey, identityKey string) {
	if sessionKey == "" {
		return
	}
	s.mu.Lock()
	s.mode(mode).Hybrid[sessionKey] = identityKey
	s.mu.Unlock()
	s.Persist()
}

// ClearHybrid drops the substitution once the original account recovers.
func (s *Store) ClearHybrid(mode, sessionKey string) {
	s.mu.Lock()
	mm := s.mode(mode)
	if _, ok := mm.Hybrid[sessionKey]; !ok {
		s.mu.Unlock()
		return
	}
	delete(mm.Hybrid, sessionKey)
	s.mu.Unlock()
	s.Persist()
}

// Prune drops keys idle past the TTL, keys whose session the host reports
// missing (after a grace period), and enforces the size cap. exists may be
// nil when the host offers no session registry.
func (s *Store) Prune(exists func(sessionKey string) bool) {
	now := s.clk.Now().UnixMilli()
	changed := false

	s.mu.Lock()
	for _, mm := range s.modes {
		for key, seen := range mm.Seen {
			expired := now-seen > s.opts.TTL.Milliseconds()
			missing := false
			if !expired && exists != nil && !exists(key) {
				first, ok := s.missingSince[key]
				if !ok {
					s.missingSince[key] = now
				} else if now-first > s.opts.MissingGrace.Milliseconds() {
					missing = true
				}
			} else {
				delete(s.missingSince, key)
			}
			if expired || missing {
				s.dropLocked(mm, key)
				changed = true
			}
		}
		if s.capLocked(mm) {
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.Persist()
	}
}

func (s *Store) dropLocked(mm *ModeMaps, key string) {
	delete(mm.Seen, key)
	delete(mm.Sticky, key)
	delete(mm.Hybrid, key)
	delete(s.missingSince, key)
}

// capLocked evicts oldest-seen keys past the configured maximum.
func (s *Store) capLocked(mm *ModeMaps) bool {
	if len(mm.Seen) <= s.opts.MaxEntries {
		return false
	}
	type aged struct {
		key  string
		seen int64
	}
	all := make([]aged, 0, len(mm.Seen))
	for k, v := range mm.Seen {
		all = append(all, aged{k, v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seen < all[j].seen })
	for _, a := range all[:len(all)-s.opts.MaxEntries] {
		s.dropLocked(mm, a.key)
	}
	return true
}

// Persist schedules a write. Calls collapse into the single pending slot so
// bursts produce one disk write.
func (s *Store) Persist() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) persistLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.dirty:
			s.write()
		case <-s.done:
			// Final drain.
			select {
			case <-s.dirty:
				s.write()
			default:
			}
			return
		}
	}
}

func (s *Store) write() {
	s.mu.Lock()
	out := make(map[string]any, len(s.modes)+1)
	out["version"] = fileVersion
	for mode, mm := range s.modes {
		out[mode] = &ModeMaps{
			Seen:   cloneInt64Map(mm.Seen),
			Sticky: cloneStringMap(mm.Sticky),
			Hybrid: cloneStringMap(mm.Hybrid),
		}
	}
	s.mu.Unlock()

	if _, err := s.kv.Save(s.path, func(json.RawMessage) (any, error) {
		return out, nil
	}); err != nil {
		// Persistence is best-effort; selection keeps the in-memory maps.
		slog.Warn("session affinity persist failed", "error", err)
	}
}

func cloneInt64Map(m map[string]int64) map[string]int64 {
	c := make(map[string]int64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneStringMap(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
