package quota

import (
	"encoding/json"
	"fmt"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/kvstore"
	"github.com/iam-brain/opencode-codex-auth-sub002/internal/ratelimit"
)

// Snapshots persists the latest rate-limit snapshot per identity key to
// snapshots.json. Writes merge into the existing file so concurrent
// refreshes for different accounts never clobber each other.
type Snapshots struct {
	kv   *kvstore.Store
	path string
}

func NewSnapshots(kv *kvstore.Store, path string) *Snapshots {
	return &Snapshots{kv: kv, path: path}
}

func (s *Snapshots) Path() string { return s.path }

// Get returns the stored snapshot for an account, if any.
func (s *Snapshots) Get(identityKey string) (ratelimit.Snapshot, bool) {
	all, err := s.All()
	if err != nil {
		return ratelimit.Snapshot{}, false
	}
	snap, ok := all[identityKey]
	return snap, ok
}

// All loads every stored snapshot. A missing file is an empty map.
func (s *Snapshots) All() (map[string]ratelimit.Snapshot, error) {
	var all map[string]ratelimit.Snapshot
	if err := s.kv.Load(s.path, &all); err != nil {
		if err == kvstore.ErrNotFound {
			return map[string]ratelimit.Snapshot{}, nil
		}
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if all == nil {
		all = map[string]ratelimit.Snapshot{}
	}
	return all, nil
}

// Put merges one account's snapshot into the file atomically.
func (s *Snapshots) Put(identityKey string, snap ratelimit.Snapshot) error {
	_, err := s.kv.Save(s.path, func(current json.RawMessage) (any, error) {
		all := map[string]ratelimit.Snapshot{}
		if len(current) > 0 {
			// Tolerate a corrupt file by starting over.
			_ = json.Unmarshal(current, &all)
		}
		all[identityKey] = snap
		return all, nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", identityKey, err)
	}
	return nil
}

// Delete drops a stored snapshot, used when an account is removed.
func (s *Snapshots) Delete(identityKey string) error {
	_, err := s.kv.Save(s.path, func(current json.RawMessage) (any, error) {
		all := map[string]ratelimit.Snapshot{}
		if len(current) > 0 {
			_ = json.Unmarshal(current, &all)
		}
		delete(all, identityKey)
		return all, nil
	})
	return err
}
