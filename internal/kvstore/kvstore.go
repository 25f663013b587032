// Package kvstore persists JSON blobs with atomic replace semantics.
//
// Writers go through Save, which serializes concurrent callers per path via
// an in-process mutex plus a file lock on the parent directory, then writes
// temp-file + rename so readers only ever observe fully written snapshots.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// ErrNotFound is returned by Load when the file is missing or holds
// syntactically invalid JSON. Both cases mean "no prior value".
var ErrNotFound = errors.New("kvstore: not found")

const (
	fileMode     = 0o600
	lockAttempts = 50
	lockBackoff  = 20 * time.Millisecond
)

// Store serializes JSON file access per path.
type Store struct {
	mu    sync.Mutex
	paths map[string]*sync.Mutex
}

func New() *Store {
	return &Store{paths: make(map[string]*sync.Mutex)}
}

func (s *Store) pathMutex(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.paths[path]
	if !ok {
		m = &sync.Mutex{}
		s.paths[path] = m
	}
	return m
}

// Load reads the JSON value at path into v.
func (s *Store) Load(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(raw) {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ErrNotFound
	}
	return nil
}

// Save applies update to the current contents of path and writes the result
// atomically. update receives nil when no prior value exists; returning an
// error aborts the write. The marshaled next value is returned.
func (s *Store) Save(path string, update func(current json.RawMessage) (any, error)) (json.RawMessage, error) {
	pm := s.pathMutex(path)
	pm.Lock()
	defer pm.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	fl := flock.New(filepath.Join(dir, "."+filepath.Base(path)+".lock"))
	locked := false
	for i := 0; i < lockAttempts; i++ {
		ok, err := fl.TryLock()
		if err != nil {
			// Lock file unsupported on this filesystem; the in-process
			// mutex still covers single-process callers.
			break
		}
		if ok {
			locked = true
			break
		}
		time.Sleep(lockBackoff)
	}
	if locked {
		defer func() { _ = fl.Unlock() }()
	}

	var current json.RawMessage
	if raw, err := os.ReadFile(path); err == nil && json.Valid(raw) {
		current = raw
	}

	next, err := update(current)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	if err := writeAtomic(path, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp." + uuid.New().String()[:8]

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	// fsync is best-effort; some platforms and filesystems reject it.
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}

	if dirF, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dirF.Sync()
		dirF.Close()
	}

	if err := os.Chmod(path, fileMode); err != nil && !errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}
