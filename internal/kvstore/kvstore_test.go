package kvstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	s := New()
	var v map[string]int
	err := s.Load(filepath.Join(t.TempDir(), "nope.json"), &v)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := New()
	var v map[string]int
	if err := s.Load(path, &v); !errors.Is(err, ErrNotFound) {
		t.Fatalf("invalid JSON should read as not found, got %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New()

	_, err := s.Save(path, func(current json.RawMessage) (any, error) {
		if current != nil {
			t.Fatalf("first save should see no prior value")
		}
		return map[string]int{"n": 1}, nil
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	var v map[string]int
	if err := s.Load(path, &v); err != nil {
		t.Fatalf("load: %v", err)
	}
	if v["n"] != 1 {
		t.Fatalf("round trip lost value: %v", v)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Fatalf("file mode = %o, want 0600", got)
	}

	raw, _ := os.ReadFile(path)
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		t.Fatalf("file should end with a trailing newline")
	}
}

func TestSaveUpdateErrorAborts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New()
	if _, err := s.Save(path, func(json.RawMessage) (any, error) {
		return map[string]int{"n": 7}, nil
	}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	if _, err := s.Save(path, func(json.RawMessage) (any, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("want update error back, got %v", err)
	}

	var v map[string]int
	if err := s.Load(path, &v); err != nil || v["n"] != 7 {
		t.Fatalf("failed update must not touch the file: %v %v", v, err)
	}
}

// Concurrent saves must compose as if applied in some serial order: the final
// counter equals the number of increments and no partial write is observable.
func TestSaveSerializesConcurrentUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.json")
	s := New()

	const workers = 16
	const perWorker = 10

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.Save(path, func(current json.RawMessage) (any, error) {
					state := map[string]int{"n": 0}
					if current != nil {
						if err := json.Unmarshal(current, &state); err != nil {
							return nil, err
						}
					}
					state["n"]++
					return state, nil
				})
				if err != nil {
					t.Errorf("save: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var v map[string]int
	if err := s.Load(path, &v); err != nil {
		t.Fatalf("load: %v", err)
	}
	if v["n"] != workers*perWorker {
		t.Fatalf("lost updates: got %d, want %d", v["n"], workers*perWorker)
	}
}
