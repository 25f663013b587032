package account

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/kvstore"
)

// ErrAccountNotFound is returned when an identity key has no account.
var ErrAccountNotFound = errors.New("account: not found")

// Store is the typed view over the persisted auth file. It exclusively owns
// mutation of auth.json; every write runs inside a kvstore Save update.
type Store struct {
	kv       *kvstore.Store
	path     string
	provider string
	crypto   *Crypto // nil → tokens stored in plaintext
}

func NewStore(kv *kvstore.Store, path, provider string, crypto *Crypto) *Store {
	return &Store{kv: kv, path: path, provider: provider, crypto: crypto}
}

// Path returns the auth file location.
func (s *Store) Path() string { return s.path }

// List returns decrypted snapshot copies of the accounts serving mode.
func (s *Store) List(mode Mode) ([]Account, error) {
	var file AuthFile
	if err := s.kv.Load(s.path, &file); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	dom, ok := file[s.provider]
	if !ok {
		return nil, nil
	}

	out := make([]Account, 0, len(dom.Accounts))
	for i := range dom.Accounts {
		if !dom.Accounts[i].HasMode(mode) {
			continue
		}
		a := dom.Accounts[i]
		if err := s.openTokens(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Get returns one decrypted account snapshot by identity key.
func (s *Store) Get(identityKey string) (Account, error) {
	var file AuthFile
	if err := s.kv.Load(s.path, &file); err != nil {
		return Account{}, ErrAccountNotFound
	}
	dom, ok := file[s.provider]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	for i := range dom.Accounts {
		if dom.Accounts[i].IdentityKey == identityKey {
			a := dom.Accounts[i]
			if err := s.openTokens(&a); err != nil {
				return Account{}, err
			}
			return a, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

// Strategy returns the configured selection strategy for the provider, or
// fallback when none is persisted.
func (s *Store) Strategy(fallback string) string {
	var file AuthFile
	if err := s.kv.Load(s.path, &file); err != nil {
		return fallback
	}
	if dom, ok := file[s.provider]; ok && dom.Strategy != "" {
		return dom.Strategy
	}
	return fallback
}

// EnsureDomain creates the provider subtree and the per-mode slice if absent.
func (s *Store) EnsureDomain(mode Mode) error {
	return s.save(func(file AuthFile) error {
		dom := file[s.provider]
		if dom == nil {
			dom = &Domain{Type: "oauth"}
			file[s.provider] = dom
		}
		switch mode {
		case ModeCodex:
			if dom.Codex == nil {
				dom.Codex = &ModeState{}
			}
		default:
			if dom.Native == nil {
				dom.Native = &ModeState{}
			}
		}
		return nil
	})
}

// SetActive records the account most recently serving mode, at the domain
// level and in the per-mode state.
func (s *Store) SetActive(mode Mode, identityKey string) error {
	return s.save(func(file AuthFile) error {
		dom := file[s.provider]
		if dom == nil {
			dom = &Domain{Type: "oauth"}
			file[s.provider] = dom
		}
		dom.ActiveIdentityKey = identityKey
		switch mode {
		case ModeCodex:
			if dom.Codex == nil {
				dom.Codex = &ModeState{}
			}
			dom.Codex.ActiveIdentityKey = identityKey
		default:
			if dom.Native == nil {
				dom.Native = &ModeState{}
			}
			dom.Native.ActiveIdentityKey = identityKey
		}
		return nil
	})
}

// Active returns the mode's recorded active account, falling back to the
// domain-level value.
func (s *Store) Active(mode Mode) string {
	var file AuthFile
	if err := s.kv.Load(s.path, &file); err != nil {
		return ""
	}
	dom, ok := file[s.provider]
	if !ok {
		return ""
	}
	switch mode {
	case ModeCodex:
		if dom.Codex != nil && dom.Codex.ActiveIdentityKey != "" {
			return dom.Codex.ActiveIdentityKey
		}
	default:
		if dom.Native != nil && dom.Native.ActiveIdentityKey != "" {
			return dom.Native.ActiveIdentityKey
		}
	}
	return dom.ActiveIdentityKey
}

// Upsert inserts or replaces an account, keyed by identity key.
func (s *Store) Upsert(acct Account) error {
	if err := s.sealTokens(&acct); err != nil {
		return err
	}
	return s.save(func(file AuthFile) error {
		dom := file[s.provider]
		if dom == nil {
			dom = &Domain{Type: "oauth"}
			file[s.provider] = dom
		}
		for i := range dom.Accounts {
			if dom.Accounts[i].IdentityKey == acct.IdentityKey {
				dom.Accounts[i] = acct
				return nil
			}
		}
		dom.Accounts = append(dom.Accounts, acct)
		return nil
	})
}

// Delete removes an account by identity key.
func (s *Store) Delete(identityKey string) error {
	return s.save(func(file AuthFile) error {
		dom := file[s.provider]
		if dom == nil {
			return nil
		}
		kept := dom.Accounts[:0]
		for i := range dom.Accounts {
			if dom.Accounts[i].IdentityKey != identityKey {
				kept = append(kept, dom.Accounts[i])
			}
		}
		dom.Accounts = kept
		return nil
	})
}

// UpdateAccount applies patch to one account inside a serialized file
// update. The patch sees decrypted tokens; when it changes the access token
// the identity key is rederived from the new JWT claims. Returns the updated
// snapshot.
func (s *Store) UpdateAccount(identityKey string, patch func(*Account) error) (Account, error) {
	var updated Account
	err := s.save(func(file AuthFile) error {
		dom := file[s.provider]
		if dom == nil {
			return ErrAccountNotFound
		}
		for i := range dom.Accounts {
			if dom.Accounts[i].IdentityKey != identityKey {
				continue
			}
			a := dom.Accounts[i]
			if err := s.openTokens(&a); err != nil {
				return err
			}
			before := a.Access
			if err := patch(&a); err != nil {
				return err
			}
			if a.Access != before {
				a.RederiveIdentity()
			}
			updated = a
			if err := s.sealTokens(&a); err != nil {
				return err
			}
			dom.Accounts[i] = a
			return nil
		}
		return ErrAccountNotFound
	})
	if err != nil {
		return Account{}, err
	}
	return updated, nil
}

// SetCooldown stamps an absolute cooldown deadline on an account.
func (s *Store) SetCooldown(identityKey string, until int64) error {
	_, err := s.UpdateAccount(identityKey, func(a *Account) error {
		a.CooldownUntil = until
		return nil
	})
	return err
}

// SetLastUsed records a successful use of the account.
func (s *Store) SetLastUsed(identityKey string, at int64) error {
	_, err := s.UpdateAccount(identityKey, func(a *Account) error {
		a.LastUsed = at
		return nil
	})
	return err
}

func (s *Store) save(mutate func(AuthFile) error) error {
	_, err := s.kv.Save(s.path, func(current json.RawMessage) (any, error) {
		file := AuthFile{}
		if current != nil {
			if err := json.Unmarshal(current, &file); err != nil {
				return nil, fmt.Errorf("decode auth file: %w", err)
			}
		}
		if err := mutate(file); err != nil {
			return nil, err
		}
		return file, nil
	})
	return err
}

func (s *Store) sealTokens(a *Account) error {
	if s.crypto == nil {
		return nil
	}
	access, err := s.crypto.EncryptToken(a.Access)
	if err != nil {
		return fmt.Errorf("encrypt access: %w", err)
	}
	refresh, err := s.crypto.EncryptToken(a.Refresh)
	if err != nil {
		return fmt.Errorf("encrypt refresh: %w", err)
	}
	a.Access, a.Refresh = access, refresh
	return nil
}

func (s *Store) openTokens(a *Account) error {
	if s.crypto == nil {
		return nil
	}
	access, err := s.crypto.DecryptToken(a.Access)
	if err != nil {
		return fmt.Errorf("decrypt access: %w", err)
	}
	refresh, err := s.crypto.DecryptToken(a.Refresh)
	if err != nil {
		return fmt.Errorf("decrypt refresh: %w", err)
	}
	a.Access, a.Refresh = access, refresh
	return nil
}
