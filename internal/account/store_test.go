package account

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/kvstore"
)

func newTestStore(t *testing.T, crypto *Crypto) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.json")
	return NewStore(kvstore.New(), path, "openai", crypto)
}

func seedAccount(t *testing.T, s *Store, key string, mutate func(*Account)) Account {
	t.Helper()
	a := Account{
		IdentityKey: key,
		AccountID:   "acc_" + key,
		Email:       key + "@example.com",
		AuthTypes:   []string{"codex"},
		Access:      "at-" + key,
		Refresh:     "rt-" + key,
		Expires:     9_999_999_999_999,
	}
	if mutate != nil {
		mutate(&a)
	}
	if err := s.Upsert(a); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return a
}

func TestAuthFileRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	want := seedAccount(t, s, "k1", nil)

	got, err := s.Get("k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Access != want.Access || got.Refresh != want.Refresh || got.Expires != want.Expires {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, want)
	}
}

func TestListFiltersByMode(t *testing.T) {
	s := newTestStore(t, nil)
	seedAccount(t, s, "codex-only", nil)
	seedAccount(t, s, "native-implicit", func(a *Account) { a.AuthTypes = nil })

	codex, err := s.List(ModeCodex)
	if err != nil {
		t.Fatal(err)
	}
	if len(codex) != 1 || codex[0].IdentityKey != "codex-only" {
		t.Fatalf("codex list = %+v", codex)
	}

	// An absent authTypes list is treated as native.
	native, err := s.List(ModeNative)
	if err != nil {
		t.Fatal(err)
	}
	if len(native) != 1 || native[0].IdentityKey != "native-implicit" {
		t.Fatalf("native list = %+v", native)
	}
}

func TestUpdateAccountRederivesIdentityOnAccessChange(t *testing.T) {
	s := newTestStore(t, nil)
	seedAccount(t, s, "old", nil)

	payload, _ := json.Marshal(map[string]any{
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acc_new",
			"chatgpt_plan_type":  "pro",
		},
		"email": "New@Example.com",
	})
	seg := base64.RawURLEncoding.EncodeToString
	jwt := seg([]byte(`{}`)) + "." + seg(payload) + "." + seg([]byte("s"))

	updated, err := s.UpdateAccount("old", func(a *Account) error {
		a.Access = jwt
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.IdentityKey != "acc_new|new@example.com|pro" {
		t.Fatalf("identity key = %q", updated.IdentityKey)
	}
	if _, err := s.Get("acc_new|new@example.com|pro"); err != nil {
		t.Fatalf("account not reachable under new key: %v", err)
	}
}

func TestUpdateAccountMissing(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.UpdateAccount("nope", func(a *Account) error { return nil })
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("want ErrAccountNotFound, got %v", err)
	}
}

func TestSetCooldown(t *testing.T) {
	s := newTestStore(t, nil)
	seedAccount(t, s, "k1", nil)

	if err := s.SetCooldown("k1", 1234); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get("k1")
	if got.CooldownUntil != 1234 {
		t.Fatalf("cooldownUntil = %d", got.CooldownUntil)
	}
}

func TestSetActivePerMode(t *testing.T) {
	s := newTestStore(t, nil)
	seedAccount(t, s, "k1", nil)
	seedAccount(t, s, "k2", nil)

	if err := s.SetActive(ModeCodex, "k1"); err != nil {
		t.Fatal(err)
	}
	if got := s.Active(ModeCodex); got != "k1" {
		t.Fatalf("codex active = %q", got)
	}
	// The native mode has no state of its own yet, so the domain-level
	// value answers.
	if got := s.Active(ModeNative); got != "k1" {
		t.Fatalf("native fallback = %q", got)
	}

	if err := s.SetActive(ModeNative, "k2"); err != nil {
		t.Fatal(err)
	}
	if got := s.Active(ModeNative); got != "k2" {
		t.Fatalf("native active = %q", got)
	}
	if got := s.Active(ModeCodex); got != "k1" {
		t.Fatalf("codex active overwritten: %q", got)
	}
}

func TestStrategyReadsPersistedValue(t *testing.T) {
	s := newTestStore(t, nil)

	// Nothing persisted yet: the fallback answers.
	if got := s.Strategy("round_robin"); got != "round_robin" {
		t.Fatalf("fallback strategy = %q", got)
	}

	err := s.save(func(file AuthFile) error {
		file["openai"] = &Domain{Type: "oauth", Strategy: "sticky"}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Strategy("round_robin"); got != "sticky" {
		t.Fatalf("persisted strategy = %q", got)
	}
}

func TestEncryptedTokensAtRest(t *testing.T) {
	crypto := NewCrypto("unit-test-key")
	s := newTestStore(t, crypto)
	seedAccount(t, s, "enc", nil)

	// In-memory reads see plaintext.
	got, err := s.Get("enc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Access != "at-enc" || got.Refresh != "rt-enc" {
		t.Fatalf("decrypted read mismatch: %+v", got)
	}

	// The file itself must not contain the plaintext tokens.
	var raw AuthFile
	if err := kvstore.New().Load(s.Path(), &raw); err != nil {
		t.Fatal(err)
	}
	stored := raw["openai"].Accounts[0]
	if stored.Access == "at-enc" || stored.Refresh == "rt-enc" {
		t.Fatalf("tokens stored in plaintext: %+v", stored)
	}
}

func TestCryptoRoundTrip(t *testing.T) {
	c := NewCrypto("key")
	enc, err := c.EncryptToken("secret-token")
	if err != nil {
		t.Fatal(err)
	}
	dec, err := c.DecryptToken(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != "secret-token" {
		t.Fatalf("round trip = %q", dec)
	}
}
