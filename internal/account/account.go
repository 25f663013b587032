// Package account owns the persisted auth state: the account pool, the
// auth.json file layout, and the OAuth token lifecycle. All mutation goes
// through Store update functions so concurrent writers serialize per file.
package account

import (
	"slices"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/identity"
)

// Mode is the auth flavor an account can serve.
type Mode string

const (
	ModeNative Mode = "native"
	ModeCodex  Mode = "codex"
)

// Account is one OAuth account in the pool. Timestamps are absolute
// milliseconds. Tokens are stored encrypted on disk when an encryption key
// is configured; in-memory copies always hold plaintext.
type Account struct {
	IdentityKey       string   `json:"identityKey"`
	AccountID         string   `json:"accountId,omitempty"`
	Email             string   `json:"email,omitempty"`
	Plan              string   `json:"plan,omitempty"`
	AuthTypes         []string `json:"authTypes,omitempty"` // absent → ["native"]
	Access            string   `json:"access,omitempty"`
	Refresh           string   `json:"refresh,omitempty"`
	Expires           int64    `json:"expires,omitempty"`
	Enabled           *bool    `json:"enabled,omitempty"` // nil → enabled
	CooldownUntil     int64    `json:"cooldownUntil,omitempty"`
	RefreshLeaseUntil int64    `json:"refreshLeaseUntil,omitempty"`
	LastUsed          int64    `json:"lastUsed,omitempty"`
}

// IsEnabled reports whether the account participates in selection.
func (a *Account) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// HasMode reports whether the account serves the given auth mode.
// An absent authTypes list means native only.
func (a *Account) HasMode(m Mode) bool {
	if len(a.AuthTypes) == 0 {
		return m == ModeNative
	}
	return slices.Contains(a.AuthTypes, string(m))
}

// RederiveIdentity re-reads the JWT claims from the current access token and
// recomputes the identity key. Malformed tokens leave fields unchanged.
func (a *Account) RederiveIdentity() {
	if c, ok := identity.ParseAccessClaims(a.Access); ok {
		if c.AccountID != "" {
			a.AccountID = c.AccountID
		}
		if c.Email != "" {
			a.Email = c.Email
		}
		if c.Plan != "" {
			a.Plan = c.Plan
		}
	}
	a.IdentityKey = identity.Key(a.AccountID, a.Email, a.Plan)
}

// ModeState is the per-mode slice of domain state mirrored in auth.json.
type ModeState struct {
	ActiveIdentityKey string `json:"activeIdentityKey,omitempty"`
	Strategy          string `json:"strategy,omitempty"`
}

// Domain is the per-provider subtree of auth.json.
type Domain struct {
	Type              string     `json:"type"`
	Strategy          string     `json:"strategy,omitempty"`
	Accounts          []Account  `json:"accounts"`
	ActiveIdentityKey string     `json:"activeIdentityKey,omitempty"`
	Native            *ModeState `json:"native,omitempty"`
	Codex             *ModeState `json:"codex,omitempty"`
}

// AuthFile maps provider name to its domain.
type AuthFile map[string]*Domain
