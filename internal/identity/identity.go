// Package identity derives stable account identities from OAuth access
// tokens and composes the spoofed client identity sent upstream.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Claims are the account fields carried in a ChatGPT access token payload.
type Claims struct {
	AccountID string
	Email     string
	Plan      string
}

// Key composes the canonical per-account identity key. Missing parts stay
// as empty segments so the shape is always accountId|email|plan.
func Key(accountID, email, plan string) string {
	return accountID + "|" + strings.ToLower(email) + "|" + plan
}

// ParseAccessClaims decodes the payload of a JWT access token without
// verifying the signature; only the account/plan/email claims are needed.
// Malformed tokens return ok=false and callers leave existing fields alone.
func ParseAccessClaims(token string) (Claims, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers pad the segment.
		raw, err = base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			return Claims{}, false
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Claims{}, false
	}

	c := Claims{
		AccountID: stringClaim(payload, "https://api.openai.com/auth", "chatgpt_account_id"),
		Plan:      stringClaim(payload, "https://api.openai.com/auth", "chatgpt_plan_type"),
		Email:     stringClaim(payload, "https://api.openai.com/profile", "email"),
	}
	if c.Email == "" {
		if v, ok := payload["email"].(string); ok {
			c.Email = v
		}
	}
	if c.AccountID == "" && c.Email == "" && c.Plan == "" {
		return Claims{}, false
	}
	return c, true
}

func stringClaim(payload map[string]any, object, field string) string {
	obj, ok := payload[object].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := obj[field].(string)
	return v
}
