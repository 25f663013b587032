package guard

import (
	"errors"
	"net/url"
	"testing"
)

const endpoint = "https://chatgpt.com/backend-api/codex/responses"

func newGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := New(endpoint)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestCheckAllowlist(t *testing.T) {
	g := newGuard(t)

	allowed := []string{
		"https://api.openai.com/v1/responses",
		"https://auth.openai.com/oauth/token",
		"https://chatgpt.com/backend-api/codex/responses",
		"https://ab.chatgpt.com/ces/v1/t",
		"https://staging.openai.com/anything",
	}
	for _, raw := range allowed {
		u, _ := url.Parse(raw)
		if err := g.Check(u); err != nil {
			t.Errorf("Check(%s) = %v, want nil", raw, err)
		}
	}

	u, _ := url.Parse("https://evil.example.com/v1/responses")
	var hostErr *HostError
	if err := g.Check(u); !errors.As(err, &hostErr) {
		t.Fatalf("foreign host: %v", err)
	}

	// Suffix matching must not admit lookalike registrations.
	u, _ = url.Parse("https://notchatgpt.com/x")
	if err := g.Check(u); !errors.As(err, &hostErr) {
		t.Fatalf("lookalike host: %v", err)
	}

	u, _ = url.Parse("http://api.openai.com/v1/responses")
	var protoErr *ProtocolError
	if err := g.Check(u); !errors.As(err, &protoErr) {
		t.Fatalf("plain http: %v", err)
	}
}

func TestRewriteCompletionPaths(t *testing.T) {
	g := newGuard(t)

	for _, raw := range []string{
		"https://api.openai.com/v1/responses",
		"https://api.openai.com/v1/chat/completions",
		"https://chatgpt.com/backend-api/codex/responses",
	} {
		u, rewritten, err := g.Rewrite(raw)
		if err != nil {
			t.Fatalf("Rewrite(%s): %v", raw, err)
		}
		if !rewritten || u.String() != endpoint {
			t.Fatalf("Rewrite(%s) = %s rewritten=%v", raw, u, rewritten)
		}
	}
}

func TestRewritePassesNonCompletionThrough(t *testing.T) {
	g := newGuard(t)

	u, rewritten, err := g.Rewrite("https://auth.openai.com/oauth/token")
	if err != nil || rewritten {
		t.Fatalf("token url: %v rewritten=%v", err, rewritten)
	}
	if u.String() != "https://auth.openai.com/oauth/token" {
		t.Fatalf("url mutated: %s", u)
	}
}

func TestRewriteRejectsForeignHostEvenWhenCompletionShaped(t *testing.T) {
	g := newGuard(t)

	// Rewrite moves the request onto the allowed endpoint; a foreign
	// non-completion URL still fails the check.
	_, _, err := g.Rewrite("https://evil.example.com/admin")
	var hostErr *HostError
	if !errors.As(err, &hostErr) {
		t.Fatalf("foreign host: %v", err)
	}
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	if _, err := New("http://chatgpt.com/x"); err == nil {
		t.Fatal("plain-http endpoint accepted")
	}
	if _, err := New("not a url at all ://"); err == nil {
		t.Fatal("unparseable endpoint accepted")
	}
}
