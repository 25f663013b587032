// Package guard validates outbound request targets. Only HTTPS to a fixed
// set of backend hosts passes; completion-style paths are rewritten to the
// backend endpoint the spoofed client would call.
package guard

import (
	"fmt"
	"net/url"
	"strings"
)

// Hosts the relay may reach. Exact names plus the two domain suffixes.
var allowedHosts = map[string]bool{
	"api.openai.com":  true,
	"auth.openai.com": true,
	"chat.openai.com": true,
	"chatgpt.com":     true,
}

var allowedSuffixes = []string{".openai.com", ".chatgpt.com"}

// HostError reports an outbound target rejected by the allowlist.
type HostError struct {
	Host string
}

func (e *HostError) Error() string {
	return fmt.Sprintf("guard: outbound host %q not allowed", e.Host)
}

// ProtocolError reports a non-HTTPS outbound scheme.
type ProtocolError struct {
	Scheme string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("guard: outbound protocol %q not allowed", e.Scheme)
}

// Guard holds the rewrite target for completion-style requests.
type Guard struct {
	spoofEndpoint *url.URL
}

// New parses the spoof endpoint once at startup.
func New(spoofEndpoint string) (*Guard, error) {
	u, err := url.Parse(spoofEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parse spoof endpoint: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("spoof endpoint must be absolute https, got %q", spoofEndpoint)
	}
	return &Guard{spoofEndpoint: u}, nil
}

// Check validates scheme and host. Called on every outbound URL, including
// ones produced by the rewrite.
func (g *Guard) Check(u *url.URL) error {
	if u.Scheme != "https" {
		return &ProtocolError{Scheme: u.Scheme}
	}
	host := strings.ToLower(u.Hostname())
	if allowedHosts[host] {
		return nil
	}
	for _, suffix := range allowedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return nil
		}
	}
	return &HostError{Host: host}
}

// Rewrite maps completion-style paths onto the spoofed backend endpoint and
// validates the result. Non-completion URLs pass through unchanged but are
// still checked.
func (g *Guard) Rewrite(raw string) (*url.URL, bool, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false, fmt.Errorf("parse outbound url: %w", err)
	}

	rewritten := false
	if isCompletionPath(u.Path) {
		target := *g.spoofEndpoint
		u = &target
		rewritten = true
	}

	if err := g.Check(u); err != nil {
		return nil, rewritten, err
	}
	return u, rewritten, nil
}

// isCompletionPath matches the inference paths coding agents emit,
// wherever they sit under the provider prefix.
func isCompletionPath(path string) bool {
	return strings.Contains(path, "/v1/responses") ||
		strings.HasSuffix(path, "/responses") ||
		strings.Contains(path, "/chat/completions")
}
