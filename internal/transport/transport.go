// Package transport builds the upstream HTTP clients. Direct connections
// present a Chrome TLS fingerprint via utls over HTTP/2; an optional egress
// proxy (SOCKS5 or HTTP CONNECT) tunnels the same handshake.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// Manager pools round-trippers per egress target and closes idle ones.
type Manager struct {
	proxyURL       *url.URL
	requestTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

func NewManager(proxyURL *url.URL, requestTimeout time.Duration) *Manager {
	return &Manager{
		proxyURL:       proxyURL,
		requestTimeout: requestTimeout,
		entries:        make(map[string]*poolEntry),
	}
}

// Client returns an http.Client for upstream attempts.
func (m *Manager) Client() *http.Client {
	return &http.Client{
		Transport: m.roundTripper(),
		Timeout:   m.requestTimeout,
	}
}

// RoundTripper exposes the pooled transport for callers that manage their
// own timeouts (token refresh, quota fetch).
func (m *Manager) RoundTripper() http.RoundTripper {
	return m.roundTripper()
}

func (m *Manager) roundTripper() http.RoundTripper {
	key := m.key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := m.build()
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

func (m *Manager) key() string {
	if m.proxyURL == nil {
		return "direct"
	}
	return m.proxyURL.String()
}

func (m *Manager) build() http.RoundTripper {
	if m.proxyURL != nil {
		return &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     5 * time.Minute,
			DialTLSContext:      proxyDialer(m.proxyURL),
		}
	}
	// Direct connections speak HTTP/2 over the utls handshake; the
	// stdlib transport would reject the UConn type.
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr)
		},
	}
}

// RunCleanup drops transports idle past idleTimeout. Blocks until ctx ends.
func (m *Manager) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(idleTimeout)
		}
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			closeIdle(entry.roundTripper)
			delete(m.entries, key)
		}
	}
}

// Close closes every pooled transport.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		closeIdle(entry.roundTripper)
		delete(m.entries, key)
	}
}

func closeIdle(rt http.RoundTripper) {
	if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	return uTLSHandshake(ctx, rawConn, host)
}

// uTLSHandshake wraps a raw connection with the Chrome client hello.
func uTLSHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}

	return tlsConn, nil
}
