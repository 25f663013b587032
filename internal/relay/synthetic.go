package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Error types carried in synthetic response bodies.
const (
	TypeNoAccounts       = "no_accounts_configured"
	TypeAllCooling       = "all_accounts_cooling_down"
	TypeInvalidGrant     = "refresh_invalid_grant"
	TypeAllRateLimited   = "all_accounts_rate_limited"
	TypeDisallowedHost   = "disallowed_outbound_host"
	TypeDisallowedProto  = "disallowed_outbound_protocol"
	TypeFetchFailed      = "plugin_fetch_failed"
	TypeRequestCancelled = "request_cancelled"
)

// StatusClientClosedRequest mirrors nginx's non-standard code for a caller
// that went away mid-request.
const StatusClientClosedRequest = 499

// Synthetic builds a terminal response the orchestrator returns without
// involving the upstream. Body shape matches upstream error envelopes.
func Synthetic(status int, errType, message string) *http.Response {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Relay-Synthetic", errType)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// FormatWait renders a millisecond wait as "Xm Ys" for user-facing
// messages.
func FormatWait(ms int64) string {
	if ms <= 0 {
		return "a moment"
	}
	d := time.Duration(ms) * time.Millisecond
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m == 0 {
		return fmt.Sprintf("%ds", s)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}
