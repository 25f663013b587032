package transform

import (
	"strings"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/identity"
)

// Originators the backend recognizes; a caller-supplied value from this set
// is kept, anything else is replaced with the spoofed program.
var recognizedOriginators = map[string]bool{
	"codex_cli_rs": true,
	"codex_exec":   true,
	"codex_vscode": true,
}

// Headers never forwarded upstream.
var droppedHeaders = []string{
	"OpenAI-Beta",
	"Conversation_id",
	"X-Initiator",
}

const droppedPrefix = "X-Stainless-"

func (p *Pipeline) normalizeHeaders(req *Request) PhaseResult {
	r := PhaseResult{Name: "headers"}
	if req.Header == nil {
		r.Reason = "no_headers"
		return r
	}

	for _, h := range droppedHeaders {
		if req.Header.Get(h) != "" {
			req.Header.Del(h)
			r.Changed = true
		}
	}
	for key := range req.Header {
		if strings.HasPrefix(key, droppedPrefix) {
			req.Header.Del(key)
			r.Changed = true
		}
	}

	if orig := req.Header.Get("originator"); !recognizedOriginators[strings.ToLower(orig)] {
		req.Header.Set("originator", p.opts.Program)
		r.Changed = true
	}

	inbound := req.Header.Get("User-Agent")
	var ua string
	if p.opts.Mode == "native" && inbound != "" {
		ua = identity.SanitizeASCII(inbound)
	} else {
		ua = identity.SanitizeASCII(p.opts.UserAgent)
	}
	if ua != inbound {
		req.Header.Set("User-Agent", ua)
		r.Changed = true
	}

	if !r.Changed {
		r.Reason = "already_normalized"
	}
	return r
}
