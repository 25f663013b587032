// Package transform rewrites outbound requests so they look like the
// spoofed client produced them: normalized headers, catalog-driven
// instructions, per-model runtime defaults, role remapping,
// reasoning-replay stripping, compat fixes, and a deterministic prompt
// cache key.
package transform

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/catalog"
)

// Request is the mutable outbound request a pipeline run operates on. The
// orchestrator clones it per attempt; Body is always fully buffered.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Clone deep-copies the request for one attempt.
func (r *Request) Clone() *Request {
	c := &Request{Method: r.Method, Header: r.Header.Clone()}
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	if r.Body != nil {
		c.Body = bytes.Clone(r.Body)
	}
	return c
}

// PhaseResult records one phase's outcome for debug snapshots.
type PhaseResult struct {
	Name    string `json:"name"`
	Changed bool   `json:"changed"`
	Reason  string `json:"reason,omitempty"`
}

// Options wires the pipeline's collaborators and the spoofed identity.
type Options struct {
	Mode              string // "codex" spoofs, "native" preserves
	Program           string // spoofed originator value
	UserAgent         string // composed user-agent token
	Catalog           *catalog.Catalog
	Personality       catalog.PersonalityResolver
	GlobalPersonality string
	CacheKeyStrategy  string // "passthrough" or "project"
	CacheKeyVersion   int
	ProjectPath       string
}

type Pipeline struct {
	opts Options
}

func New(opts Options) *Pipeline {
	return &Pipeline{opts: opts}
}

// Apply runs every phase in order and reports per-phase results. Phases
// never fail the request: malformed shapes skip with a reason code.
// Running Apply twice yields the same bytes as running it once.
func (p *Pipeline) Apply(req *Request) []PhaseResult {
	results := make([]PhaseResult, 0, 7)
	results = append(results, p.normalizeHeaders(req))

	body, ok := decodeBody(req)
	if !ok {
		reason := "no_json_body"
		for _, name := range []string{"instructions", "runtime_defaults", "developer_remap", "reasoning_strip", "compat", "cache_key"} {
			results = append(results, PhaseResult{Name: name, Reason: reason})
		}
		return results
	}

	changed := false
	for _, phase := range []struct {
		name string
		run  func(map[string]any) PhaseResult
	}{
		{"instructions", p.overrideInstructions},
		{"runtime_defaults", p.applyRuntimeDefaults},
		{"developer_remap", p.remapDeveloperRoles},
		{"reasoning_strip", p.stripReasoningReplay},
		{"compat", p.sanitizeCompat},
		{"cache_key", p.overrideCacheKey},
	} {
		r := phase.run(body)
		r.Name = phase.name
		changed = changed || r.Changed
		results = append(results, r)
	}

	if changed {
		if encoded, err := json.Marshal(body); err == nil {
			req.Body = encoded
		}
	}
	return results
}

func decodeBody(req *Request) (map[string]any, bool) {
	if req.Method != http.MethodPost || len(req.Body) == 0 {
		return nil, false
	}
	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, false
	}
	return body, true
}
