package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Phrases marking a permission/sandbox message that must keep its
// developer role.
var permissionPhrases = []string{
	"<permissions instructions>",
	"current sandbox policy",
}

func (p *Pipeline) remapDeveloperRoles(body map[string]any) PhaseResult {
	var r PhaseResult
	items, ok := body["input"].([]any)
	if !ok {
		r.Reason = "no_input"
		return r
	}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := m["role"].(string); role != "developer" {
			continue
		}
		if isPermissionMessage(m) {
			continue
		}
		m["role"] = "user"
		r.Changed = true
	}
	if !r.Changed {
		r.Reason = "no_developer_messages"
	}
	return r
}

func isPermissionMessage(m map[string]any) bool {
	text := strings.ToLower(flattenText(m["content"]))
	for _, phrase := range permissionPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

func flattenText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, part := range v {
			if m, ok := part.(map[string]any); ok {
				if t, ok := m["text"].(string); ok {
					b.WriteString(t)
					b.WriteByte('\n')
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

const encryptedContentInclude = "reasoning.encrypted_content"

// stripReasoningReplay removes reasoning items the caller replayed from an
// earlier turn; the backend rejects them. When reasoning is active it also
// asks for encrypted reasoning content in the response, exactly once.
func (p *Pipeline) stripReasoningReplay(body map[string]any) PhaseResult {
	var r PhaseResult

	if items, ok := body["input"].([]any); ok {
		kept := items[:0]
		for _, it := range items {
			m, isMap := it.(map[string]any)
			if isMap && strings.HasPrefix(typeOf(m), "reasoning") {
				r.Changed = true
				continue
			}
			if isMap {
				if role, _ := m["role"].(string); role == "assistant" {
					if stripAssistantReasoning(m) {
						r.Changed = true
					}
				}
			}
			kept = append(kept, it)
		}
		if len(kept) != len(items) {
			body["input"] = append([]any(nil), kept...)
		}
	}

	if reasoning, ok := body["reasoning"].(map[string]any); ok && len(reasoning) > 0 {
		if appendInclude(body) {
			r.Changed = true
		}
	}

	if !r.Changed {
		r.Reason = "nothing_to_strip"
	}
	return r
}

func stripAssistantReasoning(m map[string]any) bool {
	changed := scrubKey(m, "reasoning_content")
	content, ok := m["content"].([]any)
	if !ok {
		return changed
	}
	kept := content[:0]
	for _, part := range content {
		if pm, ok := part.(map[string]any); ok && strings.HasPrefix(typeOf(pm), "reasoning") {
			changed = true
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) != len(content) {
		m["content"] = append([]any(nil), kept...)
	}
	return changed
}

func appendInclude(body map[string]any) bool {
	include, _ := body["include"].([]any)
	for _, v := range include {
		if s, ok := v.(string); ok && s == encryptedContentInclude {
			return false
		}
	}
	body["include"] = append(include, encryptedContentInclude)
	return true
}

// Item types a function/tool output may carry.
var toolOutputTypes = map[string]bool{
	"function_call_output": true,
	"tool_output":          true,
	"tool_result":          true,
}

// sanitizeCompat drops item_reference fields everywhere and rewrites tool
// outputs that lost their call id into plain assistant messages; the
// backend rejects orphans outright.
func (p *Pipeline) sanitizeCompat(body map[string]any) PhaseResult {
	var r PhaseResult
	if scrubKey(body, "item_reference") {
		r.Changed = true
	}

	items, ok := body["input"].([]any)
	if !ok {
		if !r.Changed {
			r.Reason = "no_input"
		}
		return r
	}
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok || !toolOutputTypes[typeOf(m)] {
			continue
		}
		if hasString(m, "call_id") || hasString(m, "tool_call_id") {
			continue
		}
		items[i] = map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "output_text", "text": reconstructOutput(m)},
			},
		}
		r.Changed = true
	}
	if !r.Changed {
		r.Reason = "clean"
	}
	return r
}

func reconstructOutput(m map[string]any) string {
	switch out := m["output"].(type) {
	case string:
		return out
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(out)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

func (p *Pipeline) overrideCacheKey(body map[string]any) PhaseResult {
	var r PhaseResult
	if p.opts.CacheKeyStrategy != "project" {
		r.Reason = "passthrough"
		return r
	}
	key := CacheKey(p.opts.CacheKeyVersion, p.opts.Mode, p.opts.ProjectPath)
	if existing, _ := body["prompt_cache_key"].(string); existing == key {
		r.Reason = "unchanged"
		return r
	}
	body["prompt_cache_key"] = key
	r.Changed = true
	r.Reason = "project_scoped"
	return r
}

// CacheKey derives a stable per-project cache key so prompt caching
// survives account rotation.
func CacheKey(version int, mode, projectPath string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|project|%s|%s", version, mode, normalizePath(projectPath))))
	return fmt.Sprintf("ocpk_v%d_%s", version, hex.EncodeToString(sum[:])[:24])
}

func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	return strings.TrimSuffix(path.Clean(filepath.ToSlash(p)), "/")
}

func typeOf(m map[string]any) string {
	t, _ := m["type"].(string)
	return t
}

func hasString(m map[string]any, key string) bool {
	s, ok := m[key].(string)
	return ok && s != ""
}

// scrubKey removes every occurrence of key anywhere under root.
func scrubKey(root map[string]any, key string) bool {
	changed := false
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			if _, ok := t[key]; ok {
				delete(t, key)
				changed = true
			}
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(root)
	return changed
}
