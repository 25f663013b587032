package transform

import (
	"slices"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/catalog"
)

// applyRuntimeDefaults fills the knobs the caller left unset from the
// model's runtime defaults: reasoning effort (clamped to the supported
// set), reasoning summary format, text verbosity, and the apply_patch tool
// type. Explicit caller values are kept.
func (p *Pipeline) applyRuntimeDefaults(body map[string]any) PhaseResult {
	var r PhaseResult
	slug, _ := body["model"].(string)
	if slug == "" {
		r.Reason = "no_model"
		return r
	}
	defs, _ := catalog.Defaults(slug)

	if fillReasoning(body, slug, defs) {
		r.Changed = true
	}
	if fillVerbosity(body, defs) {
		r.Changed = true
	}
	if retypeApplyPatch(body, defs) {
		r.Changed = true
	}
	if !r.Changed {
		r.Reason = "already_set"
	}
	return r
}

// fillReasoning applies only when the caller asked for reasoning, either
// with a reasoning object or an effort-suffixed slug; a request without
// either stays reasoning-free.
func fillReasoning(body map[string]any, slug string, defs catalog.RuntimeDefaults) bool {
	reasoning, hasReasoning := body["reasoning"].(map[string]any)
	suffix := catalog.EffortFromSuffix(slug)
	if !hasReasoning && suffix == "" {
		return false
	}

	changed := false
	if reasoning == nil {
		reasoning = map[string]any{}
		body["reasoning"] = reasoning
		changed = true
	}

	effort, _ := reasoning["effort"].(string)
	if effort == "" {
		effort = suffix
	}
	if !slices.Contains(defs.SupportedReasoningEfforts, effort) {
		effort = defs.DefaultReasoningEffort
	}
	if current, _ := reasoning["effort"].(string); effort != "" && current != effort {
		reasoning["effort"] = effort
		changed = true
	}

	if defs.SupportsReasoningSummaries {
		if _, ok := reasoning["summary"]; !ok {
			reasoning["summary"] = defs.ReasoningSummaryFormat
			changed = true
		}
	}
	return changed
}

func fillVerbosity(body map[string]any, defs catalog.RuntimeDefaults) bool {
	if !defs.SupportsVerbosity {
		return false
	}
	text, _ := body["text"].(map[string]any)
	if v, _ := text["verbosity"].(string); v != "" {
		return false
	}
	if text == nil {
		text = map[string]any{}
		body["text"] = text
	}
	text["verbosity"] = defs.DefaultVerbosity
	return true
}

// retypeApplyPatch rewrites the apply_patch tool declaration to the type
// the model expects, e.g. freeform on gpt-5-codex.
func retypeApplyPatch(body map[string]any, defs catalog.RuntimeDefaults) bool {
	if defs.ApplyPatchToolType == "" {
		return false
	}
	tools, ok := body["tools"].([]any)
	if !ok {
		return false
	}
	changed := false
	for _, it := range tools {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if name, _ := m["name"].(string); name != "apply_patch" {
			continue
		}
		if typ, _ := m["type"].(string); typ != defs.ApplyPatchToolType {
			m["type"] = defs.ApplyPatchToolType
			changed = true
		}
	}
	return changed
}
