package transform

import (
	"regexp"
	"strings"

	"github.com/iam-brain/opencode-codex-auth-sub002/internal/catalog"
)

// Headings that identify instructions already produced by a full
// orchestrator run; those are preserved rather than overridden.
var orchestratorMarkers = []string{
	"<user_instructions>",
	"## operating rules",
}

const toolingCompatHeading = "## Tooling Compatibility"

const toolingCompatBlock = toolingCompatHeading + `

Use the apply_patch tool for file edits. Emit shell commands through the
provided tool calls only; do not inline command transcripts into prose.`

// Template markers left unresolved after substitution, including stale
// {{tool:*}} references from older catalog entries.
var unresolvedMarker = regexp.MustCompile(`\{\{[A-Za-z0-9_.:\-]+\}\}`)

var blankRuns = regexp.MustCompile(`\n{3,}`)

func (p *Pipeline) overrideInstructions(body map[string]any) PhaseResult {
	var r PhaseResult
	slug, _ := body["model"].(string)
	if slug == "" {
		r.Reason = "no_model"
		return r
	}
	existing, _ := body["instructions"].(string)

	if hasOrchestratorMarkers(existing) {
		if strings.Contains(existing, toolingCompatHeading) {
			r.Reason = "caller_instructions_preserved"
			return r
		}
		body["instructions"] = strings.TrimRight(existing, "\n") + "\n\n" + toolingCompatBlock
		r.Changed = true
		r.Reason = "compat_appended"
		return r
	}

	if p.opts.Catalog == nil {
		r.Reason = "no_catalog"
		return r
	}
	model, ok := p.opts.Catalog.Lookup(slug)
	if !ok {
		r.Reason = "model_not_in_catalog"
		return r
	}

	rendered := p.renderInstructions(model, slug)
	if rendered == "" {
		r.Reason = "no_template"
		return r
	}
	if rendered == existing {
		r.Reason = "unchanged"
		return r
	}
	body["instructions"] = rendered
	r.Changed = true
	r.Reason = "catalog_template"
	return r
}

func (p *Pipeline) renderInstructions(model catalog.Model, slug string) string {
	sel := catalog.PersonalitySelection{
		Model:    catalog.StripEffortSuffix(slug),
		Global:   p.opts.GlobalPersonality,
		Fallback: "default",
	}
	if catalog.EffortFromSuffix(slug) != "" {
		sel.Variant = slug
	}
	personality, _ := catalog.ResolvePersonality(p.opts.Personality, sel)

	rendered := strings.ReplaceAll(model.Instructions, "{{personality}}", personality)
	rendered = blankRuns.ReplaceAllString(rendered, "\n\n")
	rendered = strings.TrimSpace(rendered)

	if rendered == "" || unresolvedMarker.MatchString(rendered) {
		return strings.TrimSpace(model.BaseInstructions)
	}
	return rendered
}

func hasOrchestratorMarkers(instructions string) bool {
	if instructions == "" {
		return false
	}
	lower := strings.ToLower(instructions)
	for _, m := range orchestratorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
