package catalog

// RuntimeDefaults describes per-model behavior the transform consults when
// the request leaves a knob unset.
type RuntimeDefaults struct {
	ApplyPatchToolType         string
	DefaultReasoningEffort     string
	SupportedReasoningEfforts  []string
	SupportsReasoningSummaries bool
	ReasoningSummaryFormat     string
	SupportsVerbosity          bool
	DefaultVerbosity           string
}

var fallbackDefaults = RuntimeDefaults{
	DefaultReasoningEffort:    "medium",
	SupportedReasoningEfforts: []string{"low", "medium", "high"},
	DefaultVerbosity:          "medium",
}

// Static table keyed by base slug. Unknown slugs fall back to a
// conservative default.
var runtimeDefaults = map[string]RuntimeDefaults{
	"gpt-5": {
		DefaultReasoningEffort:     "medium",
		SupportedReasoningEfforts:  []string{"minimal", "low", "medium", "high"},
		SupportsReasoningSummaries: true,
		ReasoningSummaryFormat:     "auto",
		SupportsVerbosity:          true,
		DefaultVerbosity:           "medium",
	},
	"gpt-5-codex": {
		ApplyPatchToolType:         "freeform",
		DefaultReasoningEffort:     "medium",
		SupportedReasoningEfforts:  []string{"low", "medium", "high", "xhigh"},
		SupportsReasoningSummaries: true,
		ReasoningSummaryFormat:     "experimental",
	},
	"codex-mini-latest": {
		DefaultReasoningEffort:    "medium",
		SupportedReasoningEfforts: []string{"low", "medium", "high"},
	},
}

// Defaults resolves runtime defaults for a model slug, stripping effort
// suffixes first. The second return reports whether the slug was known.
func Defaults(slug string) (RuntimeDefaults, bool) {
	base := StripEffortSuffix(slug)
	if d, ok := runtimeDefaults[base]; ok {
		return d, true
	}
	return fallbackDefaults, false
}

// EffortFromSuffix extracts the reasoning effort encoded in a variant slug,
// or empty when the slug has no effort suffix.
func EffortFromSuffix(slug string) string {
	base := StripEffortSuffix(slug)
	if base == slug {
		return ""
	}
	return slug[len(base)+1:]
}
