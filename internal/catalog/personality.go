package catalog

// PersonalityResolver resolves a personality key to its text. Pure
// collaborator; may read installed template files.
type PersonalityResolver func(key string) (string, bool)

// PersonalitySelection carries the candidate keys for one request, from
// most to least specific.
type PersonalitySelection struct {
	Variant  string // per model variant, e.g. "gpt-5-codex-high"
	Model    string // per base model
	Global   string // user-wide setting
	Fallback string // built-in default key
}

// ResolvePersonality walks the precedence chain: variant override beats
// model override beats the global setting beats the fallback.
func ResolvePersonality(resolve PersonalityResolver, sel PersonalitySelection) (string, bool) {
	if resolve == nil {
		return "", false
	}
	for _, key := range []string{sel.Variant, sel.Model, sel.Global, sel.Fallback} {
		if key == "" {
			continue
		}
		if text, ok := resolve(key); ok && text != "" {
			return text, true
		}
	}
	return "", false
}
