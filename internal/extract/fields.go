package extract

import (
	"fmt"
	"strings"
)

// argString reads a positional contract-call argument as a string.
//
// Argument order is fixed and versioned per method, so extraction is by
// index. A missing or non-string argument degrades to ("", false) rather
// than raising; the caller decides whether the field was required.
func argString(args []any, index int) (string, bool) {
	if index < 0 || index >= len(args) {
		return "", false
	}

	switch v := args[index].(type) {
	case string:
		return v, v != ""
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}

// fieldString reads a named field from an emitted contract event's untyped
// value map, trying each provided spelling in order. Notifier payload
// versions disagree on field naming (e.g. "badgeId" vs "badge_id"), so
// every known spelling is accepted.
func fieldString(value map[string]any, spellings ...string) (string, bool) {
	for _, name := range spellings {
		if raw, ok := value[name]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return s, true
			}
		}
	}

	return "", false
}

// spellingsOf expands a snake_case field name into the spellings observed
// across notifier versions: snake_case, camelCase and kebab-case.
func spellingsOf(snake string) []string {
	parts := strings.Split(snake, "_")

	camel := parts[0]
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		camel += strings.ToUpper(p[:1]) + p[1:]
	}

	return []string{snake, camel, strings.ReplaceAll(snake, "_", "-")}
}
