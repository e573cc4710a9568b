package deploy

import (
	"regexp"
	"sort"
	"strings"
)

// =============================================================================
// Variable Substitution Functions
// =============================================================================

// varPlaceholderRegex matches ${VAR} and ${VAR:-default} patterns.
// Groups:
//   - Group 1: Variable name (required)
//   - Group 2: Default value (optional, after :-)
var varPlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// SubstituteVariables replaces ${VAR} and ${VAR:-default} placeholders with
// values from the variables map.
//
// Behavior:
//   - ${VAR} - replaced with variables["VAR"] if bound, otherwise kept as-is
//   - ${VAR:-default} - replaced with variables["VAR"] if bound, otherwise "default"
//   - Unmatched text is left unchanged
func SubstituteVariables(value string, variables map[string]string) string {
	return varPlaceholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		submatch := varPlaceholderRegex.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		if val, ok := variables[submatch[1]]; ok {
			return val
		}
		// ${VAR:-default} falls back to the default, including an empty one.
		if strings.Contains(match, ":-") {
			return submatch[2]
		}
		return match
	})
}

// MissingVariables returns the names from required that have no value in
// variables, sorted. The caller passes names without defaults (see
// compose.RequiredVariables); a placeholder with a :-default is never
// required.
func MissingVariables(required []string, variables map[string]string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := variables[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
