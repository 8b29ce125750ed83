package engine

import "regexp"

var tokenPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// RenderTemplate substitutes {token} placeholders with values from the
// contact's token map, falling back to defaults. Every placeholder must
// resolve: an unresolved one fails the render with MissingTokenError
// rather than leaking literal braces into outbound content.
func RenderTemplate(template string, tokens, defaults map[string]string) (string, error) {
	var missing *MissingTokenError
	rendered := tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := tokens[name]; ok && value != "" {
			return value
		}
		if value, ok := defaults[name]; ok {
			return value
		}
		if missing == nil {
			missing = &MissingTokenError{Token: name}
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return rendered, nil
}

// TemplateTokens lists the placeholder names used by a template, in
// order of first appearance.
func TemplateTokens(template string) []string {
	matches := tokenPattern.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool, len(matches))
	var tokens []string
	for _, match := range matches {
		if !seen[match[1]] {
			seen[match[1]] = true
			tokens = append(tokens, match[1])
		}
	}
	return tokens
}
