package rule

import "regexp"

// placeholder matches {{ field }} in notification templates.
var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render substitutes {{field}} placeholders with values from the subject.
// Missing fields render as empty strings.
func Render(template string, s Subject) string {
	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		field := placeholder.FindStringSubmatch(match)[1]

		value, found := s.Lookup(field)
		if !found || value == nil {
			return ""
		}

		return stringify(value)
	})
}
