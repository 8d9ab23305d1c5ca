package engine

import (
	"regexp"
	"strings"
)

var varPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render substitutes {{field}} placeholders. Keys match exactly first, then
// case-insensitively; unknown fields render as the empty string.
func Render(tmpl string, fields map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	var lower map[string]string
	return varPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := varPattern.FindStringSubmatch(m)[1]
		if v, ok := fields[key]; ok {
			return v
		}
		if lower == nil {
			lower = make(map[string]string, len(fields))
			for k, v := range fields {
				lower[strings.ToLower(k)] = v
			}
		}
		return lower[strings.ToLower(key)]
	})
}
