package util

import (
	"regexp"
	"strings"
)

var mergeTag = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// RenderTemplate fills {{tag}} merge tags from vars, case-insensitively.
// Unknown {{tags}} render empty so recipients never see raw placeholders.
// The older single-brace {var} form is still honored for known keys.
func RenderTemplate(body string, vars map[string]string) string {
	lower := make(map[string]string, len(vars))
	for k, v := range vars {
		lower[strings.ToLower(k)] = v
	}
	out := mergeTag.ReplaceAllStringFunc(body, func(m string) string {
		key := strings.ToLower(mergeTag.FindStringSubmatch(m)[1])
		return lower[key]
	})
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// FirstName is the first whitespace-separated word of a full name.
func FirstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
