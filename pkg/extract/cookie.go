package extract

import (
	"strings"

	"session-capture-proxy/pkg/types"
)

// ParseCookieHeader splits a Cookie header into ordered name/value pairs.
// Values may contain '='; fragments without a name or value are skipped.
// A repeated name keeps its first position and its last value.
func ParseCookieHeader(raw string) []types.CookieField {
	var fields []types.CookieField
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}

		replaced := false
		for i := range fields {
			if fields[i].Name == name {
				fields[i].Value = value
				replaced = true
				break
			}
		}
		if !replaced {
			fields = append(fields, types.CookieField{Name: name, Value: value})
		}
	}
	return fields
}
