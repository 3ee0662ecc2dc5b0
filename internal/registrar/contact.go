package registrar

import (
	"strconv"
	"strings"
)

// splitContacts splits Contact header values on commas that are outside
// angle brackets and quoted strings.
func splitContacts(values []string) []string {
	var out []string
	for _, v := range values {
		var (
			start    int
			inQuote  bool
			inAngle  bool
			escaping bool
		)
		for i := 0; i < len(v); i++ {
			c := v[i]
			switch {
			case escaping:
				escaping = false
			case inQuote && c == '\\':
				escaping = true
			case c == '"':
				inQuote = !inQuote
			case inQuote:
			case c == '<':
				inAngle = true
			case c == '>':
				inAngle = false
			case c == ',' && !inAngle:
				if s := strings.TrimSpace(v[start:i]); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
		if s := strings.TrimSpace(v[start:]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// headerExpires returns the Expires header value in seconds, or -1 when it
// is absent or not a number.
func headerExpires(value string) int {
	v := strings.TrimSpace(value)
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return -1
	}
	return n
}
