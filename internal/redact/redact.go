package redact

import "strings"

// Mask is the token replacing sensitive header values in stored
// request copies. Redaction is one-way: the original value is not
// recoverable from the cache file.
const Mask = "***"

// Headers returns a copy of h with every header named in sensitive
// replaced by Mask. Matching is case-insensitive; h is not modified.
func Headers(h map[string]string, sensitive []string) map[string]string {
	masked := make(map[string]string, len(h))
	for name, value := range h {
		masked[name] = value
	}

	for _, name := range sensitive {
		lower := strings.ToLower(name)
		for stored := range masked {
			if strings.ToLower(stored) == lower {
				masked[stored] = Mask
			}
		}
	}
	return masked
}
