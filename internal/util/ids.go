package util

import "strings"

// MaxIDLength bounds profile identifiers accepted from callers.
const MaxIDLength = 128

// FilterID strips every character that is not safe to use in a file name
// from a profile identifier. Profile ids end up in log file paths.
func FilterID(id string) string {
	var b strings.Builder
	b.Grow(len(id))

	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '-', c == '_', c == '.':
			b.WriteRune(c)
		}
		if b.Len() >= MaxIDLength {
			break
		}
	}

	out := b.String()
	if strings.Trim(out, ".") == "" {
		return ""
	}
	return out
}
