package util

import "strings"

// SanitizeName lowercases s and keeps characters that are valid in container
// names and image repositories.
func SanitizeName(s string) string {
	s = strings.ToLower(s)

	var builder strings.Builder
	for _, r := range s {
		switch {
		case 'a' <= r && r <= 'z', '0' <= r && r <= '9', r == '-', r == '_', r == '.':
			builder.WriteRune(r)
		}
	}

	return builder.String()
}

// ShellQuote wraps s in single quotes for use in a POSIX shell command.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
