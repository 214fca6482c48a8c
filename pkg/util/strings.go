package util

import (
	"strings"
)

// LowerAlnum lowercases s and keeps only ASCII letters and digits.
func LowerAlnum(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Suffix returns the last n bytes of s, or s itself when shorter.
func Suffix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
