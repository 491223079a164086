package parser

import "unicode/utf8"

// TruncateUTF8 trims s to at most maxBytes without splitting a rune.
// A non-positive maxBytes disables truncation.
func TruncateUTF8(s string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
