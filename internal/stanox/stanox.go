// Package stanox canonicalizes rail network location identifiers.
//
// A stanox is a five digit numeric code identifying a signalling
// location. Feeds and reference files are inconsistent about leading
// zeros and occasionally carry stray non-digit characters, so every
// component that compares location codes goes through Normalize first.
package stanox

import "strings"

// Normalize canonicalizes a raw stanox string to exactly five digit
// characters, left-padded with zeros. The second return value is false
// when the input contains no digits at all, in which case the code is
// unresolved and callers should treat the location as absent.
func Normalize(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' {
			b.WriteByte(byte(r))
		}
	}
	s := b.String()
	if s == "" {
		return "", false
	}
	if len(s) < 5 {
		s = strings.Repeat("0", 5-len(s)) + s
	}
	return s[len(s)-5:], true
}

// NormalizeTiploc trims surrounding whitespace and upper-cases a
// tiploc identifier.
func NormalizeTiploc(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
