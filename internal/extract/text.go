package extract

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var spaceRun = regexp.MustCompile(`[\s\x{00A0}]+`)

// Clean collapses whitespace runs (including non-breaking spaces) and trims.
func Clean(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// Fold lowercases s and strips diacritics so keyword tables can be plain ASCII.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// RuneLen counts runes in s.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// NormalizeTitle prepares a title for fingerprinting.
func NormalizeTitle(s string) string {
	f := Fold(Clean(s))
	var b strings.Builder
	b.Grow(len(f))
	lastSpace := false
	for _, r := range f {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
