package extract

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/hash/sha256"
)

// NaturalKey derives the procurement identifier from text and the detail URL.
// Tiers, strongest first: typed prefix, URL slug, bare number, synthetic
// Aviso-DD-MM-YYYY from the first in-window date, and finally S/N.
func NaturalKey(text, link string, now time.Time) (string, crawler.KeyKind) {
	if m := typedKeyPattern.Re.FindStringSubmatch(text); m != nil {
		return formatKey(m[1], m[2]), crawler.KeyTyped
	}
	if link != "" {
		path := link
		if u, err := url.Parse(link); err == nil {
			path = u.Path + "?" + u.RawQuery
		}
		if unescaped, err := url.PathUnescape(path); err == nil {
			path = unescaped
		}
		if m := urlKeyPattern.Re.FindStringSubmatch(path); m != nil {
			return formatKey(m[1], m[2]), crawler.KeyURL
		}
	}
	if m := bareKeyPattern.Re.FindStringSubmatch(text); m != nil {
		return formatKey(m[1], m[2]), crawler.KeyBare
	}
	if d, ok := FirstDate(text, now); ok {
		return SyntheticKey(d), crawler.KeySynthetic
	}
	return crawler.NoKey, crawler.KeyNone
}

// SyntheticKey formats the fallback identifier for undated-number notices.
func SyntheticKey(d time.Time) string {
	return fmt.Sprintf("Aviso-%02d-%02d-%04d", d.Day(), int(d.Month()), d.Year())
}

// KeyConfidence returns the table weight for a derivation tier.
func KeyConfidence(kind crawler.KeyKind) float64 {
	switch kind {
	case crawler.KeyTyped:
		return typedKeyPattern.Confidence
	case crawler.KeyURL:
		return urlKeyPattern.Confidence
	case crawler.KeyBare:
		return bareKeyPattern.Confidence
	case crawler.KeySynthetic:
		return 55
	default:
		return 0
	}
}

// HasKeyToken reports whether text carries an NNNN/YYYY shaped token.
func HasKeyToken(text string) bool {
	return keyToken.MatchString(text)
}

func formatKey(number, year string) string {
	number = strings.TrimLeft(strings.TrimSpace(number), "0")
	if number == "" {
		number = "0"
	}
	return number + "/" + strings.TrimSpace(year)
}

// DedupKey is the storage identity of a record within its source. Strong keys
// are used as-is; synthetic and missing keys fall back to a fingerprint of the
// normalized title and the ISO week of the publication date, so distinct
// notices published on the same day do not collide.
func DedupKey(rec crawler.ExtractedRecord) string {
	switch rec.KeyKind {
	case crawler.KeyTyped, crawler.KeyURL, crawler.KeyBare:
		return rec.NaturalKey
	}
	window := "undated"
	if rec.PublishedAt != nil {
		y, w := rec.PublishedAt.ISOWeek()
		window = fmt.Sprintf("%04d-W%02d", y, w)
	}
	title := NormalizeTitle(rec.Title)
	if title == "" {
		title = NormalizeTitle(Truncate(rec.RawSnippet, 200))
	}
	return "fp:" + sha256.Fingerprint(rec.SourceID, title, window)[:32]
}
