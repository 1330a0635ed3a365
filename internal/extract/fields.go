package extract

import (
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// ParseCurrency converts "R$ 1.234,56" (or "1.234,56") into 1234.56.
func ParseCurrency(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "R$"))
	if m := anyValue.Re.FindStringSubmatch("R$ " + s); m != nil {
		s = m[1]
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Value finds the estimated value, preferring a labeled amount. lowConfidence is
// set for implausibly large values, which are still returned.
func Value(text string) (value float64, lowConfidence bool, ok bool) {
	for _, p := range []Pattern{labeledValue, anyValue} {
		m := p.Re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v, parsed := ParseCurrency(m[len(m)-1])
		if !parsed {
			continue
		}
		return v, v > valueCeiling, true
	}
	return 0, false, false
}

// Object extracts the procurement subject: a labeled OBJETO: block, else the
// first non-boilerplate sentence between 30 and 500 characters.
func Object(text string) (string, bool) {
	if m := labeledObject.Re.FindStringSubmatch(text); m != nil {
		obj := strings.TrimRight(Clean(m[1]), " .;,-")
		if obj != "" {
			return Truncate(obj, 500), true
		}
	}
	for _, sentence := range sentenceSplit.Split(text, -1) {
		s := strings.TrimRight(Clean(sentence), " .!?;")
		n := RuneLen(s)
		if n < 30 || n >= 500 {
			continue
		}
		if boilerplate.MatchString(Fold(s)) {
			continue
		}
		return s, true
	}
	return "", false
}

// Modality returns the canonical procurement modality named in text.
func Modality(text string) (string, bool) {
	return firstLabel(modalities, Fold(text))
}

// OriginalCategory returns the category wording used by the portal itself.
func OriginalCategory(text string) (string, bool) {
	return firstLabel(originalCategories, Fold(text))
}

// Status returns the procurement status when exactly one status is named.
func Status(text string) crawler.RecordStatus {
	folded := Fold(text)
	found := ""
	for _, l := range statuses {
		if !l.Re.MatchString(folded) {
			continue
		}
		if found != "" && found != l.Value {
			return crawler.StatusUnknown
		}
		found = l.Value
	}
	if found == "" {
		return crawler.StatusUnknown
	}
	return crawler.RecordStatus(found)
}

// IsProcurement reports whether text mentions a procurement keyword.
func IsProcurement(text string) bool {
	return procurementKeyword.MatchString(Fold(text))
}

func firstLabel(table []Label, folded string) (string, bool) {
	for _, l := range table {
		if l.Re.MatchString(folded) {
			return l.Value, true
		}
	}
	return "", false
}

// Contacts extracts the responsible party, email, and phone. Nil when none is present.
func Contacts(text string) *crawler.Contact {
	c := crawler.Contact{}
	if m := emailPattern.FindString(text); m != "" {
		c.Email = strings.TrimRight(m, ".")
	}
	if m := phonePattern.FindString(text); m != "" {
		c.Phone = Clean(m)
	}
	if m := responsiblePattern.FindStringSubmatch(text); m != nil {
		c.Responsible = Clean(m[1])
	}
	if c == (crawler.Contact{}) {
		return nil
	}
	return &c
}

// Attachments collects document links under sel, resolved against base and
// deduplicated by absolute URL.
func Attachments(sel *goquery.Selection, base *url.URL) []crawler.Attachment {
	if sel == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []crawler.Attachment
	sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs, ok := Resolve(base, href)
		if !ok {
			return
		}
		kind, ok := attachmentType(abs)
		if !ok {
			return
		}
		if _, dup := seen[abs.String()]; dup {
			return
		}
		seen[abs.String()] = struct{}{}
		name := Clean(a.Text())
		if name == "" {
			name = path.Base(abs.Path)
		}
		out = append(out, crawler.Attachment{Name: name, URL: abs.String(), Type: kind})
	})
	return out
}

func attachmentType(u *url.URL) (string, bool) {
	if strings.EqualFold(u.Hostname(), "drive.google.com") || strings.EqualFold(u.Hostname(), "docs.google.com") {
		return "drive", true
	}
	ext := strings.ToLower(path.Ext(u.Path))
	kind, ok := attachmentExt[ext]
	return kind, ok
}

// Resolve turns href into an absolute http(s) URL relative to base.
func Resolve(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") ||
		strings.HasPrefix(strings.ToLower(href), "mailto:") {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil, false
	}
	abs.Fragment = ""
	return abs, true
}
