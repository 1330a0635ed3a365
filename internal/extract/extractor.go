// Package extract holds the field-level heuristics that turn a free-form text
// fragment into a structured procurement record. Every extractor is total: it
// returns a zero value and false on ambiguity instead of guessing or panicking.
package extract

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// Fragment is one candidate block handed over by a parser strategy.
type Fragment struct {
	Title string
	Text  string
	// Link is the detail page URL, already absolute when known.
	Link string
	// DateHint is a machine-readable date from markup, e.g. time[datetime].
	DateHint string
	// Selection scopes the attachment scan; nil skips it.
	Selection *goquery.Selection
	Base      *url.URL
	Strategy  string
}

// Extractor composes the field extractors against a fixed reference time.
type Extractor struct {
	clock crawler.Clock
}

// New returns an Extractor that evaluates date windows against clock.
func New(clock crawler.Clock) *Extractor {
	return &Extractor{clock: clock}
}

// FromFragment builds a record from a fragment. SourceID and DedupKey are
// filled when sourceID is non-empty.
func (e *Extractor) FromFragment(sourceID string, f Fragment) crawler.ExtractedRecord {
	now := e.clock.Now()
	title := Clean(f.Title)
	text := strings.TrimSpace(f.Text)
	combined := text
	if title != "" && !strings.Contains(text, title) {
		combined = title + "\n" + text
	}

	rec := crawler.ExtractedRecord{
		SourceID:   sourceID,
		Title:      title,
		URL:        f.Link,
		RawSnippet: Truncate(Clean(combined), 2000),
		Strategy:   f.Strategy,
		Status:     Status(combined),
	}
	rec.NaturalKey, rec.KeyKind = NaturalKey(combined, f.Link, now)

	if obj, ok := Object(text); ok {
		rec.Object = obj
	} else if obj, ok := Object(combined); ok {
		rec.Object = obj
	} else if RuneLen(title) >= 10 {
		rec.Object = title
	}
	if rec.Title == "" {
		rec.Title = Truncate(rec.Object, 200)
	}
	if m, ok := Modality(combined); ok {
		rec.Modality = m
	}
	if c, ok := OriginalCategory(rec.Object); ok {
		rec.CategoryOriginal = c
	} else if c, ok := OriginalCategory(combined); ok {
		rec.CategoryOriginal = c
	}
	if v, low, ok := Value(combined); ok {
		rec.Value = &v
		rec.ValueLowConf = low
	}
	if d, ok := ParseISODate(f.DateHint, now); ok {
		rec.PublishedAt = &d
	} else if d, ok := PublicationDate(combined, now); ok {
		rec.PublishedAt = &d
	}
	if d, ok := OpeningDate(combined, now); ok {
		rec.OpeningAt = &d
	}
	rec.Attachments = Attachments(f.Selection, f.Base)
	rec.Contact = Contacts(combined)

	rec.Kind = crawler.KindNoticia
	if rec.Modality != "" || rec.KeyKind == crawler.KeyTyped || IsProcurement(combined) {
		rec.Kind = crawler.KindLicitacao
	}
	if sourceID != "" {
		rec.DedupKey = DedupKey(rec)
	}
	return rec
}

// Snapshot is the raw text view of a record used by the validator.
func Snapshot(rec crawler.ExtractedRecord) RawFields {
	raw := RawFields{
		Edital:     rec.NaturalKey,
		KeyKind:    rec.KeyKind,
		Objeto:     rec.Object,
		Modalidade: rec.Modality,
	}
	if rec.PublishedAt != nil {
		raw.Publicacao = rec.PublishedAt.Format("02/01/2006")
	}
	if rec.OpeningAt != nil {
		raw.Abertura = rec.OpeningAt.Format("02/01/2006")
	}
	if rec.Value != nil {
		raw.Valor = FormatCurrency(*rec.Value)
	}
	return raw
}

// RawFields carries the textual form of each validated field.
type RawFields struct {
	Edital     string
	KeyKind    crawler.KeyKind
	Objeto     string
	Publicacao string
	Abertura   string
	Valor      string
	Modalidade string
}

// FormatCurrency renders v as "R$ 1.234,56".
func FormatCurrency(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	cents := int64(v*100 + 0.5)
	intPart := cents / 100
	frac := cents % 100
	digits := []byte(strconv.FormatInt(intPart, 10))
	var b strings.Builder
	b.WriteString("R$ ")
	if neg {
		b.WriteByte('-')
	}
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteByte(d)
	}
	b.WriteByte(',')
	if frac < 10 {
		b.WriteByte('0')
	}
	b.WriteString(strconv.FormatInt(frac, 10))
	return b.String()
}

// Now exposes the extractor's reference time for callers sharing its window.
func (e *Extractor) Now() time.Time {
	return e.clock.Now()
}
