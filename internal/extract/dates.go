package extract

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// InWindow reports whether d lies within now ± one year.
func InWindow(d, now time.Time) bool {
	return !d.Before(now.AddDate(-1, 0, 0)) && !d.After(now.AddDate(1, 0, 0))
}

type dateHit struct {
	at   int
	date time.Time
}

// allDates returns every well-formed date in folded text, in order of appearance.
func allDates(folded string) []dateHit {
	var hits []dateHit
	for _, m := range numericDate.FindAllStringSubmatchIndex(folded, -1) {
		if d, ok := buildDate(folded[m[2]:m[3]], folded[m[4]:m[5]], folded[m[6]:m[7]]); ok {
			hits = append(hits, dateHit{at: m[0], date: d})
		}
	}
	for _, m := range longDate.FindAllStringSubmatchIndex(folded, -1) {
		month := strconv.Itoa(monthNames[folded[m[4]:m[5]]])
		if d, ok := buildDate(folded[m[2]:m[3]], month, folded[m[6]:m[7]]); ok {
			hits = append(hits, dateHit{at: m[0], date: d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })
	return hits
}

func buildDate(day, month, year string) (time.Time, bool) {
	d, err1 := strconv.Atoi(day)
	m, err2 := strconv.Atoi(month)
	y, err3 := strconv.Atoi(year)
	if err1 != nil || err2 != nil || err3 != nil || m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || int(t.Month()) != m {
		return time.Time{}, false
	}
	return t, true
}

// ParseDate parses a single Brazilian-format date (DD/MM/YYYY or "DD de mês de YYYY")
// and rejects it when outside now ± one year.
func ParseDate(s string, now time.Time) (time.Time, bool) {
	hits := allDates(Fold(s))
	if len(hits) == 0 {
		return time.Time{}, false
	}
	if !InWindow(hits[0].date, now) {
		return time.Time{}, false
	}
	return hits[0].date, true
}

// FirstDate returns the first in-window date in text.
func FirstDate(text string, now time.Time) (time.Time, bool) {
	for _, h := range allDates(Fold(text)) {
		if InWindow(h.date, now) {
			return h.date, true
		}
	}
	return time.Time{}, false
}

// PublicationDate prefers a date following a publication label and falls back
// to the first in-window date.
func PublicationDate(text string, now time.Time) (time.Time, bool) {
	folded := Fold(text)
	if d, ok := labeledDate(folded, publishLabel.FindAllStringIndex(folded, -1), now); ok {
		return d, true
	}
	for _, h := range allDates(folded) {
		if InWindow(h.date, now) {
			return h.date, true
		}
	}
	return time.Time{}, false
}

// OpeningDate returns a date that follows an opening/session label.
func OpeningDate(text string, now time.Time) (time.Time, bool) {
	folded := Fold(text)
	return labeledDate(folded, openingLabel.FindAllStringIndex(folded, -1), now)
}

func labeledDate(folded string, labels [][]int, now time.Time) (time.Time, bool) {
	for _, loc := range labels {
		end := loc[1] + labelDistance
		if end > len(folded) {
			end = len(folded)
		}
		window := folded[loc[1]:end]
		for _, h := range allDates(window) {
			if InWindow(h.date, now) {
				return h.date, true
			}
		}
	}
	return time.Time{}, false
}

// ParseISODate accepts machine-readable dates from markup such as time[datetime].
func ParseISODate(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			if InWindow(d, now) {
				return d, true
			}
			return time.Time{}, false
		}
	}
	return ParseDate(s, now)
}
