package categorize

import (
	"regexp"
	"sort"
	"strings"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
)

// MaxEntities caps each entity list.
const MaxEntities = 5

// Entity scanners. These run on cleaned, unfolded text so the captured
// values keep their original spelling.
var (
	entityDate    = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/(?:19|20)\d{2}\b`)
	entityValue   = regexp.MustCompile(`R\$\s?\d{1,3}(?:\.\d{3})*(?:,\d{2})?`)
	entityProcess = regexp.MustCompile(`(?:^|[^\d/])(\d{1,5}/(?:19|20)\d{2})\b`)
	entityInst    = regexp.MustCompile(`\b(?:Prefeitura|Secretaria|Câmara|Tribunal|Universidade|Instituto|Fundação|` +
		`Ministério|Governo|Autarquia|Departamento|Hospital|Escola|Assembleia)` +
		`(?:\s+(?:Municipal|Estadual|Federal|Regional|de|do|da|dos|das|e|\p{Lu}\p{L}+))+`)
	entityPlace = regexp.MustCompile(`(?i:munic[íi]pio|cidade|distrito|bairro|comunidade|regi[ãa]o)\s+(?:de|do|da)\s+` +
		`(\p{Lu}\p{L}+(?:\s+(?:de|do|da|dos|das)?\s*\p{Lu}\p{L}+)*)`)
	entityPlaceUF = regexp.MustCompile(`\b(\p{Lu}\p{L}+(?:\s\p{Lu}\p{L}+)*)\s?[-/]\s?(?:AC|AL|AP|AM|BA|CE|DF|ES|GO|MA|MT|MS|MG|PA|PB|PR|PE|PI|RJ|RN|RS|RO|RR|SC|SP|SE|TO)\b`)
	trailingLinks = regexp.MustCompile(`(?:\s+(?:de|do|da|dos|das|e))+$`)
	wordRun       = regexp.MustCompile(`\p{L}+`)
)

var stopwords = func() map[string]bool {
	words := strings.Fields(`a o as os um uma uns umas de do da dos das em no na nos nas por pelo pela pelos pelas
		para com sem sob sobre entre ate apos ante e ou mas que se como quando onde qual quais cujo cuja
		este esta estes estas esse essa esses essas aquele aquela isso isto ao aos seu sua seus suas
		ser sao foi foram sera serao esta estao estar tem ter sido pode podem deve devem mais menos muito
		muita tambem ja nao sim nos eles elas ele ela voce todos todas cada outro outra outros outras
		objeto aviso numero dia dias ano anos data hora horas sendo conforme referente partir neste nesta
		municipal prefeitura`)
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()

func extractEntities(text string) crawler.Entities {
	return crawler.Entities{
		Dates:        capped(entityDate.FindAllString(text, -1)),
		Values:       capped(entityValue.FindAllString(text, -1)),
		Processes:    capped(submatches(entityProcess, text, 1)),
		Institutions: capped(institutions(text)),
		Locations:    capped(append(submatches(entityPlace, text, 1), submatches(entityPlaceUF, text, 1)...)),
	}
}

func institutions(text string) []string {
	var out []string
	for _, m := range entityInst.FindAllString(text, -1) {
		m = trailingLinks.ReplaceAllString(m, "")
		if strings.Contains(m, " ") {
			out = append(out, m)
		}
	}
	return out
}

func submatches(r *regexp.Regexp, text string, group int) []string {
	var out []string
	for _, m := range r.FindAllStringSubmatch(text, -1) {
		if len(m) > group {
			out = append(out, strings.TrimSpace(m[group]))
		}
	}
	return out
}

// capped dedups values preserving first-seen order and keeps at most MaxEntities.
func capped(values []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, v := range values {
		v = extract.Clean(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
		if len(out) == MaxEntities {
			break
		}
	}
	return out
}

func entityBonus(e crawler.Entities) float64 {
	var b float64
	if len(e.Values) > 0 {
		b += 5
	}
	if len(e.Processes) > 0 {
		b += 5
	}
	if len(e.Dates) > 0 {
		b += 3
	}
	if len(e.Institutions) > 0 {
		b += 3
	}
	if len(e.Locations) > 0 {
		b += 2
	}
	return b
}

// MaxKeywords bounds the keyword list.
const MaxKeywords = 10

// keywords ranks folded words of four or more letters by frequency, ties alphabetical.
func keywords(folded string) []string {
	counts := map[string]int{}
	for _, w := range wordRun.FindAllString(folded, -1) {
		if len([]rune(w)) < 4 || stopwords[w] {
			continue
		}
		counts[w]++
	}
	out := make([]string, 0, len(counts))
	for w := range counts {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > MaxKeywords {
		out = out[:MaxKeywords]
	}
	return out
}

// SummaryLimit bounds the summary length in runes.
const SummaryLimit = 240

func summarize(text string) string {
	text = extract.Clean(text)
	if extract.RuneLen(text) <= SummaryLimit {
		return text
	}
	cut := extract.Truncate(text, SummaryLimit)
	if i := strings.LastIndex(cut, ". "); i > SummaryLimit/3 {
		return cut[:i+1]
	}
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return extract.Truncate(cut, SummaryLimit-3) + "..."
}
