package parser

import (
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
)

const (
	genericBlocks  = "p, li, td, div, article, section, tr, dd"
	genericExclude = "nav, script, style, noscript, header, footer, form, select"
	genericMinLen  = 50
	genericMaxLen  = 2000
	// GenericCap bounds how many records the generic fallback may emit per page.
	GenericCap = 20
)

// Generic is the fallback strategy: it scans text blocks for procurement
// keywords plus an NNNN/YYYY token and keeps the innermost qualifying blocks.
type Generic struct {
	ex  *extract.Extractor
	cap int
}

// NewGeneric returns the generic fallback strategy.
func NewGeneric(ex *extract.Extractor) *Generic {
	return &Generic{ex: ex, cap: GenericCap}
}

// Kind implements ParseStrategy.
func (g *Generic) Kind() Strategy { return StrategyGeneric }

// Parse implements ParseStrategy.
func (g *Generic) Parse(in Input) []crawler.ExtractedRecord {
	var candidates []*goquery.Selection
	hasInner := make(map[*html.Node]struct{})

	in.Doc.Find(genericBlocks).Each(func(_ int, block *goquery.Selection) {
		if block.Closest(genericExclude).Length() > 0 {
			return
		}
		text := extract.Clean(block.Text())
		n := extract.RuneLen(text)
		if n < genericMinLen || n > genericMaxLen {
			return
		}
		if !extract.IsProcurement(text) || !extract.HasKeyToken(text) {
			return
		}
		candidates = append(candidates, block)
		block.Parents().Each(func(_ int, p *goquery.Selection) {
			hasInner[p.Nodes[0]] = struct{}{}
		})
	})

	type identity struct{ key, object string }
	seen := make(map[identity]struct{})
	var out []crawler.ExtractedRecord
	for _, block := range candidates {
		if len(out) >= g.cap {
			break
		}
		if _, inner := hasInner[block.Nodes[0]]; inner {
			continue
		}
		titleSel := block.Find("a, strong, b, h1, h2, h3, h4, h5, h6").First()
		title := extract.Clean(titleSel.Text())
		if n := extract.RuneLen(title); n < 10 || n > 200 {
			title = ""
		}
		linkSel := block.Find("a[href]").First()
		if linkSel.Length() == 0 {
			linkSel = block.Closest("a[href]")
		}
		rec, ok := fragmentRecord(g.ex, in, extract.Fragment{
			Title:     title,
			Text:      extract.Clean(block.Text()),
			Link:      absLink(in.Base, linkSel),
			Selection: block,
			Strategy:  StrategyGeneric.String(),
		})
		if !ok {
			continue
		}
		id := identity{key: rec.NaturalKey, object: rec.Object}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, rec)
	}
	return out
}
