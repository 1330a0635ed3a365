package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
)

const (
	joomlaBlocks = ".blog .items-row .item, .blog-item, .items-leading .item, .item-page, div.item[itemprop=blogPost]"
	joomlaRows   = "table.category tbody tr, .category-list table tbody tr"
	joomlaTitle  = ".page-header h2 a, .item-title a, h2 a, .list-title a, h2, h3"
	joomlaBody   = ".item-content, [itemprop=articleBody], .introtext"
	joomlaDate   = ".published time[datetime], dd.published time, time[datetime]"
)

// Joomla parses com_content blog and category listings.
type Joomla struct {
	ex *extract.Extractor
}

// NewJoomla returns the Joomla strategy.
func NewJoomla(ex *extract.Extractor) *Joomla {
	return &Joomla{ex: ex}
}

// Kind implements ParseStrategy.
func (j *Joomla) Kind() Strategy { return StrategyJoomla }

// Parse implements ParseStrategy.
func (j *Joomla) Parse(in Input) []crawler.ExtractedRecord {
	blocks := in.Doc.Find(joomlaBlocks)
	if blocks.Length() == 0 {
		blocks = in.Doc.Find(joomlaRows)
	}
	var out []crawler.ExtractedRecord
	blocks.Each(func(_ int, block *goquery.Selection) {
		titleSel := block.Find(joomlaTitle).First()
		title := extract.Clean(titleSel.Text())
		linkSel := titleSel
		if goquery.NodeName(titleSel) != "a" {
			linkSel = titleSel.Find("a").First()
		}
		text := extract.Clean(block.Find(joomlaBody).First().Text())
		if text == "" {
			text = extract.Clean(block.Text())
		}
		if title == "" && text == "" {
			return
		}
		date, _ := block.Find(joomlaDate).First().Attr("datetime")
		if date == "" {
			date = strings.TrimSpace(block.Find("dd.published").First().Text())
		}
		rec, ok := fragmentRecord(j.ex, in, extract.Fragment{
			Title:     title,
			Text:      text,
			Link:      absLink(in.Base, linkSel),
			DateHint:  date,
			Selection: block,
			Strategy:  StrategyJoomla.String(),
		})
		if ok {
			out = append(out, rec)
		}
	})
	return out
}
