package parser

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
)

const (
	wpBlocks = "article.post, article.type-post, article.hentry, div.post.type-post, div.hentry, .wp-block-post"
	wpTitle  = ".entry-title a, h2.entry-title a, .wp-block-post-title a, h2 a, h3 a"
	wpBody   = ".entry-content, .entry-summary, .wp-block-post-excerpt, .excerpt"
	wpDate   = "time[datetime]"
)

// WordPress parses WordPress archive listings.
type WordPress struct {
	ex *extract.Extractor
}

// NewWordPress returns the WordPress strategy.
func NewWordPress(ex *extract.Extractor) *WordPress {
	return &WordPress{ex: ex}
}

// Kind implements ParseStrategy.
func (w *WordPress) Kind() Strategy { return StrategyWordPress }

// Parse implements ParseStrategy.
func (w *WordPress) Parse(in Input) []crawler.ExtractedRecord {
	var out []crawler.ExtractedRecord
	seen := make(map[string]struct{})
	in.Doc.Find(wpBlocks).Each(func(_ int, block *goquery.Selection) {
		titleSel := block.Find(wpTitle).First()
		title := extract.Clean(titleSel.Text())
		if title == "" {
			title = extract.Clean(block.Find("h1, h2, h3").First().Text())
		}
		link := absLink(in.Base, titleSel)
		text := extract.Clean(block.Find(wpBody).First().Text())
		if text == "" {
			text = extract.Clean(block.Text())
		}
		if title == "" {
			return
		}
		dedup := link + "|" + title
		if _, dup := seen[dedup]; dup {
			return
		}
		seen[dedup] = struct{}{}
		date, _ := block.Find(wpDate).First().Attr("datetime")
		rec, ok := fragmentRecord(w.ex, in, extract.Fragment{
			Title:     title,
			Text:      text,
			Link:      link,
			DateHint:  date,
			Selection: block,
			Strategy:  StrategyWordPress.String(),
		})
		if ok {
			out = append(out, rec)
		}
	})
	return out
}
