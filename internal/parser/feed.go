package parser

import (
	"bytes"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
)

// Feed parses RSS/Atom listings such as WordPress /feed/ endpoints.
type Feed struct {
	ex *extract.Extractor
}

// NewFeed returns the feed strategy.
func NewFeed(ex *extract.Extractor) *Feed {
	return &Feed{ex: ex}
}

// Kind implements ParseStrategy.
func (f *Feed) Kind() Strategy { return StrategyFeed }

// Parse implements ParseStrategy. HTML pages never match.
func (f *Feed) Parse(in Input) []crawler.ExtractedRecord {
	if in.Doc != nil || !isFeed(in.Body) {
		return nil
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(in.Body))
	if err != nil {
		return nil
	}
	var out []crawler.ExtractedRecord
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		body := item.Content
		if body == "" {
			body = item.Description
		}
		text, sel := htmlText(body)
		date := ""
		if item.PublishedParsed != nil {
			date = item.PublishedParsed.UTC().Format(time.RFC3339)
		} else if item.UpdatedParsed != nil {
			date = item.UpdatedParsed.UTC().Format(time.RFC3339)
		}
		link := item.Link
		if u, ok := extract.Resolve(in.Base, link); ok {
			link = u.String()
		}
		rec, ok := fragmentRecord(f.ex, in, extract.Fragment{
			Title:     item.Title,
			Text:      text,
			Link:      link,
			DateHint:  date,
			Selection: sel,
			Strategy:  StrategyFeed.String(),
		})
		if ok {
			out = append(out, rec)
		}
	}
	return out
}

// htmlText flattens an item body that may itself carry HTML markup.
func htmlText(body string) (string, *goquery.Selection) {
	if strings.TrimSpace(body) == "" {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return extract.Clean(body), nil
	}
	return extract.Clean(doc.Text()), doc.Selection
}
