// Package parser selects a parsing strategy for a listing page and turns it
// into candidate records. Strategies are tried in a fixed order and the first
// non-empty result wins.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
)

// Strategy identifies a parser family.
type Strategy int

// Strategies in cascade order.
const (
	StrategyNone Strategy = iota
	StrategyFeed
	StrategyWordPress
	StrategyJoomla
	StrategyCustomTable
	StrategyGeneric
)

func (s Strategy) String() string {
	switch s {
	case StrategyFeed:
		return "feed"
	case StrategyWordPress:
		return "wordpress"
	case StrategyJoomla:
		return "joomla"
	case StrategyCustomTable:
		return "custom-table"
	case StrategyGeneric:
		return "generic"
	default:
		return "none"
	}
}

// Input is what each strategy receives. Doc is nil when the body is not HTML.
type Input struct {
	SourceID string
	Body     []byte
	Doc      *goquery.Document
	Base     *url.URL
}

// ParseStrategy parses one page structure. An empty slice means "not this structure".
type ParseStrategy interface {
	Kind() Strategy
	Parse(in Input) []crawler.ExtractedRecord
}

// Result is the outcome of a cascade run.
type Result struct {
	Records  []crawler.ExtractedRecord
	Strategy Strategy
	Detected Detection
}

// Selector runs the strategy cascade.
type Selector struct {
	strategies []ParseStrategy
	logger     *zap.Logger
}

// Option customizes a Selector.
type Option func(*Selector)

// WithLogger sets the selector logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStrategies replaces the default cascade.
func WithStrategies(strategies ...ParseStrategy) Option {
	return func(s *Selector) {
		s.strategies = strategies
	}
}

// NewSelector returns a Selector with the default cascade
// [feed, wordpress, joomla, custom-table, generic].
func NewSelector(ex *extract.Extractor, opts ...Option) *Selector {
	s := &Selector{
		strategies: []ParseStrategy{
			NewFeed(ex),
			NewWordPress(ex),
			NewJoomla(ex),
			NewCustomTable(ex),
			NewGeneric(ex),
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectAndParse parses body with the first strategy that yields records.
// No strategy matching is not an error; the result is simply empty.
func (s *Selector) SelectAndParse(sourceID string, body []byte, baseURL string) (Result, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse base url: %w", err)
	}
	res := Result{Detected: Detect(body), Records: []crawler.ExtractedRecord{}}
	if len(bytes.TrimSpace(body)) == 0 {
		return res, nil
	}
	in := Input{SourceID: sourceID, Body: body, Base: base}
	if !isFeed(body) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("parse html: %w", err)
		}
		in.Doc = doc
	}
	for _, strategy := range s.strategies {
		if in.Doc == nil && strategy.Kind() != StrategyFeed {
			continue
		}
		records := strategy.Parse(in)
		if len(records) == 0 {
			continue
		}
		res.Records = records
		res.Strategy = strategy.Kind()
		break
	}
	s.logger.Debug("parsed listing page",
		zap.String("source_id", sourceID),
		zap.String("strategy", res.Strategy.String()),
		zap.String("detected", res.Detected.Hint.String()),
		zap.Strings("markers", res.Detected.Markers),
		zap.Int("records", len(res.Records)),
	)
	return res, nil
}

// Detection is a best-effort guess of the page CMS, used for logging and metrics.
type Detection struct {
	Hint    Strategy
	Markers []string
}

var detectMarkers = []struct {
	marker string
	hint   Strategy
}{
	{"<rss", StrategyFeed},
	{"<feed", StrategyFeed},
	{"wp-content", StrategyWordPress},
	{"wp-json", StrategyWordPress},
	{"com_content", StrategyJoomla},
	{"/media/jui/", StrategyJoomla},
	{"joomla!", StrategyJoomla},
	{"<th>objeto", StrategyCustomTable},
	{"<th>modalidade", StrategyCustomTable},
}

// Detect reports CMS markers present in body without parsing it.
func Detect(body []byte) Detection {
	lower := strings.ToLower(string(body))
	d := Detection{Hint: StrategyGeneric}
	for _, m := range detectMarkers {
		if !strings.Contains(lower, m.marker) {
			continue
		}
		d.Markers = append(d.Markers, m.marker)
		if d.Hint == StrategyGeneric {
			d.Hint = m.hint
		}
	}
	return d
}

func isFeed(body []byte) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(bytes.TrimSpace(head))
	if bytes.Contains(lower, []byte("<html")) {
		return false
	}
	return bytes.Contains(lower, []byte("<rss")) || bytes.Contains(lower, []byte("<feed")) ||
		bytes.Contains(lower, []byte("<rdf:rdf"))
}

// fragmentRecord converts a fragment through the extractor, dropping empty blocks.
func fragmentRecord(ex *extract.Extractor, in Input, f extract.Fragment) (crawler.ExtractedRecord, bool) {
	if extract.Clean(f.Title) == "" && extract.Clean(f.Text) == "" {
		return crawler.ExtractedRecord{}, false
	}
	if f.Base == nil {
		f.Base = in.Base
	}
	return ex.FromFragment(in.SourceID, f), true
}

func absLink(base *url.URL, sel *goquery.Selection) string {
	href, ok := sel.Attr("href")
	if !ok {
		return ""
	}
	u, ok := extract.Resolve(base, href)
	if !ok {
		return ""
	}
	return u.String()
}
