package headless

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// DefaultMinVisibleText is the visible-text length below which a page with
// scripts is treated as a JavaScript shell.
const DefaultMinVisibleText = 200

var shellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="__nuxt"`),
	[]byte(`window.__nuxt__`),
	[]byte(`ng-app`),
	[]byte(`<app-root`),
	[]byte(`data-reactroot`),
	[]byte(`habilite o javascript`),
	[]byte(`enable javascript`),
}

// Detector implements crawler.HeadlessDetector for listing pages.
type Detector struct {
	MinVisibleText int
}

var _ crawler.HeadlessDetector = (*Detector)(nil)

// NewDetector returns a Detector; minVisibleText <= 0 selects the default.
func NewDetector(minVisibleText int) *Detector {
	if minVisibleText <= 0 {
		minVisibleText = DefaultMinVisibleText
	}
	return &Detector{MinVisibleText: minVisibleText}
}

// ShouldPromote reports whether probe looks like a client-rendered shell.
// Only successful probes are promoted; pages that already show listing
// markup never are.
func (d *Detector) ShouldPromote(probe crawler.FetchResponse) bool {
	if probe.StatusCode < 200 || probe.StatusCode >= 300 {
		return false
	}
	lower := bytes.ToLower(probe.Body)
	if len(bytes.TrimSpace(lower)) == 0 {
		return true
	}
	if bytes.Contains(lower, []byte("<table")) || bytes.Contains(lower, []byte("<article")) {
		return false
	}
	for _, m := range shellMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	if !bytes.Contains(lower, []byte("<script")) {
		return false
	}
	return visibleTextLen(probe.Body) < d.MinVisibleText
}

func visibleTextLen(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0
	}
	doc.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
}
