package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
)

type column int

const (
	colUnknown column = iota
	colKey
	colObject
	colModality
	colOpening
	colDate
	colStatus
	colValue
)

// Header wording mapped to columns, matched on folded header text in order.
var headerColumns = []struct {
	re  *regexp.Regexp
	col column
}{
	{regexp.MustCompile(`\bobjeto\b|\bdescricao\b|\bassunto\b|\bespecificacao\b`), colObject},
	{regexp.MustCompile(`\bmodalidade\b`), colModality},
	{regexp.MustCompile(`\babertura\b|\bsessao\b|\bdisputa\b`), colOpening},
	{regexp.MustCompile(`\bsituacao\b|\bstatus\b`), colStatus},
	{regexp.MustCompile(`\bvalor\b`), colValue},
	{regexp.MustCompile(`\bedital\b|\bnumero\b|^n\s*[o°º.]*$|\bprocesso\b|\blicitacao\b|\bpregao\b`), colKey},
	{regexp.MustCompile(`\bdata\b|\bpublicacao\b`), colDate},
}

var bareCellKey = regexp.MustCompile(`^\s*\d{1,5}\s*/\s*\d{4}\s*$`)

// CustomTable parses hand-built HTML tables whose header row names procurement fields.
type CustomTable struct {
	ex *extract.Extractor
}

// NewCustomTable returns the custom-table strategy.
func NewCustomTable(ex *extract.Extractor) *CustomTable {
	return &CustomTable{ex: ex}
}

// Kind implements ParseStrategy.
func (c *CustomTable) Kind() Strategy { return StrategyCustomTable }

// Parse implements ParseStrategy.
func (c *CustomTable) Parse(in Input) []crawler.ExtractedRecord {
	var out []crawler.ExtractedRecord
	in.Doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		if table.Find("table").Length() > 0 {
			return
		}
		headerRow := table.Find("thead tr").First()
		if headerRow.Length() == 0 {
			headerRow = table.Find("tr").First()
		}
		cols := mapHeader(headerRow)
		if procurementColumns(cols) < 2 {
			return
		}
		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			if row.Find("th").Length() > 0 && row.Find("td").Length() == 0 {
				return
			}
			if rec, ok := c.parseRow(in, cols, row); ok {
				out = append(out, rec)
			}
		})
	})
	return out
}

func mapHeader(row *goquery.Selection) []column {
	var cols []column
	row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
		folded := extract.Fold(extract.Clean(cell.Text()))
		col := colUnknown
		for _, h := range headerColumns {
			if h.re.MatchString(folded) {
				col = h.col
				break
			}
		}
		cols = append(cols, col)
	})
	return cols
}

func procurementColumns(cols []column) int {
	n := 0
	for _, c := range cols {
		if c != colUnknown {
			n++
		}
	}
	return n
}

func (c *CustomTable) parseRow(in Input, cols []column, row *goquery.Selection) (crawler.ExtractedRecord, bool) {
	cells := row.Find("td")
	if cells.Length() == 0 {
		return crawler.ExtractedRecord{}, false
	}
	var lines []string
	var title string
	cells.Each(func(i int, cell *goquery.Selection) {
		if i >= len(cols) {
			return
		}
		text := extract.Clean(cell.Text())
		if text == "" {
			return
		}
		switch cols[i] {
		case colKey:
			if bareCellKey.MatchString(text) {
				text = "Edital nº " + strings.ReplaceAll(text, " ", "")
			}
			if title == "" {
				title = text
			}
			lines = append(lines, text)
		case colObject:
			lines = append(lines, "OBJETO: "+text)
		case colModality:
			lines = append(lines, "Modalidade: "+text)
		case colOpening:
			lines = append(lines, "Abertura: "+text)
		case colDate:
			lines = append(lines, "Publicação: "+text)
		case colStatus:
			lines = append(lines, "Situação: "+text)
		case colValue:
			if !strings.Contains(text, "R$") {
				text = "R$ " + text
			}
			lines = append(lines, "Valor: "+text)
		default:
			lines = append(lines, text)
		}
	})
	if len(lines) == 0 {
		return crawler.ExtractedRecord{}, false
	}
	link := ""
	row.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		link = absLink(in.Base, a)
		return link == ""
	})
	return fragmentRecord(c.ex, in, extract.Fragment{
		Title:     title,
		Text:      strings.Join(lines, "\n"),
		Link:      link,
		Selection: row,
		Strategy:  StrategyCustomTable.String(),
	})
}
