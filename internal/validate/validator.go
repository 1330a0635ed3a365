// Package validate scores extracted records for data quality and relevance.
// It is pure: the same record and reference time always produce the same report.
package validate

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
)

// Thresholds gating IsRelevant.
const (
	MinQuality   = 70.0
	MinRelevance = 60.0
)

var (
	editalShape   = regexp.MustCompile(`^(\d{1,5})/(\d{4})$`)
	objectBlocked = map[string]struct{}{
		"nao informado": {}, "s/n": {}, "indefinido": {}, "a definir": {}, "n/a": {}, "sem objeto": {},
		"-": {}, "...": {}, "objeto": {}, "nao consta": {}, "diversos": {},
	}
	objectKeywords = regexp.MustCompile(`\baquisicao\b|\bcontratacao\b|prestacao\s+de\s+servicos?|\bfornecimento\b|` +
		`\bobras?\b|registro\s+de\s+precos|\blocacao\b|\bmanutencao\b|\bservicos?\b|\bmateria(?:l|is)\b`)
)

// Validator checks individual fields and combines them into a report.
type Validator struct {
	clock crawler.Clock
}

// New returns a Validator whose date windows are evaluated against clock.
func New(clock crawler.Clock) *Validator {
	return &Validator{clock: clock}
}

// ValidateEdital checks the natural key structure and year plausibility.
func (v *Validator) ValidateEdital(raw string, kind crawler.KeyKind) crawler.FieldCheck {
	key := strings.TrimSpace(raw)
	check := crawler.FieldCheck{Raw: raw, Processed: key}
	if kind == crawler.KeySynthetic && strings.HasPrefix(key, "Aviso-") {
		check.Valid = true
		check.Confidence = extract.KeyConfidence(kind)
		return check
	}
	m := editalShape.FindStringSubmatch(key)
	if m == nil {
		return check
	}
	year, _ := strconv.Atoi(m[2])
	now := v.clock.Now().Year()
	if year < now-10 || year > now+1 {
		check.Confidence = 30
		return check
	}
	check.Valid = true
	check.Confidence = extract.KeyConfidence(kind)
	if check.Confidence == 0 {
		check.Confidence = 60
	}
	return check
}

// ValidateObjeto checks length and placeholder text, and derives a relevance score.
func (v *Validator) ValidateObjeto(raw string) crawler.FieldCheck {
	obj := extract.Clean(raw)
	check := crawler.FieldCheck{Raw: raw, Processed: obj}
	folded := extract.Fold(obj)
	if _, blocked := objectBlocked[strings.Trim(folded, " .:")]; blocked || obj == "" {
		return check
	}
	n := extract.RuneLen(obj)
	switch {
	case n < 10:
		check.Confidence = 20
		return check
	case n < 30:
		check.Confidence = 60
	case n <= 500:
		check.Confidence = 90
	default:
		check.Confidence = 70
	}
	check.Valid = true
	check.Relevance = check.Confidence
	if objectKeywords.MatchString(folded) {
		check.Relevance += 10
	}
	check.Relevance = math.Min(check.Relevance, 100)
	return check
}

// ValidateData checks a DD/MM/YYYY date against the ±1 year window.
func (v *Validator) ValidateData(raw string) crawler.FieldCheck {
	check := crawler.FieldCheck{Raw: raw}
	d, ok := extract.ParseDate(raw, v.clock.Now())
	if !ok {
		return check
	}
	check.Processed = d.Format("2006-01-02")
	check.Valid = true
	check.Confidence = 90
	return check
}

// ValidateValor rejects non-positive amounts and marks implausibly large ones low confidence.
func (v *Validator) ValidateValor(raw string) crawler.FieldCheck {
	check := crawler.FieldCheck{Raw: raw}
	val, ok := extract.ParseCurrency(raw)
	if !ok || val <= 0 {
		return check
	}
	check.Processed = strconv.FormatFloat(val, 'f', 2, 64)
	check.Valid = true
	check.Confidence = 90
	if val > 100_000_000 {
		check.Confidence = 40
	}
	return check
}

// ValidateModalidade accepts any canonical modality name.
func (v *Validator) ValidateModalidade(raw string) crawler.FieldCheck {
	check := crawler.FieldCheck{Raw: raw}
	m, ok := extract.Modality(raw)
	if !ok {
		return check
	}
	check.Processed = m
	check.Valid = true
	check.Confidence = 85
	return check
}

// Validate builds the full report. The natural key and object are mandatory;
// optional fields only count toward quality when present.
func (v *Validator) Validate(raw extract.RawFields) crawler.ValidationReport {
	fields := map[string]crawler.FieldCheck{
		crawler.FieldEdital: v.ValidateEdital(raw.Edital, raw.KeyKind),
		crawler.FieldObjeto: v.ValidateObjeto(raw.Objeto),
	}
	if raw.Publicacao != "" {
		fields[crawler.FieldPublicacao] = v.ValidateData(raw.Publicacao)
	}
	if raw.Abertura != "" {
		fields[crawler.FieldAbertura] = v.ValidateData(raw.Abertura)
	}
	if raw.Valor != "" {
		fields[crawler.FieldValor] = v.ValidateValor(raw.Valor)
	}
	if raw.Modalidade != "" {
		fields[crawler.FieldModalidade] = v.ValidateModalidade(raw.Modalidade)
	}

	valid := 0
	for _, f := range fields {
		if f.Valid {
			valid++
		}
	}
	report := crawler.ValidationReport{Fields: fields}
	report.QualityScore = round1(float64(valid) / float64(len(fields)) * 100)

	edital := fields[crawler.FieldEdital]
	objeto := fields[crawler.FieldObjeto]
	report.RelevanceScore = round1(math.Min(100, (objeto.Relevance+edital.Confidence)/2))
	report.IsRelevant = edital.Valid && objeto.Valid &&
		report.QualityScore >= MinQuality && report.RelevanceScore >= MinRelevance
	return report
}

// Record validates an extracted record.
func (v *Validator) Record(rec crawler.ExtractedRecord) crawler.ValidationReport {
	return v.Validate(extract.Snapshot(rec))
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
