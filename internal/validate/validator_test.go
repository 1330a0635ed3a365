package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var ref = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

func TestScenarioIsRelevant(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: ref}
	rec := extract.New(clock).FromFragment("pm", extract.Fragment{
		Text: "PREGÃO ELETRÔNICO Nº 45/2025 - OBJETO: Aquisição de material de limpeza para escolas da regional. " +
			"Valor estimado: R$ 85.000,00. Publicação: 10/03/2025",
	})
	report := New(clock).Record(rec)

	require.True(t, report.IsRelevant)
	require.Equal(t, 100.0, report.QualityScore)
	require.GreaterOrEqual(t, report.RelevanceScore, MinRelevance)
	require.Equal(t, "2025-03-10", report.Fields[crawler.FieldPublicacao].Processed)
	require.Equal(t, "85000.00", report.Fields[crawler.FieldValor].Processed)
}

func TestNoKeyNeverRelevant(t *testing.T) {
	t.Parallel()

	report := New(fixedClock{now: ref}).Validate(extract.RawFields{
		Edital:  crawler.NoKey,
		KeyKind: crawler.KeyNone,
		Objeto:  "Aquisição de equipamentos de informática para a secretaria de educação",
	})
	require.False(t, report.IsRelevant)
	require.False(t, report.Fields[crawler.FieldEdital].Valid)
}

func TestBlacklistedObjectNeverRelevant(t *testing.T) {
	t.Parallel()

	v := New(fixedClock{now: ref})
	for _, obj := range []string{"Não informado", "S/N", "indefinido", ""} {
		report := v.Validate(extract.RawFields{Edital: "10/2025", KeyKind: crawler.KeyTyped, Objeto: obj})
		require.False(t, report.IsRelevant, obj)
		require.False(t, report.Fields[crawler.FieldObjeto].Valid, obj)
	}
}

func TestScoresBounded(t *testing.T) {
	t.Parallel()

	v := New(fixedClock{now: ref})
	inputs := []extract.RawFields{
		{},
		{Edital: "1/2025", KeyKind: crawler.KeyTyped, Objeto: "Contratação de serviços de manutenção predial", Valor: "R$ 10,00", Publicacao: "01/01/2010"},
		{Edital: "Aviso-01-03-2025", KeyKind: crawler.KeySynthetic, Objeto: "x"},
		{Edital: "99999/1999", KeyKind: crawler.KeyBare, Objeto: "Prestação de serviços de limpeza e conservação", Modalidade: "Pregão"},
	}
	for _, in := range inputs {
		r := v.Validate(in)
		require.GreaterOrEqual(t, r.QualityScore, 0.0)
		require.LessOrEqual(t, r.QualityScore, 100.0)
		require.GreaterOrEqual(t, r.RelevanceScore, 0.0)
		require.LessOrEqual(t, r.RelevanceScore, 100.0)
	}
}

func TestValidateValor(t *testing.T) {
	t.Parallel()

	v := New(fixedClock{now: ref})
	require.False(t, v.ValidateValor("R$ 0,00").Valid)
	require.False(t, v.ValidateValor("abc").Valid)

	ok := v.ValidateValor("R$ 1.234,56")
	require.True(t, ok.Valid)
	require.Equal(t, "1234.56", ok.Processed)

	big := v.ValidateValor("R$ 500.000.000,00")
	require.True(t, big.Valid)
	require.Less(t, big.Confidence, ok.Confidence)
}

func TestValidateData(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	v := New(fixedClock{now: now})
	require.False(t, v.ValidateData("01/01/2010").Valid)
	require.True(t, v.ValidateData("15/06/"+now.Format("2006")).Valid)
}

func TestValidateEditalYearRange(t *testing.T) {
	t.Parallel()

	v := New(fixedClock{now: ref})
	require.True(t, v.ValidateEdital("45/2025", crawler.KeyTyped).Valid)
	require.False(t, v.ValidateEdital("45/1990", crawler.KeyTyped).Valid)
	require.False(t, v.ValidateEdital("45/2030", crawler.KeyTyped).Valid)
	require.False(t, v.ValidateEdital("abc", crawler.KeyTyped).Valid)

	syn := v.ValidateEdital("Aviso-10-03-2025", crawler.KeySynthetic)
	require.True(t, syn.Valid)
	require.Less(t, syn.Confidence, v.ValidateEdital("45/2025", crawler.KeyTyped).Confidence)
}

func TestOptionalFieldsOnlyCountWhenPresent(t *testing.T) {
	t.Parallel()

	v := New(fixedClock{now: ref})
	r := v.Validate(extract.RawFields{
		Edital:  "12/2025",
		KeyKind: crawler.KeyTyped,
		Objeto:  "Contratação de empresa especializada em transporte escolar",
	})
	require.Len(t, r.Fields, 2)
	require.Equal(t, 100.0, r.QualityScore)

	r = v.Validate(extract.RawFields{
		Edital:     "12/2025",
		KeyKind:    crawler.KeyTyped,
		Objeto:     "Contratação de empresa especializada em transporte escolar",
		Valor:      "R$ 0,00",
		Publicacao: "01/01/2010",
	})
	require.Equal(t, 50.0, r.QualityScore)
	require.False(t, r.IsRelevant)
}
