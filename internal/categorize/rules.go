package categorize

import (
	"regexp"

	"github.com/JakeFAU/edital-crawler/internal/extract"
)

// Categories in rule priority order. Outros is the catch-all.
const (
	CategoryLicitacoes         = "Licitações e Compras"
	CategoryProcessosSeletivos = "Processos Seletivos"
	CategoryEditaisRH          = "Editais RH"
	CategoryProgramas          = "Programas"
	CategoryAvisos             = "Avisos"
	CategoryEventos            = "Eventos"
	CategoryResultados         = "Resultados"
	CategoryOutros             = "Outros"
)

// Sentiment and priority values.
const (
	SentimentPositive = "positivo"
	SentimentNegative = "negativo"
	SentimentNeutral  = "neutro"

	PriorityHigh   = "alta"
	PriorityMedium = "media"
	PriorityLow    = "baixa"
)

const defaultSubcategory = "Geral"

// rule is one category detector. All expressions run on folded text.
type rule struct {
	Category      string
	Match         *regexp.Regexp
	Bonus         float64
	Subcategories []extract.Label
	Tags          []extract.Label
	Actions       []string
}

func re(expr string) *regexp.Regexp { return regexp.MustCompile(expr) }

func lbl(value, expr string) extract.Label { return extract.Label{Value: value, Re: re(expr)} }

var rules = []rule{
	{
		Category: CategoryLicitacoes,
		Match: re(`\blicitac|\bpregao\b|tomada de precos|\bconcorrencia\b|dispensa de licitacao|` +
			`\binexigibilidade\b|registro de precos|\baquisicao\b|chamamento publico|\bcotacao\b|\bcredenciamento\b|\bleilao\b`),
		Bonus: 20,
		Subcategories: []extract.Label{
			lbl("Pregão", `\bpregao\b`),
			lbl("Concorrência", `\bconcorrencia\b`),
			lbl("Tomada de Preços", `tomada de precos`),
			lbl("Dispensa/Inexigibilidade", `\bdispensa\b|\binexigibilidade\b`),
			lbl("Registro de Preços", `registro de precos`),
			lbl("Chamamento Público", `chamamento publico|\bcredenciamento\b`),
			lbl("Leilão", `\bleilao\b`),
		},
		Tags: []extract.Label{
			lbl("pregao", `\bpregao\b`),
			lbl("eletronico", `\beletronic`),
			lbl("presencial", `\bpresencial\b`),
			lbl("obras", `\bobras?\b|engenharia|pavimentacao|\breforma\b|construcao`),
			lbl("servicos", `\bservicos?\b`),
			lbl("aquisicao", `\baquisicao\b|\bcompra\b|fornecimento`),
		},
		Actions: []string{
			"Verificar edital completo e anexos",
			"Conferir data de abertura das propostas",
			"Avaliar requisitos de habilitação",
		},
	},
	{
		Category: CategoryProcessosSeletivos,
		Match:    re(`processo seletivo|selecao simplificada|\bpss\b|selecao publica|\bestagio\b|\bestagiarios?\b`),
		Bonus:    15,
		Subcategories: []extract.Label{
			lbl("Estágio", `\bestagi`),
			lbl("Simplificado", `simplificad`),
			lbl("Bolsas", `\bbolsas?\b`),
		},
		Tags: []extract.Label{
			lbl("inscricoes", `inscric`),
			lbl("estagio", `\bestagi`),
			lbl("temporario", `temporari|contratacao por tempo determinado`),
		},
		Actions: []string{
			"Verificar requisitos e prazo de inscrição",
			"Conferir documentação exigida",
		},
	},
	{
		Category: CategoryEditaisRH,
		Match:    re(`concurso publico|\bnomeacao\b|\bconvocacao\b|\bposse\b|\bservidor(?:es)?\b|\bexoneracao\b`),
		Bonus:    15,
		Subcategories: []extract.Label{
			lbl("Concurso", `\bconcurso\b`),
			lbl("Convocação", `\bconvoca`),
			lbl("Nomeação", `\bnomea|\bposse\b`),
			lbl("Exoneração", `\bexonera`),
		},
		Tags: []extract.Label{
			lbl("concurso", `\bconcurso\b`),
			lbl("servidores", `\bservidor(?:es)?\b`),
			lbl("cronograma", `cronograma`),
		},
		Actions: []string{
			"Acompanhar cronograma do concurso",
			"Verificar lista de convocados",
		},
	},
	{
		Category: CategoryProgramas,
		Match:    re(`\bprograma\b|\bprojeto\b|\biniciativa\b|\bcampanha\b`),
		Bonus:    10,
		Subcategories: []extract.Label{
			lbl("Social", `\bsocia(?:l|is)\b|assistencia|habitac`),
			lbl("Saúde", `\bsaude\b|vacina`),
			lbl("Educação", `educac|\bescola`),
		},
		Tags: []extract.Label{
			lbl("campanha", `\bcampanha\b`),
			lbl("social", `\bsocia(?:l|is)\b`),
		},
		Actions: []string{"Verificar critérios de participação"},
	},
	{
		Category: CategoryAvisos,
		Match:    re(`\baviso\b|\bcomunicado\b|\bnotificacao\b|\berrata\b|\bretificacao\b|nota oficial`),
		Bonus:    5,
		Subcategories: []extract.Label{
			lbl("Errata", `\berrata\b|\bretifica`),
			lbl("Comunicado", `\bcomunicado\b|nota oficial`),
		},
		Tags: []extract.Label{
			lbl("retificacao", `\berrata\b|\bretifica`),
		},
		Actions: []string{"Ler comunicado na íntegra"},
	},
	{
		Category: CategoryEventos,
		Match:    re(`\bevento\b|\bseminario\b|\bworkshop\b|\bpalestra\b|audiencia publica|\bfestival\b|\bfeira\b|\binaugur`),
		Bonus:    5,
		Subcategories: []extract.Label{
			lbl("Audiência Pública", `audiencia publica`),
			lbl("Capacitação", `\bworkshop\b|\bcurso\b|capacitac|\bpalestra\b|\bseminario\b`),
			lbl("Cultural", `\bfestival\b|\bfeira\b|\bshow\b|cultura`),
			lbl("Inauguração", `\binaugur`),
		},
		Tags: []extract.Label{
			lbl("evento", `\bevento\b`),
			lbl("cultura", `cultur`),
		},
		Actions: []string{"Verificar data, local e inscrição"},
	},
	{
		Category: CategoryResultados,
		Match:    re(`\bresultado\b|\bhomologac|classificacao final|\badjudicac|\bganhador|\bvencedor`),
		Bonus:    10,
		Subcategories: []extract.Label{
			lbl("Homologação", `\bhomologac|\badjudicac`),
			lbl("Classificação", `classificac`),
		},
		Tags: []extract.Label{
			lbl("resultado", `\bresultado\b`),
			lbl("recurso", `\brecursos?\b`),
		},
		Actions: []string{
			"Conferir resultado publicado",
			"Verificar prazo para recursos",
		},
	},
}

var fallbackRule = rule{
	Category: CategoryOutros,
	Actions:  []string{"Analisar conteúdo manualmente"},
}

// Tags every rule shares: subject areas and urgency.
var sharedTags = []extract.Label{
	lbl("saude", `\bsaude\b|hospital|medicament|\bubs\b`),
	lbl("educacao", `educac|\bescola|\bensino\b|\bcreche|merenda`),
	lbl("tecnologia", `informatica|software|tecnologia|computador`),
	lbl("transporte", `transporte|veiculo|\bfrota\b|combustive`),
	lbl("limpeza", `limpeza|higiene|conservacao`),
	lbl("alimentacao", `alimenta|merenda|generos alimenticios`),
	lbl("seguranca", `seguranca|vigilancia`),
	lbl("meio-ambiente", `ambiental|meio ambiente|arboriza|\bpoda\b`),
	lbl("esporte", `esporte|\bquadra\b|poliesportiv`),
	lbl("urgente", urgencyExpr),
}

const urgencyExpr = `\burgente\b|\burgencia\b|prazo final|ultimo dia|ultimos dias|emergencia|encerra hoje|\bimediat`

var (
	urgency  = re(urgencyExpr)
	positive = re(`aprovad|homologad|sucesso|benefici|melhori|ampliac|inaugur|conquist|premi|investiment|gratuit`)
	negative = re(`suspens|cancelad|revogad|anulad|fracassad|desert|irregular|atras|interdi|denuncia|\bmulta\b|prejuiz`)
)

// Categories lists every category name the engine can emit.
func Categories() []string {
	out := make([]string, 0, len(rules)+1)
	for _, r := range rules {
		out = append(out, r.Category)
	}
	return append(out, CategoryOutros)
}

func ruleFor(category string) (rule, bool) {
	for _, r := range rules {
		if r.Category == category {
			return r, true
		}
	}
	if category == CategoryOutros {
		return fallbackRule, true
	}
	return rule{}, false
}

func matchRule(folded string) rule {
	for _, r := range rules {
		if r.Match.MatchString(folded) {
			return r
		}
	}
	return fallbackRule
}

func subcategory(r rule, folded string) string {
	for _, s := range r.Subcategories {
		if s.Re.MatchString(folded) {
			return s.Value
		}
	}
	return defaultSubcategory
}

func tags(r rule, folded string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, table := range [][]extract.Label{r.Tags, sharedTags} {
		for _, t := range table {
			if !seen[t.Value] && t.Re.MatchString(folded) {
				seen[t.Value] = true
				out = append(out, t.Value)
			}
		}
	}
	return out
}

func sentiment(folded string) string {
	pos := len(positive.FindAllStringIndex(folded, -1))
	neg := len(negative.FindAllStringIndex(folded, -1))
	switch {
	case pos > neg:
		return SentimentPositive
	case neg > pos:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}
