package extract

import "regexp"

// Pattern is one row of a declarative extraction table. Confidence is the
// weight (0-100) attached to a value produced by this row.
type Pattern struct {
	Name       string
	Re         *regexp.Regexp
	Confidence float64
}

// Label maps a matching pattern to a canonical value.
type Label struct {
	Value string
	Re    *regexp.Regexp
}

// Natural key tables. All rows run on raw text.
var (
	typedKeyPattern = Pattern{
		Name: "typed-prefix",
		Re: regexp.MustCompile(`(?i)\b(?:preg[ãa]o(?:\s+eletr[ôo]nico|\s+presencial)?|edital(?:\s+de\s+licita[çc][ãa]o)?|` +
			`processo(?:\s+administrativo|\s+licitat[óo]rio)*|concorr[êe]ncia(?:\s+p[úu]blica|\s+eletr[ôo]nica)?|` +
			`tomada\s+de\s+pre[çc]os|dispensa(?:\s+de\s+licita[çc][ãa]o)?|inexigibilidade|chamamento\s+p[úu]blico|` +
			`licita[çc][ãa]o|aviso(?:\s+de\s+licita[çc][ãa]o)?)\s*(?:n\.?\s*[º°o]?\.?\s*)?[:\-]?\s*(\d{1,5})\s*/\s*(\d{4})`),
		Confidence: 95,
	}
	urlKeyPattern = Pattern{
		Name: "url-slug",
		Re: regexp.MustCompile(`(?i)(?:edital|preg[aã]o|licita[cç][aã]o|processo|aviso|concorrencia|dispensa|tomada)` +
			`[a-z0-9_\-]*?[\-_/](\d{1,5})[\-_]((?:19|20)\d{2})(?:\D|$)`),
		Confidence: 80,
	}
	bareKeyPattern = Pattern{
		Name:       "bare-number",
		Re:         regexp.MustCompile(`(?:^|[^\d/])(\d{3,4})/((?:19|20)\d{2})\b`),
		Confidence: 65,
	}
	// keyToken is the NNNN/YYYY shape that qualifies a generic text block.
	keyToken = regexp.MustCompile(`(?:^|[^\d/])\d{1,5}/\d{4}\b`)
)

// Object tables.
var (
	labeledObject = Pattern{
		Name: "labeled-objeto",
		Re: regexp.MustCompile(`(?s)(?i:(?:especifica[çc][ãa]o\s+do\s+)?objeto)\s*:\s*(.+?)` +
			`(?:\.\s+\p{Lu}[\p{L} ]{1,40}:|\n|$)`),
		Confidence: 90,
	}
	sentenceSplit = regexp.MustCompile(`[.!?;]\s+|\n+`)
	boilerplate   = regexp.MustCompile(`clique aqui|leia mais|saiba mais|cookies?|todos os direitos|copyright|` +
		`pular para|ir para o conteudo|mapa do site|acessibilidade|compartilhe|voltar ao topo|politica de privacidade|` +
		`alto contraste|buscar no site|redes sociais`)
)

// Date tables.
var (
	numericDate   = regexp.MustCompile(`\b(\d{1,2})[/.\-](\d{1,2})[/.\-]((?:19|20)\d{2})\b`)
	longDate      = regexp.MustCompile(`\b(\d{1,2})\s+de\s+(janeiro|fevereiro|marco|abril|maio|junho|julho|agosto|setembro|outubro|novembro|dezembro)\s+de\s+((?:19|20)\d{2})\b`)
	publishLabel  = regexp.MustCompile(`data\s+de\s+publicacao|publicacao|publicad[oa]\s+em|divulgad[oa]\s+em|postad[oa]\s+em|data\s*:`)
	openingLabel  = regexp.MustCompile(`abertura|sessao\s+publica|recebimento\s+das\s+propostas|entrega\s+das\s+propostas|disputa|realizacao`)
	labelDistance = 60
)

var monthNames = map[string]int{
	"janeiro": 1, "fevereiro": 2, "marco": 3, "abril": 4, "maio": 5, "junho": 6,
	"julho": 7, "agosto": 8, "setembro": 9, "outubro": 10, "novembro": 11, "dezembro": 12,
}

// Currency tables.
var (
	currencyAmount = `R\$\s*(\d{1,3}(?:\.\d{3})+(?:,\d{1,2})?|\d+(?:,\d{1,2})?)`
	labeledValue   = Pattern{
		Name:       "labeled-valor",
		Re:         regexp.MustCompile(`(?i:valor(?:\s+(?:total|global|estimado|m[áa]ximo|anual|de\s+refer[êe]ncia|previsto))*)\s*:?\s*(?:de\s+)?` + currencyAmount),
		Confidence: 90,
	}
	anyValue = Pattern{
		Name:       "currency",
		Re:         regexp.MustCompile(currencyAmount),
		Confidence: 70,
	}
	// Values above this are kept but flagged as low confidence.
	valueCeiling = 100_000_000.0
)

// Modality table, most specific first. Runs on folded text.
var modalities = []Label{
	{"Pregão Eletrônico", regexp.MustCompile(`pregao\s+eletronico`)},
	{"Pregão Presencial", regexp.MustCompile(`pregao\s+presencial`)},
	{"Concorrência Eletrônica", regexp.MustCompile(`concorrencia\s+eletronica`)},
	{"Pregão", regexp.MustCompile(`\bpregao\b`)},
	{"Concorrência", regexp.MustCompile(`\bconcorrencia\b`)},
	{"Tomada de Preços", regexp.MustCompile(`tomada\s+de\s+precos`)},
	{"Diálogo Competitivo", regexp.MustCompile(`dialogo\s+competitivo`)},
	{"Regime Diferenciado de Contratação", regexp.MustCompile(`\brdc\b|regime\s+diferenciado`)},
	{"Convite", regexp.MustCompile(`\bcarta\s+convite\b|\bconvite\s+n`)},
	{"Leilão", regexp.MustCompile(`\bleilao\b`)},
	{"Dispensa de Licitação", regexp.MustCompile(`\bdispensa\b`)},
	{"Inexigibilidade", regexp.MustCompile(`\binexigibilidade\b`)},
	{"Chamamento Público", regexp.MustCompile(`chamamento\s+publico`)},
	{"Credenciamento", regexp.MustCompile(`\bcredenciamento\b`)},
}

// Status table. Runs on folded text.
var statuses = []Label{
	{"aberta", regexp.MustCompile(`\b(?:em\s+aberto|aberta|inscricoes\s+abertas|recebendo\s+propostas)\b`)},
	{"em_andamento", regexp.MustCompile(`\b(?:em\s+andamento|em\s+analise|em\s+julgamento)\b`)},
	{"encerrada", regexp.MustCompile(`\b(?:encerrad[oa]|finalizad[oa]|concluid[oa])\b`)},
	{"suspensa", regexp.MustCompile(`\bsuspens[oa]\b`)},
	{"revogada", regexp.MustCompile(`\brevogad[oa]\b`)},
	{"anulada", regexp.MustCompile(`\banulad[oa]\b`)},
	{"deserta", regexp.MustCompile(`\bdesert[oa]\b`)},
	{"fracassada", regexp.MustCompile(`\bfracassad[oa]\b`)},
	{"homologada", regexp.MustCompile(`\bhomologad[oa]\b|\bhomologacao\b`)},
}

// Original category table, first match wins. Runs on folded text.
var originalCategories = []Label{
	{"Obras e Serviços de Engenharia", regexp.MustCompile(`\bobras?\b|servicos?\s+de\s+engenharia|\bpavimentacao\b|\breforma\b|\bconstrucao\b`)},
	{"Locação", regexp.MustCompile(`\blocacao\b|\baluguel\b`)},
	{"Alienação", regexp.MustCompile(`\balienacao\b|\bleilao\b|venda\s+de\s+bens`)},
	{"Serviços", regexp.MustCompile(`prestacao\s+de\s+servicos?|\bservicos?\b`)},
	{"Compras", regexp.MustCompile(`\baquisicao\b|\bcompras?\b|\bfornecimento\b|\bmateria(?:l|is)\b|\bequipamentos?\b`)},
}

// Procurement keywords that qualify a generic text block and mark procurement records. Folded text.
var procurementKeyword = regexp.MustCompile(`\bpregao\b|\blicitac(?:ao|oes)\b|\bedital\b|\beditais\b|\bconcorrencia\b|` +
	`tomada\s+de\s+precos|\bdispensa\b|\binexigibilidade\b|chamamento\s+publico|\bcredenciamento\b|registro\s+de\s+precos`)

// Contact tables.
var (
	emailPattern       = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern       = regexp.MustCompile(`(?:\(\d{2}\)\s?|\b\d{2}\s)\d{4,5}[\s\-]?\d{4}\b`)
	responsiblePattern = regexp.MustCompile(`(?i:pregoeir[oa]|respons[áa]vel|presidente\s+da\s+(?:cpl|comiss[ãa]o)|agente\s+de\s+contrata[çc][ãa]o|contato)` +
		`\s*:\s*(\p{Lu}\p{L}*(?:\s+(?:d[aeo]s?\s+)?\p{Lu}\p{L}*){0,5})`)
)

// Attachment extensions recognized on link targets.
var attachmentExt = map[string]string{
	".pdf": "pdf", ".doc": "doc", ".docx": "docx", ".xls": "xls", ".xlsx": "xlsx", ".zip": "zip", ".odt": "odt", ".rar": "rar",
}
