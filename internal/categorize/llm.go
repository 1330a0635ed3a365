package categorize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
)

// promptContentLimit bounds the record text sent to the model.
const promptContentLimit = 4000

const systemPrompt = "Você classifica publicações de portais governamentais brasileiros " +
	"(licitações, editais, notícias). Responda somente com um objeto JSON válido."

// llmResponse is the fixed schema the model must return.
type llmResponse struct {
	Category           string   `json:"category"`
	Subcategory        string   `json:"subcategory"`
	Tags               []string `json:"tags"`
	Sentiment          string   `json:"sentiment"`
	Priority           string   `json:"priority"`
	Relevance          *float64 `json:"relevance"`
	Summary            string   `json:"summary"`
	Keywords           []string `json:"keywords"`
	RecommendedActions []string `json:"recommended_actions"`
}

var errMalformed = errors.New("malformed llm response")

func buildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Classifique a publicação abaixo.\n\n")
	b.WriteString("Categorias permitidas: ")
	b.WriteString(strings.Join(Categories(), ", "))
	b.WriteString(".\n")
	b.WriteString(`Responda com JSON no formato {"category": string, "subcategory": string, "tags": [string], ` +
		`"sentiment": "positivo"|"negativo"|"neutro", "priority": "alta"|"media"|"baixa", "relevance": 0-100, ` +
		`"summary": string, "keywords": [string], "recommended_actions": [string]}.` + "\n\n")
	b.WriteString("Título: ")
	b.WriteString(extract.Clean(in.Title))
	b.WriteString("\nConteúdo: ")
	b.WriteString(extract.Truncate(extract.Clean(in.Content), promptContentLimit))
	if in.PublishedAt != nil {
		b.WriteString("\nPublicado em: ")
		b.WriteString(in.PublishedAt.Format("2006-01-02"))
	}
	return b.String()
}

// parseResponse merges the model output over the rule-based result. Fields the
// model omits keep their rule-based value; entities always come from the rules.
func parseResponse(raw string, base crawler.CategorizationResult) (crawler.CategorizationResult, error) {
	body := stripFences(raw)
	var resp llmResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return base, fmt.Errorf("%w: %v", errMalformed, err)
	}
	category := canonicalCategory(resp.Category)
	if category == "" {
		return base, fmt.Errorf("%w: unknown category %q", errMalformed, resp.Category)
	}

	out := base
	out.Category = category
	out.Subcategory = firstNonEmpty(resp.Subcategory, defaultSubcategory)
	if category == base.Category && resp.Subcategory == "" {
		out.Subcategory = base.Subcategory
	}
	if resp.Tags != nil {
		out.Tags = cleanList(resp.Tags, 20)
	}
	if s := oneOf(resp.Sentiment, SentimentPositive, SentimentNegative, SentimentNeutral); s != "" {
		out.Sentiment = s
	}
	if p := oneOf(resp.Priority, PriorityHigh, PriorityMedium, PriorityLow); p != "" {
		out.Priority = p
	}
	if resp.Relevance != nil && !math.IsNaN(*resp.Relevance) {
		out.Relevance = clamp(*resp.Relevance)
	}
	if s := extract.Clean(resp.Summary); s != "" {
		out.Summary = extract.Truncate(s, SummaryLimit)
	}
	if resp.Keywords != nil {
		out.Keywords = cleanList(resp.Keywords, MaxKeywords)
	}
	if resp.RecommendedActions != nil {
		out.RecommendedActions = cleanList(resp.RecommendedActions, 10)
	} else if r, ok := ruleFor(category); ok && category != base.Category {
		out.RecommendedActions = append([]string(nil), r.Actions...)
	}
	out.Provenance = crawler.ProvenanceLLM
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		s = s[i : j+1]
	}
	return strings.TrimSpace(s)
}

func canonicalCategory(s string) string {
	f := extract.Fold(extract.Clean(s))
	if f == "" {
		return ""
	}
	for _, c := range Categories() {
		if extract.Fold(c) == f {
			return c
		}
	}
	return ""
}

func oneOf(s string, allowed ...string) string {
	f := extract.Fold(extract.Clean(s))
	for _, a := range allowed {
		if f == a {
			return a
		}
	}
	return ""
}

func cleanList(values []string, limit int) []string {
	out := []string{}
	for _, v := range values {
		if v = extract.Clean(v); v != "" {
			out = append(out, v)
		}
		if len(out) == limit {
			break
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = extract.Clean(v); v != "" {
			return v
		}
	}
	return ""
}
