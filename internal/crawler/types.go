package crawler

import (
	"net/http"
	"time"
)

// CMSHint tells the orchestrator which pagination scheme and parser family a source likely uses.
type CMSHint string

// Known CMS hints accepted from the source catalog.
const (
	CMSWordPress   CMSHint = "wordpress"
	CMSJoomla      CMSHint = "joomla"
	CMSCustomTable CMSHint = "custom-table"
	CMSGeneric     CMSHint = "generic"
	CMSUnsupported CMSHint = "unsupported"
)

// ParseCMSHint normalizes catalog values, defaulting unknown strings to generic.
func ParseCMSHint(raw string) CMSHint {
	switch CMSHint(raw) {
	case CMSWordPress, CMSJoomla, CMSCustomTable, CMSUnsupported:
		return CMSHint(raw)
	case "custom", "table", "customtable":
		return CMSCustomTable
	default:
		return CMSGeneric
	}
}

// Source is a configured portal that publishes procurement notices or news.
type Source struct {
	ID           string     `json:"id" yaml:"id"`
	Name         string     `json:"name" yaml:"name"`
	BaseURL      string     `json:"base_url" yaml:"base_url"`
	ListingURLs  []string   `json:"listing_urls" yaml:"listing_urls"`
	CMS          CMSHint    `json:"cms" yaml:"cms"`
	Active       bool       `json:"active" yaml:"active"`
	RenderJS     bool       `json:"render_js" yaml:"render_js"`
	MaxPages     int        `json:"max_pages" yaml:"max_pages"`
	SuccessRate  float64    `json:"success_rate"`
	TotalRecords int        `json:"total_records"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
}

// Listings returns the URLs to crawl, falling back to the base URL when none are configured.
func (s Source) Listings() []string {
	if len(s.ListingURLs) == 0 {
		if s.BaseURL == "" {
			return nil
		}
		return []string{s.BaseURL}
	}
	return s.ListingURLs
}

// SourceRunStats is the per-run feedback written back onto a Source.
type SourceRunStats struct {
	Succeeded  bool
	Saved      int
	FinishedAt time.Time
	NextRunAt  *time.Time
}

// SuccessRateAlpha weights the latest run in the rolling success rate.
const SuccessRateAlpha = 0.3

// ApplyRun folds one run's outcome into the source's rolling stats. The first
// recorded run seeds the rate directly.
func (s *Source) ApplyRun(stats SourceRunStats) {
	outcome := 0.0
	if stats.Succeeded {
		outcome = 1
	}
	if s.LastRunAt == nil {
		s.SuccessRate = outcome
	} else {
		s.SuccessRate = SuccessRateAlpha*outcome + (1-SuccessRateAlpha)*s.SuccessRate
	}
	s.TotalRecords += stats.Saved
	finished := stats.FinishedAt
	s.LastRunAt = &finished
	s.NextRunAt = stats.NextRunAt
}

// FetchRequest describes a single page retrieval.
type FetchRequest struct {
	URL           string
	BaseURL       string
	UserAgent     string
	Timeout       time.Duration
	AllowFallback bool
	Headless      bool
}

// FetchResponse captures the metadata for a fetched page.
type FetchResponse struct {
	URL          string
	FinalURL     string
	StatusCode   int
	Body         []byte
	Headers      http.Header
	Duration     time.Duration
	UsedHeadless bool
	// Attempted lists every URL tried, primary first.
	Attempted []string
}

// RawDocument is one fetched listing page handed to the parser.
type RawDocument struct {
	SourceID     string
	URL          string
	FinalURL     string
	Page         int
	FetchedAt    time.Time
	HTML         []byte
	StatusCode   int
	UsedHeadless bool
}

// KeyKind records how a natural key was derived.
type KeyKind string

// Natural key derivation tiers, strongest first.
const (
	KeyTyped     KeyKind = "typed"
	KeyURL       KeyKind = "url"
	KeyBare      KeyKind = "bare"
	KeySynthetic KeyKind = "synthetic"
	KeyNone      KeyKind = "none"
)

// NoKey is the natural key placeholder used when nothing could be derived.
const NoKey = "S/N"

// RecordKind separates procurement notices from general news items.
type RecordKind string

// Record kinds.
const (
	KindLicitacao RecordKind = "licitacao"
	KindNoticia   RecordKind = "noticia"
)

// RecordStatus is the procurement status extracted from the notice text.
type RecordStatus string

// Recognized procurement statuses.
const (
	StatusAberta     RecordStatus = "aberta"
	StatusAndamento  RecordStatus = "em_andamento"
	StatusEncerrada  RecordStatus = "encerrada"
	StatusSuspensa   RecordStatus = "suspensa"
	StatusRevogada   RecordStatus = "revogada"
	StatusAnulada    RecordStatus = "anulada"
	StatusDeserta    RecordStatus = "deserta"
	StatusFracassada RecordStatus = "fracassada"
	StatusHomologada RecordStatus = "homologada"
	StatusUnknown    RecordStatus = "unknown"
)

// Attachment is a linked document found next to a record.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Contact holds the responsible party details when the notice lists them.
type Contact struct {
	Responsible string `json:"responsible,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// ExtractedRecord is a single notice or news item derived from a listing page.
type ExtractedRecord struct {
	SourceID         string       `json:"source_id"`
	NaturalKey       string       `json:"natural_key"`
	KeyKind          KeyKind      `json:"key_kind"`
	DedupKey         string       `json:"dedup_key"`
	Kind             RecordKind   `json:"kind"`
	Title            string       `json:"title"`
	Object           string       `json:"object"`
	Modality         string       `json:"modality,omitempty"`
	CategoryOriginal string       `json:"category_original,omitempty"`
	Value            *float64     `json:"value,omitempty"`
	ValueLowConf     bool         `json:"value_low_confidence,omitempty"`
	PublishedAt      *time.Time   `json:"published_at,omitempty"`
	OpeningAt        *time.Time   `json:"opening_at,omitempty"`
	Status           RecordStatus `json:"status"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Contact          *Contact     `json:"contact,omitempty"`
	URL              string       `json:"url,omitempty"`
	RawSnippet       string       `json:"raw_snippet,omitempty"`
	Strategy         string       `json:"strategy"`
}

// RecordRef addresses a stored record.
type RecordRef struct {
	SourceID string `json:"source_id"`
	DedupKey string `json:"dedup_key"`
}

// Ref returns the storage reference for the record.
func (r ExtractedRecord) Ref() RecordRef {
	return RecordRef{SourceID: r.SourceID, DedupKey: r.DedupKey}
}

// FieldCheck is the per-field validation outcome.
type FieldCheck struct {
	Raw        string  `json:"raw"`
	Processed  string  `json:"processed"`
	Confidence float64 `json:"confidence"`
	Valid      bool    `json:"valid"`
	// Relevance is only meaningful for the object field.
	Relevance float64 `json:"relevance,omitempty"`
}

// Field names used in validation reports.
const (
	FieldEdital     = "edital"
	FieldObjeto     = "objeto"
	FieldPublicacao = "data_publicacao"
	FieldAbertura   = "data_abertura"
	FieldValor      = "valor_estimado"
	FieldModalidade = "modalidade"
)

// ValidationReport scores one extracted record.
type ValidationReport struct {
	Fields         map[string]FieldCheck `json:"fields"`
	QualityScore   float64               `json:"quality_score"`
	RelevanceScore float64               `json:"relevance_score"`
	IsRelevant     bool                  `json:"is_relevant"`
}

// Provenance records which pass produced a categorization.
type Provenance string

// Categorization provenance values.
const (
	ProvenanceRules Provenance = "rule-based"
	ProvenanceLLM   Provenance = "llm"
	ProvenanceCache Provenance = "cache"
)

// Entities extracted from record text, capped per type.
type Entities struct {
	Dates        []string `json:"dates,omitempty"`
	Values       []string `json:"values,omitempty"`
	Processes    []string `json:"processes,omitempty"`
	Institutions []string `json:"institutions,omitempty"`
	Locations    []string `json:"locations,omitempty"`
}

// CategorizationResult is immutable once created; reclassification appends a new one.
type CategorizationResult struct {
	Category           string     `json:"category"`
	Subcategory        string     `json:"subcategory"`
	Tags               []string   `json:"tags"`
	Sentiment          string     `json:"sentiment"`
	Priority           string     `json:"priority"`
	Relevance          float64    `json:"relevance"`
	Summary            string     `json:"summary"`
	Keywords           []string   `json:"keywords"`
	Entities           Entities   `json:"entities"`
	RecommendedActions []string   `json:"recommended_actions"`
	Provenance         Provenance `json:"provenance"`
	CreatedAt          time.Time  `json:"created_at"`
}

// StoredRecord is the unit persisted by a RecordStore.
type StoredRecord struct {
	Record         ExtractedRecord       `json:"record"`
	Validation     ValidationReport      `json:"validation"`
	Categorization *CategorizationResult `json:"categorization,omitempty"`
	SessionID      string                `json:"session_id"`
	CreatedAt      time.Time             `json:"created_at"`
}

// SourceState is the per-source lifecycle inside a session.
type SourceState string

// Source states in order of progression.
const (
	StatePending      SourceState = "pending"
	StateFetching     SourceState = "fetching"
	StateParsing      SourceState = "parsing"
	StateValidating   SourceState = "validating"
	StateCategorizing SourceState = "categorizing"
	StatePersisting   SourceState = "persisting"
	StateCompleted    SourceState = "completed"
	StateFailed       SourceState = "failed"
	StateSkipped      SourceState = "skipped"
)

// Terminal reports whether the state is final.
func (s SourceState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

// Counters aggregates record accounting.
type Counters struct {
	Found      int `json:"found"`
	Saved      int `json:"saved"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Errors     int `json:"errors"`
}

// Add accumulates o into c.
func (c *Counters) Add(o Counters) {
	c.Found += o.Found
	c.Saved += o.Saved
	c.Duplicates += o.Duplicates
	c.Rejected += o.Rejected
	c.Errors += o.Errors
}

// SourceResult is the per-source outcome tracked by a session.
type SourceResult struct {
	SourceID   string      `json:"source_id"`
	State      SourceState `json:"state"`
	Counters   Counters    `json:"counters"`
	Pages      int         `json:"pages"`
	Attempts   int         `json:"attempts"`
	Strategy   string      `json:"strategy,omitempty"`
	Deferred   int         `json:"deferred,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// SessionStatus tracks a scrape session lifecycle.
type SessionStatus string

// Session statuses.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionStopped   SessionStatus = "stopped"
	SessionFailed    SessionStatus = "failed"
)

// LogStatus classifies run-log entries.
type LogStatus string

// Run-log statuses.
const (
	LogInfo     LogStatus = "info"
	LogSuccess  LogStatus = "success"
	LogWarning  LogStatus = "warning"
	LogRejected LogStatus = "rejected"
	LogError    LogStatus = "error"
)

// LogEntry is one ordered run-log line.
type LogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	SourceID  string      `json:"source_id,omitempty"`
	Stage     SourceState `json:"stage,omitempty"`
	Status    LogStatus   `json:"status"`
	Message   string      `json:"message"`
	Error     string      `json:"error,omitempty"`
}

// ScrapeSession is one batch run; immutable once closed.
type ScrapeSession struct {
	ID         string         `json:"id"`
	Status     SessionStatus  `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Sources    []SourceResult `json:"sources"`
	Totals     Counters       `json:"totals"`
	Logs       []LogEntry     `json:"logs,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// Closed reports whether the session reached a terminal status.
func (s ScrapeSession) Closed() bool {
	return s.Status != SessionRunning && s.Status != ""
}

// CreditState classifies the LLM account balance.
type CreditState string

// Credit states reported by a BudgetChecker.
const (
	CreditFree         CreditState = "free"
	CreditLimited      CreditState = "limited"
	CreditOK           CreditState = "ok"
	CreditInsufficient CreditState = "insufficient"
)

// CreditStatus is the budget snapshot used to gate LLM calls.
type CreditStatus struct {
	Balance float64     `json:"balance"`
	State   CreditState `json:"state"`
}

// WaitingJobStatus tracks deferred work.
type WaitingJobStatus string

// Waiting job statuses.
const (
	WaitingPending    WaitingJobStatus = "waiting"
	WaitingProcessing WaitingJobStatus = "processing"
	WaitingDone       WaitingJobStatus = "done"
	WaitingFailed     WaitingJobStatus = "failed"
)

// WaitingJob is LLM work deferred for lack of budget.
type WaitingJob struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Count      int              `json:"count"`
	Reason     string           `json:"reason"`
	Status     WaitingJobStatus `json:"status"`
	RecordRefs []RecordRef      `json:"record_refs,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// CompletionOptions tunes a single LLM completion.
type CompletionOptions struct {
	System      string
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}
