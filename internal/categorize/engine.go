// Package categorize classifies extracted records into business categories.
// A deterministic rule pass always runs; an LLM pass may replace its result
// when a provider is configured and the budget allows it.
package categorize

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
	"github.com/JakeFAU/edital-crawler/internal/metrics"
)

// Budget gates LLM calls.
type Budget interface {
	CanProcessSingle(ctx context.Context) bool
	CanProcessBatch(ctx context.Context, n int) bool
}

// Input is the text a record is classified on.
type Input struct {
	Title       string
	Content     string
	PublishedAt *time.Time
}

// InputFromRecord builds the classification input for an extracted record.
func InputFromRecord(rec crawler.ExtractedRecord) Input {
	content := rec.RawSnippet
	if content == "" {
		content = rec.Object
	}
	return Input{Title: rec.Title, Content: content, PublishedAt: rec.PublishedAt}
}

// Options tune a single Categorize call.
type Options struct {
	// LocalOnly skips the cache and LLM passes.
	LocalOnly bool
	// SkipCache forces a fresh LLM call.
	SkipCache bool
}

// Outcome is the result of Categorize. Deferred is set when the LLM pass was
// wanted but the budget refused it.
type Outcome struct {
	Result   crawler.CategorizationResult
	Deferred bool
}

// Stats is a snapshot of how categorizations were produced.
type Stats struct {
	ViaCache      int64 `json:"via_cache"`
	ViaOpenRouter int64 `json:"via_openrouter"`
	ViaLocal      int64 `json:"via_nlp_local"`
}

// Config holds LLM pass parameters.
type Config struct {
	Temperature float64
	MaxTokens   int
}

// Option configures an Engine.
type Option func(*Engine)

// WithProvider enables the LLM pass.
func WithProvider(p crawler.LLMProvider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithBudget gates the LLM pass on b.
func WithBudget(b Budget) Option {
	return func(e *Engine) { e.budget = b }
}

// WithCache enables the response cache.
func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithConfig sets LLM completion parameters.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

// Engine runs the rule pass and the optional LLM pass.
type Engine struct {
	provider crawler.LLMProvider
	budget   Budget
	cache    Cache
	clock    crawler.Clock
	logger   *zap.Logger
	cfg      Config

	viaCache atomic.Int64
	viaLLM   atomic.Int64
	viaLocal atomic.Int64
}

// New returns an Engine. Without WithProvider it only runs the rule pass.
func New(clock crawler.Clock, opts ...Option) *Engine {
	e := &Engine{
		clock:  clock,
		logger: zap.NewNop(),
		cfg:    Config{Temperature: 0.2, MaxTokens: 800},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		ViaCache:      e.viaCache.Load(),
		ViaOpenRouter: e.viaLLM.Load(),
		ViaLocal:      e.viaLocal.Load(),
	}
}

// LLMEnabled reports whether a provider is configured.
func (e *Engine) LLMEnabled() bool { return e.provider != nil }

// Categorize classifies in. The only error it returns is context cancellation.
func (e *Engine) Categorize(ctx context.Context, in Input, opts Options) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	base := e.Rules(in)
	if opts.LocalOnly || e.provider == nil {
		return e.local(base, false), nil
	}

	key := CacheKey(in.Title, in.Content)
	if e.cache != nil && !opts.SkipCache {
		cached, ok, err := e.cache.Get(ctx, key)
		switch {
		case err != nil:
			e.logger.Warn("categorization cache lookup failed", zap.Error(err))
		case ok:
			cached.Provenance = crawler.ProvenanceCache
			e.viaCache.Add(1)
			metrics.ObserveCategorization(metrics.PathCache)
			return Outcome{Result: cached}, nil
		}
	}

	if e.budget != nil && !e.budget.CanProcessSingle(ctx) {
		return e.local(base, true), nil
	}

	res, err := e.complete(ctx, in, base)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		e.logger.Warn("llm categorization failed, using rule-based result",
			zap.String("title", extract.Truncate(in.Title, 80)), zap.Error(err))
		return e.local(base, false), nil
	}
	if e.cache != nil {
		if err := e.cache.Set(ctx, key, res); err != nil {
			e.logger.Warn("categorization cache store failed", zap.Error(err))
		}
	}
	e.viaLLM.Add(1)
	metrics.ObserveCategorization(metrics.PathOpenRouter)
	return Outcome{Result: res}, nil
}

// Recategorize re-runs the LLM pass for a stored record, bypassing the cache.
// It reports false when the LLM did not produce the result.
func (e *Engine) Recategorize(ctx context.Context, rec crawler.StoredRecord) (crawler.CategorizationResult, bool) {
	out, err := e.Categorize(ctx, InputFromRecord(rec.Record), Options{SkipCache: true})
	if err != nil || out.Deferred || out.Result.Provenance != crawler.ProvenanceLLM {
		return crawler.CategorizationResult{}, false
	}
	return out.Result, true
}

// CanProcessBatch reports whether the budget allows n LLM calls.
func (e *Engine) CanProcessBatch(ctx context.Context, n int) bool {
	if e.provider == nil {
		return false
	}
	if e.budget == nil {
		return true
	}
	return e.budget.CanProcessBatch(ctx, n)
}

func (e *Engine) local(base crawler.CategorizationResult, deferred bool) Outcome {
	e.viaLocal.Add(1)
	metrics.ObserveCategorization(metrics.PathLocal)
	return Outcome{Result: base, Deferred: deferred}
}

func (e *Engine) complete(ctx context.Context, in Input, base crawler.CategorizationResult) (crawler.CategorizationResult, error) {
	raw, err := e.provider.Complete(ctx, buildPrompt(in), crawler.CompletionOptions{
		System:      systemPrompt,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		var llmErr *crawler.LLMError
		if errors.As(err, &llmErr) {
			e.logger.Debug("llm provider error", zap.Int("status", llmErr.StatusCode))
		}
		return base, err
	}
	res, err := parseResponse(raw, base)
	if err != nil {
		return base, err
	}
	res.CreatedAt = e.now()
	return res, nil
}

// Rules runs the deterministic rule pass. Category, subcategory and tags depend
// only on the title and content.
func (e *Engine) Rules(in Input) crawler.CategorizationResult {
	text := extract.Clean(in.Title + "\n" + in.Content)
	folded := extract.Fold(text)

	r := matchRule(folded)
	entities := extractEntities(text)
	prio := e.priority(r, folded, in.PublishedAt)

	relevance := 50 + r.Bonus + priorityBonus(prio) + entityBonus(entities)

	summary := summarize(in.Content)
	if summary == "" {
		summary = summarize(in.Title)
	}
	return crawler.CategorizationResult{
		Category:           r.Category,
		Subcategory:        subcategory(r, folded),
		Tags:               tags(r, folded),
		Sentiment:          sentiment(folded),
		Priority:           prio,
		Relevance:          clamp(relevance),
		Summary:            summary,
		Keywords:           keywords(folded),
		Entities:           entities,
		RecommendedActions: append([]string(nil), r.Actions...),
		Provenance:         crawler.ProvenanceRules,
		CreatedAt:          e.now(),
	}
}

func (e *Engine) priority(r rule, folded string, published *time.Time) string {
	if urgency.MatchString(folded) {
		return PriorityHigh
	}
	if published == nil {
		return PriorityLow
	}
	age := e.now().Sub(*published)
	switch {
	case age <= 7*24*time.Hour && r.Category != CategoryOutros:
		return PriorityHigh
	case age <= 30*24*time.Hour:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}

func priorityBonus(p string) float64 {
	switch p {
	case PriorityHigh:
		return 15
	case PriorityMedium:
		return 5
	default:
		return 0
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
