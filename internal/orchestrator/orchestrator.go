// Package orchestrator runs scrape sessions: it walks the configured sources,
// paginates their listings, and pushes every page through parsing,
// validation, categorization and persistence while keeping per-source and
// session accounting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/edital-crawler/internal/budget"
	"github.com/JakeFAU/edital-crawler/internal/categorize"
	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/metrics"
	"github.com/JakeFAU/edital-crawler/internal/parser"
	"github.com/JakeFAU/edital-crawler/internal/progress"
)

const (
	// MaxSourceConcurrency caps parallel sources regardless of configuration.
	MaxSourceConcurrency = 8
	// DefaultSessionBudget is the soft wall-clock budget of one session.
	DefaultSessionBudget = 300 * time.Second
	// DefaultMaxPages applies when neither the source nor the config sets one.
	DefaultMaxPages = 5

	tracerName = "github.com/JakeFAU/edital-crawler/internal/orchestrator"
)

// Config tunes session execution.
type Config struct {
	MaxPages          int
	JoomlaPageStep    int
	SourceConcurrency int
	ValidationWorkers int
	SessionBudget     time.Duration
	FetchTimeout      time.Duration
	UserAgent         string
	PathFallback      bool
	SnapshotPages     bool
	// Topic receives the session summary when a Publisher is set.
	Topic string
	// RunInterval schedules a source's next run after each attempt; zero leaves it unset.
	RunInterval time.Duration
	Retry       RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.JoomlaPageStep <= 0 {
		c.JoomlaPageStep = DefaultJoomlaStep
	}
	if c.SourceConcurrency <= 0 {
		c.SourceConcurrency = 1
	}
	if c.SourceConcurrency > MaxSourceConcurrency {
		c.SourceConcurrency = MaxSourceConcurrency
	}
	if c.ValidationWorkers <= 0 {
		c.ValidationWorkers = 4
	}
	if c.SessionBudget <= 0 {
		c.SessionBudget = DefaultSessionBudget
	}
	return c
}

// Parser turns a listing page into records.
type Parser interface {
	SelectAndParse(sourceID string, body []byte, baseURL string) (parser.Result, error)
}

// Validator scores an extracted record.
type Validator interface {
	Record(rec crawler.ExtractedRecord) crawler.ValidationReport
}

// Categorizer classifies a record; only context errors are returned.
type Categorizer interface {
	Categorize(ctx context.Context, in categorize.Input, opts categorize.Options) (categorize.Outcome, error)
}

// Drainer re-attempts deferred categorizations.
type Drainer interface {
	Process(ctx context.Context) (budget.DrainResult, error)
}

// Limiter enforces per-host politeness.
type Limiter interface {
	Acquire(ctx context.Context, rawURL string) (func(), error)
	PauseBetweenSources(ctx context.Context) error
}

// Hub receives run-log events and can be flushed before a session closes.
type Hub interface {
	progress.Emitter
	Flush(ctx context.Context) error
}

// Deps are the collaborators of an Orchestrator. Store, Fetcher, Parser,
// Validator, Categorizer, Clock and IDs are required.
type Deps struct {
	Store       crawler.Store
	Fetcher     crawler.Fetcher
	Headless    crawler.Fetcher
	Detector    crawler.HeadlessDetector
	Parser      Parser
	Validator   Validator
	Categorizer Categorizer
	Drainer     Drainer
	Limiter     Limiter
	Hub         Hub
	Blobs       crawler.BlobStore
	Publisher   crawler.Publisher
	Hasher      crawler.Hasher
	Clock       crawler.Clock
	Sleeper     Sleeper
	IDs         crawler.IDGenerator
	Logger      *zap.Logger
}

// RunOptions selects what a session crawls.
type RunOptions struct {
	// SourceIDs limits the session to these sources; empty means every active source.
	SourceIDs []string `json:"source_ids,omitempty"`
	// LocalOnly disables the LLM categorization pass.
	LocalOnly bool `json:"local_only,omitempty"`
}

// Orchestrator executes scrape sessions.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]*liveSession
	order    []string
	wg       sync.WaitGroup
}

// ErrNoDrainer is returned by ProcessWaiting when no Drainer is configured.
var ErrNoDrainer = errors.New("waiting job processing is not configured")

// maxRetainedSessions bounds how many finished sessions stay queryable in memory.
const maxRetainedSessions = 32

// New validates deps and returns an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("orchestrator: fetcher is required")
	case deps.Parser == nil:
		return nil, errors.New("orchestrator: parser is required")
	case deps.Validator == nil:
		return nil, errors.New("orchestrator: validator is required")
	case deps.Categorizer == nil:
		return nil, errors.New("orchestrator: categorizer is required")
	case deps.Clock == nil:
		return nil, errors.New("orchestrator: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("orchestrator: id generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Limiter == nil {
		deps.Limiter = noLimiter{}
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		logger:   deps.Logger.Named("orchestrator"),
		tracer:   otel.Tracer(tracerName),
		sessions: make(map[string]*liveSession),
	}, nil
}

// Run executes a session and blocks until it closes. The returned session is
// complete even when err is non-nil; err is set only for fatal failures.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (crawler.ScrapeSession, error) {
	ls, sources, err := o.prepare(ctx, opts)
	if err != nil {
		return crawler.ScrapeSession{}, err
	}
	return o.execute(ctx, ls, sources, opts)
}

// Start creates a session and runs it in the background, detached from ctx's
// cancellation. It returns the session id as soon as the session exists.
func (o *Orchestrator) Start(ctx context.Context, opts RunOptions) (string, error) {
	ls, sources, err := o.prepare(ctx, opts)
	if err != nil {
		return "", err
	}
	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.execute(runCtx, ls, sources, opts); err != nil {
			o.logger.Error("background session failed", zap.String("session_id", ls.session.ID), zap.Error(err))
		}
	}()
	return ls.session.ID, nil
}

// RunSource crawls one source in its own session and returns its result.
func (o *Orchestrator) RunSource(ctx context.Context, sourceID string) (crawler.SourceResult, error) {
	src, err := o.deps.Store.GetSource(ctx, sourceID)
	if err != nil {
		return crawler.SourceResult{}, fmt.Errorf("get source %s: %w", sourceID, err)
	}
	if !runnable(src) {
		return crawler.SourceResult{}, fmt.Errorf("run source %s: %w", sourceID, crawler.ErrSourceInactive)
	}
	session, err := o.Run(ctx, RunOptions{SourceIDs: []string{sourceID}})
	if len(session.Sources) == 0 {
		return crawler.SourceResult{}, err
	}
	return session.Sources[0], err
}

// Stop asks a running session to stop before its next source.
func (o *Orchestrator) Stop(sessionID string) error {
	ls := o.live(sessionID)
	if ls == nil {
		return crawler.ErrSessionNotFound
	}
	if !ls.requestStop("stopped by request") {
		return crawler.ErrSessionClosed
	}
	o.logger.Info("stop requested", zap.String("session_id", sessionID))
	return nil
}

// Session returns a snapshot of a session tracked in memory.
func (o *Orchestrator) Session(sessionID string) (crawler.ScrapeSession, bool) {
	ls := o.live(sessionID)
	if ls == nil {
		return crawler.ScrapeSession{}, false
	}
	return ls.snapshot(), true
}

// Wait blocks until the background session finishes or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) error {
	ls := o.live(sessionID)
	if ls == nil {
		return crawler.ErrSessionNotFound
	}
	select {
	case <-ls.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for session: %w", ctx.Err())
	}
}

// Shutdown requests every running session to stop and waits for them.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, ls := range o.sessions {
		ls.requestStop("shutdown")
	}
	o.mu.Unlock()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// ProcessWaiting re-attempts categorizations deferred for lack of budget.
func (o *Orchestrator) ProcessWaiting(ctx context.Context) (budget.DrainResult, error) {
	if o.deps.Drainer == nil {
		return budget.DrainResult{}, ErrNoDrainer
	}
	res, err := o.deps.Drainer.Process(ctx)
	if err != nil {
		return res, fmt.Errorf("process waiting jobs: %w", err)
	}
	return res, nil
}

func (o *Orchestrator) prepare(ctx context.Context, opts RunOptions) (*liveSession, []crawler.Source, error) {
	sources, err := o.selectSources(ctx, opts.SourceIDs)
	if err != nil {
		return nil, nil, crawler.Fatal(err)
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return nil, nil, crawler.Fatal(fmt.Errorf("new session id: %w", err))
	}
	ls := newLiveSession(id, o.deps.Clock.Now(), sources)
	if err := o.deps.Store.CreateSession(ctx, ls.snapshot()); err != nil {
		return nil, nil, crawler.Fatal(fmt.Errorf("create session: %w", err))
	}
	o.track(ls)
	return ls, sources, nil
}

func (o *Orchestrator) selectSources(ctx context.Context, ids []string) ([]crawler.Source, error) {
	if len(ids) == 0 {
		sources, err := o.deps.Store.ListSources(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("list sources: %w", err)
		}
		return sources, nil
	}
	out := make([]crawler.Source, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		src, err := o.deps.Store.GetSource(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get source %s: %w", id, err)
		}
		out = append(out, src)
	}
	return out, nil
}

func (o *Orchestrator) execute(
	ctx context.Context,
	ls *liveSession,
	sources []crawler.Source,
	opts RunOptions,
) (crawler.ScrapeSession, error) {
	sessionID := ls.session.ID
	ctx, span := o.tracer.Start(ctx, "orchestrator.session",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.Int("session.sources", len(sources))))
	defer span.End()

	deadline := ls.session.StartedAt.Add(o.cfg.SessionBudget)
	o.emit(ls, crawler.LogEntry{Status: crawler.LogInfo, Message: fmt.Sprintf("session started with %d sources", len(sources))})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SourceConcurrency)
	// Stop and budget are checked when a source acquires a slot, not when it
	// is queued.
	var budgetExhausted atomic.Bool
	for i, src := range sources {
		if !runnable(src) {
			o.skip(ls, src, skipReason(src))
			continue
		}
		pause := i > 0
		g.Go(func() error {
			if stop, _ := ls.stopRequested(); stop || gctx.Err() != nil {
				o.skip(ls, src, "session stopped")
				return nil
			}
			if !o.deps.Clock.Now().Before(deadline) {
				budgetExhausted.Store(true)
				o.skip(ls, src, "session budget exhausted")
				return nil
			}
			if pause {
				if err := o.deps.Limiter.PauseBetweenSources(gctx); err != nil && gctx.Err() != nil {
					o.skip(ls, src, "session stopped")
					return nil
				}
			}
			return o.runSource(gctx, ls, src, opts)
		})
	}
	runErr := g.Wait()

	status := crawler.SessionCompleted
	reason := ""
	stopped, note := ls.stopRequested()
	switch {
	case runErr != nil:
		status = crawler.SessionFailed
		reason = runErr.Error()
		ls.addError("session: " + runErr.Error())
	case ctx.Err() != nil:
		status = crawler.SessionStopped
		reason = ctx.Err().Error()
	case stopped:
		status = crawler.SessionStopped
		reason = note
	case budgetExhausted.Load():
		reason = "session budget exhausted"
	}
	return o.close(ctx, ls, status, reason, span, runErr)
}

func (o *Orchestrator) close(
	ctx context.Context,
	ls *liveSession,
	status crawler.SessionStatus,
	reason string,
	span trace.Span,
	runErr error,
) (crawler.ScrapeSession, error) {
	closeCtx := context.WithoutCancel(ctx)
	entry := crawler.LogEntry{Status: crawler.LogSuccess, Message: "session " + string(status)}
	if status == crawler.SessionFailed {
		entry.Status = crawler.LogError
		entry.Error = reason
	} else if reason != "" {
		entry.Message += ": " + reason
	}
	o.emit(ls, entry)
	if o.deps.Hub != nil {
		if err := o.deps.Hub.Flush(closeCtx); err != nil {
			o.logger.Warn("progress flush failed", zap.String("session_id", ls.session.ID), zap.Error(err))
		}
	}

	session := ls.finish(status, reason, o.deps.Clock.Now())
	metrics.ObserveSession(string(status))
	if err := o.deps.Store.CloseSession(closeCtx, session); err != nil {
		runErr = errors.Join(runErr, crawler.Fatal(fmt.Errorf("close session: %w", err)))
	}
	o.publish(closeCtx, session)

	span.SetAttributes(
		attribute.String("session.status", string(status)),
		attribute.Int("session.saved", session.Totals.Saved),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	o.logger.Info("session closed",
		zap.String("session_id", session.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("found", session.Totals.Found),
		zap.Int("saved", session.Totals.Saved),
		zap.Int("duplicates", session.Totals.Duplicates),
		zap.Int("rejected", session.Totals.Rejected),
		zap.Int("errors", session.Totals.Errors),
	)
	return session, runErr
}

// Summary is the notification published when a session closes.
type Summary struct {
	SessionID  string                 `json:"session_id"`
	Status     crawler.SessionStatus  `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Totals     crawler.Counters       `json:"totals"`
	Sources    []crawler.SourceResult `json:"sources"`
	Errors     []string               `json:"errors,omitempty"`
	StopReason string                 `json:"stop_reason,omitempty"`
}

// SummaryOf builds the notification payload for a session.
func SummaryOf(s crawler.ScrapeSession) Summary {
	return Summary{
		SessionID:  s.ID,
		Status:     s.Status,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Totals:     s.Totals,
		Sources:    s.Sources,
		Errors:     s.Errors,
		StopReason: s.StopReason,
	}
}

func (o *Orchestrator) publish(ctx context.Context, session crawler.ScrapeSession) {
	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return
	}
	id, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, SummaryOf(session))
	if err != nil {
		o.logger.Warn("publish session summary failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	o.logger.Debug("session summary published", zap.String("session_id", session.ID), zap.String("message_id", id))
}

func (o *Orchestrator) skip(ls *liveSession, src crawler.Source, reason string) {
	ls.update(src.ID, func(r *crawler.SourceResult) { r.State = crawler.StateSkipped })
	metrics.ObserveSourceRun(string(crawler.StateSkipped))
	o.emit(ls, crawler.LogEntry{
		SourceID: src.ID,
		Stage:    crawler.StateSkipped,
		Status:   crawler.LogInfo,
		Message:  "source skipped: " + reason,
	})
}

// emit stamps entry, records it on the live session and forwards it to the
// hub, or straight to the store when no hub is configured.
func (o *Orchestrator) emit(ls *liveSession, entry crawler.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = o.deps.Clock.Now()
	}
	ls.appendLog(entry)
	sessionID := ls.session.ID
	if o.deps.Hub != nil {
		o.deps.Hub.Emit(progress.Event{SessionID: sessionID, Entry: entry})
		return
	}
	if err := o.deps.Store.AppendLog(context.Background(), sessionID, entry); err != nil {
		o.logger.Warn("append log failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (o *Orchestrator) track(ls *liveSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions[ls.session.ID] = ls
	o.order = append(o.order, ls.session.ID)
	for len(o.order) > maxRetainedSessions {
		oldest := o.sessions[o.order[0]]
		select {
		case <-oldest.done:
		default:
			return
		}
		delete(o.sessions, o.order[0])
		o.order = o.order[1:]
	}
}

func (o *Orchestrator) live(id string) *liveSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[id]
}

func runnable(src crawler.Source) bool {
	return src.Active && src.CMS != crawler.CMSUnsupported && len(src.Listings()) > 0
}

func skipReason(src crawler.Source) string {
	switch {
	case !src.Active:
		return "inactive"
	case src.CMS == crawler.CMSUnsupported:
		return "unsupported cms"
	default:
		return "no listing url"
	}
}

type noLimiter struct{}

func (noLimiter) Acquire(context.Context, string) (func(), error) { return func() {}, nil }
func (noLimiter) PauseBetweenSources(context.Context) error       { return nil }
