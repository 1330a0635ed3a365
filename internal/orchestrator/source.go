package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/edital-crawler/internal/categorize"
	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/hash/sha256"
	"github.com/JakeFAU/edital-crawler/internal/metrics"
)

// sourceRun carries the state of one source inside a session.
type sourceRun struct {
	ls       *liveSession
	src      crawler.Source
	opts     RunOptions
	counters crawler.Counters
	pages    int
	attempts int
	strategy string
	deferred []crawler.RecordRef
	logger   *zap.Logger
}

// runSource crawls every listing of src. Only fatal errors are returned; any
// other failure marks the source failed and the session carries on.
func (o *Orchestrator) runSource(ctx context.Context, ls *liveSession, src crawler.Source, opts RunOptions) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.source", trace.WithAttributes(attribute.String("source.id", src.ID)))
	defer span.End()
	metrics.IncActiveSources()
	defer metrics.DecActiveSources()

	run := &sourceRun{
		ls:     ls,
		src:    src,
		opts:   opts,
		logger: o.logger.With(zap.String("session_id", ls.session.ID), zap.String("source_id", src.ID)),
	}
	started := o.deps.Clock.Now()
	ls.update(src.ID, func(r *crawler.SourceResult) { r.StartedAt = &started })
	o.emit(ls, crawler.LogEntry{SourceID: src.ID, Stage: crawler.StatePending, Status: crawler.LogInfo,
		Message: "source started: " + src.Name})

	var err error
	for _, listing := range src.Listings() {
		if err = o.crawlListing(ctx, run, listing); err != nil {
			break
		}
	}

	finished := o.deps.Clock.Now()
	state := crawler.StateCompleted
	errText := ""
	if err != nil {
		state = crawler.StateFailed
		errText = err.Error()
		run.counters.Errors++
		span.RecordError(err)
		span.SetStatus(codes.Error, errText)
	}
	if enqErr := o.enqueueDeferred(ctx, run); enqErr != nil {
		err = errors.Join(err, enqErr)
		state = crawler.StateFailed
		errText = err.Error()
	}
	ls.update(src.ID, func(r *crawler.SourceResult) {
		r.State = state
		r.Counters = run.counters
		r.Pages = run.pages
		r.Attempts = run.attempts
		r.Strategy = run.strategy
		r.Deferred = len(run.deferred)
		r.FinishedAt = &finished
		r.Error = errText
	})
	o.recordSourceMetrics(run, state)
	span.SetAttributes(attribute.String("source.state", string(state)), attribute.Int("source.saved", run.counters.Saved))

	fatal := err != nil && crawler.IsFatal(err)
	if err != nil {
		ls.addError(fmt.Sprintf("%s: %s", src.ID, errText))
		o.emit(ls, crawler.LogEntry{SourceID: src.ID, Stage: crawler.StateFailed, Status: crawler.LogError,
			Message: "source failed", Error: errText})
	} else {
		o.emit(ls, crawler.LogEntry{SourceID: src.ID, Stage: crawler.StateCompleted, Status: crawler.LogSuccess,
			Message: fmt.Sprintf("source completed: %d found, %d saved, %d duplicates, %d rejected",
				run.counters.Found, run.counters.Saved, run.counters.Duplicates, run.counters.Rejected)})
	}

	statsErr := o.updateSourceStats(context.WithoutCancel(ctx), run, state == crawler.StateCompleted, finished)
	if fatal {
		if statsErr != nil {
			run.logger.Error("update source stats failed", zap.Error(statsErr))
		}
		return err
	}
	if statsErr != nil {
		return crawler.Fatal(statsErr)
	}
	return nil
}

// crawlListing walks the pages of one listing URL in ascending order.
func (o *Orchestrator) crawlListing(ctx context.Context, run *sourceRun, listing string) error {
	maxPages := run.src.MaxPages
	if maxPages <= 0 {
		maxPages = o.cfg.MaxPages
	}
	prevHash := ""
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl %s: %w", listing, err)
		}
		pageURL, err := PageURL(listing, run.src.CMS, page, o.cfg.JoomlaPageStep)
		if err != nil {
			return err
		}

		o.setState(run, crawler.StateFetching)
		resp, err := o.fetchWithRetry(ctx, run, pageURL, page)
		if err != nil {
			if page > 1 && endOfListing(err) {
				o.info(run, crawler.StateFetching, fmt.Sprintf("pagination ended at page %d: %v", page, err))
				return nil
			}
			return err
		}
		digest := o.digest(resp.Body)
		if page > 1 && digest == prevHash {
			o.info(run, crawler.StateFetching, fmt.Sprintf("page %d repeats the previous page, stopping", page))
			return nil
		}
		prevHash = digest
		run.pages++
		o.snapshot(ctx, run, page, digest, resp.Body)

		doc := crawler.RawDocument{
			SourceID:     run.src.ID,
			URL:          pageURL,
			FinalURL:     firstNonEmpty(resp.FinalURL, pageURL),
			Page:         page,
			FetchedAt:    o.deps.Clock.Now(),
			HTML:         resp.Body,
			StatusCode:   resp.StatusCode,
			UsedHeadless: resp.UsedHeadless,
		}
		n, err := o.processPage(ctx, run, doc)
		if err != nil {
			return err
		}
		if n == 0 {
			o.info(run, crawler.StateParsing, fmt.Sprintf("page %d has no records", page))
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) fetchWithRetry(ctx context.Context, run *sourceRun, pageURL string, page int) (crawler.FetchResponse, error) {
	var resp crawler.FetchResponse
	attempts, err := o.cfg.Retry.Do(ctx, o.deps.Sleeper, func(ctx context.Context) error {
		r, err := o.fetch(ctx, run.src, pageURL, page)
		if err != nil {
			if crawler.IsTransient(err) {
				o.emit(run.ls, crawler.LogEntry{SourceID: run.src.ID, Stage: crawler.StateFetching,
					Status: crawler.LogWarning, Message: "fetch failed, will retry if attempts remain", Error: err.Error()})
			}
			return err
		}
		resp = r
		return nil
	})
	run.attempts += attempts
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch page %d: %w", page, err)
	}
	return resp, nil
}

func (o *Orchestrator) fetch(ctx context.Context, src crawler.Source, pageURL string, page int) (crawler.FetchResponse, error) {
	release, err := o.deps.Limiter.Acquire(ctx, pageURL)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	defer release()

	req := crawler.FetchRequest{
		URL:           pageURL,
		BaseURL:       src.BaseURL,
		UserAgent:     o.cfg.UserAgent,
		Timeout:       o.cfg.FetchTimeout,
		AllowFallback: o.cfg.PathFallback && page == 1,
	}
	resp, err := o.deps.Fetcher.Fetch(ctx, req)
	metrics.ObservePageFetch(pageURL, statusLabel(resp.StatusCode, err), len(resp.Body), resp.Duration)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	return o.maybeRender(ctx, src, req, resp), nil
}

// maybeRender re-fetches through the headless browser when the source opts in
// or the probe looks like a script shell. A failed render keeps the probe.
func (o *Orchestrator) maybeRender(
	ctx context.Context,
	src crawler.Source,
	req crawler.FetchRequest,
	probe crawler.FetchResponse,
) crawler.FetchResponse {
	if o.deps.Headless == nil {
		return probe
	}
	if !src.RenderJS && (o.deps.Detector == nil || !o.deps.Detector.ShouldPromote(probe)) {
		return probe
	}
	req.URL = firstNonEmpty(probe.FinalURL, req.URL)
	req.Headless = true
	req.AllowFallback = false
	rendered, err := o.deps.Headless.Fetch(ctx, req)
	if err != nil {
		o.logger.Warn("headless render failed, using probe response",
			zap.String("source_id", src.ID), zap.String("url", req.URL), zap.Error(err))
		return probe
	}
	return rendered
}

func (o *Orchestrator) snapshot(ctx context.Context, run *sourceRun, page int, digest string, body []byte) {
	if !o.cfg.SnapshotPages || o.deps.Blobs == nil {
		return
	}
	path := fmt.Sprintf("snapshots/%s/%s/%d-%s.html", run.ls.session.ID, run.src.ID, page, digest)
	uri, err := o.deps.Blobs.PutObject(ctx, path, "text/html; charset=utf-8", body)
	if err != nil {
		run.logger.Warn("page snapshot failed", zap.Int("page", page), zap.Error(err))
		return
	}
	run.logger.Debug("page snapshot stored", zap.Int("page", page), zap.String("uri", uri))
}

type candidate struct {
	rec    crawler.ExtractedRecord
	report crawler.ValidationReport
}

// processPage parses, validates, categorizes and persists one page. It returns
// the number of records the parser produced.
func (o *Orchestrator) processPage(ctx context.Context, run *sourceRun, doc crawler.RawDocument) (int, error) {
	o.setState(run, crawler.StateParsing)
	res, err := o.deps.Parser.SelectAndParse(doc.SourceID, doc.HTML, doc.FinalURL)
	if err != nil {
		return 0, fmt.Errorf("parse page %d: %w", doc.Page, err)
	}
	if len(res.Records) == 0 {
		return 0, nil
	}
	run.strategy = res.Strategy.String()
	metrics.ObserveStrategy(run.strategy)
	run.counters.Found += len(res.Records)
	o.info(run, crawler.StateParsing, fmt.Sprintf("page %d: %d records via %s", doc.Page, len(res.Records), run.strategy))

	o.setState(run, crawler.StateValidating)
	reports, err := o.validate(ctx, res.Records)
	if err != nil {
		return 0, err
	}

	accepted := make([]candidate, 0, len(res.Records))
	for i, rec := range res.Records {
		if !reports[i].IsRelevant {
			run.counters.Rejected++
			o.emit(run.ls, crawler.LogEntry{SourceID: run.src.ID, Stage: crawler.StateValidating, Status: crawler.LogRejected,
				Message: fmt.Sprintf("rejected %s (quality %.1f, relevance %.1f)",
					rec.NaturalKey, reports[i].QualityScore, reports[i].RelevanceScore)})
			continue
		}
		accepted = append(accepted, candidate{rec: rec, report: reports[i]})
	}
	o.publishCounters(run)

	for _, c := range accepted {
		if err := o.persist(ctx, run, c); err != nil {
			return 0, err
		}
	}
	o.publishCounters(run)
	return len(res.Records), nil
}

func (o *Orchestrator) validate(ctx context.Context, records []crawler.ExtractedRecord) ([]crawler.ValidationReport, error) {
	reports := make([]crawler.ValidationReport, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ValidationWorkers)
	for i := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reports[i] = o.deps.Validator.Record(records[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("validate records: %w", err)
	}
	return reports, nil
}

// persist dedups, categorizes and stores one accepted record. Storage errors
// are fatal for the session.
func (o *Orchestrator) persist(ctx context.Context, run *sourceRun, c candidate) error {
	ref := c.rec.Ref()
	_, err := o.deps.Store.FindByNaturalKey(ctx, ref.SourceID, ref.DedupKey)
	switch {
	case err == nil:
		run.counters.Duplicates++
		return nil
	case !errors.Is(err, crawler.ErrNotFound):
		return crawler.Fatal(fmt.Errorf("find record %s: %w", ref.DedupKey, err))
	}

	o.setState(run, crawler.StateCategorizing)
	outcome, err := o.deps.Categorizer.Categorize(ctx, categorize.InputFromRecord(c.rec),
		categorize.Options{LocalOnly: run.opts.LocalOnly})
	if err != nil {
		return fmt.Errorf("categorize %s: %w", ref.DedupKey, err)
	}
	result := outcome.Result

	o.setState(run, crawler.StatePersisting)
	inserted, err := o.deps.Store.Upsert(ctx, crawler.StoredRecord{
		Record:         c.rec,
		Validation:     c.report,
		Categorization: &result,
		SessionID:      run.ls.session.ID,
		CreatedAt:      o.deps.Clock.Now(),
	})
	if err != nil {
		return crawler.Fatal(fmt.Errorf("upsert record %s: %w", ref.DedupKey, err))
	}
	if !inserted {
		run.counters.Duplicates++
		return nil
	}
	run.counters.Saved++
	if outcome.Deferred {
		run.deferred = append(run.deferred, ref)
	}
	o.emit(run.ls, crawler.LogEntry{SourceID: run.src.ID, Stage: crawler.StatePersisting, Status: crawler.LogSuccess,
		Message: fmt.Sprintf("saved %s as %s (%s)", c.rec.NaturalKey, result.Category, result.Provenance)})
	return nil
}

func (o *Orchestrator) enqueueDeferred(ctx context.Context, run *sourceRun) error {
	if len(run.deferred) == 0 {
		return nil
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return crawler.Fatal(fmt.Errorf("new waiting job id: %w", err))
	}
	now := o.deps.Clock.Now()
	job := crawler.WaitingJob{
		ID:         id,
		Type:       "categorize",
		Count:      len(run.deferred),
		Reason:     "insufficient llm budget",
		Status:     crawler.WaitingPending,
		RecordRefs: run.deferred,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := o.deps.Store.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		return crawler.Fatal(fmt.Errorf("enqueue waiting job: %w", err))
	}
	metrics.ObserveWaitingJob()
	o.emit(run.ls, crawler.LogEntry{SourceID: run.src.ID, Stage: crawler.StateCategorizing, Status: crawler.LogWarning,
		Message: fmt.Sprintf("%d records deferred to waiting job %s", job.Count, id)})
	return nil
}

func (o *Orchestrator) updateSourceStats(ctx context.Context, run *sourceRun, succeeded bool, finished time.Time) error {
	stats := crawler.SourceRunStats{Succeeded: succeeded, Saved: run.counters.Saved, FinishedAt: finished}
	if o.cfg.RunInterval > 0 {
		next := finished.Add(o.cfg.RunInterval)
		stats.NextRunAt = &next
	}
	if err := o.deps.Store.UpdateSourceStats(ctx, run.src.ID, stats); err != nil {
		return fmt.Errorf("update source stats %s: %w", run.src.ID, err)
	}
	return nil
}

func (o *Orchestrator) recordSourceMetrics(run *sourceRun, state crawler.SourceState) {
	metrics.ObserveSourceRun(string(state))
	metrics.ObserveRecords(run.src.ID, "found", run.counters.Found)
	metrics.ObserveRecords(run.src.ID, "saved", run.counters.Saved)
	metrics.ObserveRecords(run.src.ID, "duplicate", run.counters.Duplicates)
	metrics.ObserveRecords(run.src.ID, "rejected", run.counters.Rejected)
}

func (o *Orchestrator) setState(run *sourceRun, state crawler.SourceState) {
	run.ls.update(run.src.ID, func(r *crawler.SourceResult) { r.State = state })
}

func (o *Orchestrator) publishCounters(run *sourceRun) {
	counters, pages := run.counters, run.pages
	run.ls.update(run.src.ID, func(r *crawler.SourceResult) {
		r.Counters = counters
		r.Pages = pages
	})
}

func (o *Orchestrator) info(run *sourceRun, stage crawler.SourceState, msg string) {
	o.emit(run.ls, crawler.LogEntry{SourceID: run.src.ID, Stage: stage, Status: crawler.LogInfo, Message: msg})
}

// endOfListing reports whether a later page failed in a way that simply means
// the listing has no more pages.
func endOfListing(err error) bool {
	var fe *crawler.FetchError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case crawler.FetchHTTPStatus:
		return fe.Status >= http.StatusBadRequest && fe.Status < http.StatusInternalServerError &&
			fe.Status != http.StatusTooManyRequests
	case crawler.FetchEmptyBody:
		return true
	default:
		return false
	}
}

func statusLabel(code int, err error) string {
	if err != nil {
		var fe *crawler.FetchError
		if errors.As(err, &fe) {
			if fe.Status != 0 {
				return strconv.Itoa(fe.Status)
			}
			return string(fe.Kind)
		}
		return "error"
	}
	return strconv.Itoa(code)
}

func (o *Orchestrator) digest(body []byte) string {
	if o.deps.Hasher != nil {
		if d, err := o.deps.Hasher.Hash(body); err == nil {
			return d
		}
	}
	return sha256.Sum(body)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
