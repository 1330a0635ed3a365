package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edital-crawler/internal/categorize"
	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
	"github.com/JakeFAU/edital-crawler/internal/parser"
	"github.com/JakeFAU/edital-crawler/internal/progress"
	"github.com/JakeFAU/edital-crawler/internal/progress/sinks"
	publishermemory "github.com/JakeFAU/edital-crawler/internal/publisher/memory"
	"github.com/JakeFAU/edital-crawler/internal/storage/memory"
	"github.com/JakeFAU/edital-crawler/internal/validate"
)

var base = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%03d", g.n), nil
}

// fakeFetcher serves bodies by URL. Unknown URLs return a 404.
type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]string
	errs   map[string]error
	calls  []string
	before func(url string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	hook := f.before
	body, ok := f.pages[req.URL]
	err := f.errs[req.URL]
	f.mu.Unlock()
	if hook != nil {
		hook(req.URL)
	}
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if !ok {
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: crawler.FetchHTTPStatus, Status: 404, URL: req.URL}
	}
	return crawler.FetchResponse{URL: req.URL, FinalURL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// lineParser treats every non-empty body line as one notice fragment.
type lineParser struct {
	ex *extract.Extractor
}

func (p lineParser) SelectAndParse(sourceID string, body []byte, _ string) (parser.Result, error) {
	res := parser.Result{Strategy: parser.StrategyGeneric, Records: []crawler.ExtractedRecord{}}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		res.Records = append(res.Records, p.ex.FromFragment(sourceID, extract.Fragment{Text: line, Strategy: "generic"}))
	}
	return res, nil
}

func notice(n int) string {
	return fmt.Sprintf("PREGÃO ELETRÔNICO Nº %d/2025 - OBJETO: Aquisição de material de limpeza para escolas da regional. "+
		"Valor estimado: R$ 85.000,00. Publicação: 10/03/2025", n)
}

const junkLine = "Confira a programação cultural do fim de semana"

type harness struct {
	store     *memory.Store
	fetcher   *fakeFetcher
	clock     *fakeClock
	sleeper   *fakeSleeper
	blobs     *memory.BlobStore
	publisher *publishermemory.Publisher
	hub       *progress.Hub
	orch      *Orchestrator
}

type harnessOption func(*Deps, *Config)

func newHarness(t *testing.T, sources []crawler.Source, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewStore(),
		fetcher:   newFakeFetcher(),
		clock:     &fakeClock{now: base},
		sleeper:   &fakeSleeper{},
		blobs:     memory.NewBlobStore(),
		publisher: publishermemory.New(),
	}
	ctx := context.Background()
	for _, src := range sources {
		require.NoError(t, h.store.UpsertSource(ctx, src))
	}
	h.hub = progress.NewHub(progress.Config{BlockOnFull: true, MaxBatchWait: time.Hour}, sinks.NewStoreSink(h.store, nil))
	t.Cleanup(func() { _ = h.hub.Close(context.Background()) })

	deps := Deps{
		Store:       h.store,
		Fetcher:     h.fetcher,
		Parser:      lineParser{ex: extract.New(h.clock)},
		Validator:   validate.New(h.clock),
		Categorizer: categorize.New(h.clock),
		Hub:         h.hub,
		Blobs:       h.blobs,
		Publisher:   h.publisher,
		Clock:       h.clock,
		Sleeper:     h.sleeper,
		IDs:         &seqIDs{},
	}
	cfg := Config{MaxPages: 5, Topic: "edital-sessions", SnapshotPages: true, RunInterval: 24 * time.Hour}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	orch, err := New(deps, cfg)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func source(id string, cms crawler.CMSHint) crawler.Source {
	return crawler.Source{
		ID:          id,
		Name:        "Prefeitura " + id,
		BaseURL:     "https://" + id + ".gov.br",
		ListingURLs: []string{"https://" + id + ".gov.br/licitacoes"},
		CMS:         cms,
		Active:      true,
	}
}

func (h *harness) serve(url string, lines ...string) {
	h.fetcher.mu.Lock()
	defer h.fetcher.mu.Unlock()
	h.fetcher.pages[url] = strings.Join(lines, "\n")
}

func (h *harness) fail(url string, err error) {
	h.fetcher.mu.Lock()
	defer h.fetcher.mu.Unlock()
	h.fetcher.errs[url] = err
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSWordPress)})
	h.serve("https://pm-a.gov.br/licitacoes", notice(1), notice(2))
	h.serve("https://pm-a.gov.br/licitacoes?paged=2", notice(3))
	ctx := context.Background()

	first, err := h.orch.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.SessionCompleted, first.Status)
	require.Len(t, first.Sources, 1)
	res := first.Sources[0]
	require.Equal(t, crawler.StateCompleted, res.State)
	require.Equal(t, 2, res.Pages)
	require.Equal(t, crawler.Counters{Found: 3, Saved: 3}, res.Counters)
	require.Equal(t, first.Totals, res.Counters)

	second, err := h.orch.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.Counters{Found: 3, Duplicates: 3}, second.Totals)

	stored, err := h.store.FindByNaturalKey(ctx, "pm-a", "2/2025")
	require.NoError(t, err)
	require.Equal(t, first.ID, stored.SessionID)
	require.NotNil(t, stored.Categorization)
	require.Equal(t, categorize.CategoryLicitacoes, stored.Categorization.Category)

	src, err := h.store.GetSource(ctx, "pm-a")
	require.NoError(t, err)
	require.Equal(t, 3, src.TotalRecords)
	require.InDelta(t, 1.0, src.SuccessRate, 1e-9)
	require.NotNil(t, src.NextRunAt)
	require.Equal(t, base.Add(24*time.Hour), *src.NextRunAt)

	require.Contains(t, h.fetcher.Calls(), "https://pm-a.gov.br/licitacoes?paged=3")
}

func TestOneSourceFailureDoesNotAbortSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSGeneric), source("pm-b", crawler.CMSGeneric)})
	h.serve("https://pm-a.gov.br/licitacoes", notice(7))
	h.fail("https://pm-b.gov.br/licitacoes", &crawler.FetchError{Kind: crawler.FetchTimeout, URL: "https://pm-b.gov.br/licitacoes"})

	session, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.SessionCompleted, session.Status)

	a, b := session.Sources[0], session.Sources[1]
	require.Equal(t, crawler.StateCompleted, a.State)
	require.Equal(t, 1, a.Counters.Saved)
	require.Equal(t, crawler.StateFailed, b.State)
	require.Equal(t, 3, b.Attempts)
	require.Equal(t, 1, b.Counters.Errors)
	require.Contains(t, b.Error, "timeout")
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.sleeper.slept)
	require.Len(t, session.Errors, 1)
	require.True(t, strings.HasPrefix(session.Errors[0], "pm-b: "))

	src, err := h.store.GetSource(context.Background(), "pm-b")
	require.NoError(t, err)
	require.InDelta(t, 0.0, src.SuccessRate, 1e-9)
	require.NotNil(t, src.LastRunAt)
}

func TestPermanentFetchErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSGeneric)})
	session, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.StateFailed, session.Sources[0].State)
	require.Equal(t, 1, session.Sources[0].Attempts)
	require.Empty(t, h.sleeper.slept)
}

func TestPaginationStopsOnRepeatedPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSJoomla)})
	h.serve("https://pm-a.gov.br/licitacoes", notice(1))
	h.serve("https://pm-a.gov.br/licitacoes?start=10", notice(1))

	session, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	res := session.Sources[0]
	require.Equal(t, crawler.StateCompleted, res.State)
	require.Equal(t, 1, res.Pages)
	require.NotContains(t, h.fetcher.Calls(), "https://pm-a.gov.br/licitacoes?start=20")
}

func TestPaginationStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSGeneric)})
	h.serve("https://pm-a.gov.br/licitacoes", notice(1))
	h.serve("https://pm-a.gov.br/licitacoes?page=2", "# nothing here")

	session, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, session.Sources[0].Pages)
	require.Len(t, h.fetcher.Calls(), 2)
}

func TestRejectedRecordsAreNotPersisted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSGeneric)})
	h.serve("https://pm-a.gov.br/licitacoes", notice(4), junkLine)

	session, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.Counters{Found: 2, Saved: 1, Rejected: 1}, session.Totals)

	persisted, err := h.store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	var rejected int
	for _, entry := range persisted.Logs {
		if entry.Status == crawler.LogRejected {
			rejected++
		}
	}
	require.Equal(t, 1, rejected)
}

func TestSessionLogIsPersistedBeforeClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSGeneric)})
	h.serve("https://pm-a.gov.br/licitacoes", notice(1))

	session, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	persisted, err := h.store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.SessionCompleted, persisted.Status)
	require.Equal(t, len(session.Logs), len(persisted.Logs))
	last := persisted.Logs[len(persisted.Logs)-1]
	require.Equal(t, "session completed", last.Message)
	require.Equal(t, "session started with 1 sources", persisted.Logs[0].Message)
}

func TestStopSkipsRemainingSources(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSGeneric), source("pm-b", crawler.CMSGeneric)})
	h.serve("https://pm-a.gov.br/licitacoes", notice(1))
	h.serve("https://pm-b.gov.br/licitacoes", notice(2))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.fetcher.before = func(url string) {
		if strings.HasPrefix(url, "https://pm-a.gov.br/licitacoes") {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	}

	id, err := h.orch.Start(context.Background(), RunOptions{})
	require.NoError(t, err)
	<-entered

	live, ok := h.orch.Session(id)
	require.True(t, ok)
	require.Equal(t, crawler.SessionRunning, live.Status)
	require.Equal(t, crawler.StateFetching, live.Sources[0].State)

	require.NoError(t, h.orch.Stop(id))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Wait(ctx, id))

	final, ok := h.orch.Session(id)
	require.True(t, ok)
	require.Equal(t, crawler.SessionStopped, final.Status)
	require.Equal(t, "stopped by request", final.StopReason)
	require.Equal(t, crawler.StateCompleted, final.Sources[0].State)
	require.Equal(t, crawler.StateSkipped, final.Sources[1].State)
	require.ErrorIs(t, h.orch.Stop(id), crawler.ErrSessionClosed)
	require.ErrorIs(t, h.orch.Stop("missing"), crawler.ErrSessionNotFound)
}

func TestSessionBudgetStopsStartingSources(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSGeneric), source("pm-b", crawler.CMSGeneric)},
		func(_ *Deps, cfg *Config) { cfg.SessionBudget = time.Minute })
	h.serve("https://pm-a.gov.br/licitacoes", notice(1))
	h.serve("https://pm-b.gov.br/licitacoes", notice(2))
	h.fetcher.before = func(string) { h.clock.Advance(2 * time.Minute) }

	session, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.SessionCompleted, session.Status)
	require.Equal(t, "session budget exhausted", session.StopReason)
	require.Equal(t, crawler.StateCompleted, session.Sources[0].State)
	require.Equal(t, crawler.StateSkipped, session.Sources[1].State)
	require.Equal(t, 1, session.Totals.Saved)
}

type failingUpsertStore struct {
	*memory.Store
}

func (failingUpsertStore) Upsert(context.Context, crawler.StoredRecord) (bool, error) {
	return false, errors.New("connection refused")
}

func TestStorageFailureAbortsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSGeneric), source("pm-b", crawler.CMSGeneric)},
		func(d *Deps, _ *Config) {
			d.Store = failingUpsertStore{Store: d.Store.(*memory.Store)}
		})
	h.serve("https://pm-a.gov.br/licitacoes", notice(1))
	h.serve("https://pm-b.gov.br/licitacoes", notice(2))

	session, err := h.orch.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	require.True(t, crawler.IsFatal(err))
	require.Equal(t, crawler.SessionFailed, session.Status)
	require.Equal(t, crawler.StateFailed, session.Sources[0].State)
	require.Equal(t, crawler.StateSkipped, session.Sources[1].State)

	persisted, err := h.store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.SessionFailed, persisted.Status)
}

type deferringCategorizer struct {
	clock crawler.Clock
}

func (c deferringCategorizer) Categorize(_ context.Context, in categorize.Input, _ categorize.Options) (categorize.Outcome, error) {
	return categorize.Outcome{Result: categorize.New(c.clock).Rules(in), Deferred: true}, nil
}

func TestDeferredCategorizationsBecomeOneWaitingJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSGeneric)},
		func(d *Deps, _ *Config) { d.Categorizer = deferringCategorizer{clock: d.Clock} })
	h.serve("https://pm-a.gov.br/licitacoes", notice(1), notice(2))

	session, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, session.Sources[0].Deferred)

	jobs, err := h.store.List(context.Background(), crawler.WaitingPending)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "categorize", jobs[0].Type)
	require.Equal(t, 2, jobs[0].Count)
	require.Equal(t, []crawler.RecordRef{
		{SourceID: "pm-a", DedupKey: "1/2025"},
		{SourceID: "pm-a", DedupKey: "2/2025"},
	}, jobs[0].RecordRefs)
}

func TestSnapshotsAndSummary(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSGeneric)})
	h.serve("https://pm-a.gov.br/licitacoes", notice(1))

	session, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	msgs := h.publisher.Messages("edital-sessions")
	require.Len(t, msgs, 1)
	var summary Summary
	require.NoError(t, json.Unmarshal(msgs[0].Data, &summary))
	require.Equal(t, session.ID, summary.SessionID)
	require.Equal(t, crawler.SessionCompleted, summary.Status)
	require.Equal(t, 1, summary.Totals.Saved)

	body := notice(1)
	path := fmt.Sprintf("snapshots/%s/pm-a/1-%s.html", session.ID, h.orch.digest([]byte(body)))
	got, ok := h.blobs.Object(path)
	require.True(t, ok)
	require.Equal(t, body, string(got))
}

func TestInactiveAndUnsupportedSourcesAreSkipped(t *testing.T) {
	t.Parallel()

	inactive := source("pm-off", crawler.CMSGeneric)
	inactive.Active = false
	unsupported := source("pm-x", crawler.CMSUnsupported)
	h := newHarness(t, []crawler.Source{inactive, unsupported})

	session, err := h.orch.Run(context.Background(), RunOptions{SourceIDs: []string{"pm-off", "pm-x"}})
	require.NoError(t, err)
	require.Equal(t, crawler.StateSkipped, session.Sources[0].State)
	require.Equal(t, crawler.StateSkipped, session.Sources[1].State)
	require.Empty(t, h.fetcher.Calls())

	_, err = h.orch.RunSource(context.Background(), "pm-off")
	require.ErrorIs(t, err, crawler.ErrSourceInactive)
	_, err = h.orch.RunSource(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestRunSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []crawler.Source{source("pm-a", crawler.CMSGeneric), source("pm-b", crawler.CMSGeneric)})
	h.serve("https://pm-a.gov.br/licitacoes", notice(1))

	res, err := h.orch.RunSource(context.Background(), "pm-a")
	require.NoError(t, err)
	require.Equal(t, "pm-a", res.SourceID)
	require.Equal(t, crawler.StateCompleted, res.State)
	require.Equal(t, 1, res.Counters.Saved)
	for _, call := range h.fetcher.Calls() {
		require.NotContains(t, call, "pm-b")
	}
}

func TestConcurrentSourcesKeepAccounting(t *testing.T) {
	t.Parallel()

	var sources []crawler.Source
	for i := 0; i < 6; i++ {
		sources = append(sources, source(fmt.Sprintf("pm-%d", i), crawler.CMSGeneric))
	}
	h := newHarness(t, sources, func(_ *Deps, cfg *Config) { cfg.SourceConcurrency = 4 })
	for i := 0; i < 6; i++ {
		h.serve(fmt.Sprintf("https://pm-%d.gov.br/licitacoes", i), notice(10+i), notice(20+i))
	}

	session, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.Counters{Found: 12, Saved: 12}, session.Totals)
	for _, res := range session.Sources {
		require.Equal(t, crawler.StateCompleted, res.State)
	}
}

func TestSessionErrorsAreTruncated(t *testing.T) {
	t.Parallel()

	ls := newLiveSession("s1", base, nil)
	for i := 0; i < MaxSessionErrors+5; i++ {
		ls.addError(fmt.Sprintf("err %d", i))
	}
	snap := ls.snapshot()
	require.Len(t, snap.Errors, MaxSessionErrors)
	require.Equal(t, "err 5", snap.Errors[0])
	require.Equal(t, fmt.Sprintf("err %d", MaxSessionErrors+4), snap.Errors[MaxSessionErrors-1])
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.ErrorContains(t, err, "store is required")
}
