// Package storetest holds the behavior every crawler.Store implementation must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) crawler.Store

var base = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

// Run exercises records, sessions, sources and the waiting queue.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("RecordDedup", func(t *testing.T) { testRecordDedup(t, newStore(t)) })
	t.Run("ConcurrentUpsert", func(t *testing.T) { testConcurrentUpsert(t, newStore(t)) })
	t.Run("CategorizationHistory", func(t *testing.T) { testCategorizationHistory(t, newStore(t)) })
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newStore(t)) })
	t.Run("ListSessions", func(t *testing.T) { testListSessions(t, newStore(t)) })
	t.Run("Sources", func(t *testing.T) { testSources(t, newStore(t)) })
	t.Run("WaitingQueue", func(t *testing.T) { testWaitingQueue(t, newStore(t)) })
}

// SampleRecord returns a stored record for the standard pregão scenario.
func SampleRecord(sourceID, dedupKey string) crawler.StoredRecord {
	value := 85000.0
	published := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	return crawler.StoredRecord{
		Record: crawler.ExtractedRecord{
			SourceID:    sourceID,
			NaturalKey:  dedupKey,
			KeyKind:     crawler.KeyTyped,
			DedupKey:    dedupKey,
			Kind:        crawler.KindLicitacao,
			Title:       "PREGÃO ELETRÔNICO Nº " + dedupKey,
			Object:      "Aquisição de material de expediente",
			Modality:    "Pregão Eletrônico",
			Value:       &value,
			PublishedAt: &published,
			Status:      crawler.StatusAberta,
			Attachments: []crawler.Attachment{{Name: "Edital", URL: "https://pm.example/edital.pdf", Type: "pdf"}},
			Strategy:    "generic",
		},
		Validation: crawler.ValidationReport{
			Fields: map[string]crawler.FieldCheck{
				crawler.FieldEdital: {Raw: dedupKey, Processed: dedupKey, Confidence: 95, Valid: true},
			},
			QualityScore:   90,
			RelevanceScore: 80,
			IsRelevant:     true,
		},
		SessionID: "s1",
		CreatedAt: base,
	}
}

func testRecordDedup(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	rec := SampleRecord("pm", "45/2025")

	_, err := store.FindByNaturalKey(ctx, "pm", "45/2025")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	inserted, err := store.Upsert(ctx, rec)
	require.NoError(t, err)
	require.True(t, inserted)

	again := rec
	again.Record.Title = "changed"
	inserted, err = store.Upsert(ctx, again)
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := store.FindByNaturalKey(ctx, "pm", "45/2025")
	require.NoError(t, err)
	require.Equal(t, rec.Record.Title, got.Record.Title)
	require.Equal(t, "Pregão Eletrônico", got.Record.Modality)
	require.NotNil(t, got.Record.Value)
	require.InDelta(t, 85000.0, *got.Record.Value, 1e-9)
	require.Len(t, got.Record.Attachments, 1)
	require.True(t, got.Validation.IsRelevant)
	require.Equal(t, "s1", got.SessionID)

	other := SampleRecord("cm", "45/2025")
	inserted, err = store.Upsert(ctx, other)
	require.NoError(t, err)
	require.True(t, inserted, "same key under another source is a distinct record")
}

func testConcurrentUpsert(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	rec := SampleRecord("pm", "7/2025")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Upsert(ctx, rec)
			if err != nil {
				t.Errorf("upsert: %v", err)
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, inserted)
}

func testCategorizationHistory(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	rec := SampleRecord("pm", "45/2025")
	rules := crawler.CategorizationResult{
		Category:   "Licitações e Compras",
		Priority:   "alta",
		Relevance:  98,
		Provenance: crawler.ProvenanceRules,
		CreatedAt:  base,
	}
	rec.Categorization = &rules
	_, err := store.Upsert(ctx, rec)
	require.NoError(t, err)

	llm := rules
	llm.Subcategory = "Pregão"
	llm.Provenance = crawler.ProvenanceLLM
	llm.CreatedAt = base.Add(time.Hour)
	require.NoError(t, store.SaveCategorization(ctx, rec.Record.Ref(), llm))

	got, err := store.FindByNaturalKey(ctx, "pm", "45/2025")
	require.NoError(t, err)
	require.NotNil(t, got.Categorization)
	require.Equal(t, crawler.ProvenanceLLM, got.Categorization.Provenance)

	history, err := store.CategorizationHistory(ctx, rec.Record.Ref())
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, crawler.ProvenanceRules, history[0].Provenance)
	require.Equal(t, crawler.ProvenanceLLM, history[1].Provenance)

	err = store.SaveCategorization(ctx, crawler.RecordRef{SourceID: "pm", DedupKey: "missing"}, llm)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func testSessionLifecycle(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	session := crawler.ScrapeSession{ID: "s1", Status: crawler.SessionRunning, StartedAt: base}
	require.NoError(t, store.CreateSession(ctx, session))
	require.Error(t, store.CreateSession(ctx, session))

	entries := []crawler.LogEntry{
		{Timestamp: base, Status: crawler.LogInfo, Message: "session started"},
		{Timestamp: base.Add(time.Second), SourceID: "pm", Stage: crawler.StateFetching, Status: crawler.LogInfo, Message: "fetching page 1"},
	}
	require.NoError(t, store.AppendLog(ctx, "s1", entries...))
	require.NoError(t, store.AppendLog(ctx, "s1", crawler.LogEntry{
		Timestamp: base.Add(2 * time.Second), SourceID: "pm", Stage: crawler.StateValidating,
		Status: crawler.LogRejected, Message: "record rejected", Error: "quality 40",
	}))
	require.ErrorIs(t, store.AppendLog(ctx, "nope", entries[0]), crawler.ErrSessionNotFound)

	live, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionRunning, live.Status)
	require.Len(t, live.Logs, 3)
	require.Equal(t, "record rejected", live.Logs[2].Message)

	finished := base.Add(time.Minute)
	final := crawler.ScrapeSession{
		ID:         "s1",
		Status:     crawler.SessionCompleted,
		StartedAt:  base,
		FinishedAt: &finished,
		Sources: []crawler.SourceResult{{
			SourceID: "pm",
			State:    crawler.StateCompleted,
			Counters: crawler.Counters{Found: 3, Saved: 2, Rejected: 1},
			Pages:    1,
		}},
		Totals: crawler.Counters{Found: 3, Saved: 2, Rejected: 1},
		Errors: []string{"cm: fetch failed"},
	}
	require.ErrorIs(t, store.CloseSession(ctx, crawler.ScrapeSession{ID: "nope", Status: crawler.SessionCompleted}),
		crawler.ErrSessionNotFound)
	require.NoError(t, store.CloseSession(ctx, final))
	require.ErrorIs(t, store.CloseSession(ctx, final), crawler.ErrSessionClosed)
	require.ErrorIs(t, store.AppendLog(ctx, "s1", entries[0]), crawler.ErrSessionClosed)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.True(t, got.FinishedAt.Equal(finished))
	require.Equal(t, 2, got.Totals.Saved)
	require.Len(t, got.Sources, 1)
	require.Equal(t, crawler.StateCompleted, got.Sources[0].State)
	require.Equal(t, []string{"cm: fetch failed"}, got.Errors)
	require.Len(t, got.Logs, 3, "closing keeps the appended run log")
	require.Equal(t, crawler.StateFetching, got.Logs[1].Stage)

	_, err = store.GetSession(ctx, "nope")
	require.ErrorIs(t, err, crawler.ErrSessionNotFound)
}

func testListSessions(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateSession(ctx, crawler.ScrapeSession{
			ID: id, Status: crawler.SessionRunning, StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	all, err := store.ListSessions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "c", all[0].ID)
	require.Equal(t, "a", all[2].ID)

	paged, err := store.ListSessions(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	require.Equal(t, "b", paged[0].ID)

	empty, err := store.ListSessions(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func testSources(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	pm := crawler.Source{
		ID: "pm", Name: "Prefeitura Municipal", BaseURL: "https://pm.example",
		ListingURLs: []string{"https://pm.example/licitacoes", "https://pm.example/editais"},
		CMS:         crawler.CMSWordPress, Active: true, MaxPages: 3,
	}
	cm := crawler.Source{ID: "cm", Name: "Câmara", BaseURL: "https://cm.example", CMS: crawler.CMSGeneric}
	require.NoError(t, store.UpsertSource(ctx, pm))
	require.NoError(t, store.UpsertSource(ctx, cm))

	active, err := store.ListSources(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "pm", active[0].ID)
	require.Equal(t, pm.ListingURLs, active[0].ListingURLs)

	all, err := store.ListSources(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "cm", all[0].ID)
	require.Empty(t, all[0].ListingURLs)

	next := base.Add(24 * time.Hour)
	require.NoError(t, store.UpdateSourceStats(ctx, "pm", crawler.SourceRunStats{
		Succeeded: true, Saved: 4, FinishedAt: base, NextRunAt: &next,
	}))
	require.NoError(t, store.UpdateSourceStats(ctx, "pm", crawler.SourceRunStats{
		Succeeded: false, Saved: 0, FinishedAt: base.Add(time.Hour),
	}))
	require.ErrorIs(t, store.UpdateSourceStats(ctx, "nope", crawler.SourceRunStats{}), crawler.ErrNotFound)

	got, err := store.GetSource(ctx, "pm")
	require.NoError(t, err)
	require.InDelta(t, 0.7, got.SuccessRate, 1e-9)
	require.Equal(t, 4, got.TotalRecords)
	require.NotNil(t, got.LastRunAt)
	require.True(t, got.LastRunAt.Equal(base.Add(time.Hour)))
	require.Nil(t, got.NextRunAt)

	pm.Active = false
	pm.Name = "Prefeitura"
	require.NoError(t, store.UpsertSource(ctx, pm))
	got, err = store.GetSource(ctx, "pm")
	require.NoError(t, err)
	require.False(t, got.Active)
	require.Equal(t, "Prefeitura", got.Name)
	require.Equal(t, 4, got.TotalRecords, "catalog updates keep run stats")

	_, err = store.GetSource(ctx, "nope")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
}

func testWaitingQueue(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	refs := []crawler.RecordRef{{SourceID: "pm", DedupKey: "45/2025"}, {SourceID: "pm", DedupKey: "46/2025"}}
	id, err := store.Enqueue(ctx, crawler.WaitingJob{
		ID: "j1", Type: "categorize", Count: 2, Reason: "insufficient credits", RecordRefs: refs, CreatedAt: base,
	})
	require.NoError(t, err)
	require.Equal(t, "j1", id)
	_, err = store.Enqueue(ctx, crawler.WaitingJob{ID: "j2", Type: "categorize", Count: 1, CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)

	waiting, err := store.List(ctx, crawler.WaitingPending)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	require.Equal(t, "j1", waiting[0].ID)
	require.Equal(t, refs, waiting[0].RecordRefs)
	require.Equal(t, "insufficient credits", waiting[0].Reason)

	require.NoError(t, store.UpdateStatus(ctx, "j1", crawler.WaitingDone))
	require.ErrorIs(t, store.UpdateStatus(ctx, "nope", crawler.WaitingDone), crawler.ErrNotFound)

	waiting, err = store.List(ctx, crawler.WaitingPending)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	require.Equal(t, "j2", waiting[0].ID)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}
