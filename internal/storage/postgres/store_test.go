package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/storage/storetest"
)

var fixedNow = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "")
	require.NoError(t, err)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestNewWithPoolValidatesSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "bad-schema;")
	require.Error(t, err)
	_, err = NewWithPool(nil, "")
	require.Error(t, err)

	store, err := NewWithPool(mock, "crawler")
	require.NoError(t, err)
	require.Equal(t, "crawler.records", store.table("records"))
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS edital").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertInsertsRecordAndCategorization(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := storetest.SampleRecord("pm", "45/2025")
	cat := crawler.CategorizationResult{
		Category:   "Licitações e Compras",
		Provenance: crawler.ProvenanceRules,
		CreatedAt:  fixedNow,
	}
	rec.Categorization = &cat

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO edital.records").
		WithArgs("pm", "45/2025", "45/2025", "typed", "licitacao", rec.Record.Title, true,
			mustJSON(t, rec.Record), mustJSON(t, rec.Validation), "s1", rec.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO edital.categorizations").
		WithArgs("pm", "45/2025", "Licitações e Compras", "rule-based", mustJSON(t, cat), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	inserted, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertReportsDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := storetest.SampleRecord("pm", "45/2025")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO edital.records").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	inserted, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO edital.records").WillReturnError(boom)
	mock.ExpectRollback()

	inserted, err := store.Upsert(context.Background(), storetest.SampleRecord("pm", "45/2025"))
	require.ErrorIs(t, err, boom)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByNaturalKeyNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT record, validation, session_id, created_at FROM edital.records").
		WithArgs("45/2025", "pm").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.FindByNaturalKey(context.Background(), "pm", "45/2025")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByNaturalKeyLoadsLatestCategorization(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := storetest.SampleRecord("pm", "45/2025")
	latest := crawler.CategorizationResult{Category: "Licitações e Compras", Provenance: crawler.ProvenanceLLM}

	mock.ExpectQuery("SELECT record, validation, session_id, created_at FROM edital.records").
		WithArgs("45/2025", "pm").
		WillReturnRows(pgxmock.NewRows([]string{"record", "validation", "session_id", "created_at"}).
			AddRow(mustJSON(t, rec.Record), mustJSON(t, rec.Validation), "s1", fixedNow))
	mock.ExpectQuery("SELECT result FROM edital.categorizations").
		WithArgs("45/2025", "pm").
		WillReturnRows(pgxmock.NewRows([]string{"result"}).AddRow(mustJSON(t, latest)))

	got, err := store.FindByNaturalKey(context.Background(), "pm", "45/2025")
	require.NoError(t, err)
	require.Equal(t, "Pregão Eletrônico", got.Record.Modality)
	require.True(t, got.Validation.IsRelevant)
	require.NotNil(t, got.Categorization)
	require.Equal(t, crawler.ProvenanceLLM, got.Categorization.Provenance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCategorizationMissingRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM edital.records").
		WithArgs("missing", "pm").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	err := store.SaveCategorization(context.Background(),
		crawler.RecordRef{SourceID: "pm", DedupKey: "missing"}, crawler.CategorizationResult{})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendLogInsertsEntries(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	entries := []crawler.LogEntry{
		{Timestamp: fixedNow, Status: crawler.LogInfo, Message: "session started"},
		{Timestamp: fixedNow, SourceID: "pm", Stage: crawler.StateFetching, Status: crawler.LogError,
			Message: "fetch failed", Error: "timeout"},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM edital.sessions WHERE id = \\$1 FOR UPDATE").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec("INSERT INTO edital.session_logs").
		WithArgs(
			"s1", fixedNow, "", "", "info", "session started", "",
			"s1", fixedNow, "pm", "fetching", "error", "fetch failed", "timeout",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	require.NoError(t, store.AppendLog(context.Background(), "s1", entries...))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendLogRejectsClosedSession(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM edital.sessions").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	err := store.AppendLog(context.Background(), "s1", crawler.LogEntry{Timestamp: fixedNow, Message: "late"})
	require.ErrorIs(t, err, crawler.ErrSessionClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseSessionRequiresTerminalStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	err := store.CloseSession(context.Background(), crawler.ScrapeSession{ID: "s1", Status: crawler.SessionRunning})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessionsDecodesRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	finished := fixedNow.Add(time.Minute)
	totals := crawler.Counters{Found: 3, Saved: 2, Rejected: 1}
	sources := []crawler.SourceResult{{SourceID: "pm", State: crawler.StateCompleted, Counters: totals}}

	mock.ExpectQuery("SELECT id, status, started_at, finished_at, sources, totals, errors, stop_reason FROM edital.sessions ORDER BY started_at DESC, id LIMIT 10 OFFSET 0").
		WillReturnRows(pgxmock.NewRows(sessionColumns).
			AddRow("s2", "running", fixedNow.Add(time.Hour), (*time.Time)(nil), []byte(`[]`), []byte(`{}`), []byte(`[]`), "").
			AddRow("s1", "completed", fixedNow, &finished, mustJSON(t, sources), mustJSON(t, totals),
				[]byte(`["cm: timeout"]`), ""))

	got, err := store.ListSessions(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, crawler.SessionRunning, got[0].Status)
	require.Nil(t, got[0].FinishedAt)
	require.Equal(t, crawler.SessionCompleted, got[1].Status)
	require.True(t, got[1].FinishedAt.Equal(finished))
	require.Equal(t, 2, got[1].Totals.Saved)
	require.Equal(t, []string{"cm: timeout"}, got[1].Errors)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSourceStatsFoldsOutcome(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE edital.sources SET success_rate = CASE WHEN last_run_at IS NULL").
		WithArgs(1.0, crawler.SuccessRateAlpha, 1.0, crawler.SuccessRateAlpha, 4, fixedNow, pgxmock.AnyArg(), "pm").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateSourceStats(context.Background(), "pm", crawler.SourceRunStats{
		Succeeded: true, Saved: 4, FinishedAt: fixedNow,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSourceStatsUnknownSource(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE edital.sources").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateSourceStats(context.Background(), "nope", crawler.SourceRunStats{FinishedAt: fixedNow})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceDecodesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	last := fixedNow
	mock.ExpectQuery("SELECT .* FROM edital.sources WHERE id = \\$1").
		WithArgs("pm").
		WillReturnRows(pgxmock.NewRows(sourceColumns).
			AddRow("pm", "Prefeitura", "https://pm.example", []string{"https://pm.example/licitacoes"},
				"wordpress", true, false, 3, 0.7, 12, &last, (*time.Time)(nil)))

	src, err := store.GetSource(context.Background(), "pm")
	require.NoError(t, err)
	require.Equal(t, crawler.CMSWordPress, src.CMS)
	require.Equal(t, []string{"https://pm.example/licitacoes"}, src.ListingURLs)
	require.InDelta(t, 0.7, src.SuccessRate, 1e-9)
	require.Equal(t, 12, src.TotalRecords)
	require.NotNil(t, src.LastRunAt)
	require.Nil(t, src.NextRunAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueAndUpdateStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	refs := []crawler.RecordRef{{SourceID: "pm", DedupKey: "45/2025"}}
	mock.ExpectExec("INSERT INTO edital.waiting_jobs").
		WithArgs("j1", "categorize", 1, "insufficient credits", "waiting", mustJSON(t, refs), fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE edital.waiting_jobs SET status = \\$1, updated_at = \\$2 WHERE id = \\$3").
		WithArgs("done", fixedNow, "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE edital.waiting_jobs").
		WithArgs("done", fixedNow, "nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	id, err := store.Enqueue(context.Background(), crawler.WaitingJob{
		ID: "j1", Type: "categorize", Count: 1, Reason: "insufficient credits", RecordRefs: refs,
	})
	require.NoError(t, err)
	require.Equal(t, "j1", id)
	require.NoError(t, store.UpdateStatus(context.Background(), "j1", crawler.WaitingDone))
	require.ErrorIs(t, store.UpdateStatus(context.Background(), "nope", crawler.WaitingDone), crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
