package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/budget"
	"github.com/JakeFAU/edital-crawler/internal/config"
	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/orchestrator"
	"github.com/JakeFAU/edital-crawler/internal/storage/memory"
)

func TestServer_StartSession(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{startID: "sess-1"}
	server := newTestServer(runner, memory.NewStore())

	body := bytes.NewBufferString(`{"source_ids":["pm-a"],"local_only":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", body)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"session_id":"sess-1"}`, rec.Body.String())
	require.Equal(t, orchestrator.RunOptions{SourceIDs: []string{"pm-a"}, LocalOnly: true}, runner.lastOpts)
}

func TestServer_StartSession_EmptyBody(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{startID: "sess-2"}
	server := newTestServer(runner, memory.NewStore())

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Empty(t, runner.lastOpts.SourceIDs)
}

func TestServer_StartSession_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, memory.NewStore())
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetSession_PrefersLive(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	started := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateSession(ctx, crawler.ScrapeSession{ID: "old", Status: crawler.SessionRunning, StartedAt: started}))
	finished := started.Add(time.Minute)
	require.NoError(t, store.CloseSession(ctx, crawler.ScrapeSession{
		ID: "old", Status: crawler.SessionCompleted, StartedAt: started, FinishedAt: &finished,
	}))

	runner := &fakeRunner{live: map[string]crawler.ScrapeSession{
		"live": {ID: "live", Status: crawler.SessionRunning, Totals: crawler.Counters{Found: 4}},
	}}
	server := newTestServer(runner, store)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var live crawler.ScrapeSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &live))
	require.Equal(t, crawler.SessionRunning, live.Status)
	require.Equal(t, 4, live.Totals.Found)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/old", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListSessions(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateSession(ctx, crawler.ScrapeSession{
			ID:        fmt.Sprintf("s-%d", i),
			Status:    crawler.SessionRunning,
			StartedAt: time.Unix(int64(100+i), 0).UTC(),
		}))
	}
	server := newTestServer(&fakeRunner{}, store)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sessions []crawler.ScrapeSession `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 2)
	require.Equal(t, "s-2", body.Sessions[0].ID)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions?offset=-1", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StopSession(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	require.NoError(t, store.CreateSession(context.Background(), crawler.ScrapeSession{ID: "persisted", Status: crawler.SessionRunning}))
	runner := &fakeRunner{stopErrs: map[string]error{
		"closed":    crawler.ErrSessionClosed,
		"persisted": crawler.ErrSessionNotFound,
		"missing":   crawler.ErrSessionNotFound,
	}}
	server := newTestServer(runner, store)

	tests := []struct {
		id   string
		want int
	}{
		{id: "running", want: http.StatusAccepted},
		{id: "closed", want: http.StatusConflict},
		{id: "persisted", want: http.StatusConflict},
		{id: "missing", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+tt.id+"/stop", nil))
		require.Equal(t, tt.want, rec.Code, tt.id)
	}
	require.Equal(t, []string{"running", "closed", "persisted", "missing"}, runner.stopped)
}

func TestServer_ListSources(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertSource(ctx, crawler.Source{ID: "pm-a", Name: "A", BaseURL: "https://a.gov.br", Active: true}))
	require.NoError(t, store.UpsertSource(ctx, crawler.Source{ID: "pm-b", Name: "B", BaseURL: "https://b.gov.br"}))
	server := newTestServer(&fakeRunner{}, store)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources?active=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sources []crawler.Source `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 1)
	require.Equal(t, "pm-a", body.Sources[0].ID)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 2)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources?active=maybe", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RunSource(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		results: map[string]crawler.SourceResult{
			"pm-a": {SourceID: "pm-a", State: crawler.StateCompleted, Counters: crawler.Counters{Found: 2, Saved: 2}},
		},
		runErrs: map[string]error{
			"pm-off":   fmt.Errorf("run source pm-off: %w", crawler.ErrSourceInactive),
			"pm-none":  fmt.Errorf("get source pm-none: %w", crawler.ErrNotFound),
			"pm-fatal": crawler.Fatal(errors.New("upsert record: connection refused")),
		},
	}
	server := newTestServer(runner, memory.NewStore())

	tests := []struct {
		id   string
		want int
	}{
		{id: "pm-a", want: http.StatusOK},
		{id: "pm-off", want: http.StatusConflict},
		{id: "pm-none", want: http.StatusNotFound},
		{id: "pm-fatal", want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sources/"+tt.id+"/run", nil))
		require.Equal(t, tt.want, rec.Code, tt.id)
		if tt.id == "pm-a" {
			require.Contains(t, rec.Body.String(), `"saved":2`)
		}
	}
}

func TestServer_WaitingJobs(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	_, err := store.Enqueue(context.Background(), crawler.WaitingJob{
		ID:         "job-1",
		Type:       "categorize",
		Count:      1,
		Status:     crawler.WaitingPending,
		RecordRefs: []crawler.RecordRef{{SourceID: "pm-a", DedupKey: "1/2025"}},
	})
	require.NoError(t, err)
	runner := &fakeRunner{drain: budget.DrainResult{Jobs: 1, Done: 1, Records: 1}}
	server := newTestServer(runner, store)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/waiting-jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "job-1")

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/waiting-jobs?status=done", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "job-1")

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/waiting-jobs?status=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/waiting-jobs/process", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"jobs":1,"done":1,"failed":0,"skipped":0,"records":1}`, rec.Body.String())
}

func TestServer_ProcessWaitingJobs_NotConfigured(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{drainErr: orchestrator.ErrNoDrainer}, memory.NewStore())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/waiting-jobs/process", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, memory.NewStore())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(&fakeRunner{}, pingFailStore{Store: memory.NewStore()})
	rec = httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := NewServer(&fakeRunner{}, memory.NewStore(), cfg, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sources", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources?api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, memory.NewStore())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeRunner struct {
	mu       sync.Mutex
	startID  string
	lastOpts orchestrator.RunOptions
	live     map[string]crawler.ScrapeSession
	stopErrs map[string]error
	stopped  []string
	results  map[string]crawler.SourceResult
	runErrs  map[string]error
	drain    budget.DrainResult
	drainErr error
}

func (f *fakeRunner) Start(_ context.Context, opts orchestrator.RunOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpts = opts
	return f.startID, nil
}

func (f *fakeRunner) RunSource(_ context.Context, sourceID string) (crawler.SourceResult, error) {
	if err := f.runErrs[sourceID]; err != nil {
		return crawler.SourceResult{SourceID: sourceID}, err
	}
	return f.results[sourceID], nil
}

func (f *fakeRunner) Stop(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sessionID)
	return f.stopErrs[sessionID]
}

func (f *fakeRunner) Session(sessionID string) (crawler.ScrapeSession, bool) {
	s, ok := f.live[sessionID]
	return s, ok
}

func (f *fakeRunner) ProcessWaiting(context.Context) (budget.DrainResult, error) {
	return f.drain, f.drainErr
}

type pingFailStore struct {
	*memory.Store
}

func (pingFailStore) Ping(context.Context) error { return errors.New("connection refused") }

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(runner Runner, store Store) *Server {
	cfg := config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 30},
		Logging: config.LoggingConfig{Development: true},
	}
	return NewServer(runner, store, cfg, zap.NewNop())
}
