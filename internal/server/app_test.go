package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/config"
	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/orchestrator"
	"github.com/JakeFAU/edital-crawler/internal/storage/memory"
)

const listingHTML = `<html><body><main>
<p>PREGÃO ELETRÔNICO Nº 45/2025 - Objeto: aquisição de material de expediente para as escolas municipais, valor estimado R$ 85.000,00, publicado em 10/03/2025.</p>
</main></body></html>`

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 30, ShutdownTimeoutSeconds: 5},
		Crawler: config.CrawlerConfig{Concurrency: 1, ValidationWorkers: 2, UserAgent: "edital-test", MaxPagesDefault: 1, SessionBudgetSeconds: 60, PerHostMax: 1},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 5, MaxRetries: 0, BackoffSeconds: 0},
		Storage: config.StorageConfig{Backend: config.BackendMemory, Blob: config.BlobMemory},
		Debug:   config.DebugConfig{SnapshotPages: true},
	}
}

func writeCatalog(t *testing.T, baseURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	catalog := fmt.Sprintf(`sources:
  - id: pm-teste
    name: Prefeitura de Teste
    listing_url: %s/licitacoes
    cms: generic
  - id: pm-off
    base_url: %s
    active: false
`, baseURL, baseURL)
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))
	return path
}

func TestBuildSyncsSourcesAndServesAPI(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SourcesFile = writeCatalog(t, "https://teste.sp.gov.br")

	app, err := Build(context.Background(), cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	sources, err := app.Store().ListSources(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources?active=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pm-teste")
	require.NotContains(t, rec.Body.String(), "pm-off")

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/waiting-jobs/process", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuildRejectsBadCatalog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - id: a\n"), 0o600))
	cfg := testConfig()
	cfg.SourcesFile = path

	_, err := Build(context.Background(), cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "load source catalog")
}

func TestBuildSQLiteBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "edital.db")
	cfg.Storage.Blob = config.BlobLocal
	cfg.Storage.LocalDir = filepath.Join(t.TempDir(), "snapshots")

	app, err := Build(context.Background(), cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, app.Store().Ping(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}

func TestSessionEndToEnd(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/licitacoes" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(listingHTML))
	}))
	t.Cleanup(site.Close)

	cfg := testConfig()
	cfg.SourcesFile = writeCatalog(t, site.URL)
	store := memory.NewStore()

	app, err := Build(context.Background(), cfg, zap.NewNop(),
		WithRegisterer(prometheus.NewRegistry()),
		WithStore(store),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	session, err := app.Orchestrator().Run(ctx, orchestrator.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.SessionCompleted, session.Status)
	require.Len(t, session.Sources, 1)
	require.Equal(t, "pm-teste", session.Sources[0].SourceID)
	require.GreaterOrEqual(t, session.Sources[0].Pages, 1)

	stored, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, stored.Closed())
	require.NotEmpty(t, stored.Logs)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.Port = 0
	app, err := Build(context.Background(), cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
