package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/edital-crawler/internal/fetcher/colly"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  concurrency: 4
  user_agent: edital-test
  max_pages_default: 3
  session_budget_seconds: 120
http:
  timeout_seconds: 45
  max_retries: 1
headless:
  enabled: true
  max_parallel: 2
storage:
  backend: sqlite
  sqlite_path: /tmp/edital.db
  blob: local
  local_dir: /tmp/snapshots
llm:
  enabled: true
  api_key: or-key
  model: test/model
cache:
  redis_addr: localhost:6379
debug:
  snapshot_pages: true
logging:
  development: false
  level: warn
sources_file: sources.yaml
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.Concurrency != 4 || cfg.Crawler.UserAgent != "edital-test" {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Crawler.JoomlaPageStep != 10 || cfg.Crawler.PerHostMax != 1 {
		t.Fatalf("expected crawler defaults to survive: %+v", cfg.Crawler)
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Storage.Blob != BlobLocal {
		t.Fatalf("expected storage overrides: %+v", cfg.Storage)
	}
	if !cfg.LLM.Enabled || cfg.LLM.Model != "test/model" || cfg.LLM.MaxTokens != 800 {
		t.Fatalf("expected llm overrides with default max tokens: %+v", cfg.LLM)
	}
	if cfg.Cache.RedisAddr != "localhost:6379" || cfg.Cache.TTLHours != 168 {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if !cfg.Debug.SnapshotPages || cfg.Logging.Level != "warn" || cfg.SourcesFile != "sources.yaml" {
		t.Fatalf("unexpected debug/logging config: %+v %+v", cfg.Debug, cfg.Logging)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if got := cfg.SessionBudget(); got != 2*time.Minute {
		t.Fatalf("expected session budget 2m, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != BackendMemory || cfg.Storage.Blob != BlobNone {
		t.Fatalf("expected in-memory defaults, got %+v", cfg.Storage)
	}
	if cfg.Crawler.Concurrency != 1 || cfg.HTTP.MaxRetries != 2 || cfg.HTTP.BackoffSeconds != 5 {
		t.Fatalf("unexpected crawler defaults: %+v %+v", cfg.Crawler, cfg.HTTP)
	}
	if cfg.SessionBudget() != 300*time.Second {
		t.Fatalf("expected default session budget 300s, got %v", cfg.SessionBudget())
	}
}

func TestDefaultUserAgentIsDesktopBrowser(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Empty(t, cfg.Crawler.UserAgent)

	gotUA := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("<html><body>Pregão Eletrônico nº 1/2025</body></html>"))
	}))
	defer srv.Close()

	f := collyfetcher.New(collyfetcher.Config{UserAgent: cfg.Crawler.UserAgent}, nil)
	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/licitacoes"})
	require.NoError(t, err)
	require.Equal(t, collyfetcher.DefaultUserAgent, <-gotUA)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Crawler: CrawlerConfig{Concurrency: 1, MaxPagesDefault: 5, SessionBudgetSeconds: 300, PerHostMax: 1},
		HTTP:    HTTPConfig{TimeoutSeconds: 10},
		Storage: StorageConfig{Backend: BackendMemory, Blob: BlobNone},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{name: "invalid port", mut: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "concurrency too low", mut: func(c *Config) { c.Crawler.Concurrency = 0 }, want: "crawler.concurrency"},
		{name: "concurrency too high", mut: func(c *Config) { c.Crawler.Concurrency = 9 }, want: "crawler.concurrency"},
		{name: "parallel requests per host", mut: func(c *Config) { c.Crawler.PerHostMax = 2 }, want: "crawler.per_host_max"},
		{name: "invalid timeout", mut: func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, want: "http.timeout_seconds"},
		{name: "negative retries", mut: func(c *Config) { c.HTTP.MaxRetries = -1 }, want: "http.max_retries"},
		{
			name: "headless missing max parallel",
			mut:  func(c *Config) { c.Headless.Enabled = true },
			want: "headless.max_parallel",
		},
		{name: "auth missing api key", mut: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "unknown backend", mut: func(c *Config) { c.Storage.Backend = "mongo" }, want: "storage.backend"},
		{name: "postgres without dsn", mut: func(c *Config) { c.Storage.Backend = BackendPostgres }, want: "db.dsn"},
		{name: "gcs without bucket", mut: func(c *Config) { c.Storage.Blob = BlobGCS }, want: "storage.gcs_bucket"},
		{name: "llm without key", mut: func(c *Config) { c.LLM.Enabled = true }, want: "llm.api_key"},
		{name: "topic without project", mut: func(c *Config) { c.PubSub.TopicName = "sessions" }, want: "pubsub.project_id"},
		{name: "sample ratio above one", mut: func(c *Config) { c.Tracing.SampleRatio = 1.5 }, want: "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
