// Package server builds the crawler's long-lived services from configuration
// and runs the HTTP API until shutdown.
package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/api"
	"github.com/JakeFAU/edital-crawler/internal/budget"
	rediscache "github.com/JakeFAU/edital-crawler/internal/cache/redis"
	"github.com/JakeFAU/edital-crawler/internal/categorize"
	"github.com/JakeFAU/edital-crawler/internal/clock/system"
	"github.com/JakeFAU/edital-crawler/internal/config"
	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/edital-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/edital-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/edital-crawler/internal/hash/sha256"
	"github.com/JakeFAU/edital-crawler/internal/id/uuid"
	"github.com/JakeFAU/edital-crawler/internal/llm/openrouter"
	"github.com/JakeFAU/edital-crawler/internal/metrics"
	"github.com/JakeFAU/edital-crawler/internal/orchestrator"
	"github.com/JakeFAU/edital-crawler/internal/parser"
	"github.com/JakeFAU/edital-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/edital-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/edital-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/edital-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/edital-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/edital-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/edital-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/edital-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/edital-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/edital-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/edital-crawler/internal/telemetry"
	"github.com/JakeFAU/edital-crawler/internal/validate"
)

const (
	openRouterReferer = "https://github.com/JakeFAU/edital-crawler"
	openRouterTitle   = "edital-crawler"
	headlessSettle    = 2 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	registerer   prometheus.Registerer
	store        crawler.Store
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
	progressHub  *progress.Hub
	headless     *headlessfetcher.Fetcher
	redisClient  *goredis.Client
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client
	tracer       *sdktrace.TracerProvider

	closeOnce sync.Once
	closeErr  error
}

// Option adjusts Build.
type Option func(*App)

// WithRegisterer registers the progress collectors on reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithStore replaces the configured store backend.
func WithStore(store crawler.Store) Option {
	return func(a *App) { a.store = store }
}

// Build creates the application's dependencies. On error every service
// opened so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if err := app.build(ctx); err != nil {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies",
		zap.String("storage_backend", a.cfg.Storage.Backend),
		zap.String("blob_store", a.cfg.Storage.Blob),
		zap.Bool("llm_enabled", a.cfg.LLM.Enabled),
		zap.Bool("headless_enabled", a.cfg.Headless.Enabled),
	)
	if a.cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: a.cfg.Tracing.ServiceName,
			SampleRatio: a.cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracer = tp
	}
	metrics.Init()

	if a.store == nil {
		if err := a.setupStore(ctx); err != nil {
			return err
		}
	}
	if a.cfg.SourcesFile != "" {
		n, err := a.SyncSources(ctx, a.cfg.SourcesFile)
		if err != nil {
			return err
		}
		a.logger.Info("source catalog synced", zap.String("path", a.cfg.SourcesFile), zap.Int("sources", n))
	}
	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	if err := a.setupProgress(ctx); err != nil {
		return err
	}
	engine, drainer, err := a.setupCategorizer(ctx)
	if err != nil {
		return err
	}
	if err := a.setupOrchestrator(engine, drainer, blobs, publisher); err != nil {
		return err
	}
	a.apiServer = api.NewServer(a.orchestrator, a.store, a.cfg, a.logger.Named("api"))
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the configured store.
func (a *App) Store() crawler.Store { return a.store }

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// RunSession runs one session in the foreground.
func (a *App) RunSession(ctx context.Context, opts orchestrator.RunOptions) (crawler.ScrapeSession, error) {
	session, err := a.orchestrator.Run(ctx, opts)
	if err != nil {
		return session, fmt.Errorf("run session: %w", err)
	}
	return session, nil
}

// RunSource crawls one source in its own session.
func (a *App) RunSource(ctx context.Context, sourceID string) (crawler.SourceResult, error) {
	res, err := a.orchestrator.RunSource(ctx, sourceID)
	if err != nil {
		return res, fmt.Errorf("run source: %w", err)
	}
	return res, nil
}

// SyncSources upserts the catalog at path into the store and returns how
// many sources it held. Run statistics of existing sources are kept.
func (a *App) SyncSources(ctx context.Context, path string) (int, error) {
	sources, err := config.LoadSources(path)
	if err != nil {
		return 0, fmt.Errorf("load source catalog: %w", err)
	}
	for _, src := range sources {
		if err := a.store.UpsertSource(ctx, src); err != nil {
			return 0, fmt.Errorf("upsert source %s: %w", src.ID, err)
		}
	}
	return len(sources), nil
}

// Run serves the API and blocks until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-errCh:
		return fmt.Errorf("serve http: %w", err)
	default:
		return closeErr
	}
}

// Close stops running sessions and releases every service. Later calls
// return the first call's result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.orchestrator != nil {
			if err := a.orchestrator.Shutdown(ctx); err != nil {
				a.closeErr = err
			}
		}
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return a.closeErr
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: a.cfg.Storage.SQLitePath, BusyTimeout: 5 * time.Second})
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.Storage.SQLitePath))
		a.store = store
	case config.BackendPostgres:
		store, err := pgstore.Open(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			Schema:          a.cfg.DB.Schema,
			MaxConns:        a.cfg.DB.MaxConns,
			MaxConnLifetime: time.Hour,
			Migrate:         a.cfg.DB.Migrate,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.logger.Info("using postgres store", zap.String("schema", a.cfg.DB.Schema))
		a.store = store
	default:
		a.logger.Info("using in-memory store")
		a.store = memorystorage.NewStore()
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Blob {
	case config.BlobGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case config.BlobLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot store", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	case config.BlobMemory:
		a.logger.Info("using in-memory snapshot store")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(a.pubsubClient)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.gcpPublisher, nil
}

func (a *App) setupProgress(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     1024,
		MaxBatchEvents: 64,
		MaxBatchWait:   250 * time.Millisecond,
		SinkTimeout:    5 * time.Second,
		BlockOnFull:    true,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewStoreSink(a.store, a.logger.Named("progress_store")),
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	return nil
}

func (a *App) setupCategorizer(ctx context.Context) (*categorize.Engine, orchestrator.Drainer, error) {
	clock := system.New()
	opts := []categorize.Option{
		categorize.WithLogger(a.logger.Named("categorize")),
		categorize.WithConfig(categorize.Config{
			Temperature: a.cfg.LLM.Temperature,
			MaxTokens:   a.cfg.LLM.MaxTokens,
		}),
	}
	if a.cfg.Cache.RedisAddr != "" {
		cache, client, err := rediscache.Dial(ctx, rediscache.Config{
			Addr:     a.cfg.Cache.RedisAddr,
			Password: a.cfg.Cache.RedisPassword,
			DB:       a.cfg.Cache.RedisDB,
			TTL:      time.Duration(a.cfg.Cache.TTLHours) * time.Hour,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		a.redisClient = client
		opts = append(opts, categorize.WithCache(cache))
		a.logger.Info("using redis categorization cache", zap.String("addr", a.cfg.Cache.RedisAddr))
	} else {
		opts = append(opts, categorize.WithCache(categorize.NewMemoryCache()))
	}

	if !a.cfg.LLM.Enabled {
		a.logger.Info("LLM categorization disabled, using rules only")
		return categorize.New(clock, opts...), nil, nil
	}

	thresholds := budget.Thresholds{
		LimitedBelow: a.cfg.Budget.LimitedBelow,
		CostPerCall:  a.cfg.Budget.CostPerCall,
		FreeBatchMax: a.cfg.Budget.FreeBatchMax,
	}
	client, err := openrouter.New(openrouter.Config{
		APIKey:     a.cfg.LLM.APIKey,
		BaseURL:    a.cfg.LLM.BaseURL,
		Model:      a.cfg.LLM.Model,
		Timeout:    time.Duration(a.cfg.LLM.TimeoutSeconds) * time.Second,
		Referer:    openRouterReferer,
		Title:      openRouterTitle,
		Thresholds: thresholds,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("openrouter client init failed: %w", err)
	}
	checker := budget.NewChecker(client, clock,
		budget.WithTTL(time.Duration(a.cfg.Budget.CheckTTLSeconds)*time.Second),
		budget.WithThresholds(thresholds),
		budget.WithLogger(a.logger.Named("budget")),
	)
	opts = append(opts, categorize.WithProvider(client), categorize.WithBudget(checker))
	engine := categorize.New(clock, opts...)
	drainer := budget.NewDrainer(a.store, a.store, engine, a.logger.Named("drainer"))
	a.logger.Info("LLM categorization enabled", zap.String("model", a.cfg.LLM.Model))
	return engine, drainer, nil
}

func (a *App) setupOrchestrator(
	engine *categorize.Engine,
	drainer orchestrator.Drainer,
	blobs crawler.BlobStore,
	publisher crawler.Publisher,
) error {
	clock := system.New()
	limiter := ratelimit.New(ratelimit.Config{
		PageDelay:   time.Duration(a.cfg.Crawler.PageDelayMs) * time.Millisecond,
		SourceDelay: time.Duration(a.cfg.Crawler.SourceDelayMs) * time.Millisecond,
		PerHost:     a.cfg.Crawler.PerHostMax,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Crawler.UserAgent,
		Timeout:       a.cfg.FetchTimeout(),
		RespectRobots: a.cfg.Crawler.RespectRobots,
		MaxBodySize:   a.cfg.HTTP.MaxBodyBytes,
		Pacer:         limiter,
	}, a.logger.Named("fetcher"))

	deps := orchestrator.Deps{
		Store:       a.store,
		Fetcher:     fetcher,
		Parser:      parser.NewSelector(extract.New(clock)),
		Validator:   validate.New(clock),
		Categorizer: engine,
		Drainer:     drainer,
		Limiter:     limiter,
		Hub:         a.progressHub,
		Blobs:       blobs,
		Publisher:   publisher,
		Hasher:      sha256.New(),
		Clock:       clock,
		Sleeper:     clock,
		IDs:         uuid.New(),
		Logger:      a.logger,
	}
	if a.cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         cmp.Or(a.cfg.Crawler.UserAgent, collyfetcher.DefaultUserAgent),
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			SettleDelay:       headlessSettle,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed, continuing without rendering", zap.Error(err))
		} else {
			a.headless = headless
			deps.Headless = headless
			deps.Detector = headlessfetcher.NewDetector(a.cfg.Headless.MinVisibleText)
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	var err error
	a.orchestrator, err = orchestrator.New(deps, orchestrator.Config{
		MaxPages:          a.cfg.Crawler.MaxPagesDefault,
		JoomlaPageStep:    a.cfg.Crawler.JoomlaPageStep,
		SourceConcurrency: a.cfg.Crawler.Concurrency,
		ValidationWorkers: a.cfg.Crawler.ValidationWorkers,
		SessionBudget:     a.cfg.SessionBudget(),
		FetchTimeout:      a.cfg.FetchTimeout(),
		UserAgent:         a.cfg.Crawler.UserAgent,
		PathFallback:      a.cfg.Crawler.PathFallback,
		SnapshotPages:     a.cfg.Debug.SnapshotPages,
		Topic:             a.cfg.PubSub.TopicName,
		RunInterval:       time.Duration(a.cfg.Crawler.RunIntervalHours) * time.Hour,
		Retry: orchestrator.RetryPolicy{
			MaxRetries: a.cfg.HTTP.MaxRetries,
			Backoff:    time.Duration(a.cfg.HTTP.BackoffSeconds) * time.Second,
		},
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	return nil
}
