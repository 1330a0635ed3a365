// Package cmd defines the CLI commands of the edital-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/config"
	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/logging"
	"github.com/JakeFAU/edital-crawler/internal/orchestrator"
	"github.com/JakeFAU/edital-crawler/internal/server"
)

// App is what the commands need from the application. It is an interface so
// tests can inject a fake.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	SyncSources(ctx context.Context, path string) (int, error)
	RunSession(ctx context.Context, opts orchestrator.RunOptions) (crawler.ScrapeSession, error)
	RunSource(ctx context.Context, sourceID string) (crawler.SourceResult, error)
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

// skipAppAnnotation marks commands that run without the application.
const skipAppAnnotation = "skip-app"

type appKeyType struct{}

var appKey appKeyType

// cli holds what the root hooks build so Execute can release it even when a
// subcommand fails.
type cli struct {
	cfgFile string
	app     App
	logger  *zap.Logger
}

func newRootCmd(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edital-crawler",
		Short: "Crawls Brazilian municipal portals for procurement notices.",
		Long: `edital-crawler visits the configured municipal sources, extracts
procurement notices (editais, licitações, avisos), validates and categorizes
them, and stores the deduplicated records with a per-session run log.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipAppAnnotation] != "" {
				return nil
			}
			cfg, err := config.Load(state.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			state.logger = logger

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			state.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&state.cfgFile, "config", "", "config file (YAML); EDITAL_* environment variables override it")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newRunSourceCmd(),
		newInspectCmd(),
		newSourcesCmd(),
	)
	return cmd
}

// close releases the application and flushes the logger.
func (c *cli) close(ctx context.Context) {
	if c.app != nil {
		if err := c.app.Close(ctx); err != nil && c.logger != nil {
			c.logger.Warn("application close failed", zap.Error(err))
		}
	}
	if c.logger != nil {
		if err := logging.Sync(c.logger); err != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", err)
		}
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	state := &cli{}
	err := newRootCmd(state).ExecuteContext(context.Background())
	state.close(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "edital-crawler: %v\n", err)
		os.Exit(1)
	}
}
