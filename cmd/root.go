// Package cmd defines and implements the CLI commands for the legalingest executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	_ "time/tzdata" // schedules resolve IANA zones on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/api"
	"github.com/JakeFAU/legal-corpus-ingest/internal/app"
	"github.com/JakeFAU/legal-corpus-ingest/internal/config"
	"github.com/JakeFAU/legal-corpus-ingest/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Worker is the scheduled worker as the commands drive it.
type Worker interface {
	api.WorkerService
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Close(ctx context.Context) error
	Config() config.Config
	Logger() *zap.Logger
	Seed(ctx context.Context) (app.SeedReport, error)
	Worker() Worker
	Runs() api.RunLister
	Searcher() api.Searcher
	Ready(ctx context.Context) error
}

type liveApp struct {
	*app.App
}

func (l liveApp) Config() config.Config { return l.GetConfig() }

func (l liveApp) Logger() *zap.Logger { return l.GetLogger() }

func (l liveApp) Worker() Worker { return l.GetWorker() }

func (l liveApp) Runs() api.RunLister { return l.GetStore() }

func (l liveApp) Searcher() api.Searcher { return l.GetSearcher() }

// newApp is the application factory. It is a variable so tests can replace
// it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("new app: %w", err)
	}
	return liveApp{a}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		envFile string
	)
	cmd := &cobra.Command{
		Use:   "legalingest",
		Short: "Keeps a searchable corpus of Vietnamese legal documents up to date.",
		Long: `legalingest discovers, fetches, parses and indexes legal documents per
category. Each category runs on its own schedule; a run only re-parses and
re-embeds documents whose content changed since the last check.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and LEGALINGEST_* env only when empty)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(
		newWorkerCmd(),
		newRunCmd(),
		newSeedCmd(),
		newStatusCmd(),
		newSearchCmd(),
	)
	return cmd
}

// Execute is the main entry point. Services are closed after the command
// returns, including when it failed.
func Execute() {
	executed, err := newRootCmd().ExecuteContextC(context.Background())
	if executed != nil {
		closeApp(executed.Context())
	}
	if err != nil {
		os.Exit(1)
	}
}

func closeApp(ctx context.Context) {
	if ctx == nil {
		return
	}
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), appInstance.Config().ShutdownTimeout())
	defer cancel()
	if err := appInstance.Close(closeCtx); err != nil {
		appInstance.Logger().Warn("failed to close application services", zap.Error(err))
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
