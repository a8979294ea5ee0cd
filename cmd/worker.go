package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/api"
)

// newWorkerCmd runs the scheduled worker together with the operator API
// until SIGINT or SIGTERM.
func newWorkerCmd() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the scheduled worker and the operator API",
		Long: `Seeds the configured categories, registers one cron job per active
category and serves the operator API. On SIGINT or SIGTERM the worker stops
accepting triggers, lets in-flight runs finish their current document and
the HTTP server drains.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), appInstance, seed)
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", true, "upsert configured categories and entries before starting")
	return cmd
}

func runWorker(parent context.Context, appInstance App, seed bool) error {
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if seed {
		if _, err := appInstance.Seed(ctx); err != nil {
			return fmt.Errorf("seed categories: %w", err)
		}
	}

	w := appInstance.Worker()
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	apiServer := api.NewServer(api.Deps{
		Worker:   w,
		Runs:     appInstance.Runs(),
		Searcher: appInstance.Searcher(),
		Ready:    appInstance.Ready,
	}, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	var errs []error
	if err := w.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop worker: %w", err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if err := <-serveErr; err != nil {
		errs = append(errs, fmt.Errorf("serve http: %w", err))
	}
	logger.Info("shutdown complete")
	return errors.Join(errs...)
}
