package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/config"
	"github.com/mcclellann/microloan/pkg/logging"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/mcclellann/microloan/pkg/sweep"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

// exitErr carries a numeric exit code through the cobra error path.
type exitErr struct {
	code int
	msg  string
}

func (e *exitErr) Error() string { return e.msg }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitErr
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.msg)
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "microloan",
		Short:        "Wallet ledger and loan lifecycle service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (env MICROLOAN_CONFIG)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), configPath, runServe)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Run the overdue sweep and reminder passes once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), configPath, func(ctx context.Context, app *App) error {
					return runSweep(ctx, app, cmd.OutOrStdout())
				})
			},
		},
		&cobra.Command{
			Use:   "reconcile <user-id>",
			Short: "Check a wallet against its transaction journal",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				userID, err := uuid.Parse(args[0])
				if err != nil {
					return &exitErr{code: 3, msg: fmt.Sprintf("invalid user id %q", args[0])}
				}
				return withApp(cmd.Context(), configPath, func(ctx context.Context, app *App) error {
					return runReconcile(ctx, app, userID, cmd.OutOrStdout())
				})
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or upgrade the database schema",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := setup(configPath)
				if err != nil {
					return err
				}
				defer logger.Sync()
				s, err := store.NewSQLiteStore(cfg.Database.Path)
				if err != nil {
					return fmt.Errorf("failed to migrate: %w", err)
				}
				logger.Info("Database schema is up to date", zap.String("path", cfg.Database.Path))
				return s.Close()
			},
		},
	)
	return root
}

func setup(configPath string) (*config.AppConfig, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, &exitErr{code: 3, msg: err.Error()}
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, &exitErr{code: 3, msg: err.Error()}
	}
	return cfg, logger, nil
}

func withApp(ctx context.Context, configPath string, fn func(ctx context.Context, app *App) error) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			logger.Error("Shutdown finished with errors", zap.Error(err))
		}
	}()

	return fn(ctx, app)
}

func runServe(ctx context.Context, app *App) error {
	cfg, logger := app.cfg, app.logger

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      NewServer(app).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		metricsServer = app.metrics.StartServer(cfg.Metrics.Addr, logger)
	}

	var worker *sweep.Worker
	if cfg.Sweep.Interval > 0 {
		worker = sweep.NewWorker(app.sweeper, cfg.Sweep.Interval, logger.Named("sweep"))
		go worker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
	}

	if worker != nil {
		worker.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	return serveErr
}

func runSweep(ctx context.Context, app *App, out io.Writer) error {
	res, err := app.sweeper.RunAll(ctx)
	if res != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(map[string]any{
			"loans_updated":          len(res.Updated),
			"due_soon_sent":          res.DueSoonSent,
			"payment_reminders_sent": res.PaymentReminders,
		}); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		return &exitErr{code: 1, msg: err.Error()}
	}
	return nil
}

func runReconcile(ctx context.Context, app *App, userID uuid.UUID, out io.Writer) error {
	report, err := app.ledger.Reconcile(ctx, userID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Consistent {
		return &exitErr{code: 2, msg: fmt.Sprintf("wallet %s does not reconcile", userID)}
	}
	return nil
}
