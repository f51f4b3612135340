package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mcclellann/microloan/pkg/account"
	"github.com/mcclellann/microloan/pkg/config"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/mcclellann/microloan/pkg/lock"
	"github.com/mcclellann/microloan/pkg/loan"
	"github.com/mcclellann/microloan/pkg/metrics"
	"github.com/mcclellann/microloan/pkg/notify"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/mcclellann/microloan/pkg/sweep"
	"github.com/mcclellann/microloan/pkg/withdrawal"
	"go.uber.org/zap"
)

// App holds every component the commands share.
type App struct {
	cfg     *config.AppConfig
	logger  *zap.Logger
	storage store.Storage
	metrics *metrics.Collector
	notify  *notify.Service

	ledger      *ledger.Ledger
	loans       *loan.Engine
	withdrawals *withdrawal.Workflow
	accounts    *account.Service
	sweeper     *sweep.Sweeper

	closers []io.Closer
}

// newApp opens storage and wires the engines. Redis and Kafka are used only
// when configured.
func newApp(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*App, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	return newAppWithStorage(ctx, cfg, s, logger)
}

func newAppWithStorage(ctx context.Context, cfg *config.AppConfig, s store.Storage, logger *zap.Logger) (*App, error) {
	app := &App{
		cfg:     cfg,
		logger:  logger,
		storage: s,
		metrics: metrics.NewCollector(),
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		client, err := lock.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		app.closers = append(app.closers, client)
		locker = lock.NewRedisLocker(client, cfg.Redis.LockTTL, logger.Named("lock"))
	}

	senders := []notify.Sender{
		notify.NewLogSender("push", logger.Named("push")),
		notify.NewLogSender("sms", logger.Named("sms")),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSender := notify.NewKafkaSender(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("kafka"))
		app.closers = append(app.closers, kafkaSender)
		senders = append(senders, kafkaSender)
		logger.Info("Publishing notifications to Kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}
	app.notify = notify.NewService(senders, cfg.Notify.Workers, cfg.Notify.QueueSize, app.metrics, logger.Named("notify"))

	app.ledger = ledger.NewLedger(s, locker, nil, app.metrics, logger.Named("ledger"))
	app.loans = loan.NewEngine(app.ledger, app.notify, app.metrics, logger.Named("loan"))
	app.loans.DefaultAfterDays = cfg.Sweep.DefaultAfterDays
	app.withdrawals = withdrawal.NewWorkflow(app.ledger, app.notify, app.metrics, logger.Named("withdrawal"))
	app.accounts = account.NewService(app.ledger, app.notify, app.metrics, logger.Named("account"))
	app.sweeper = sweep.NewSweeper(app.ledger, app.loans, app.notify, app.metrics, logger.Named("sweep"))
	app.sweeper.DueSoonDays = cfg.Sweep.DueSoonDays
	return app, nil
}

// Close drains queued notifications, then releases connections and storage.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.notify.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
