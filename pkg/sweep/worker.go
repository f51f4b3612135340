package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker runs the sweeper on a fixed interval.
type Worker struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewWorker(s *Sweeper, interval time.Duration, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		sweeper:  s,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start blocks until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting sweep worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.run(ctx)

		case <-w.stopChan:
			w.logger.Info("Stopping sweep worker")
			return

		case <-ctx.Done():
			w.logger.Info("Context cancelled, stopping sweep worker")
			return
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	res, err := w.sweeper.RunAll(ctx)
	if err != nil {
		w.logger.Error("Scheduled sweep failed", zap.Error(err))
	}
	if res != nil {
		w.logger.Info("Scheduled sweep finished",
			zap.Int("updated", len(res.Updated)),
			zap.Int("due_soon_sent", res.DueSoonSent),
			zap.Int("payment_reminders_sent", res.PaymentReminders))
	}
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}
