package notify

import (
	"context"
	"sync"
	"time"

	"github.com/mcclellann/microloan/pkg/metrics"
	"go.uber.org/zap"
)

// Sender delivers a notification on one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, n Notification) error
}

// Service queues notifications and fans each one out to every sender from a
// fixed pool of workers.
type Service struct {
	senders     []Sender
	queue       chan Notification
	workers     int
	sendTimeout time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewService(senders []Sender, workers, queueSize int, m *metrics.Collector, logger *zap.Logger) *Service {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		senders:     senders,
		queue:       make(chan Notification, queueSize),
		workers:     workers,
		sendTimeout: 10 * time.Second,
		now:         time.Now,
		metrics:     m,
		logger:      logger,
	}
	s.startWorkers()
	return s
}

// Notify enqueues n. When the queue is full or the service is shut down the
// notification is dropped and logged.
func (s *Service) Notify(_ context.Context, n Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("Notification dropped after shutdown", zap.String("event", string(n.Event)), zap.String("user_id", n.UserID.String()))
		s.metrics.NotificationDropped()
		return
	}

	select {
	case s.queue <- n:
		s.metrics.NotificationQueueDepth(len(s.queue))
		s.logger.Debug("Notification queued", zap.String("event", string(n.Event)), zap.String("user_id", n.UserID.String()))
	default:
		s.logger.Warn("Notification queue full, dropping", zap.String("event", string(n.Event)), zap.String("user_id", n.UserID.String()))
		s.metrics.NotificationDropped()
	}
}

func (s *Service) startWorkers() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Service) worker(id int) {
	defer s.wg.Done()
	s.logger.Debug("Notification worker started", zap.Int("worker_id", id))

	for n := range s.queue {
		s.metrics.NotificationQueueDepth(len(s.queue))
		s.deliver(n)
	}
	s.logger.Debug("Notification worker stopped", zap.Int("worker_id", id))
}

func (s *Service) deliver(n Notification) {
	for _, sender := range s.senders {
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		err := sender.Send(ctx, n)
		cancel()

		s.metrics.Notification(sender.Channel(), err)
		if err != nil {
			s.logger.Error("Failed to send notification",
				zap.String("channel", sender.Channel()),
				zap.String("event", string(n.Event)),
				zap.String("user_id", n.UserID.String()),
				zap.Error(err))
		}
	}
}

// Shutdown stops accepting notifications and waits for queued ones to be
// delivered, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Notification service shutdown complete")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Notification service shutdown timed out")
		return ctx.Err()
	}
}
