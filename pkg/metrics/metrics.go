package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Collector owns a private registry so tests and multiple instances never
// collide on the global one. A nil *Collector is valid and records nothing.
type Collector struct {
	registry           *prometheus.Registry
	loanTransitions    *prometheus.CounterVec
	ledgerMovements    *prometheus.CounterVec
	ledgerAmount       *prometheus.CounterVec
	withdrawals        *prometheus.CounterVec
	rejections         *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	sweepRuns          prometheus.Counter
	sweepLoansUpdated  prometheus.Counter
	sweepFailures      prometheus.Counter
	notifications      *prometheus.CounterVec
	notificationsQueue prometheus.Gauge
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		loanTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "microloan_loan_transitions_total",
			Help: "Loan status transitions by target status",
		}, []string{"to"}),
		ledgerMovements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "microloan_ledger_movements_total",
			Help: "Journal entries appended by transaction type",
		}, []string{"type"}),
		ledgerAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "microloan_ledger_amount_total",
			Help: "Sum of journal entry amounts by transaction type",
		}, []string{"type"}),
		withdrawals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "microloan_withdrawals_total",
			Help: "Withdrawal requests by outcome",
		}, []string{"status"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "microloan_rejections_total",
			Help: "Refused applications and requests by reason",
		}, []string{"reason"}),
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "microloan_operation_duration_seconds",
			Help:    "Time taken by core operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		sweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "microloan_sweep_runs_total",
			Help: "Overdue sweep passes",
		}),
		sweepLoansUpdated: factory.NewCounter(prometheus.CounterOpts{
			Name: "microloan_sweep_loans_updated_total",
			Help: "Loans updated by the overdue sweep",
		}),
		sweepFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "microloan_sweep_failures_total",
			Help: "Loans the overdue sweep failed to update",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "microloan_notifications_total",
			Help: "Notification deliveries by channel and outcome",
		}, []string{"channel", "outcome"}),
		notificationsQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "microloan_notifications_queued",
			Help: "Notifications waiting for a worker",
		}),
	}
}

func (m *Collector) LoanTransition(to string) {
	if m == nil {
		return
	}
	m.loanTransitions.WithLabelValues(to).Inc()
}

func (m *Collector) LedgerMovement(txType string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.ledgerMovements.WithLabelValues(txType).Inc()
	m.ledgerAmount.WithLabelValues(txType).Add(amount.InexactFloat64())
}

func (m *Collector) Withdrawal(status string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(status).Inc()
}

func (m *Collector) Rejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// ObserveOperation records how long op took; err decides the outcome label.
func (m *Collector) ObserveOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operationDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

func (m *Collector) SweepRun(updated, failed int) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepLoansUpdated.Add(float64(updated))
	m.sweepFailures.Add(float64(failed))
}

func (m *Collector) Notification(channel string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

func (m *Collector) NotificationDropped() {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues("queue", "dropped").Inc()
}

func (m *Collector) NotificationQueueDepth(n int) {
	if m == nil {
		return
	}
	m.notificationsQueue.Set(float64(n))
}

func (m *Collector) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr in the background.
func (m *Collector) StartServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
