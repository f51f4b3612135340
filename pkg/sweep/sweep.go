// Package sweep runs the scheduled passes over outstanding loans: the overdue
// recomputation and the due-date reminders.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/mcclellann/microloan/pkg/loan"
	"github.com/mcclellann/microloan/pkg/metrics"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/notify"
	"github.com/mcclellann/microloan/pkg/store"
	"go.uber.org/zap"
)

const (
	day         = 24 * time.Hour
	maxAttempts = 3
)

// reminderStatuses are the loans that still get due-date reminders.
var reminderStatuses = []models.LoanStatus{models.LoanStatusActive, models.LoanStatusExtended}

type Sweeper struct {
	ledger   *ledger.Ledger
	engine   *loan.Engine
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger

	// DueSoonDays is how far ahead SendDueSoonReminders looks.
	DueSoonDays int
}

func NewSweeper(l *ledger.Ledger, e *loan.Engine, n notify.Notifier, m *metrics.Collector, logger *zap.Logger) *Sweeper {
	if n == nil {
		n = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		ledger:      l,
		engine:      e,
		notifier:    n,
		metrics:     m,
		logger:      logger,
		DueSoonDays: 3,
	}
}

// SweepOverdueLoans recomputes every loan past its due date. Each loan is
// written in its own unit of work; a failure on one loan does not stop the
// others and is reported in the joined error.
func (s *Sweeper) SweepOverdueLoans(ctx context.Context, now time.Time) (_ []*models.Loan, err error) {
	defer func(start time.Time) { s.metrics.ObserveOperation("sweep.overdue", start, err) }(time.Now())

	candidates, err := s.ledger.Storage().ListLoansByStatus(ctx, loan.Sweepable...)
	if err != nil {
		return nil, apperr.Wrap("sweep overdue loans", err)
	}

	var updated []*models.Loan
	var errs []error
	for _, c := range candidates {
		if c.DueDate == nil || !c.DueDate.Before(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		l, prev, err := s.sweepOne(ctx, c.ID, c.UserID, now)
		if err != nil {
			s.logger.Error("Failed to sweep loan",
				zap.String("loan_id", c.ID.String()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("loan %s: %w", c.ID, err))
			continue
		}
		if l == nil {
			continue
		}
		updated = append(updated, l)

		if l.Status != prev {
			s.metrics.LoanTransition(string(l.Status))
			s.notifier.Notify(ctx, notify.LoanOverdue(l))
		}
	}

	s.metrics.SweepRun(len(updated), len(errs))
	s.logger.Info("Overdue sweep completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("updated", len(updated)),
		zap.Int("failed", len(errs)))
	if len(errs) > 0 {
		return updated, apperr.Wrap("sweep overdue loans", errors.Join(errs...))
	}
	return updated, nil
}

// sweepOne applies the overdue transition to one loan inside the borrower's
// critical section. A guard failure re-reads and retries; a loan that no
// longer qualifies returns nil.
func (s *Sweeper) sweepOne(ctx context.Context, loanID, userID uuid.UUID, now time.Time) (*models.Loan, models.LoanStatus, error) {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var l *models.Loan
		var prev models.LoanStatus
		err = s.ledger.Atomic(ctx, userID, func(repo store.Repository) error {
			var err error
			l, err = repo.GetLoan(ctx, loanID)
			if err != nil {
				return err
			}
			prev = l.Status
			version := l.Version
			if !s.engine.MarkOverdue(l, now) {
				l = nil
				return nil
			}
			return repo.UpdateLoan(ctx, l, prev, version)
		})
		if err == nil {
			return l, prev, nil
		}
		if !errors.Is(err, apperr.ErrStateConflict) {
			return nil, "", err
		}
		s.logger.Warn("Loan changed during sweep, retrying",
			zap.String("loan_id", loanID.String()),
			zap.Int("attempt", attempt))
	}
	return nil, "", err
}

// dueBetween lists reminder-eligible loans whose due date falls in [from, to).
func (s *Sweeper) dueBetween(ctx context.Context, from, to time.Time) ([]*models.Loan, error) {
	loans, err := s.ledger.Storage().ListLoansByStatus(ctx, reminderStatuses...)
	if err != nil {
		return nil, err
	}
	var out []*models.Loan
	for _, l := range loans {
		if l.DueDate == nil || l.DueDate.Before(from) || !l.DueDate.Before(to) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// SendDueSoonReminders notifies borrowers whose loan falls due within
// DueSoonDays. It returns the number of reminders sent.
func (s *Sweeper) SendDueSoonReminders(ctx context.Context, now time.Time) (int, error) {
	loans, err := s.dueBetween(ctx, now, now.Add(time.Duration(s.DueSoonDays)*day+time.Nanosecond))
	if err != nil {
		return 0, apperr.Wrap("due soon reminders", err)
	}
	for _, l := range loans {
		left := l.DueDate.Sub(now)
		daysLeft := int(left / day)
		if left%day != 0 {
			daysLeft++
		}
		s.notifier.Notify(ctx, notify.LoanDueSoon(l, daysLeft))
		s.logger.Debug("Due soon reminder sent",
			zap.String("loan_id", l.ID.String()),
			zap.Int("days_left", daysLeft))
	}
	s.logger.Info("Due soon reminders completed", zap.Int("sent", len(loans)))
	return len(loans), nil
}

// SendPaymentReminders notifies borrowers whose loan falls due within the
// next day.
func (s *Sweeper) SendPaymentReminders(ctx context.Context, now time.Time) (int, error) {
	loans, err := s.dueBetween(ctx, now, now.Add(day))
	if err != nil {
		return 0, apperr.Wrap("payment reminders", err)
	}
	for _, l := range loans {
		s.notifier.Notify(ctx, notify.PaymentReminder(l))
	}
	s.logger.Info("Payment reminders completed", zap.Int("sent", len(loans)))
	return len(loans), nil
}

// Result summarizes one RunAll pass.
type Result struct {
	Updated          []*models.Loan `json:"updated"`
	DueSoonSent      int            `json:"due_soon_sent"`
	PaymentReminders int            `json:"payment_reminders_sent"`
}

// RunAll runs the overdue sweep followed by both reminder passes at the
// ledger's current time. Reminders still go out if the sweep partly failed.
func (s *Sweeper) RunAll(ctx context.Context) (*Result, error) {
	now := s.ledger.Now()
	res := &Result{}

	var errs []error
	var err error
	res.Updated, err = s.SweepOverdueLoans(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	if res.DueSoonSent, err = s.SendDueSoonReminders(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if res.PaymentReminders, err = s.SendPaymentReminders(ctx, now); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}
