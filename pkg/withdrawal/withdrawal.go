// Package withdrawal implements the two-phase payout: a request freezes funds,
// then an administrator either settles or releases them.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/mcclellann/microloan/pkg/metrics"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/notify"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ReasonBelowMinimum   apperr.Reason = "amount_below_minimum"
	ReasonNoBankDetails  apperr.Reason = "bank_details_missing"
	ReasonPendingRequest apperr.Reason = "pending_request_exists"
)

var MinAmount = decimal.NewFromInt(10000)

type Workflow struct {
	ledger   *ledger.Ledger
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func NewWorkflow(l *ledger.Ledger, n notify.Notifier, m *metrics.Collector, logger *zap.Logger) *Workflow {
	if n == nil {
		n = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{ledger: l, notifier: n, metrics: m, logger: logger}
}

// Request freezes amount and opens a pending request. A user may have only
// one pending request at a time.
func (w *Workflow) Request(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (_ *models.WithdrawalRequest, err error) {
	defer func(start time.Time) { w.metrics.ObserveOperation("withdrawal.request", start, err) }(time.Now())

	if err := ledger.WholeAmount(amount); err != nil {
		return nil, err
	}
	if amount.LessThan(MinAmount) {
		w.metrics.Rejection(string(ReasonBelowMinimum))
		return nil, apperr.Reject(apperr.ErrValidation, ReasonBelowMinimum,
			fmt.Sprintf("minimum withdrawal is %s", MinAmount))
	}

	var req *models.WithdrawalRequest
	err = w.ledger.Atomic(ctx, userID, func(repo store.Repository) error {
		user, err := repo.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if !user.Bank.Complete() {
			return apperr.Reject(apperr.ErrValidation, ReasonNoBankDetails,
				"bank details must be on file before withdrawing")
		}

		_, err = repo.PendingWithdrawal(ctx, userID)
		switch {
		case err == nil:
			return apperr.Reject(apperr.ErrStateConflict, ReasonPendingRequest,
				"a withdrawal request is already pending")
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}

		if _, err := w.ledger.Freeze(ctx, repo, userID, amount); err != nil {
			return err
		}

		now := w.ledger.Now()
		req = &models.WithdrawalRequest{
			ID:        uuid.New(),
			UserID:    userID,
			Amount:    amount,
			Bank:      user.Bank,
			Status:    models.WithdrawalStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return repo.CreateWithdrawal(ctx, req)
	})
	if err != nil {
		var rej *apperr.RejectionError
		if errors.As(err, &rej) {
			w.metrics.Rejection(string(rej.Reason))
		}
		return nil, apperr.Wrap("request withdrawal", err)
	}

	w.metrics.Withdrawal(string(req.Status))
	w.logger.Info("Withdrawal requested",
		zap.String("withdrawal_id", req.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("amount", amount.String()))
	return req, nil
}

// resolve runs fn on a request that must still be pending, inside the owner's
// wallet critical section.
func (w *Workflow) resolve(ctx context.Context, id uuid.UUID, fn func(repo store.Repository, req *models.WithdrawalRequest, now time.Time) error) (*models.WithdrawalRequest, error) {
	current, err := w.ledger.Storage().GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}

	var req *models.WithdrawalRequest
	err = w.ledger.Atomic(ctx, current.UserID, func(repo store.Repository) error {
		var err error
		req, err = repo.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != models.WithdrawalStatusPending {
			return apperr.Conflictf("withdrawal request %s is already %s", id, req.Status)
		}
		if err := fn(repo, req, w.ledger.Now()); err != nil {
			return err
		}
		return repo.UpdateWithdrawal(ctx, req, models.WithdrawalStatusPending)
	})
	return req, err
}

// Approve settles the frozen amount and completes the request.
func (w *Workflow) Approve(ctx context.Context, id uuid.UUID, adminID string) (_ *models.WithdrawalRequest, _ *models.Transaction, err error) {
	defer func(start time.Time) { w.metrics.ObserveOperation("withdrawal.approve", start, err) }(time.Now())

	if strings.TrimSpace(adminID) == "" {
		return nil, nil, apperr.Validationf("admin id is required")
	}

	var tx *models.Transaction
	req, err := w.resolve(ctx, id, func(repo store.Repository, req *models.WithdrawalRequest, now time.Time) error {
		var err error
		tx, err = w.ledger.SettleFrozen(ctx, repo, req.UserID, req.Amount, ledger.Entry{
			WithdrawalRequestID: &req.ID,
			Description:         fmt.Sprintf("Withdrawal to %s %s", req.Bank.BankName, req.Bank.AccountNumber),
			ProcessedBy:         adminID,
		})
		if err != nil {
			return err
		}
		req.Status = models.WithdrawalStatusCompleted
		req.TransactionID = &tx.ID
		req.ProcessedBy = adminID
		req.ProcessedAt = &now
		req.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, nil, apperr.Wrap("approve withdrawal", err)
	}

	w.ledger.Committed(tx)
	w.metrics.Withdrawal(string(req.Status))
	w.logger.Info("Withdrawal approved",
		zap.String("withdrawal_id", req.ID.String()),
		zap.String("admin_id", adminID),
		zap.String("transaction_id", tx.ID.String()))
	w.notifier.Notify(ctx, notify.WithdrawalApproved(req))
	return req, tx, nil
}

// Reject releases the frozen amount. The balance itself never changes.
func (w *Workflow) Reject(ctx context.Context, id uuid.UUID, adminID, reason string) (_ *models.WithdrawalRequest, err error) {
	defer func(start time.Time) { w.metrics.ObserveOperation("withdrawal.reject", start, err) }(time.Now())

	if strings.TrimSpace(adminID) == "" {
		return nil, apperr.Validationf("admin id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validationf("a rejection reason is required")
	}

	req, err := w.resolve(ctx, id, func(repo store.Repository, req *models.WithdrawalRequest, now time.Time) error {
		if _, err := w.ledger.Unfreeze(ctx, repo, req.UserID, req.Amount); err != nil {
			return err
		}
		req.Status = models.WithdrawalStatusRejected
		req.RejectedReason = reason
		req.ProcessedBy = adminID
		req.ProcessedAt = &now
		req.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap("reject withdrawal", err)
	}

	w.metrics.Withdrawal(string(req.Status))
	w.logger.Info("Withdrawal rejected",
		zap.String("withdrawal_id", req.ID.String()),
		zap.String("admin_id", adminID),
		zap.String("reason", reason))
	w.notifier.Notify(ctx, notify.WithdrawalRejected(req))
	return req, nil
}

func (w *Workflow) Get(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	req, err := w.ledger.Storage().GetWithdrawal(ctx, id)
	return req, apperr.Wrap("get withdrawal", err)
}

func (w *Workflow) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	reqs, err := w.ledger.Storage().ListWithdrawalsByUser(ctx, userID)
	return reqs, apperr.Wrap("list withdrawals", err)
}

func (w *Workflow) ListByStatus(ctx context.Context, status models.WithdrawalStatus) ([]*models.WithdrawalRequest, error) {
	reqs, err := w.ledger.Storage().ListWithdrawalsByStatus(ctx, status)
	return reqs, apperr.Wrap("list withdrawals", err)
}
