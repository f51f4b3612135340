// Package loan runs the loan lifecycle: application, decision, disbursement,
// extension, repayment and the overdue transition used by the sweep.
package loan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/credit"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/mcclellann/microloan/pkg/metrics"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/notify"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ReasonNotExtendable  apperr.Reason = "loan_not_extendable"
	ReasonShortTerm      apperr.Reason = "term_not_extendable"
	ReasonExtensionLimit apperr.Reason = "extension_limit_reached"
)

const day = 24 * time.Hour

// Engine applies loan state transitions. Each money-moving transition runs in
// the borrower's wallet critical section.
type Engine struct {
	ledger   *ledger.Ledger
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger

	// DefaultAfterDays is how many days overdue a loan may be before it is
	// marked defaulted.
	DefaultAfterDays int
}

func NewEngine(l *ledger.Ledger, n notify.Notifier, m *metrics.Collector, logger *zap.Logger) *Engine {
	if n == nil {
		n = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		ledger:           l,
		notifier:         n,
		metrics:          m,
		logger:           logger,
		DefaultAfterDays: defaultAfterDays,
	}
}

func (e *Engine) storage() store.Storage {
	return e.ledger.Storage()
}

func (e *Engine) rejected(err error) {
	var rej *apperr.RejectionError
	if errors.As(err, &rej) {
		e.metrics.Rejection(string(rej.Reason))
	}
}

func newLoanNumber(now time.Time) string {
	return fmt.Sprintf("LOAN%d%s", now.UnixMilli(), strings.ToUpper(uuid.NewString()[:4]))
}

// Apply creates a pending loan if the application passes the credit gate.
// A refused application creates nothing.
func (e *Engine) Apply(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, term int, purpose models.LoanPurpose) (_ *models.Loan, err error) {
	defer func(start time.Time) { e.metrics.ObserveOperation("loan.apply", start, err) }(time.Now())

	if purpose == "" {
		purpose = models.PurposePersonal
	}
	if err := ledger.WholeAmount(amount); err != nil {
		return nil, err
	}
	if err := credit.ValidateApplication(amount, term, purpose); err != nil {
		e.rejected(err)
		return nil, err
	}
	quote, err := CalculateInterest(amount, term)
	if err != nil {
		return nil, err
	}

	var loan *models.Loan
	err = e.ledger.Atomic(ctx, userID, func(repo store.Repository) error {
		user, err := repo.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		exposure, err := repo.SumPrincipal(ctx, userID, models.ExposureStatuses...)
		if err != nil {
			return err
		}
		if err := credit.Evaluate(user, amount, exposure); err != nil {
			return err
		}

		now := e.ledger.Now()
		loan = &models.Loan{
			ID:              uuid.New(),
			LoanNumber:      newLoanNumber(now),
			UserID:          userID,
			Principal:       amount,
			Term:            term,
			Purpose:         purpose,
			InterestRate:    quote.Rate,
			InterestAmount:  quote.InterestAmount,
			TotalAmount:     quote.TotalAmount,
			PaidAmount:      decimal.Zero,
			RemainingAmount: quote.TotalAmount,
			LateFee:         decimal.Zero,
			LateFeeCharged:  decimal.Zero,
			Status:          models.LoanStatusPending,
			Extensions:      []models.Extension{},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return repo.CreateLoan(ctx, loan)
	})
	if err != nil {
		e.rejected(err)
		return nil, apperr.Wrap("apply for loan", err)
	}

	e.metrics.LoanTransition(string(loan.Status))
	e.logger.Info("Loan application accepted",
		zap.String("loan_id", loan.ID.String()),
		zap.String("loan_number", loan.LoanNumber),
		zap.String("user_id", userID.String()),
		zap.String("principal", amount.String()),
		zap.Int("term", term))
	return loan, nil
}

// Approve disburses a pending loan. The loan moves through approved to active
// and the principal is credited, all in one unit of work.
func (e *Engine) Approve(ctx context.Context, loanID uuid.UUID, adminID string) (_ *models.Loan, _ *models.Transaction, err error) {
	defer func(start time.Time) { e.metrics.ObserveOperation("loan.approve", start, err) }(time.Now())

	if strings.TrimSpace(adminID) == "" {
		return nil, nil, apperr.Validationf("admin id is required")
	}
	current, err := e.storage().GetLoan(ctx, loanID)
	if err != nil {
		return nil, nil, apperr.Wrap("approve loan", err)
	}

	var loan *models.Loan
	var tx *models.Transaction
	err = e.ledger.Atomic(ctx, current.UserID, func(repo store.Repository) error {
		var err error
		loan, err = repo.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanStatusPending {
			return apperr.Conflictf("loan %s is %s, only pending loans can be approved", loan.LoanNumber, loan.Status)
		}
		version := loan.Version

		now := e.ledger.Now()
		loan.Status = models.LoanStatusApproved
		loan.ApprovedBy = adminID
		loan.ApprovedAt = &now

		tx, err = e.ledger.Credit(ctx, repo, loan.UserID, loan.Principal, ledger.Entry{
			Type:        models.TransactionTypeLoanDisbursement,
			LoanID:      &loan.ID,
			Description: fmt.Sprintf("Loan disbursement - %s", loan.LoanNumber),
			ProcessedBy: adminID,
		})
		if err != nil {
			return err
		}

		due := now.Add(time.Duration(loan.Term) * day)
		loan.Status = models.LoanStatusActive
		loan.DisbursedAt = &now
		loan.DueDate = &due
		loan.UpdatedAt = now
		return repo.UpdateLoan(ctx, loan, models.LoanStatusPending, version)
	})
	if err != nil {
		return nil, nil, apperr.Wrap("approve loan", err)
	}

	e.ledger.Committed(tx)
	e.metrics.LoanTransition(string(loan.Status))
	e.logger.Info("Loan approved and disbursed",
		zap.String("loan_id", loan.ID.String()),
		zap.String("admin_id", adminID),
		zap.String("amount", loan.Principal.String()),
		zap.Time("due_date", *loan.DueDate))
	e.notifier.Notify(ctx, notify.LoanApproved(loan))
	return loan, tx, nil
}

// Reject closes a pending application. The reason is mandatory.
func (e *Engine) Reject(ctx context.Context, loanID uuid.UUID, adminID, reason string) (_ *models.Loan, err error) {
	defer func(start time.Time) { e.metrics.ObserveOperation("loan.reject", start, err) }(time.Now())

	if strings.TrimSpace(adminID) == "" {
		return nil, apperr.Validationf("admin id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validationf("a rejection reason is required")
	}

	var loan *models.Loan
	err = e.storage().WithTx(ctx, func(repo store.Repository) error {
		var err error
		loan, err = repo.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanStatusPending {
			return apperr.Conflictf("loan %s is %s, only pending loans can be rejected", loan.LoanNumber, loan.Status)
		}

		now := e.ledger.Now()
		version := loan.Version
		loan.Status = models.LoanStatusRejected
		loan.RejectedReason = reason
		loan.RejectedAt = &now
		loan.UpdatedAt = now
		return repo.UpdateLoan(ctx, loan, models.LoanStatusPending, version)
	})
	if err != nil {
		return nil, apperr.Wrap("reject loan", err)
	}

	e.metrics.LoanTransition(string(loan.Status))
	e.logger.Info("Loan rejected",
		zap.String("loan_id", loan.ID.String()),
		zap.String("admin_id", adminID),
		zap.String("reason", reason))
	e.notifier.Notify(ctx, notify.LoanRejected(loan))
	return loan, nil
}

// loadOwned reads a loan and hides it from anyone but its borrower.
func (e *Engine) loadOwned(ctx context.Context, repo store.Repository, loanID, userID uuid.UUID) (*models.Loan, error) {
	loan, err := repo.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.UserID != userID {
		return nil, apperr.NotFoundf("loan %s", loanID)
	}
	return loan, nil
}

// Extend pushes the due date out by one term for a fee equal to the loan's
// interest. 14-day loans never extend and no loan extends more than four times.
func (e *Engine) Extend(ctx context.Context, loanID, userID uuid.UUID) (_ *models.Loan, _ *models.Transaction, err error) {
	defer func(start time.Time) { e.metrics.ObserveOperation("loan.extend", start, err) }(time.Now())

	var loan *models.Loan
	var tx *models.Transaction
	var ext models.Extension
	err = e.ledger.Atomic(ctx, userID, func(repo store.Repository) error {
		var err error
		loan, err = e.loadOwned(ctx, repo, loanID, userID)
		if err != nil {
			return err
		}
		if reason := extendable(loan); reason != "" {
			return apperr.Reject(apperr.ErrStateConflict, reason,
				fmt.Sprintf("loan %s cannot be extended (%s, term %d days, %d extensions)", loan.LoanNumber, loan.Status, loan.Term, loan.ExtensionCount))
		}
		if loan.DueDate == nil {
			return apperr.Fatal("extend loan", fmt.Errorf("loan %s has no due date", loan.ID))
		}

		fee := loan.InterestAmount
		tx, err = e.ledger.Debit(ctx, repo, userID, fee, ledger.Entry{
			Type:        models.TransactionTypeExtensionFee,
			LoanID:      &loan.ID,
			Description: fmt.Sprintf("Loan extension fee - %s", loan.LoanNumber),
		})
		if err != nil {
			return err
		}

		now := e.ledger.Now()
		prevStatus, version := loan.Status, loan.Version
		ext = models.Extension{
			ExtendedAt:      now,
			ExtensionFee:    fee,
			PreviousDueDate: *loan.DueDate,
			NewDueDate:      loan.DueDate.Add(time.Duration(loan.Term) * day),
		}
		loan.Extensions = append(loan.Extensions, ext)
		loan.ExtensionCount++
		loan.DueDate = &ext.NewDueDate
		loan.TotalAmount = loan.TotalAmount.Add(fee)
		loan.RemainingAmount = loan.RemainingAmount.Add(fee)
		loan.Status = models.LoanStatusExtended
		loan.UpdatedAt = now
		return repo.UpdateLoan(ctx, loan, prevStatus, version)
	})
	if err != nil {
		e.rejected(err)
		return nil, nil, apperr.Wrap("extend loan", err)
	}

	e.ledger.Committed(tx)
	e.metrics.LoanTransition(string(loan.Status))
	e.logger.Info("Loan extended",
		zap.String("loan_id", loan.ID.String()),
		zap.Int("extension_count", loan.ExtensionCount),
		zap.String("fee", ext.ExtensionFee.String()),
		zap.Time("due_date", ext.NewDueDate))
	e.notifier.Notify(ctx, notify.LoanExtended(loan, ext))
	return loan, tx, nil
}

// Repay applies a payment. Any late fee is folded into the loan's balance first,
// so the payment may cover up to remaining plus late fee. The folded fee is
// recorded in LateFeeCharged and stays out of later late-fee bases. A loan paid
// down to zero completes and raises the borrower's credit score.
func (e *Engine) Repay(ctx context.Context, loanID, userID uuid.UUID, amount decimal.Decimal) (_ *models.Loan, _ *models.Transaction, err error) {
	defer func(start time.Time) { e.metrics.ObserveOperation("loan.repay", start, err) }(time.Now())

	if !amount.IsPositive() {
		return nil, nil, apperr.Validationf("payment amount must be positive")
	}
	if err := ledger.WholeAmount(amount); err != nil {
		return nil, nil, err
	}

	var loan *models.Loan
	var tx *models.Transaction
	err = e.ledger.Atomic(ctx, userID, func(repo store.Repository) error {
		var err error
		loan, err = e.loadOwned(ctx, repo, loanID, userID)
		if err != nil {
			return err
		}
		if !loan.Repayable() {
			return apperr.Conflictf("loan %s is %s and does not accept payments", loan.LoanNumber, loan.Status)
		}
		if amount.GreaterThan(loan.TotalDue()) {
			return apperr.Validationf("payment %s exceeds amount due %s", amount, loan.TotalDue())
		}

		tx, err = e.ledger.Debit(ctx, repo, userID, amount, ledger.Entry{
			Type:        models.TransactionTypeLoanPayment,
			LoanID:      &loan.ID,
			Description: fmt.Sprintf("Loan repayment - %s", loan.LoanNumber),
		})
		if err != nil {
			return err
		}

		now := e.ledger.Now()
		prevStatus, version := loan.Status, loan.Version
		loan.TotalAmount = loan.TotalAmount.Add(loan.LateFee)
		loan.RemainingAmount = loan.TotalDue().Sub(amount)
		loan.LateFeeCharged = loan.LateFeeCharged.Add(loan.LateFee)
		loan.LateFee = decimal.Zero
		loan.PaidAmount = loan.PaidAmount.Add(amount)
		loan.UpdatedAt = now

		if loan.RemainingAmount.IsZero() {
			loan.Status = models.LoanStatusCompleted
			loan.CompletedAt = &now

			user, err := repo.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			user.CreditScore = min(user.CreditScore+scoreIncrement, maxCreditScore)
			user.UpdatedAt = now
			if err := repo.UpdateUser(ctx, user); err != nil {
				return err
			}
		}
		return repo.UpdateLoan(ctx, loan, prevStatus, version)
	})
	if err != nil {
		return nil, nil, apperr.Wrap("repay loan", err)
	}

	e.ledger.Committed(tx)
	e.logger.Info("Loan repayment recorded",
		zap.String("loan_id", loan.ID.String()),
		zap.String("amount", amount.String()),
		zap.String("remaining", loan.RemainingAmount.String()),
		zap.String("status", string(loan.Status)))
	e.notifier.Notify(ctx, notify.LoanPayment(loan, tx))
	if loan.Status == models.LoanStatusCompleted {
		e.metrics.LoanTransition(string(loan.Status))
		e.notifier.Notify(ctx, notify.LoanCompleted(loan))
	}
	return loan, tx, nil
}

// Sweepable are the statuses the overdue sweep recomputes.
var Sweepable = []models.LoanStatus{
	models.LoanStatusActive,
	models.LoanStatusExtended,
	models.LoanStatusOverdue,
	models.LoanStatusDefaulted,
}

// MarkOverdue recomputes days overdue and the late fee of a loan past its due
// date, and moves it to overdue or defaulted. It reports whether the loan
// qualified; the caller persists the change.
//
// The fee is charged on the balance net of late fees already folded in by
// repayments, less those folded fees, so a partial payment never makes the
// next pass charge a fee on a fee.
func (e *Engine) MarkOverdue(loan *models.Loan, now time.Time) bool {
	if loan.DueDate == nil || !loan.DueDate.Before(now) {
		return false
	}
	switch loan.Status {
	case models.LoanStatusActive, models.LoanStatusExtended, models.LoanStatusOverdue, models.LoanStatusDefaulted:
	default:
		return false
	}

	loan.DaysOverdue = int(now.Sub(*loan.DueDate) / day)
	base := decimal.Max(loan.RemainingAmount.Sub(loan.LateFeeCharged), decimal.Zero)
	loan.LateFee = decimal.Max(LateFee(base, loan.DaysOverdue).Sub(loan.LateFeeCharged), decimal.Zero)
	if e.DefaultAfterDays > 0 && loan.DaysOverdue >= e.DefaultAfterDays {
		loan.Status = models.LoanStatusDefaulted
	} else if loan.Status != models.LoanStatusDefaulted {
		loan.Status = models.LoanStatusOverdue
	}
	loan.UpdatedAt = now
	return true
}

// Get retrieves a loan by its ID.
func (e *Engine) Get(ctx context.Context, loanID uuid.UUID) (*models.Loan, error) {
	loan, err := e.storage().GetLoan(ctx, loanID)
	return loan, apperr.Wrap("get loan", err)
}

// ListForUser retrieves a user's loans, newest first.
func (e *Engine) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Loan, error) {
	loans, err := e.storage().ListLoansByUser(ctx, userID)
	return loans, apperr.Wrap("list loans", err)
}

// ListByStatus retrieves loans in any of the given statuses, oldest first.
func (e *Engine) ListByStatus(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error) {
	loans, err := e.storage().ListLoansByStatus(ctx, statuses...)
	return loans, apperr.Wrap("list loans", err)
}
