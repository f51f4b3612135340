// Package account covers borrower onboarding: registration, identity
// verification, the credit check fee and the credit limit an administrator
// assigns afterwards.
package account

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
	ReasonKYCNotReviewable apperr.Reason = "kyc_not_reviewable"
	ReasonCheckAlreadyPaid apperr.Reason = "credit_check_already_paid"
)

var CreditCheckFee = decimal.NewFromInt(3000)

type Service struct {
	ledger   *ledger.Ledger
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func NewService(l *ledger.Ledger, n notify.Notifier, m *metrics.Collector, logger *zap.Logger) *Service {
	if n == nil {
		n = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{ledger: l, notifier: n, metrics: m, logger: logger}
}

func (s *Service) rejected(err error) {
	var rej *apperr.RejectionError
	if errors.As(err, &rej) {
		s.metrics.Rejection(string(rej.Reason))
	}
}

// Register creates a user together with an empty wallet.
func (s *Service) Register(ctx context.Context, name, phone string) (_ *models.User, err error) {
	defer func(start time.Time) { s.metrics.ObserveOperation("account.register", start, err) }(time.Now())

	name, phone = strings.TrimSpace(name), strings.TrimSpace(phone)
	if name == "" {
		return nil, apperr.Validationf("name is required")
	}
	if phone == "" {
		return nil, apperr.Validationf("phone is required")
	}

	now := s.ledger.Now()
	user := &models.User{
		ID:          uuid.New(),
		Name:        name,
		Phone:       phone,
		KYCStatus:   models.KYCNotSubmitted,
		CreditLimit: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.ledger.Storage().WithTx(ctx, func(repo store.Repository) error {
		if err := repo.CreateUser(ctx, user); err != nil {
			return err
		}
		return repo.CreateWallet(ctx, s.ledger.NewWallet(user.ID))
	})
	if err != nil {
		return nil, apperr.Wrap("register user", err)
	}

	s.logger.Info("User registered", zap.String("user_id", user.ID.String()))
	return user, nil
}

// update runs fn on the user inside the user's wallet critical section and
// persists the result.
func (s *Service) update(ctx context.Context, userID uuid.UUID, fn func(repo store.Repository, u *models.User, now time.Time) error) (*models.User, error) {
	var user *models.User
	err := s.ledger.Atomic(ctx, userID, func(repo store.Repository) error {
		var err error
		user, err = repo.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		now := s.ledger.Now()
		if err := fn(repo, user, now); err != nil {
			return err
		}
		user.UpdatedAt = now
		return repo.UpdateUser(ctx, user)
	})
	return user, err
}

// UpdateBankDetails replaces the payout account used for withdrawals.
func (s *Service) UpdateBankDetails(ctx context.Context, userID uuid.UUID, bank models.BankDetails) (*models.User, error) {
	bank.BankName = strings.TrimSpace(bank.BankName)
	bank.AccountNumber = strings.TrimSpace(bank.AccountNumber)
	bank.AccountName = strings.TrimSpace(bank.AccountName)
	if !bank.Complete() {
		return nil, apperr.Validationf("bank name and account number are required")
	}

	user, err := s.update(ctx, userID, func(_ store.Repository, u *models.User, _ time.Time) error {
		u.Bank = bank
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap("update bank details", err)
	}
	return user, nil
}

// SubmitKYC queues the user's identity documents for review. A rejected
// submission may be resent.
func (s *Service) SubmitKYC(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.update(ctx, userID, func(_ store.Repository, u *models.User, _ time.Time) error {
		switch u.KYCStatus {
		case models.KYCNotSubmitted, models.KYCRejected:
		default:
			return apperr.Conflictf("identity verification is already %s", u.KYCStatus)
		}
		u.KYCStatus = models.KYCPending
		u.KYCNote = ""
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap("submit kyc", err)
	}

	s.logger.Info("KYC submitted", zap.String("user_id", userID.String()))
	return user, nil
}

// ReviewKYC approves or rejects a pending verification. Rejections need a note.
func (s *Service) ReviewKYC(ctx context.Context, userID uuid.UUID, adminID string, approve bool, note string) (_ *models.User, err error) {
	defer func(start time.Time) { s.metrics.ObserveOperation("account.review_kyc", start, err) }(time.Now())

	note = strings.TrimSpace(note)
	if strings.TrimSpace(adminID) == "" {
		return nil, apperr.Validationf("admin id is required")
	}
	if !approve && note == "" {
		return nil, apperr.Validationf("a rejection reason is required")
	}

	user, err := s.update(ctx, userID, func(_ store.Repository, u *models.User, _ time.Time) error {
		if u.KYCStatus != models.KYCPending {
			return apperr.Reject(apperr.ErrStateConflict, ReasonKYCNotReviewable,
				fmt.Sprintf("identity verification is %s, not pending", u.KYCStatus))
		}
		u.KYCStatus = models.KYCRejected
		if approve {
			u.KYCStatus = models.KYCApproved
		}
		u.KYCNote = note
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap("review kyc", err)
	}

	s.logger.Info("KYC reviewed",
		zap.String("user_id", userID.String()),
		zap.String("admin_id", adminID),
		zap.String("kyc_status", string(user.KYCStatus)))
	s.notifier.Notify(ctx, notify.KYCReviewed(user))
	return user, nil
}

// PayCreditCheckFee debits the one-time credit check fee. It requires approved
// identity verification and may only be paid once.
func (s *Service) PayCreditCheckFee(ctx context.Context, userID uuid.UUID) (_ *models.User, _ *models.Transaction, err error) {
	defer func(start time.Time) { s.metrics.ObserveOperation("account.credit_check_fee", start, err) }(time.Now())

	var tx *models.Transaction
	user, err := s.update(ctx, userID, func(repo store.Repository, u *models.User, now time.Time) error {
		if u.KYCStatus != models.KYCApproved {
			return apperr.Reject(apperr.ErrEligibility, credit.ReasonKYCNotApproved,
				"identity verification must be approved first")
		}
		if u.CreditCheckPaid {
			return apperr.Reject(apperr.ErrStateConflict, ReasonCheckAlreadyPaid,
				"the credit check fee has already been paid")
		}

		var err error
		tx, err = s.ledger.Debit(ctx, repo, userID, CreditCheckFee, ledger.Entry{
			Type:        models.TransactionTypeCreditCheckFee,
			Description: "Credit check fee",
		})
		if err != nil {
			return err
		}
		u.CreditCheckPaid = true
		u.CreditCheckPaidAt = &now
		return nil
	})
	if err != nil {
		s.rejected(err)
		return nil, nil, apperr.Wrap("pay credit check fee", err)
	}

	s.ledger.Committed(tx)
	s.logger.Info("Credit check fee paid",
		zap.String("user_id", userID.String()),
		zap.String("transaction_id", tx.ID.String()))
	return user, tx, nil
}

// SetCreditLimit assigns the user's borrowing limit once they are eligible.
func (s *Service) SetCreditLimit(ctx context.Context, userID uuid.UUID, adminID string, limit decimal.Decimal) (_ *models.User, err error) {
	defer func(start time.Time) { s.metrics.ObserveOperation("account.set_credit_limit", start, err) }(time.Now())

	if strings.TrimSpace(adminID) == "" {
		return nil, apperr.Validationf("admin id is required")
	}
	if limit.IsNegative() {
		return nil, apperr.Validationf("credit limit cannot be negative")
	}

	user, err := s.update(ctx, userID, func(_ store.Repository, u *models.User, now time.Time) error {
		if err := credit.CanSetCreditLimit(u); err != nil {
			return err
		}
		u.CreditLimit = limit
		u.CreditLimitSetBy = adminID
		u.CreditLimitSetAt = &now
		return nil
	})
	if err != nil {
		s.rejected(err)
		return nil, apperr.Wrap("set credit limit", err)
	}

	s.logger.Info("Credit limit set",
		zap.String("user_id", userID.String()),
		zap.String("admin_id", adminID),
		zap.String("limit", limit.String()))
	s.notifier.Notify(ctx, notify.CreditLimitSet(user))
	return user, nil
}

// Get retrieves a user by ID.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	u, err := s.ledger.Storage().GetUser(ctx, userID)
	return u, apperr.Wrap("get user", err)
}
