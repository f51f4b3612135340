package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/journal"
	"github.com/mcclellann/microloan/pkg/lock"
	"github.com/mcclellann/microloan/pkg/metrics"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultCurrency = "MNT"
	ReasonBelowMin  = apperr.Reason("amount_below_minimum")
)

var MinDeposit = decimal.NewFromInt(1000)

// WholeAmount rejects amounts with fractional MNT. Balances only move in whole units.
func WholeAmount(amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(0)) {
		return apperr.Validationf("amount %s must be a whole number of %s", amount, DefaultCurrency)
	}
	return nil
}

// Entry describes the journal record written alongside a balance movement.
type Entry struct {
	Type                models.TransactionType
	LoanID              *uuid.UUID
	WithdrawalRequestID *uuid.UUID
	Description         string
	PaymentMethod       string
	ReferenceNumber     string
	ProcessedBy         string
}

// Ledger owns wallet balances. Every movement updates the wallet with a
// version check and appends a journal entry through the same Repository, so
// both land in one unit of work.
type Ledger struct {
	storage store.Storage
	locker  lock.Locker
	journal *journal.Journal
	now     func() time.Time
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewLedger creates a Ledger. now may be nil for wall-clock time.
func NewLedger(s store.Storage, locker lock.Locker, now func() time.Time, m *metrics.Collector, logger *zap.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		storage: s,
		locker:  locker,
		journal: journal.New(now),
		now:     now,
		metrics: m,
		logger:  logger,
	}
}

// Now is the ledger's clock, shared by the engines built on it.
func (l *Ledger) Now() time.Time {
	return l.now().UTC()
}

func (l *Ledger) Storage() store.Storage {
	return l.storage
}

// Atomic runs fn as the per-wallet critical section: it holds the wallet lock
// for userID and runs fn inside one store transaction.
func (l *Ledger) Atomic(ctx context.Context, userID uuid.UUID, fn func(repo store.Repository) error) error {
	unlock, err := l.locker.Lock(ctx, lock.WalletKey(userID.String()))
	if err != nil {
		return apperr.Fatal("lock wallet", err)
	}
	defer unlock()

	return l.storage.WithTx(ctx, fn)
}

// Committed records metrics for entries whose unit of work has committed.
func (l *Ledger) Committed(entries ...*models.Transaction) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		l.metrics.LedgerMovement(string(e.Type), e.Amount)
		l.logger.Debug("Ledger movement committed",
			zap.String("transaction_id", e.ID.String()),
			zap.String("user_id", e.UserID.String()),
			zap.String("type", string(e.Type)),
			zap.String("amount", e.Amount.String()),
			zap.String("balance_after", e.BalanceAfter.String()))
	}
}

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Validationf("amount must be positive, got %s", amount)
	}
	return nil
}

func (l *Ledger) record(ctx context.Context, repo store.Repository, w *models.Wallet, amount, before decimal.Decimal, e Entry) (*models.Transaction, error) {
	tx := &models.Transaction{
		UserID:              w.UserID,
		Type:                e.Type,
		Amount:              amount,
		BalanceBefore:       before,
		BalanceAfter:        w.Balance,
		LoanID:              e.LoanID,
		WithdrawalRequestID: e.WithdrawalRequestID,
		Description:         e.Description,
		PaymentMethod:       e.PaymentMethod,
		ReferenceNumber:     e.ReferenceNumber,
		ProcessedBy:         e.ProcessedBy,
	}
	if err := l.journal.Append(ctx, repo, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Credit adds amount to the user's balance.
func (l *Ledger) Credit(ctx context.Context, repo store.Repository, userID uuid.UUID, amount decimal.Decimal, e Entry) (*models.Transaction, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	if !e.Type.Inflow() {
		return nil, apperr.Fatal("credit wallet", fmt.Errorf("%s is not an inflow type", e.Type))
	}
	w, err := repo.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := l.Now()
	before := w.Balance
	w.Balance = w.Balance.Add(amount)
	if e.Type == models.TransactionTypeDeposit {
		w.TotalDeposited = w.TotalDeposited.Add(amount)
		w.LastDepositAt = &now
	}
	w.UpdatedAt = now
	if err := repo.UpdateWallet(ctx, w, w.Version); err != nil {
		return nil, err
	}
	return l.record(ctx, repo, w, amount, before, e)
}

// Debit removes amount from the user's balance. Frozen funds are not spendable.
func (l *Ledger) Debit(ctx context.Context, repo store.Repository, userID uuid.UUID, amount decimal.Decimal, e Entry) (*models.Transaction, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	if e.Type.Inflow() {
		return nil, apperr.Fatal("debit wallet", fmt.Errorf("%s is not an outflow type", e.Type))
	}
	w, err := repo.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(w.Available()) {
		return nil, apperr.InsufficientFundsf("need %s, available %s", amount, w.Available())
	}

	now := l.Now()
	before := w.Balance
	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = now
	if err := repo.UpdateWallet(ctx, w, w.Version); err != nil {
		return nil, err
	}
	return l.record(ctx, repo, w, amount, before, e)
}

// Freeze earmarks amount of the available balance. No journal entry is written.
func (l *Ledger) Freeze(ctx context.Context, repo store.Repository, userID uuid.UUID, amount decimal.Decimal) (*models.Wallet, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	w, err := repo.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(w.Available()) {
		return nil, apperr.InsufficientAvailablef("need %s, available %s", amount, w.Available())
	}

	w.FrozenBalance = w.FrozenBalance.Add(amount)
	w.UpdatedAt = l.Now()
	if err := repo.UpdateWallet(ctx, w, w.Version); err != nil {
		return nil, err
	}
	return w, nil
}

// Unfreeze releases a previous freeze.
func (l *Ledger) Unfreeze(ctx context.Context, repo store.Repository, userID uuid.UUID, amount decimal.Decimal) (*models.Wallet, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	w, err := repo.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(w.FrozenBalance) {
		return nil, apperr.Conflictf("cannot unfreeze %s, only %s frozen", amount, w.FrozenBalance)
	}

	w.FrozenBalance = w.FrozenBalance.Sub(amount)
	w.UpdatedAt = l.Now()
	if err := repo.UpdateWallet(ctx, w, w.Version); err != nil {
		return nil, err
	}
	return w, nil
}

// SettleFrozen pays out a frozen amount: balance and frozen balance drop
// together and a withdrawal entry is journaled.
func (l *Ledger) SettleFrozen(ctx context.Context, repo store.Repository, userID uuid.UUID, amount decimal.Decimal, e Entry) (*models.Transaction, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	w, err := repo.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(w.FrozenBalance) {
		return nil, apperr.Conflictf("cannot settle %s, only %s frozen", amount, w.FrozenBalance)
	}

	now := l.Now()
	before := w.Balance
	w.Balance = w.Balance.Sub(amount)
	w.FrozenBalance = w.FrozenBalance.Sub(amount)
	w.TotalWithdrawn = w.TotalWithdrawn.Add(amount)
	w.LastWithdrawalAt = &now
	w.UpdatedAt = now
	if err := repo.UpdateWallet(ctx, w, w.Version); err != nil {
		return nil, err
	}
	e.Type = models.TransactionTypeWithdrawal
	return l.record(ctx, repo, w, amount, before, e)
}

// NewWallet builds the empty wallet opened for every user.
func (l *Ledger) NewWallet(userID uuid.UUID) *models.Wallet {
	now := l.Now()
	return &models.Wallet{
		UserID:         userID,
		Balance:        decimal.Zero,
		FrozenBalance:  decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		Currency:       DefaultCurrency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Deposit credits funds paid in from outside the platform.
func (l *Ledger) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, method, reference string) (*models.Transaction, error) {
	if err := WholeAmount(amount); err != nil {
		return nil, err
	}
	if amount.LessThan(MinDeposit) {
		return nil, apperr.Reject(apperr.ErrValidation, ReasonBelowMin,
			fmt.Sprintf("minimum deposit is %s", MinDeposit))
	}

	var tx *models.Transaction
	err := l.Atomic(ctx, userID, func(repo store.Repository) error {
		var err error
		tx, err = l.Credit(ctx, repo, userID, amount, Entry{
			Type:            models.TransactionTypeDeposit,
			Description:     fmt.Sprintf("Deposit via %s", method),
			PaymentMethod:   method,
			ReferenceNumber: reference,
		})
		return err
	})
	if err != nil {
		return nil, apperr.Wrap("deposit", err)
	}

	l.Committed(tx)
	l.logger.Info("Deposit recorded",
		zap.String("user_id", userID.String()),
		zap.String("amount", amount.String()),
		zap.String("transaction_id", tx.ID.String()))
	return tx, nil
}

// GetWallet retrieves the user's wallet.
func (l *Ledger) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	w, err := l.storage.GetWallet(ctx, userID)
	return w, apperr.Wrap("get wallet", err)
}

// History lists the user's journal entries oldest first.
func (l *Ledger) History(ctx context.Context, userID uuid.UUID, filter store.TransactionFilter) ([]*models.Transaction, error) {
	if _, err := l.storage.GetUser(ctx, userID); err != nil {
		return nil, apperr.Wrap("transaction history", err)
	}
	txs, err := l.journal.History(ctx, l.storage, userID, filter)
	return txs, apperr.Wrap("transaction history", err)
}

// Reconcile compares the wallet against its journal. Both are read in the
// wallet's critical section so they come from the same snapshot.
func (l *Ledger) Reconcile(ctx context.Context, userID uuid.UUID) (*journal.Report, error) {
	var report *journal.Report
	err := l.Atomic(ctx, userID, func(repo store.Repository) error {
		var err error
		report, err = l.journal.Reconcile(ctx, repo, userID)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap("reconcile wallet", err)
	}
	if !report.Consistent {
		l.logger.Error("Wallet does not reconcile with journal",
			zap.String("user_id", userID.String()),
			zap.Strings("problems", report.Problems))
	}
	return report, nil
}
