package loan

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/credit"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/mcclellann/microloan/pkg/lock"
	"github.com/mcclellann/microloan/pkg/metrics"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/notify"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, n := range r.sent {
		out = append(out, n.Event)
	}
	return out
}

type fixture struct {
	store    store.Storage
	ledger   *ledger.Ledger
	engine   *Engine
	notifier *recordingNotifier
	now      time.Time
	userID   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "loan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return newFixtureWithStorage(t, s)
}

func newFixtureWithStorage(t *testing.T, s store.Storage) *fixture {
	t.Helper()
	f := &fixture{store: s, notifier: &recordingNotifier{}, now: time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)}
	f.ledger = ledger.NewLedger(s, lock.NewLocalLocker(), func() time.Time { return f.now }, metrics.NewCollector(), zaptest.NewLogger(t))
	f.engine = NewEngine(f.ledger, f.notifier, metrics.NewCollector(), zaptest.NewLogger(t))

	ctx := context.Background()
	f.userID = uuid.New()
	require.NoError(t, s.CreateUser(ctx, &models.User{
		ID:              f.userID,
		Name:            "Dorj",
		KYCStatus:       models.KYCApproved,
		CreditCheckPaid: true,
		CreditLimit:     decimal.NewFromInt(50000),
		CreatedAt:       f.now,
		UpdatedAt:       f.now,
	}))
	require.NoError(t, s.CreateWallet(ctx, f.ledger.NewWallet(f.userID)))
	return f
}

func (f *fixture) wallet(t *testing.T) *models.Wallet {
	t.Helper()
	w, err := f.ledger.GetWallet(context.Background(), f.userID)
	require.NoError(t, err)
	return w
}

func (f *fixture) reconciles(t *testing.T) {
	t.Helper()
	report, err := f.ledger.Reconcile(context.Background(), f.userID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Problems)
}

func (f *fixture) activeLoan(t *testing.T, amount int64, term int) *models.Loan {
	t.Helper()
	ctx := context.Background()
	l, err := f.engine.Apply(ctx, f.userID, decimal.NewFromInt(amount), term, models.PurposeBusiness)
	require.NoError(t, err)
	l, _, err = f.engine.Approve(ctx, l.ID, "admin-1")
	require.NoError(t, err)
	return l
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestScenarioApplyApproveRepay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	loan, err := f.engine.Apply(ctx, f.userID, d(20000), 14, models.PurposePersonal)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusPending, loan.Status)
	assert.Equal(t, "20360", loan.TotalAmount.String())
	assert.Equal(t, loan.TotalAmount.String(), loan.RemainingAmount.String())

	loan, tx, err := f.engine.Approve(ctx, loan.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, loan.Status)
	assert.Equal(t, models.TransactionTypeLoanDisbursement, tx.Type)
	assert.Equal(t, "admin-1", loan.ApprovedBy)
	require.NotNil(t, loan.DueDate)
	assert.True(t, f.now.Add(14*24*time.Hour).Equal(*loan.DueDate))
	assert.Equal(t, "20000", f.wallet(t).Balance.String())

	_, err = f.ledger.Deposit(ctx, f.userID, d(1000), "bank_transfer", "R1")
	require.NoError(t, err)

	loan, tx, err = f.engine.Repay(ctx, loan.ID, f.userID, loan.TotalAmount)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusCompleted, loan.Status)
	assert.True(t, loan.RemainingAmount.IsZero())
	assert.Equal(t, "20360", loan.PaidAmount.String())
	assert.NotNil(t, loan.CompletedAt)
	assert.Equal(t, "640", tx.BalanceAfter.String())

	user, err := f.store.GetUser(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, 10, user.CreditScore)

	f.reconciles(t)
	assert.Equal(t, []notify.Event{notify.EventLoanApproved, notify.EventLoanPayment, notify.EventLoanCompleted}, f.notifier.events())

	_, _, err = f.engine.Repay(ctx, loan.ID, f.userID, d(1))
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestApproveTwiceDisbursesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	loan, err := f.engine.Apply(ctx, f.userID, d(10000), 21, models.PurposeEducation)
	require.NoError(t, err)
	_, _, err = f.engine.Approve(ctx, loan.ID, "admin-1")
	require.NoError(t, err)

	_, _, err = f.engine.Approve(ctx, loan.ID, "admin-2")
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	assert.Equal(t, "10000", f.wallet(t).Balance.String())

	history, err := f.ledger.History(ctx, f.userID, store.TransactionFilter{Type: models.TransactionTypeLoanDisbursement})
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = f.engine.Reject(ctx, loan.ID, "admin-2", "changed mind")
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestConcurrentApprovalsDisburseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan, err := f.engine.Apply(ctx, f.userID, d(10000), 21, models.PurposeEducation)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := f.engine.Approve(ctx, loan.ID, "admin"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, "10000", f.wallet(t).Balance.String())
	f.reconciles(t)
}

func TestApplyRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reasonOf := func(err error) apperr.Reason {
		var rej *apperr.RejectionError
		require.True(t, errors.As(err, &rej), "expected rejection, got %v", err)
		return rej.Reason
	}

	_, err := f.engine.Apply(ctx, f.userID, d(5000), 14, models.PurposePersonal)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, credit.ReasonAmountBelowMinimum, reasonOf(err))

	_, err = f.engine.Apply(ctx, f.userID, d(10000), 30, models.PurposePersonal)
	assert.Equal(t, credit.ReasonInvalidTerm, reasonOf(err))

	_, err = f.engine.Apply(ctx, f.userID, d(30000), 21, models.PurposePersonal)
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, f.userID, d(30000), 21, models.PurposePersonal)
	assert.ErrorIs(t, err, apperr.ErrEligibility)
	assert.Equal(t, credit.ReasonCreditLimitExceeded, reasonOf(err))

	_, err = f.engine.Apply(ctx, f.userID, d(20000), 21, models.PurposePersonal)
	require.NoError(t, err, "exactly at the limit is allowed")

	user, err := f.store.GetUser(ctx, f.userID)
	require.NoError(t, err)
	user.KYCStatus = models.KYCPending
	require.NoError(t, f.store.UpdateUser(ctx, user))
	_, err = f.engine.Apply(ctx, f.userID, d(10000), 21, models.PurposePersonal)
	assert.Equal(t, credit.ReasonKYCNotApproved, reasonOf(err))

	loans, err := f.engine.ListForUser(ctx, f.userID)
	require.NoError(t, err)
	assert.Len(t, loans, 2)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan, err := f.engine.Apply(ctx, f.userID, d(10000), 14, models.PurposePersonal)
	require.NoError(t, err)

	_, err = f.engine.Reject(ctx, loan.ID, "admin-1", "  ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	loan, err = f.engine.Reject(ctx, loan.ID, "admin-1", "insufficient income")
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusRejected, loan.Status)
	assert.NotNil(t, loan.RejectedAt)

	_, _, err = f.engine.Approve(ctx, loan.ID, "admin-1")
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	assert.True(t, f.wallet(t).Balance.IsZero())
}

func TestExtensionLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	short := f.activeLoan(t, 10000, 14)
	_, _, err := f.engine.Extend(ctx, short.ID, f.userID)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	var rej *apperr.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonShortTerm, rej.Reason)

	loan := f.activeLoan(t, 10000, 21)
	due := *loan.DueDate
	for i := 1; i <= MaxExtensions; i++ {
		var tx *models.Transaction
		loan, tx, err = f.engine.Extend(ctx, loan.ID, f.userID)
		require.NoError(t, err, "extension %d", i)
		assert.Equal(t, models.TransactionTypeExtensionFee, tx.Type)
		assert.Equal(t, "240", tx.Amount.String())
		assert.Equal(t, i, loan.ExtensionCount)
		assert.Equal(t, models.LoanStatusExtended, loan.Status)
		assert.True(t, due.Add(time.Duration(21*i)*24*time.Hour).Equal(*loan.DueDate))
	}
	assert.Equal(t, "11200", loan.TotalAmount.String())
	assert.Equal(t, "11200", loan.RemainingAmount.String())
	require.Len(t, loan.Extensions, MaxExtensions)
	assert.True(t, due.Equal(loan.Extensions[0].PreviousDueDate))

	_, _, err = f.engine.Extend(ctx, loan.ID, f.userID)
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonExtensionLimit, rej.Reason)

	// 20000 disbursed, four fees of 240 paid
	assert.Equal(t, "19040", f.wallet(t).Balance.String())
	f.reconciles(t)
}

func TestExtendFailsWithoutFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.activeLoan(t, 10000, 90)

	err := f.ledger.Atomic(ctx, f.userID, func(repo store.Repository) error {
		_, err := f.ledger.Freeze(ctx, repo, f.userID, d(9900))
		return err
	})
	require.NoError(t, err)

	_, _, err = f.engine.Extend(ctx, loan.ID, f.userID)
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	unchanged, err := f.engine.Get(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, unchanged.ExtensionCount)
	assert.Equal(t, models.LoanStatusActive, unchanged.Status)
}

func TestRepayFoldsLateFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.activeLoan(t, 10000, 14)

	f.now = loan.DueDate.Add(10 * 24 * time.Hour)
	require.NoError(t, f.store.WithTx(ctx, func(repo store.Repository) error {
		l, err := repo.GetLoan(ctx, loan.ID)
		if err != nil {
			return err
		}
		status, version := l.Status, l.Version
		require.True(t, f.engine.MarkOverdue(l, f.now))
		return repo.UpdateLoan(ctx, l, status, version)
	}))

	loan, err := f.engine.Get(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusOverdue, loan.Status)
	assert.Equal(t, "509", loan.LateFee.String())

	_, _, err = f.engine.Repay(ctx, loan.ID, f.userID, d(10690))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	loan, _, err = f.engine.Repay(ctx, loan.ID, f.userID, d(5000))
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusOverdue, loan.Status)
	assert.True(t, loan.LateFee.IsZero())
	assert.Equal(t, "509", loan.LateFeeCharged.String())
	assert.Equal(t, "10689", loan.TotalAmount.String())
	assert.Equal(t, "5689", loan.RemainingAmount.String())
	assert.Equal(t, loan.TotalAmount.Sub(loan.PaidAmount).String(), loan.RemainingAmount.String())

	_, err = f.ledger.Deposit(ctx, f.userID, d(1000), "cash", "")
	require.NoError(t, err)
	loan, _, err = f.engine.Repay(ctx, loan.ID, f.userID, d(5689))
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusCompleted, loan.Status)
	f.reconciles(t)
}

func TestRepayOtherUsersLoanIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.activeLoan(t, 10000, 14)

	_, _, err := f.engine.Repay(ctx, loan.ID, uuid.New(), d(100))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, _, err = f.engine.Repay(ctx, loan.ID, f.userID, d(0))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreditScoreCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.store.GetUser(ctx, f.userID)
	require.NoError(t, err)
	user.CreditScore = 995
	require.NoError(t, f.store.UpdateUser(ctx, user))

	loan := f.activeLoan(t, 10000, 14)
	_, err = f.ledger.Deposit(ctx, f.userID, d(1000), "cash", "")
	require.NoError(t, err)
	_, _, err = f.engine.Repay(ctx, loan.ID, f.userID, loan.TotalAmount)
	require.NoError(t, err)

	user, err = f.store.GetUser(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, 1000, user.CreditScore)
}

type failingRepo struct {
	store.Repository
}

func (failingRepo) AppendTransaction(context.Context, *models.Transaction) error {
	return errors.New("disk I/O error")
}

type failingJournalStorage struct {
	store.Storage
}

func (s failingJournalStorage) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	return s.Storage.WithTx(ctx, func(repo store.Repository) error {
		return fn(failingRepo{repo})
	})
}

func TestJournalFailureRollsBackApproval(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "loan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	f := newFixtureWithStorage(t, failingJournalStorage{s})
	ctx := context.Background()

	loan, err := f.engine.Apply(ctx, f.userID, d(10000), 14, models.PurposePersonal)
	require.NoError(t, err)

	_, _, err = f.engine.Approve(ctx, loan.ID, "admin-1")
	assert.ErrorIs(t, err, apperr.ErrFatal)
	assert.NotContains(t, apperr.PublicMessage(err), "disk")

	after, err := f.engine.Get(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusPending, after.Status)
	assert.True(t, f.wallet(t).Balance.IsZero())
	assert.Empty(t, f.notifier.events())
}

func TestMarkOverdueDefaults(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil)
	due := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &models.Loan{Status: models.LoanStatusExtended, DueDate: &due, RemainingAmount: d(10180)}

	assert.False(t, e.MarkOverdue(l, due.Add(-time.Hour)))

	require.True(t, e.MarkOverdue(l, due.Add(29*24*time.Hour+time.Hour)))
	assert.Equal(t, models.LoanStatusOverdue, l.Status)
	assert.Equal(t, 29, l.DaysOverdue)

	require.True(t, e.MarkOverdue(l, due.Add(30*24*time.Hour)))
	assert.Equal(t, models.LoanStatusDefaulted, l.Status)
	assert.Equal(t, "1527", l.LateFee.String())

	completed := &models.Loan{Status: models.LoanStatusCompleted, DueDate: &due}
	assert.False(t, e.MarkOverdue(completed, due.Add(48*time.Hour)))
}

func TestMarkOverdueExcludesFoldedLateFees(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil)
	due := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &models.Loan{
		Status:          models.LoanStatusOverdue,
		DueDate:         &due,
		RemainingAmount: d(10688),
		LateFeeCharged:  d(509),
	}

	require.True(t, e.MarkOverdue(l, due.Add(11*24*time.Hour)))
	assert.Equal(t, "51", l.LateFee.String())

	// paid down below the folded fees: nothing further to charge
	l.RemainingAmount = d(400)
	require.True(t, e.MarkOverdue(l, due.Add(12*24*time.Hour)))
	assert.True(t, l.LateFee.IsZero())
}

func TestFractionalAmountsAreRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Apply(ctx, f.userID, decimal.RequireFromString("10000.5"), 14, models.PurposePersonal)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	loan := f.activeLoan(t, 10000, 14)
	_, _, err = f.engine.Repay(ctx, loan.ID, f.userID, decimal.RequireFromString("100.005"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	unchanged, err := f.engine.Get(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, unchanged.PaidAmount.IsZero())
	assert.Equal(t, "10000", f.wallet(t).Balance.String())
}

func TestRejectRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan, err := f.engine.Apply(ctx, f.userID, d(10000), 14, models.PurposePersonal)
	require.NoError(t, err)

	_, err = f.engine.Reject(ctx, loan.ID, "", "incomplete documents")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	pending, err := f.engine.Get(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusPending, pending.Status)
}
