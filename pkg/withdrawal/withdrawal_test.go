package withdrawal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/mcclellann/microloan/pkg/lock"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/notify"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *countingNotifier) Notify(_ context.Context, n notify.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, n.Event)
}

type fixture struct {
	store    *store.SQLiteStore
	ledger   *ledger.Ledger
	workflow *Workflow
	notifier *countingNotifier
	userID   uuid.UUID
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "withdrawal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s, notifier: &countingNotifier{}}
	f.ledger = ledger.NewLedger(s, lock.NewLocalLocker(), nil, nil, zaptest.NewLogger(t))
	f.workflow = NewWorkflow(f.ledger, f.notifier, nil, zaptest.NewLogger(t))

	ctx := context.Background()
	f.userID = uuid.New()
	now := time.Now().UTC()
	require.NoError(t, s.CreateUser(ctx, &models.User{
		ID:        f.userID,
		Name:      "Saraa",
		Bank:      models.BankDetails{BankName: "Khan Bank", AccountNumber: "5000123456", AccountName: "Saraa"},
		KYCStatus: models.KYCApproved,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	require.NoError(t, s.CreateWallet(ctx, f.ledger.NewWallet(f.userID)))
	if balance > 0 {
		_, err := f.ledger.Deposit(ctx, f.userID, decimal.NewFromInt(balance), "bank_transfer", "seed")
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) wallet(t *testing.T) *models.Wallet {
	t.Helper()
	w, err := f.ledger.GetWallet(context.Background(), f.userID)
	require.NoError(t, err)
	return w
}

func TestScenarioRequestThenReject(t *testing.T) {
	f := newFixture(t, 20000)
	ctx := context.Background()

	req, err := f.workflow.Request(ctx, f.userID, decimal.NewFromInt(15000))
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusPending, req.Status)
	assert.Equal(t, "Khan Bank", req.Bank.BankName)

	w := f.wallet(t)
	assert.Equal(t, "15000", w.FrozenBalance.String())
	assert.Equal(t, "5000", w.Available().String())

	req, err = f.workflow.Reject(ctx, req.ID, "admin-1", "account name mismatch")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusRejected, req.Status)
	assert.Nil(t, req.TransactionID)

	w = f.wallet(t)
	assert.True(t, w.FrozenBalance.IsZero())
	assert.Equal(t, "20000", w.Balance.String())
	assert.Equal(t, []notify.Event{notify.EventWithdrawalRejected}, f.notifier.events)
}

func TestRequestThenApprove(t *testing.T) {
	f := newFixture(t, 20000)
	ctx := context.Background()

	req, err := f.workflow.Request(ctx, f.userID, decimal.NewFromInt(15000))
	require.NoError(t, err)

	req, tx, err := f.workflow.Approve(ctx, req.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusCompleted, req.Status)
	require.NotNil(t, req.TransactionID)
	assert.Equal(t, tx.ID, *req.TransactionID)
	assert.Equal(t, models.TransactionTypeWithdrawal, tx.Type)
	require.NotNil(t, tx.WithdrawalRequestID)
	assert.Equal(t, req.ID, *tx.WithdrawalRequestID)

	w := f.wallet(t)
	assert.Equal(t, "5000", w.Balance.String())
	assert.True(t, w.FrozenBalance.IsZero())
	assert.Equal(t, "15000", w.TotalWithdrawn.String())

	report, err := f.ledger.Reconcile(ctx, f.userID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Problems)
}

func TestResolutionHappensOnce(t *testing.T) {
	f := newFixture(t, 20000)
	ctx := context.Background()

	req, err := f.workflow.Request(ctx, f.userID, decimal.NewFromInt(10000))
	require.NoError(t, err)
	_, _, err = f.workflow.Approve(ctx, req.ID, "admin-1")
	require.NoError(t, err)

	_, _, err = f.workflow.Approve(ctx, req.ID, "admin-2")
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	_, err = f.workflow.Reject(ctx, req.ID, "admin-2", "late")
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	w := f.wallet(t)
	assert.Equal(t, "10000", w.Balance.String())
	assert.True(t, w.FrozenBalance.IsZero())
}

func TestConcurrentResolutionsSettleOnce(t *testing.T) {
	f := newFixture(t, 30000)
	ctx := context.Background()
	req, err := f.workflow.Request(ctx, f.userID, decimal.NewFromInt(12000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, _, err = f.workflow.Approve(ctx, req.ID, "admin")
			} else {
				_, err = f.workflow.Reject(ctx, req.ID, "admin", "duplicate")
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	w := f.wallet(t)
	assert.True(t, w.FrozenBalance.IsZero())
}

func TestRequestRules(t *testing.T) {
	f := newFixture(t, 25000)
	ctx := context.Background()

	_, err := f.workflow.Request(ctx, f.userID, decimal.NewFromInt(9999))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.workflow.Request(ctx, f.userID, decimal.NewFromInt(30000))
	assert.ErrorIs(t, err, apperr.ErrInsufficientAvailable)

	_, err = f.workflow.Request(ctx, f.userID, decimal.NewFromInt(10000))
	require.NoError(t, err)

	_, err = f.workflow.Request(ctx, f.userID, decimal.NewFromInt(10000))
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	var rej *apperr.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonPendingRequest, rej.Reason)
	assert.Equal(t, "10000", f.wallet(t).FrozenBalance.String())

	pending, err := f.workflow.ListByStatus(ctx, models.WithdrawalStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRequestNeedsBankDetails(t *testing.T) {
	f := newFixture(t, 20000)
	ctx := context.Background()

	user, err := f.store.GetUser(ctx, f.userID)
	require.NoError(t, err)
	user.Bank = models.BankDetails{}
	require.NoError(t, f.store.UpdateUser(ctx, user))

	_, err = f.workflow.Request(ctx, f.userID, decimal.NewFromInt(10000))
	var rej *apperr.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonNoBankDetails, rej.Reason)
	assert.True(t, f.wallet(t).FrozenBalance.IsZero())

	_, err = f.workflow.Reject(ctx, uuid.New(), "admin", "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRejectRequiresAdmin(t *testing.T) {
	f := newFixture(t, 20000)
	ctx := context.Background()
	req, err := f.workflow.Request(ctx, f.userID, decimal.NewFromInt(10000))
	require.NoError(t, err)

	_, err = f.workflow.Reject(ctx, req.ID, "  ", "account name mismatch")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	still, err := f.workflow.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusPending, still.Status)
	assert.Empty(t, still.ProcessedBy)
	assert.Equal(t, "10000", f.wallet(t).FrozenBalance.String())
}

func TestRequestRejectsFractionalAmount(t *testing.T) {
	f := newFixture(t, 20000)

	_, err := f.workflow.Request(context.Background(), f.userID, decimal.RequireFromString("10000.5"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.True(t, f.wallet(t).FrozenBalance.IsZero())
}
