package account

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

func setup(t *testing.T) (*Service, *ledger.Ledger, *recordingNotifier) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	l := ledger.NewLedger(s, lock.NewLocalLocker(), func() time.Time { return now }, nil, zaptest.NewLogger(t))
	n := &recordingNotifier{}
	return NewService(l, n, metrics.NewCollector(), zaptest.NewLogger(t)), l, n
}

func reason(t *testing.T, err error) apperr.Reason {
	t.Helper()
	var rej *apperr.RejectionError
	require.True(t, errors.As(err, &rej), "expected a rejection, got %v", err)
	return rej.Reason
}

func TestRegisterOpensEmptyWallet(t *testing.T) {
	svc, l, _ := setup(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, " Oyun ", "99112233")
	require.NoError(t, err)
	assert.Equal(t, "Oyun", u.Name)
	assert.Equal(t, models.KYCNotSubmitted, u.KYCStatus)
	assert.True(t, u.CreditLimit.IsZero())

	w, err := l.GetWallet(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	assert.Equal(t, ledger.DefaultCurrency, w.Currency)

	_, err = svc.Register(ctx, "", "1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.Register(ctx, "x", " ")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestKYCFlow(t *testing.T) {
	svc, _, n := setup(t)
	ctx := context.Background()
	u, err := svc.Register(ctx, "Oyun", "99112233")
	require.NoError(t, err)

	_, err = svc.ReviewKYC(ctx, u.ID, "admin-1", true, "")
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	assert.Equal(t, ReasonKYCNotReviewable, reason(t, err))

	u, err = svc.SubmitKYC(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCPending, u.KYCStatus)

	_, err = svc.SubmitKYC(ctx, u.ID)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	_, err = svc.ReviewKYC(ctx, u.ID, "admin-1", false, "  ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	u, err = svc.ReviewKYC(ctx, u.ID, "admin-1", false, "blurry document")
	require.NoError(t, err)
	assert.Equal(t, models.KYCRejected, u.KYCStatus)
	assert.Equal(t, "blurry document", u.KYCNote)

	_, err = svc.SubmitKYC(ctx, u.ID)
	require.NoError(t, err)
	u, err = svc.ReviewKYC(ctx, u.ID, "admin-1", true, "")
	require.NoError(t, err)
	assert.Equal(t, models.KYCApproved, u.KYCStatus)

	require.Len(t, n.sent, 2)
	assert.Equal(t, notify.EventKYCReviewed, n.sent[1].Event)
	assert.Equal(t, "approved", n.sent[1].Data["kyc_status"])
}

func approvedUser(t *testing.T, svc *Service) *models.User {
	t.Helper()
	ctx := context.Background()
	u, err := svc.Register(ctx, "Oyun", "99112233")
	require.NoError(t, err)
	_, err = svc.SubmitKYC(ctx, u.ID)
	require.NoError(t, err)
	u, err = svc.ReviewKYC(ctx, u.ID, "admin-1", true, "")
	require.NoError(t, err)
	return u
}

func TestPayCreditCheckFee(t *testing.T) {
	svc, l, _ := setup(t)
	ctx := context.Background()

	fresh, err := svc.Register(ctx, "Tuya", "88001122")
	require.NoError(t, err)
	_, _, err = svc.PayCreditCheckFee(ctx, fresh.ID)
	assert.ErrorIs(t, err, apperr.ErrEligibility)
	assert.Equal(t, credit.ReasonKYCNotApproved, reason(t, err))

	u := approvedUser(t, svc)
	_, _, err = svc.PayCreditCheckFee(ctx, u.ID)
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	_, err = l.Deposit(ctx, u.ID, decimal.NewFromInt(5000), "bank_transfer", "R1")
	require.NoError(t, err)

	u, tx, err := svc.PayCreditCheckFee(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, u.CreditCheckPaid)
	assert.NotNil(t, u.CreditCheckPaidAt)
	assert.Equal(t, models.TransactionTypeCreditCheckFee, tx.Type)
	assert.Equal(t, "2000", tx.BalanceAfter.String())

	_, _, err = svc.PayCreditCheckFee(ctx, u.ID)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	assert.Equal(t, ReasonCheckAlreadyPaid, reason(t, err))

	report, err := l.Reconcile(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Problems)
}

func TestSetCreditLimit(t *testing.T) {
	svc, l, n := setup(t)
	ctx := context.Background()
	u := approvedUser(t, svc)

	_, err := svc.SetCreditLimit(ctx, u.ID, "admin-1", decimal.NewFromInt(50000))
	assert.ErrorIs(t, err, apperr.ErrEligibility)
	assert.Equal(t, credit.ReasonCreditCheckUnpaid, reason(t, err))

	_, err = l.Deposit(ctx, u.ID, decimal.NewFromInt(3000), "cash", "")
	require.NoError(t, err)
	_, _, err = svc.PayCreditCheckFee(ctx, u.ID)
	require.NoError(t, err)

	_, err = svc.SetCreditLimit(ctx, u.ID, "admin-1", decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.SetCreditLimit(ctx, u.ID, "", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	u, err = svc.SetCreditLimit(ctx, u.ID, "admin-2", decimal.NewFromInt(50000))
	require.NoError(t, err)
	assert.Equal(t, "50000", u.CreditLimit.String())
	assert.Equal(t, "admin-2", u.CreditLimitSetBy)

	fetched, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "50000", fetched.CreditLimit.String())
	assert.Equal(t, notify.EventCreditLimitSet, n.sent[len(n.sent)-1].Event)

	_, err = svc.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateBankDetails(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()
	u, err := svc.Register(ctx, "Oyun", "99112233")
	require.NoError(t, err)

	_, err = svc.UpdateBankDetails(ctx, u.ID, models.BankDetails{BankName: "Khan Bank"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	u, err = svc.UpdateBankDetails(ctx, u.ID, models.BankDetails{BankName: "Khan Bank", AccountNumber: " 5001 ", AccountName: "Oyun"})
	require.NoError(t, err)
	assert.Equal(t, "5001", u.Bank.AccountNumber)

	_, err = svc.UpdateBankDetails(ctx, uuid.New(), models.BankDetails{BankName: "Khan Bank", AccountNumber: "1"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
