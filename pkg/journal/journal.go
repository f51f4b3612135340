// Package journal is the append-only record of every balance movement.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
)

// Journal validates and appends entries. It never updates or deletes them.
type Journal struct {
	now func() time.Time
}

func New(now func() time.Time) *Journal {
	if now == nil {
		now = time.Now
	}
	return &Journal{now: now}
}

// Append records a completed entry through repo, which is normally the
// Repository of the caller's unit of work.
func (j *Journal) Append(ctx context.Context, repo store.Repository, entry *models.Transaction) error {
	if !entry.Type.Valid() {
		return apperr.Validationf("unknown transaction type %q", entry.Type)
	}
	if !entry.Amount.IsPositive() {
		return apperr.Validationf("transaction amount must be positive, got %s", entry.Amount)
	}
	want := entry.BalanceBefore.Sub(entry.Amount)
	if entry.Type.Inflow() {
		want = entry.BalanceBefore.Add(entry.Amount)
	}
	if !entry.BalanceAfter.Equal(want) {
		return apperr.Fatal("append journal entry",
			fmt.Errorf("%s entry does not chain: %s -> %s for amount %s", entry.Type, entry.BalanceBefore, entry.BalanceAfter, entry.Amount))
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Status = models.TransactionStatusCompleted
	entry.CreatedAt = j.now().UTC()

	if err := repo.AppendTransaction(ctx, entry); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// History lists the user's entries oldest first.
func (j *Journal) History(ctx context.Context, repo store.Repository, userID uuid.UUID, filter store.TransactionFilter) ([]*models.Transaction, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, apperr.Validationf("limit and offset must not be negative")
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, apperr.Validationf("unknown transaction type %q", filter.Type)
	}
	return repo.ListTransactions(ctx, userID, filter)
}

// Report is the outcome of reconciling a wallet against its journal.
type Report struct {
	UserID         uuid.UUID       `json:"user_id"`
	WalletBalance  decimal.Decimal `json:"wallet_balance"`
	JournalBalance decimal.Decimal `json:"journal_balance"`
	Entries        int             `json:"entries"`
	Consistent     bool            `json:"consistent"`
	Problems       []string        `json:"problems,omitempty"`
}

// Reconcile checks that consecutive entries chain and that the wallet balance
// equals the last entry's balanceAfter. A wallet with no entries must be zero.
func (j *Journal) Reconcile(ctx context.Context, repo store.Repository, userID uuid.UUID) (*Report, error) {
	wallet, err := repo.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := repo.ListTransactions(ctx, userID, store.TransactionFilter{})
	if err != nil {
		return nil, err
	}

	report := &Report{
		UserID:         userID,
		WalletBalance:  wallet.Balance,
		JournalBalance: decimal.Zero,
		Entries:        len(entries),
	}

	prev := decimal.Zero
	for i, e := range entries {
		if e.Status != models.TransactionStatusCompleted {
			continue
		}
		if !e.BalanceBefore.Equal(prev) {
			report.Problems = append(report.Problems,
				fmt.Sprintf("entry %d (%s) starts at %s, previous ended at %s", i, e.ID, e.BalanceBefore, prev))
		}
		prev = e.BalanceAfter
	}
	report.JournalBalance = prev

	if !wallet.Balance.Equal(prev) {
		report.Problems = append(report.Problems,
			fmt.Sprintf("wallet balance %s differs from journal balance %s", wallet.Balance, prev))
	}
	report.Consistent = len(report.Problems) == 0
	return report, nil
}
