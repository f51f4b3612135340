package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

// TransactionFilter narrows a journal history query. Zero values mean no filter.
type TransactionFilter struct {
	Type   models.TransactionType
	Limit  int
	Offset int
}

// Repository defines the database operations available both on the store
// itself and inside a unit of work.
type Repository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	CreateWallet(ctx context.Context, wallet *models.Wallet) error
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	// UpdateWallet persists the wallet only if its stored version still equals
	// expectedVersion. On success wallet.Version is bumped.
	UpdateWallet(ctx context.Context, wallet *models.Wallet, expectedVersion int64) error

	AppendTransaction(ctx context.Context, transaction *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	LatestTransaction(ctx context.Context, userID uuid.UUID) (*models.Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, filter TransactionFilter) ([]*models.Transaction, error)

	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	// UpdateLoan persists the loan only if the stored row still has
	// expectedStatus and expectedVersion. On success loan.Version is bumped.
	UpdateLoan(ctx context.Context, loan *models.Loan, expectedStatus models.LoanStatus, expectedVersion int64) error
	ListLoansByUser(ctx context.Context, userID uuid.UUID) ([]*models.Loan, error)
	ListLoansByStatus(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error)
	SumPrincipal(ctx context.Context, userID uuid.UUID, statuses ...models.LoanStatus) (decimal.Decimal, error)

	CreateWithdrawal(ctx context.Context, request *models.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error)
	// UpdateWithdrawal persists the request only if its stored status is still expectedStatus.
	UpdateWithdrawal(ctx context.Context, request *models.WithdrawalRequest, expectedStatus models.WithdrawalStatus) error
	PendingWithdrawal(ctx context.Context, userID uuid.UUID) (*models.WithdrawalRequest, error)
	ListWithdrawalsByUser(ctx context.Context, userID uuid.UUID) ([]*models.WithdrawalRequest, error)
	ListWithdrawalsByStatus(ctx context.Context, status models.WithdrawalStatus) ([]*models.WithdrawalRequest, error)
}

// Storage is a Repository that can also open units of work.
type Storage interface {
	Repository

	// WithTx runs fn inside one database transaction. Every write made through
	// the Repository passed to fn commits together or not at all.
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Close() error
}
