package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	*sqlRepo
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes the schema.
//
// Connections use immediate transactions and a busy timeout so that concurrent
// units of work queue up on the write lock instead of failing mid-transaction.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{sqlRepo: &sqlRepo{q: db}, db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func dsn(path string) string {
	params := "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate&_loc=UTC"
	if strings.Contains(path, "?") {
		return "file:" + path + "&" + params
	}
	return "file:" + path + "?" + params
}

// Migrate creates tables, indexes and journal guards if they don't already exist.
// Decimal fields are TEXT so no precision is lost.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT '',
		bank_account_number TEXT NOT NULL DEFAULT '',
		bank_account_name TEXT NOT NULL DEFAULT '',
		kyc_status TEXT NOT NULL,
		kyc_note TEXT NOT NULL DEFAULT '',
		credit_check_paid INTEGER NOT NULL DEFAULT 0,
		credit_check_paid_at DATETIME,
		credit_limit TEXT NOT NULL DEFAULT '0',
		credit_limit_set_by TEXT NOT NULL DEFAULT '',
		credit_limit_set_at DATETIME,
		credit_score INTEGER NOT NULL DEFAULT 0 CHECK (credit_score BETWEEN 0 AND 1000),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		frozen_balance TEXT NOT NULL,
		total_deposited TEXT NOT NULL DEFAULT '0',
		total_withdrawn TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL,
		last_deposit_at DATETIME,
		last_withdrawal_at DATETIME,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK (CAST(frozen_balance AS REAL) >= 0),
		CHECK (CAST(frozen_balance AS REAL) <= CAST(balance AS REAL)),
		FOREIGN KEY(user_id) REFERENCES users(id)
	);
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		loan_id TEXT,
		withdrawal_request_id TEXT,
		description TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		reference_number TEXT NOT NULL DEFAULT '',
		processed_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_user_seq ON transactions(user_id, seq);
	CREATE TRIGGER IF NOT EXISTS transactions_no_update BEFORE UPDATE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'transactions are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS transactions_no_delete BEFORE DELETE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'transactions are append-only');
	END;
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		loan_number TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		term INTEGER NOT NULL CHECK (term IN (14, 21, 90)),
		purpose TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		interest_amount TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		late_fee TEXT NOT NULL DEFAULT '0',
		late_fee_charged TEXT NOT NULL DEFAULT '0',
		days_overdue INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		extensions TEXT NOT NULL DEFAULT '[]',
		extension_count INTEGER NOT NULL DEFAULT 0 CHECK (extension_count BETWEEN 0 AND 4),
		approved_by TEXT NOT NULL DEFAULT '',
		approved_at DATETIME,
		rejected_reason TEXT NOT NULL DEFAULT '',
		rejected_at DATETIME,
		disbursed_at DATETIME,
		due_date DATETIME,
		completed_at DATETIME,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_loans_user_status ON loans(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);
	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		bank_name TEXT NOT NULL,
		bank_account_number TEXT NOT NULL,
		bank_account_name TEXT NOT NULL,
		status TEXT NOT NULL,
		transaction_id TEXT,
		processed_by TEXT NOT NULL DEFAULT '',
		processed_at DATETIME,
		rejected_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_withdrawal_one_pending ON withdrawal_requests(user_id) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_withdrawal_status ON withdrawal_requests(status);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return s.addColumnIfMissing(ctx, "loans", "late_fee_charged", "TEXT NOT NULL DEFAULT '0'")
}

// addColumnIfMissing upgrades tables created before a column was introduced.
func (s *SQLiteStore) addColumnIfMissing(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, kind string
			notNull    bool
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &kind, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// WithTx runs fn inside a single SQL transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(repo Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqlRepo{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlRepo implements Repository on top of a querier.
type sqlRepo struct {
	q querier
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func checkAffected(result sql.Result, conflict error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return conflict
	}
	return nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func nullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ---- users ----

const userColumns = `id, name, phone, bank_name, bank_account_number, bank_account_name, kyc_status, kyc_note, credit_check_paid, credit_check_paid_at, credit_limit, credit_limit_set_by, credit_limit_set_at, credit_score, created_at, updated_at`

func (r *sqlRepo) CreateUser(ctx context.Context, u *models.User) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID.String(), u.Name, u.Phone, u.Bank.BankName, u.Bank.AccountNumber, u.Bank.AccountName, u.KYCStatus, u.KYCNote,
		u.CreditCheckPaid, u.CreditCheckPaidAt, u.CreditLimit, u.CreditLimitSetBy, u.CreditLimitSetAt, u.CreditScore, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflictf("user %s already exists", u.ID)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *sqlRepo) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	var paidAt, limitAt sql.NullTime
	err := r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id.String()).Scan(
		&u.ID, &u.Name, &u.Phone, &u.Bank.BankName, &u.Bank.AccountNumber, &u.Bank.AccountName, &u.KYCStatus, &u.KYCNote,
		&u.CreditCheckPaid, &paidAt, &u.CreditLimit, &u.CreditLimitSetBy, &limitAt, &u.CreditScore, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFoundf("user %s", id)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if paidAt.Valid {
		u.CreditCheckPaidAt = &paidAt.Time
	}
	if limitAt.Valid {
		u.CreditLimitSetAt = &limitAt.Time
	}
	return &u, nil
}

func (r *sqlRepo) UpdateUser(ctx context.Context, u *models.User) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE users SET name = ?, phone = ?, bank_name = ?, bank_account_number = ?, bank_account_name = ?, kyc_status = ?, kyc_note = ?,
		credit_check_paid = ?, credit_check_paid_at = ?, credit_limit = ?, credit_limit_set_by = ?, credit_limit_set_at = ?, credit_score = ?, updated_at = ?
		WHERE id = ?`,
		u.Name, u.Phone, u.Bank.BankName, u.Bank.AccountNumber, u.Bank.AccountName, u.KYCStatus, u.KYCNote,
		u.CreditCheckPaid, u.CreditCheckPaidAt, u.CreditLimit, u.CreditLimitSetBy, u.CreditLimitSetAt, u.CreditScore, u.UpdatedAt,
		u.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return checkAffected(result, apperr.NotFoundf("user %s", u.ID))
}

// ---- wallets ----

const walletColumns = `user_id, balance, frozen_balance, total_deposited, total_withdrawn, currency, last_deposit_at, last_withdrawal_at, version, created_at, updated_at`

func (r *sqlRepo) CreateWallet(ctx context.Context, w *models.Wallet) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO wallets (`+walletColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.UserID.String(), w.Balance, w.FrozenBalance, w.TotalDeposited, w.TotalWithdrawn, w.Currency,
		w.LastDepositAt, w.LastWithdrawalAt, w.Version, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflictf("wallet for user %s already exists", w.UserID)
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

func (r *sqlRepo) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	var depositAt, withdrawalAt sql.NullTime
	err := r.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID.String()).Scan(
		&w.UserID, &w.Balance, &w.FrozenBalance, &w.TotalDeposited, &w.TotalWithdrawn, &w.Currency,
		&depositAt, &withdrawalAt, &w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFoundf("wallet for user %s", userID)
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	if depositAt.Valid {
		w.LastDepositAt = &depositAt.Time
	}
	if withdrawalAt.Valid {
		w.LastWithdrawalAt = &withdrawalAt.Time
	}
	return &w, nil
}

func (r *sqlRepo) UpdateWallet(ctx context.Context, w *models.Wallet, expectedVersion int64) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE wallets SET balance = ?, frozen_balance = ?, total_deposited = ?, total_withdrawn = ?, last_deposit_at = ?, last_withdrawal_at = ?,
		version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?`,
		w.Balance, w.FrozenBalance, w.TotalDeposited, w.TotalWithdrawn, w.LastDepositAt, w.LastWithdrawalAt, w.UpdatedAt,
		w.UserID.String(), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if err := checkAffected(result, apperr.Conflictf("wallet %s changed concurrently", w.UserID)); err != nil {
		return err
	}
	w.Version = expectedVersion + 1
	return nil
}

// ---- transactions ----

const transactionColumns = `seq, id, user_id, type, amount, status, balance_before, balance_after, loan_id, withdrawal_request_id, description, payment_method, reference_number, processed_by, created_at`

func (r *sqlRepo) AppendTransaction(ctx context.Context, t *models.Transaction) error {
	result, err := r.q.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, balance_before, balance_after, loan_id, withdrawal_request_id, description, payment_method, reference_number, processed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.UserID.String(), t.Type, t.Amount, t.Status, t.BalanceBefore, t.BalanceAfter,
		nullUUID(t.LoanID), nullUUID(t.WithdrawalRequestID), t.Description, t.PaymentMethod, t.ReferenceNumber, t.ProcessedBy, t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflictf("transaction %s already recorded", t.ID)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read transaction sequence: %w", err)
	}
	t.Seq = seq
	return nil
}

func scanTransaction(scan func(dest ...any) error) (*models.Transaction, error) {
	var t models.Transaction
	var loanID, withdrawalID uuid.NullUUID
	if err := scan(&t.Seq, &t.ID, &t.UserID, &t.Type, &t.Amount, &t.Status, &t.BalanceBefore, &t.BalanceAfter,
		&loanID, &withdrawalID, &t.Description, &t.PaymentMethod, &t.ReferenceNumber, &t.ProcessedBy, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.LoanID = uuidPtr(loanID)
	t.WithdrawalRequestID = uuidPtr(withdrawalID)
	return &t, nil
}

func (r *sqlRepo) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id.String())
	t, err := scanTransaction(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFoundf("transaction %s", id)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// LatestTransaction returns the most recent completed journal entry for the user.
func (r *sqlRepo) LatestTransaction(ctx context.Context, userID uuid.UUID) (*models.Transaction, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = ? AND status = ? ORDER BY seq DESC LIMIT 1`,
		userID.String(), models.TransactionStatusCompleted)
	t, err := scanTransaction(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFoundf("no transactions for user %s", userID)
		}
		return nil, fmt.Errorf("failed to get latest transaction: %w", err)
	}
	return t, nil
}

// ListTransactions returns the user's journal in ascending sequence order.
func (r *sqlRepo) ListTransactions(ctx context.Context, userID uuid.UUID, filter TransactionFilter) ([]*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ?`
	args := []any{userID.String()}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for transactions: %w", err)
	}
	return transactions, nil
}

// ---- loans ----

const loanColumns = `id, loan_number, user_id, principal, term, purpose, interest_rate, interest_amount, total_amount, paid_amount, remaining_amount, late_fee, late_fee_charged, days_overdue, status, extensions, extension_count, approved_by, approved_at, rejected_reason, rejected_at, disbursed_at, due_date, completed_at, version, created_at, updated_at`

func (r *sqlRepo) CreateLoan(ctx context.Context, l *models.Loan) error {
	extensions, err := json.Marshal(extensionsOrEmpty(l.Extensions))
	if err != nil {
		return fmt.Errorf("failed to encode extensions: %w", err)
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.LoanNumber, l.UserID.String(), l.Principal, l.Term, l.Purpose, l.InterestRate, l.InterestAmount,
		l.TotalAmount, l.PaidAmount, l.RemainingAmount, l.LateFee, l.LateFeeCharged, l.DaysOverdue, l.Status, string(extensions), l.ExtensionCount,
		l.ApprovedBy, l.ApprovedAt, l.RejectedReason, l.RejectedAt, l.DisbursedAt, l.DueDate, l.CompletedAt, l.Version, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflictf("loan %s already exists", l.LoanNumber)
		}
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func extensionsOrEmpty(e []models.Extension) []models.Extension {
	if e == nil {
		return []models.Extension{}
	}
	return e
}

func scanLoan(scan func(dest ...any) error) (*models.Loan, error) {
	var l models.Loan
	var extensions string
	var approvedAt, rejectedAt, disbursedAt, dueDate, completedAt sql.NullTime
	if err := scan(&l.ID, &l.LoanNumber, &l.UserID, &l.Principal, &l.Term, &l.Purpose, &l.InterestRate, &l.InterestAmount,
		&l.TotalAmount, &l.PaidAmount, &l.RemainingAmount, &l.LateFee, &l.LateFeeCharged, &l.DaysOverdue, &l.Status, &extensions, &l.ExtensionCount,
		&l.ApprovedBy, &approvedAt, &l.RejectedReason, &rejectedAt, &disbursedAt, &dueDate, &completedAt, &l.Version, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(extensions), &l.Extensions); err != nil {
		return nil, fmt.Errorf("failed to decode extensions: %w", err)
	}
	l.ApprovedAt = nullTime(approvedAt)
	l.RejectedAt = nullTime(rejectedAt)
	l.DisbursedAt = nullTime(disbursedAt)
	l.DueDate = nullTime(dueDate)
	l.CompletedAt = nullTime(completedAt)
	return &l, nil
}

func (r *sqlRepo) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	l, err := scanLoan(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFoundf("loan %s", id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return l, nil
}

func (r *sqlRepo) UpdateLoan(ctx context.Context, l *models.Loan, expectedStatus models.LoanStatus, expectedVersion int64) error {
	extensions, err := json.Marshal(extensionsOrEmpty(l.Extensions))
	if err != nil {
		return fmt.Errorf("failed to encode extensions: %w", err)
	}
	result, err := r.q.ExecContext(ctx,
		`UPDATE loans SET interest_rate = ?, interest_amount = ?, total_amount = ?, paid_amount = ?, remaining_amount = ?, late_fee = ?,
		late_fee_charged = ?, days_overdue = ?, status = ?, extensions = ?, extension_count = ?, approved_by = ?, approved_at = ?, rejected_reason = ?,
		rejected_at = ?, disbursed_at = ?, due_date = ?, completed_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		l.InterestRate, l.InterestAmount, l.TotalAmount, l.PaidAmount, l.RemainingAmount, l.LateFee,
		l.LateFeeCharged, l.DaysOverdue, l.Status, string(extensions), l.ExtensionCount, l.ApprovedBy, l.ApprovedAt, l.RejectedReason,
		l.RejectedAt, l.DisbursedAt, l.DueDate, l.CompletedAt, l.UpdatedAt,
		l.ID.String(), expectedStatus, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if err := checkAffected(result, apperr.Conflictf("loan %s is no longer %s", l.ID, expectedStatus)); err != nil {
		return err
	}
	l.Version = expectedVersion + 1
	return nil
}

func (r *sqlRepo) scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	defer rows.Close()
	var loans []*models.Loan
	for rows.Next() {
		l, err := scanLoan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loans: %w", err)
	}
	return loans, nil
}

func (r *sqlRepo) ListLoansByUser(ctx context.Context, userID uuid.UUID) ([]*models.Loan, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE user_id = ? ORDER BY created_at DESC`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get loans for user %s: %w", userID, err)
	}
	return r.scanLoans(rows)
}

func (r *sqlRepo) ListLoansByStatus(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans by status: %w", err)
	}
	return r.scanLoans(rows)
}

// SumPrincipal adds up principal across the user's loans in the given statuses.
// Amounts are TEXT, so the sum happens here rather than in SQL.
func (r *sqlRepo) SumPrincipal(ctx context.Context, userID uuid.UUID, statuses ...models.LoanStatus) (decimal.Decimal, error) {
	total := decimal.Zero
	if len(statuses) == 0 {
		return total, nil
	}
	args := []any{userID.String()}
	for _, s := range statuses {
		args = append(args, s)
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT principal FROM loans WHERE user_id = ? AND status IN (`+placeholders(len(statuses))+`)`, args...)
	if err != nil {
		return total, fmt.Errorf("failed to sum principal: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p decimal.Decimal
		if err := rows.Scan(&p); err != nil {
			return total, fmt.Errorf("failed to scan principal: %w", err)
		}
		total = total.Add(p)
	}
	if err := rows.Err(); err != nil {
		return total, fmt.Errorf("error during rows iteration for principal: %w", err)
	}
	return total, nil
}

// ---- withdrawals ----

const withdrawalColumns = `id, user_id, amount, bank_name, bank_account_number, bank_account_name, status, transaction_id, processed_by, processed_at, rejected_reason, created_at, updated_at`

func (r *sqlRepo) CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO withdrawal_requests (`+withdrawalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.UserID.String(), w.Amount, w.Bank.BankName, w.Bank.AccountNumber, w.Bank.AccountName, w.Status,
		nullUUID(w.TransactionID), w.ProcessedBy, w.ProcessedAt, w.RejectedReason, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflictf("user %s already has a pending withdrawal", w.UserID)
		}
		return fmt.Errorf("failed to create withdrawal request: %w", err)
	}
	return nil
}

func scanWithdrawal(scan func(dest ...any) error) (*models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	var txID uuid.NullUUID
	var processedAt sql.NullTime
	if err := scan(&w.ID, &w.UserID, &w.Amount, &w.Bank.BankName, &w.Bank.AccountNumber, &w.Bank.AccountName, &w.Status,
		&txID, &w.ProcessedBy, &processedAt, &w.RejectedReason, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.TransactionID = uuidPtr(txID)
	w.ProcessedAt = nullTime(processedAt)
	return &w, nil
}

func (r *sqlRepo) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = ?`, id.String())
	w, err := scanWithdrawal(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFoundf("withdrawal request %s", id)
		}
		return nil, fmt.Errorf("failed to get withdrawal request: %w", err)
	}
	return w, nil
}

func (r *sqlRepo) UpdateWithdrawal(ctx context.Context, w *models.WithdrawalRequest, expectedStatus models.WithdrawalStatus) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE withdrawal_requests SET status = ?, transaction_id = ?, processed_by = ?, processed_at = ?, rejected_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		w.Status, nullUUID(w.TransactionID), w.ProcessedBy, w.ProcessedAt, w.RejectedReason, w.UpdatedAt,
		w.ID.String(), expectedStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal request: %w", err)
	}
	return checkAffected(result, apperr.Conflictf("withdrawal request %s is no longer %s", w.ID, expectedStatus))
}

func (r *sqlRepo) PendingWithdrawal(ctx context.Context, userID uuid.UUID) (*models.WithdrawalRequest, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE user_id = ? AND status = ?`,
		userID.String(), models.WithdrawalStatusPending)
	w, err := scanWithdrawal(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFoundf("no pending withdrawal for user %s", userID)
		}
		return nil, fmt.Errorf("failed to get pending withdrawal: %w", err)
	}
	return w, nil
}

func (r *sqlRepo) listWithdrawals(ctx context.Context, query string, args ...any) ([]*models.WithdrawalRequest, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal row: %w", err)
		}
		requests = append(requests, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for withdrawals: %w", err)
	}
	return requests, nil
}

func (r *sqlRepo) ListWithdrawalsByUser(ctx context.Context, userID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	return r.listWithdrawals(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE user_id = ? ORDER BY created_at DESC`, userID.String())
}

func (r *sqlRepo) ListWithdrawalsByStatus(ctx context.Context, status models.WithdrawalStatus) ([]*models.WithdrawalRequest, error) {
	return r.listWithdrawals(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE status = ? ORDER BY created_at ASC`, status)
}
