package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type KYCStatus string

const (
	KYCNotSubmitted KYCStatus = "not_submitted"
	KYCPending      KYCStatus = "pending"
	KYCApproved     KYCStatus = "approved"
	KYCRejected     KYCStatus = "rejected"
)

type BankDetails struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// Complete reports whether the details are enough to pay out a withdrawal.
func (b BankDetails) Complete() bool {
	return b.BankName != "" && b.AccountNumber != ""
}

type User struct {
	ID                uuid.UUID       `json:"id"`
	Name              string          `json:"name"`
	Phone             string          `json:"phone"`
	Bank              BankDetails     `json:"bank"`
	KYCStatus         KYCStatus       `json:"kyc_status"`
	KYCNote           string          `json:"kyc_note,omitempty"`
	CreditCheckPaid   bool            `json:"credit_check_paid"`
	CreditCheckPaidAt *time.Time      `json:"credit_check_paid_at,omitempty"`
	CreditLimit       decimal.Decimal `json:"credit_limit"`
	CreditLimitSetBy  string          `json:"credit_limit_set_by,omitempty"`
	CreditLimitSetAt  *time.Time      `json:"credit_limit_set_at,omitempty"`
	CreditScore       int             `json:"credit_score"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type Wallet struct {
	UserID           uuid.UUID       `json:"user_id"`
	Balance          decimal.Decimal `json:"balance"`
	FrozenBalance    decimal.Decimal `json:"frozen_balance"`
	TotalDeposited   decimal.Decimal `json:"total_deposited"`
	TotalWithdrawn   decimal.Decimal `json:"total_withdrawn"`
	Currency         string          `json:"currency"`
	LastDepositAt    *time.Time      `json:"last_deposit_at,omitempty"`
	LastWithdrawalAt *time.Time      `json:"last_withdrawal_at,omitempty"`
	Version          int64           `json:"version"` // CAS counter, bumped on every write
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Available is the part of the balance not earmarked for a pending withdrawal.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.FrozenBalance)
}

type TransactionType string

const (
	TransactionTypeDeposit          TransactionType = "deposit"
	TransactionTypeWithdrawal       TransactionType = "withdrawal"
	TransactionTypeLoanDisbursement TransactionType = "loan_disbursement"
	TransactionTypeLoanPayment      TransactionType = "loan_payment"
	TransactionTypeCreditCheckFee   TransactionType = "credit_check_fee"
	TransactionTypeExtensionFee     TransactionType = "extension_fee"
	TransactionTypeLateFee          TransactionType = "late_fee"
	TransactionTypeRefund           TransactionType = "refund"
	TransactionTypeBonus            TransactionType = "bonus"
)

// Inflow reports whether the type increases the wallet balance.
func (t TransactionType) Inflow() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeLoanDisbursement, TransactionTypeRefund, TransactionTypeBonus:
		return true
	}
	return false
}

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdrawal, TransactionTypeLoanDisbursement,
		TransactionTypeLoanPayment, TransactionTypeCreditCheckFee, TransactionTypeExtensionFee,
		TransactionTypeLateFee, TransactionTypeRefund, TransactionTypeBonus:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

type Transaction struct {
	ID                  uuid.UUID         `json:"id"`
	Seq                 int64             `json:"seq"` // journal order, assigned by the store
	UserID              uuid.UUID         `json:"user_id"`
	Type                TransactionType   `json:"type"`
	Amount              decimal.Decimal   `json:"amount"`
	Status              TransactionStatus `json:"status"`
	BalanceBefore       decimal.Decimal   `json:"balance_before"`
	BalanceAfter        decimal.Decimal   `json:"balance_after"`
	LoanID              *uuid.UUID        `json:"loan_id,omitempty"`
	WithdrawalRequestID *uuid.UUID        `json:"withdrawal_request_id,omitempty"`
	Description         string            `json:"description"`
	PaymentMethod       string            `json:"payment_method,omitempty"`
	ReferenceNumber     string            `json:"reference_number,omitempty"`
	ProcessedBy         string            `json:"processed_by,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "pending"
	LoanStatusApproved  LoanStatus = "approved"
	LoanStatusRejected  LoanStatus = "rejected"
	LoanStatusActive    LoanStatus = "active"
	LoanStatusExtended  LoanStatus = "extended"
	LoanStatusCompleted LoanStatus = "completed"
	LoanStatusOverdue   LoanStatus = "overdue"
	LoanStatusDefaulted LoanStatus = "defaulted"
)

// ExposureStatuses are the statuses whose principal counts against the credit limit.
var ExposureStatuses = []LoanStatus{LoanStatusPending, LoanStatusApproved, LoanStatusActive, LoanStatusExtended}

type LoanPurpose string

const (
	PurposePersonal  LoanPurpose = "personal"
	PurposeBusiness  LoanPurpose = "business"
	PurposeEducation LoanPurpose = "education"
	PurposeHealth    LoanPurpose = "health"
	PurposeOther     LoanPurpose = "other"
)

type Extension struct {
	ExtendedAt      time.Time       `json:"extended_at"`
	ExtensionFee    decimal.Decimal `json:"extension_fee"`
	PreviousDueDate time.Time       `json:"previous_due_date"`
	NewDueDate      time.Time       `json:"new_due_date"`
}

type Loan struct {
	ID              uuid.UUID       `json:"id"`
	LoanNumber      string          `json:"loan_number"`
	UserID          uuid.UUID       `json:"user_id"`
	Principal       decimal.Decimal `json:"principal"`
	Term            int             `json:"term"` // days
	Purpose         LoanPurpose     `json:"purpose"`
	InterestRate    decimal.Decimal `json:"interest_rate"` // percent for the whole term
	InterestAmount  decimal.Decimal `json:"interest_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	LateFee         decimal.Decimal `json:"late_fee"`
	LateFeeCharged  decimal.Decimal `json:"late_fee_charged"` // late fees already folded into the balance
	DaysOverdue     int             `json:"days_overdue"`
	Status          LoanStatus      `json:"status"`
	Extensions      []Extension     `json:"extensions"`
	ExtensionCount  int             `json:"extension_count"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	RejectedReason  string          `json:"rejected_reason,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
	DisbursedAt     *time.Time      `json:"disbursed_at,omitempty"`
	DueDate         *time.Time      `json:"due_date,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TotalDue is what the borrower must pay to close the loan right now.
func (l *Loan) TotalDue() decimal.Decimal {
	return l.RemainingAmount.Add(l.LateFee)
}

// Repayable reports whether the loan accepts payments in its current status.
func (l *Loan) Repayable() bool {
	switch l.Status {
	case LoanStatusActive, LoanStatusExtended, LoanStatusOverdue, LoanStatusDefaulted:
		return true
	}
	return false
}

type WithdrawalStatus string

const (
	WithdrawalStatusPending   WithdrawalStatus = "pending"
	WithdrawalStatusApproved  WithdrawalStatus = "approved"
	WithdrawalStatusRejected  WithdrawalStatus = "rejected"
	WithdrawalStatusCompleted WithdrawalStatus = "completed"
	WithdrawalStatusFailed    WithdrawalStatus = "failed"
)

type WithdrawalRequest struct {
	ID             uuid.UUID        `json:"id"`
	UserID         uuid.UUID        `json:"user_id"`
	Amount         decimal.Decimal  `json:"amount"`
	Bank           BankDetails      `json:"bank"`
	Status         WithdrawalStatus `json:"status"`
	TransactionID  *uuid.UUID       `json:"transaction_id,omitempty"`
	ProcessedBy    string           `json:"processed_by,omitempty"`
	ProcessedAt    *time.Time       `json:"processed_at,omitempty"`
	RejectedReason string           `json:"rejected_reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
