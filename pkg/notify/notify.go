// Package notify delivers user-facing messages after a state change commits.
//
// Delivery is fire-and-forget: callers enqueue and move on, and a failed or
// dropped notification never affects the operation that produced it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

type Event string

const (
	EventLoanApproved       Event = "loan.approved"
	EventLoanRejected       Event = "loan.rejected"
	EventLoanExtended       Event = "loan.extended"
	EventLoanPayment        Event = "loan.payment_received"
	EventLoanCompleted      Event = "loan.completed"
	EventLoanOverdue        Event = "loan.overdue"
	EventLoanDefaulted      Event = "loan.defaulted"
	EventLoanDueSoon        Event = "loan.due_soon"
	EventPaymentReminder    Event = "loan.payment_reminder"
	EventWithdrawalApproved Event = "withdrawal.approved"
	EventWithdrawalRejected Event = "withdrawal.rejected"
	EventCreditLimitSet     Event = "credit_limit.set"
	EventKYCReviewed        Event = "kyc.reviewed"
)

type Notification struct {
	Event     Event             `json:"event"`
	UserID    uuid.UUID         `json:"user_id"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

func money(d decimal.Decimal) string {
	return d.StringFixed(0) + " MNT"
}

func dateOf(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func loanData(l *models.Loan) map[string]string {
	return map[string]string{
		"loan_id":     l.ID.String(),
		"loan_number": l.LoanNumber,
		"status":      string(l.Status),
	}
}

func LoanApproved(l *models.Loan) Notification {
	data := loanData(l)
	data["due_date"] = dateOf(l.DueDate)
	return Notification{
		Event:   EventLoanApproved,
		UserID:  l.UserID,
		Title:   "Loan approved",
		Message: fmt.Sprintf("Your loan %s of %s has been approved and disbursed to your wallet. Due date: %s.", l.LoanNumber, money(l.Principal), dateOf(l.DueDate)),
		Data:    data,
	}
}

func LoanRejected(l *models.Loan) Notification {
	data := loanData(l)
	data["reason"] = l.RejectedReason
	return Notification{
		Event:   EventLoanRejected,
		UserID:  l.UserID,
		Title:   "Loan application rejected",
		Message: fmt.Sprintf("Your loan application %s was rejected: %s.", l.LoanNumber, l.RejectedReason),
		Data:    data,
	}
}

func LoanExtended(l *models.Loan, ext models.Extension) Notification {
	data := loanData(l)
	data["extension_fee"] = ext.ExtensionFee.String()
	data["due_date"] = ext.NewDueDate.Format("2006-01-02")
	return Notification{
		Event:  EventLoanExtended,
		UserID: l.UserID,
		Title:  "Loan extended",
		Message: fmt.Sprintf("Loan %s was extended. Fee %s was charged and the new due date is %s.",
			l.LoanNumber, money(ext.ExtensionFee), ext.NewDueDate.Format("2006-01-02")),
		Data: data,
	}
}

func LoanPayment(l *models.Loan, tx *models.Transaction) Notification {
	data := loanData(l)
	data["transaction_id"] = tx.ID.String()
	data["amount"] = tx.Amount.String()
	return Notification{
		Event:   EventLoanPayment,
		UserID:  l.UserID,
		Title:   "Payment received",
		Message: fmt.Sprintf("We received %s for loan %s. Remaining: %s.", money(tx.Amount), l.LoanNumber, money(l.RemainingAmount)),
		Data:    data,
	}
}

func LoanCompleted(l *models.Loan) Notification {
	return Notification{
		Event:   EventLoanCompleted,
		UserID:  l.UserID,
		Title:   "Loan paid off",
		Message: fmt.Sprintf("Loan %s is fully repaid. Thank you!", l.LoanNumber),
		Data:    loanData(l),
	}
}

func LoanOverdue(l *models.Loan) Notification {
	data := loanData(l)
	data["days_overdue"] = fmt.Sprint(l.DaysOverdue)
	data["late_fee"] = l.LateFee.String()
	event, title := EventLoanOverdue, "Loan overdue"
	if l.Status == models.LoanStatusDefaulted {
		event, title = EventLoanDefaulted, "Loan in default"
	}
	return Notification{
		Event:  event,
		UserID: l.UserID,
		Title:  title,
		Message: fmt.Sprintf("Loan %s is %d days overdue. Late fee: %s. Total due: %s.",
			l.LoanNumber, l.DaysOverdue, money(l.LateFee), money(l.TotalDue())),
		Data: data,
	}
}

func LoanDueSoon(l *models.Loan, daysLeft int) Notification {
	data := loanData(l)
	data["days_left"] = fmt.Sprint(daysLeft)
	return Notification{
		Event:   EventLoanDueSoon,
		UserID:  l.UserID,
		Title:   "Loan due soon",
		Message: fmt.Sprintf("Loan %s is due in %d days on %s. Amount due: %s.", l.LoanNumber, daysLeft, dateOf(l.DueDate), money(l.TotalDue())),
		Data:    data,
	}
}

func PaymentReminder(l *models.Loan) Notification {
	return Notification{
		Event:   EventPaymentReminder,
		UserID:  l.UserID,
		Title:   "Payment reminder",
		Message: fmt.Sprintf("Loan %s is due on %s. Please pay %s to avoid late fees.", l.LoanNumber, dateOf(l.DueDate), money(l.TotalDue())),
		Data:    loanData(l),
	}
}

func WithdrawalApproved(r *models.WithdrawalRequest) Notification {
	return Notification{
		Event:   EventWithdrawalApproved,
		UserID:  r.UserID,
		Title:   "Withdrawal approved",
		Message: fmt.Sprintf("Your withdrawal of %s to %s %s has been processed.", money(r.Amount), r.Bank.BankName, r.Bank.AccountNumber),
		Data:    map[string]string{"withdrawal_id": r.ID.String(), "amount": r.Amount.String()},
	}
}

func WithdrawalRejected(r *models.WithdrawalRequest) Notification {
	return Notification{
		Event:   EventWithdrawalRejected,
		UserID:  r.UserID,
		Title:   "Withdrawal rejected",
		Message: fmt.Sprintf("Your withdrawal of %s was rejected: %s. The funds are available again.", money(r.Amount), r.RejectedReason),
		Data:    map[string]string{"withdrawal_id": r.ID.String(), "reason": r.RejectedReason},
	}
}

func CreditLimitSet(u *models.User) Notification {
	return Notification{
		Event:   EventCreditLimitSet,
		UserID:  u.ID,
		Title:   "Credit limit updated",
		Message: fmt.Sprintf("Your credit limit is now %s.", money(u.CreditLimit)),
		Data:    map[string]string{"credit_limit": u.CreditLimit.String()},
	}
}

func KYCReviewed(u *models.User) Notification {
	msg := "Your identity verification was approved."
	if u.KYCStatus == models.KYCRejected {
		msg = fmt.Sprintf("Your identity verification was rejected: %s.", u.KYCNote)
	}
	return Notification{
		Event:   EventKYCReviewed,
		UserID:  u.ID,
		Title:   "Identity verification",
		Message: msg,
		Data:    map[string]string{"kyc_status": string(u.KYCStatus)},
	}
}
