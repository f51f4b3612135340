// Package credit decides whether a user may borrow. Every check is a pure
// function of its inputs; callers load the user and exposure.
package credit

import (
	"fmt"

	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	ReasonAmountBelowMinimum  apperr.Reason = "amount_below_minimum"
	ReasonInvalidTerm         apperr.Reason = "invalid_term"
	ReasonInvalidPurpose      apperr.Reason = "invalid_purpose"
	ReasonKYCNotApproved      apperr.Reason = "kyc_not_approved"
	ReasonCreditCheckUnpaid   apperr.Reason = "credit_check_unpaid"
	ReasonNoCreditLimit       apperr.Reason = "no_credit_limit"
	ReasonCreditLimitExceeded apperr.Reason = "credit_limit_exceeded"
)

var MinPrincipal = decimal.NewFromInt(10000)

// Terms are the loan durations on offer, in days.
var Terms = []int{14, 21, 90}

func ValidTerm(term int) bool {
	for _, t := range Terms {
		if t == term {
			return true
		}
	}
	return false
}

// ValidateApplication checks the shape of an application.
func ValidateApplication(amount decimal.Decimal, term int, purpose models.LoanPurpose) error {
	if amount.LessThan(MinPrincipal) {
		return apperr.Reject(apperr.ErrValidation, ReasonAmountBelowMinimum,
			fmt.Sprintf("minimum loan amount is %s", MinPrincipal))
	}
	if !ValidTerm(term) {
		return apperr.Reject(apperr.ErrValidation, ReasonInvalidTerm,
			fmt.Sprintf("term must be one of %v days", Terms))
	}
	switch purpose {
	case models.PurposePersonal, models.PurposeBusiness, models.PurposeEducation, models.PurposeHealth, models.PurposeOther:
	default:
		return apperr.Reject(apperr.ErrValidation, ReasonInvalidPurpose,
			fmt.Sprintf("unknown loan purpose %q", purpose))
	}
	return nil
}

// Evaluate checks the user's standing. exposure is the principal already
// outstanding or awaiting decision.
func Evaluate(user *models.User, amount, exposure decimal.Decimal) error {
	if user.KYCStatus != models.KYCApproved {
		return apperr.Reject(apperr.ErrEligibility, ReasonKYCNotApproved,
			"identity verification must be approved before applying")
	}
	if !user.CreditCheckPaid {
		return apperr.Reject(apperr.ErrEligibility, ReasonCreditCheckUnpaid,
			"the credit check fee must be paid before applying")
	}
	if !user.CreditLimit.IsPositive() {
		return apperr.Reject(apperr.ErrEligibility, ReasonNoCreditLimit,
			"no credit limit has been set yet")
	}
	headroom := Headroom(user, exposure)
	if amount.GreaterThan(headroom) {
		return apperr.Reject(apperr.ErrEligibility, ReasonCreditLimitExceeded,
			fmt.Sprintf("amount exceeds remaining credit limit of %s", headroom))
	}
	return nil
}

// Headroom is what the user may still borrow. It is never negative.
func Headroom(user *models.User, exposure decimal.Decimal) decimal.Decimal {
	h := user.CreditLimit.Sub(exposure)
	if h.IsNegative() {
		return decimal.Zero
	}
	return h
}

// CanSetCreditLimit reports whether an administrator may assign a limit.
func CanSetCreditLimit(user *models.User) error {
	if user.KYCStatus != models.KYCApproved {
		return apperr.Reject(apperr.ErrEligibility, ReasonKYCNotApproved,
			"identity verification must be approved first")
	}
	if !user.CreditCheckPaid {
		return apperr.Reject(apperr.ErrEligibility, ReasonCreditCheckUnpaid,
			"the credit check fee has not been paid")
	}
	return nil
}
