package loan

import (
	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/credit"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	shortTermRate = decimal.RequireFromString("1.8")
	longTermRate  = decimal.RequireFromString("2.4")
	lateFeeRate   = decimal.RequireFromString("0.005") // per day overdue
	hundred       = decimal.NewFromInt(100)
)

const (
	MaxExtensions    = 4
	scoreIncrement   = 10
	maxCreditScore   = 1000
	defaultAfterDays = 30
)

// Quote is the cost of a loan, fixed at application time.
type Quote struct {
	Rate           decimal.Decimal `json:"rate"`
	InterestAmount decimal.Decimal `json:"interest_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
}

// CalculateInterest prices a loan. The rate applies to the whole term, not
// per year: 1.8% for 14 days, 2.4% for 21 or 90 days.
func CalculateInterest(principal decimal.Decimal, term int) (Quote, error) {
	if !credit.ValidTerm(term) {
		return Quote{}, apperr.Validationf("term must be one of %v days", credit.Terms)
	}
	rate := longTermRate
	if term == 14 {
		rate = shortTermRate
	}
	interest := principal.Mul(rate).Div(hundred).Round(0)
	return Quote{
		Rate:           rate,
		InterestAmount: interest,
		TotalAmount:    principal.Add(interest),
	}, nil
}

// LateFee is the penalty for a loan daysOverdue days past due. It is derived
// from the current remaining amount and replaces any earlier value.
func LateFee(remaining decimal.Decimal, daysOverdue int) decimal.Decimal {
	if daysOverdue <= 0 {
		return decimal.Zero
	}
	return remaining.Mul(lateFeeRate).Mul(decimal.NewFromInt(int64(daysOverdue))).Round(0)
}

// extendable reports why the loan cannot be extended, or "" if it can.
func extendable(l *models.Loan) apperr.Reason {
	switch {
	case l.Status != models.LoanStatusActive && l.Status != models.LoanStatusExtended:
		return ReasonNotExtendable
	case l.Term == 14:
		return ReasonShortTerm
	case l.ExtensionCount >= MaxExtensions:
		return ReasonExtensionLimit
	}
	return ""
}
