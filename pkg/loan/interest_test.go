package loan

import (
	"testing"

	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateInterest(t *testing.T) {
	cases := []struct {
		principal int64
		term      int
		rate      string
		interest  string
		total     string
	}{
		{10000, 14, "1.8", "180", "10180"},
		{10000, 21, "2.4", "240", "10240"},
		{10000, 90, "2.4", "240", "10240"},
		{20000, 14, "1.8", "360", "20360"},
		{12345, 21, "2.4", "296", "12641"},
	}
	for _, tc := range cases {
		q, err := CalculateInterest(decimal.NewFromInt(tc.principal), tc.term)
		require.NoError(t, err)
		assert.Equal(t, tc.rate, q.Rate.String())
		assert.Equal(t, tc.interest, q.InterestAmount.String(), "principal %d term %d", tc.principal, tc.term)
		assert.Equal(t, tc.total, q.TotalAmount.String())
	}

	_, err := CalculateInterest(decimal.NewFromInt(10000), 30)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLateFee(t *testing.T) {
	assert.Equal(t, "509", LateFee(decimal.NewFromInt(10180), 10).String())
	assert.True(t, LateFee(decimal.NewFromInt(10180), 0).IsZero())
	assert.Equal(t, "51", LateFee(decimal.NewFromInt(10180), 1).String())
}

func TestExtendable(t *testing.T) {
	l := &models.Loan{Status: models.LoanStatusActive, Term: 21}
	assert.Equal(t, apperr.Reason(""), extendable(l))

	l.ExtensionCount = 4
	l.Status = models.LoanStatusExtended
	assert.Equal(t, ReasonExtensionLimit, extendable(l))

	assert.Equal(t, ReasonShortTerm, extendable(&models.Loan{Status: models.LoanStatusActive, Term: 14}))
	assert.Equal(t, ReasonNotExtendable, extendable(&models.Loan{Status: models.LoanStatusOverdue, Term: 90}))
}
