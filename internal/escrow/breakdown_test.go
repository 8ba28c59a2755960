package escrow

import (
	"testing"

	"escrow-service/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		total, rate, escrow, fee string
	}{
		{"150.00", "0.10", "135.00", "15.00"},
		{"99.99", "0.075", "92.49", "7.50"},
		{"0.05", "0.10", "0.04", "0.01"},
		{"200", "0", "200", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.total+"@"+tt.rate, func(t *testing.T) {
			total := decimal.RequireFromString(tt.total)
			escrowAmount, fee := Split(total, decimal.RequireFromString(tt.rate))
			assert.True(t, decimal.RequireFromString(tt.escrow).Equal(escrowAmount), "escrow %s", escrowAmount)
			assert.True(t, decimal.RequireFromString(tt.fee).Equal(fee), "fee %s", fee)
			assert.True(t, total.Equal(escrowAmount.Add(fee)))
		})
	}
}

func TestParseFeeRate(t *testing.T) {
	rate, err := ParseFeeRate("10")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.1").Equal(rate))

	rate, err = ParseFeeRate("7.5")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.075").Equal(rate))

	for _, bad := range []string{"", "ten", "-1", "100"} {
		_, err := ParseFeeRate(bad)
		assert.Error(t, err, bad)
	}
}

func TestEnsureBreakdown(t *testing.T) {
	rate := decimal.RequireFromString("0.10")

	p := &model.Payment{TotalAmount: decimal.RequireFromString("150")}
	assert.True(t, EnsureBreakdown(p, rate))
	assert.True(t, p.BreakdownConsistent())
	assert.Equal(t, "135.00", p.EscrowAmount.Decimal.StringFixed(2))

	// an existing breakdown is kept even if the rate changed since
	assert.False(t, EnsureBreakdown(p, decimal.RequireFromString("0.20")))
	assert.Equal(t, "15.00", p.PlatformFee.Decimal.StringFixed(2))
}
