package escrow

import (
	"escrow-service/internal/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ParseFeeRate turns a configured percentage such as "10" or "7.5" into a rate.
func ParseFeeRate(percent string) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(percent)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse platform fee percent %q", percent)
	}
	if p.IsNegative() || p.GreaterThanOrEqual(hundred) {
		return decimal.Zero, errors.Errorf("platform fee percent %s out of range [0, 100)", p)
	}
	return p.Div(hundred), nil
}

// Split divides total into the provider's escrow amount and the platform fee.
// The fee is rounded to cents and the escrow amount takes the remainder, so the
// two always add up to total.
func Split(total, rate decimal.Decimal) (escrowAmount, fee decimal.Decimal) {
	fee = total.Mul(rate).Round(2)
	return total.Sub(fee), fee
}

// EnsureBreakdown fills in a missing breakdown and reports whether it did.
// An existing breakdown is never recomputed.
func EnsureBreakdown(p *model.Payment, rate decimal.Decimal) bool {
	if p.HasBreakdown() {
		return false
	}
	escrowAmount, fee := Split(p.TotalAmount, rate)
	p.EscrowAmount = decimal.NewNullDecimal(escrowAmount)
	p.PlatformFee = decimal.NewNullDecimal(fee)
	return true
}
