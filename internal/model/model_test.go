package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTrustedRecipient(t *testing.T) {
	bank := BankAccount{BankCode: "058", AccountNumber: "0123456789", AccountName: "A Provider"}
	code := "RCP_1"
	fp := bank.Fingerprint()
	p := Provider{Bank: bank, RecipientCode: &code, RecipientFingerprint: &fp}

	got, ok := p.TrustedRecipient()
	assert.True(t, ok)
	assert.Equal(t, "RCP_1", got)

	p.Bank.AccountNumber = "1111111111"
	_, ok = p.TrustedRecipient()
	assert.False(t, ok)

	p = Provider{Bank: bank, RecipientCode: &code}
	_, ok = p.TrustedRecipient()
	assert.False(t, ok)
}

func TestFingerprintSeparatesFields(t *testing.T) {
	a := BankAccount{BankCode: "05", AccountNumber: "80123", AccountName: "X"}
	b := BankAccount{BankCode: "058", AccountNumber: "0123", AccountName: "X"}
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)
}

func TestBreakdownConsistent(t *testing.T) {
	p := Payment{TotalAmount: decimal.RequireFromString("150")}
	assert.False(t, p.HasBreakdown())
	assert.False(t, p.BreakdownConsistent())

	p.EscrowAmount = decimal.NewNullDecimal(decimal.RequireFromString("135"))
	p.PlatformFee = decimal.NewNullDecimal(decimal.RequireFromString("15"))
	assert.True(t, p.BreakdownConsistent())

	p.PlatformFee = decimal.NewNullDecimal(decimal.RequireFromString("14.99"))
	assert.False(t, p.BreakdownConsistent())
}
