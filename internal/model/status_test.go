package model

import (
	"os"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaymentStatus(t *testing.T) {
	tests := []struct {
		in   string
		want PaymentStatus
	}{
		{"PENDING", PaymentPending},
		{"escrow", PaymentEscrow},
		{"HELD_IN_ESCROW", PaymentEscrow},
		{"COMPLETED", PaymentReleased},
		{" RELEASED ", PaymentReleased},
		{"CASH_RECEIVED", PaymentCashReceived},
	}
	for _, tt := range tests {
		got, err := ParsePaymentStatus(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParsePaymentStatus("SETTLED")
	assert.Error(t, err)
}

func TestParsePaymentMethod(t *testing.T) {
	m, err := ParsePaymentMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodCard, m)

	m, err = ParsePaymentMethod("Cash")
	require.NoError(t, err)
	assert.Equal(t, MethodCash, m)

	_, err = ParsePaymentMethod("crypto")
	assert.Error(t, err)
}

func TestStoredForms(t *testing.T) {
	assert.ElementsMatch(t, []string{"ESCROW", "HELD_IN_ESCROW"}, PaymentEscrow.StoredForms())
	assert.ElementsMatch(t, []string{"RELEASED", "COMPLETED"}, PaymentReleased.StoredForms())
	assert.Equal(t, []string{"PENDING"}, PaymentPending.StoredForms())
}

// checkValues extracts the IN (...) list of the "<column> TEXT ... CHECK" line of a table.
func checkValues(t *testing.T, schema, table, column string) []string {
	t.Helper()
	tableRe := regexp.MustCompile(`(?s)CREATE TABLE ` + table + ` \((.*?)\n\);`)
	body := tableRe.FindStringSubmatch(schema)
	require.NotNil(t, body, "table %s", table)

	colRe := regexp.MustCompile(`(?m)^\s*` + column + `\s+TEXT.*CHECK \(` + column + ` IN \(([^)]*)\)\)`)
	values := colRe.FindStringSubmatch(body[1])
	require.NotNil(t, values, "%s.%s check", table, column)

	var out []string
	for _, v := range strings.Split(values[1], ",") {
		out = append(out, strings.Trim(strings.TrimSpace(v), "'"))
	}
	sort.Strings(out)
	return out
}

func TestMigrationMatchesStatusEnums(t *testing.T) {
	raw, err := os.ReadFile("../../migrations/00001_init.sql")
	require.NoError(t, err)
	schema := string(raw)

	var payments []string
	for _, s := range PaymentStatuses {
		payments = append(payments, string(s))
	}
	payments = append(payments, LegacyPaymentStatuses...)
	sort.Strings(payments)
	assert.Equal(t, payments, checkValues(t, schema, "payments", "status"))

	var bookings []string
	for _, s := range BookingStatuses {
		bookings = append(bookings, string(s))
	}
	sort.Strings(bookings)
	assert.Equal(t, bookings, checkValues(t, schema, "bookings", "status"))

	var payouts []string
	for _, s := range PayoutStatuses {
		payouts = append(payouts, string(s))
	}
	sort.Strings(payouts)
	assert.Equal(t, payouts, checkValues(t, schema, "payouts", "status"))
}
