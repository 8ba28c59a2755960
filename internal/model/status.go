package model

import (
	"fmt"
	"strings"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentEscrow            PaymentStatus = "ESCROW"
	PaymentProcessingRelease PaymentStatus = "PROCESSING_RELEASE"
	PaymentReleased          PaymentStatus = "RELEASED"
	PaymentCashPending       PaymentStatus = "CASH_PENDING"
	PaymentCashPaid          PaymentStatus = "CASH_PAID"
	PaymentCashReceived      PaymentStatus = "CASH_RECEIVED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
)

// Deprecated spellings still present in legacy rows. They are accepted by
// ParsePaymentStatus and never written.
const (
	legacyHeldInEscrow = "HELD_IN_ESCROW"
	legacyCompleted    = "COMPLETED"
)

// PaymentStatuses lists every canonical payment status.
var PaymentStatuses = []PaymentStatus{
	PaymentPending,
	PaymentEscrow,
	PaymentProcessingRelease,
	PaymentReleased,
	PaymentCashPending,
	PaymentCashPaid,
	PaymentCashReceived,
	PaymentFailed,
	PaymentRefunded,
}

// LegacyPaymentStatuses lists the aliases the database may still hold.
var LegacyPaymentStatuses = []string{legacyHeldInEscrow, legacyCompleted}

// ParsePaymentStatus maps a stored value onto its canonical status.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch v := strings.ToUpper(strings.TrimSpace(s)); v {
	case legacyHeldInEscrow:
		return PaymentEscrow, nil
	case legacyCompleted:
		return PaymentReleased, nil
	default:
		status := PaymentStatus(v)
		if !status.Valid() {
			return "", fmt.Errorf("unknown payment status %q", s)
		}
		return status, nil
	}
}

// StoredForms returns every spelling of s the database may hold.
func (s PaymentStatus) StoredForms() []string {
	switch s {
	case PaymentEscrow:
		return []string{string(s), legacyHeldInEscrow}
	case PaymentReleased:
		return []string{string(s), legacyCompleted}
	}
	return []string{string(s)}
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentEscrow, PaymentProcessingRelease, PaymentReleased,
		PaymentCashPending, PaymentCashPaid, PaymentCashReceived, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentReleased, PaymentCashReceived, PaymentRefunded:
		return true
	}
	return false
}

// Cash reports whether s belongs to the cash lineage, which never involves the
// gateway, payouts or webhooks.
func (s PaymentStatus) Cash() bool {
	switch s {
	case PaymentCashPending, PaymentCashPaid, PaymentCashReceived:
		return true
	}
	return false
}

type BookingStatus string

const (
	BookingPending              BookingStatus = "PENDING"
	BookingConfirmed            BookingStatus = "CONFIRMED"
	BookingInProgress           BookingStatus = "IN_PROGRESS"
	BookingAwaitingConfirmation BookingStatus = "AWAITING_CONFIRMATION"
	BookingPendingExecution     BookingStatus = "PENDING_EXECUTION"
	BookingCompleted            BookingStatus = "COMPLETED"
	BookingCancelled            BookingStatus = "CANCELLED"
	BookingDisputed             BookingStatus = "DISPUTED"
)

var BookingStatuses = []BookingStatus{
	BookingPending,
	BookingConfirmed,
	BookingInProgress,
	BookingAwaitingConfirmation,
	BookingPendingExecution,
	BookingCompleted,
	BookingCancelled,
	BookingDisputed,
}

func ParseBookingStatus(s string) (BookingStatus, error) {
	status := BookingStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range BookingStatuses {
		if status == known {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown booking status %q", s)
}

// ExecutionComplete reports whether the provider has finished the job and the
// client may release escrow.
func (s BookingStatus) ExecutionComplete() bool {
	return s == BookingAwaitingConfirmation
}

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutCompleted  PayoutStatus = "COMPLETED"
	PayoutFailed     PayoutStatus = "FAILED"
)

var PayoutStatuses = []PayoutStatus{PayoutPending, PayoutProcessing, PayoutCompleted, PayoutFailed}

func ParsePayoutStatus(s string) (PayoutStatus, error) {
	status := PayoutStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range PayoutStatuses {
		if status == known {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown payout status %q", s)
}

// Active reports whether the payout still holds the payment's single release slot.
func (s PayoutStatus) Active() bool {
	return s == PayoutPending || s == PayoutProcessing
}

type PaymentMethod string

const (
	MethodCard PaymentMethod = "card"
	MethodCash PaymentMethod = "cash"
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodCard, MethodCash:
		return m, nil
	case "":
		return MethodCard, nil
	default:
		return "", fmt.Errorf("unknown payment method %q", s)
	}
}
