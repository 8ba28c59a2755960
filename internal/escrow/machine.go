package escrow

import "escrow-service/internal/model"

type Event string

const (
	ChargeSucceeded   Event = "charge_succeeded"
	ChargeFailed      Event = "charge_failed"
	ReleaseRequested  Event = "release_requested"
	TransferSucceeded Event = "transfer_succeeded"
	TransferFailed    Event = "transfer_failed"
	Refunded          Event = "refunded"
	CashMarkedPaid    Event = "cash_marked_paid"
	CashConfirmed     Event = "cash_confirmed"
)

var Events = []Event{
	ChargeSucceeded,
	ChargeFailed,
	ReleaseRequested,
	TransferSucceeded,
	TransferFailed,
	Refunded,
	CashMarkedPaid,
	CashConfirmed,
}

// UserAction reports whether e is something a person explicitly asked for.
// Such requests are rejected, not ignored, when the payment has moved on.
func (e Event) UserAction() bool {
	switch e {
	case ReleaseRequested, Refunded, CashMarkedPaid, CashConfirmed:
		return true
	}
	return false
}

func (e Event) action() string {
	switch e {
	case ReleaseRequested:
		return "release payment"
	case Refunded:
		return "refund payment"
	case CashMarkedPaid:
		return "mark cash as paid"
	case CashConfirmed:
		return "confirm cash received"
	}
	return string(e)
}

type Source string

const (
	SourceSync           Source = "sync"
	SourceWebhook        Source = "webhook"
	SourceReconciliation Source = "reconciliation"
)

type Effect string

const (
	EffectBackfillBreakdown     Effect = "backfill_breakdown"
	EffectMarkPaid              Effect = "mark_paid"
	EffectRecordError           Effect = "record_error"
	EffectCreatePayout          Effect = "create_payout"
	EffectCompletePayout        Effect = "complete_payout"
	EffectFailPayout            Effect = "fail_payout"
	EffectCompleteBooking       Effect = "complete_booking"
	EffectCancelBooking         Effect = "cancel_booking"
	EffectNotifyPaymentReceived Effect = "notify_payment_received"
	EffectNotifyCashConfirmed   Effect = "notify_cash_confirmed"
	EffectNotifyPayoutReleased  Effect = "notify_payout_released"
	EffectNotifyPayoutFailed    Effect = "notify_payout_failed"
)

type Transition struct {
	To      model.PaymentStatus
	Effects []Effect
}

var chargeSucceeded = Transition{
	To:      model.PaymentEscrow,
	Effects: []Effect{EffectBackfillBreakdown, EffectMarkPaid, EffectNotifyPaymentReceived},
}

// transitions is the whole payment lifecycle. A status without outgoing
// events still has a row so that the table is visibly exhaustive.
var transitions = map[model.PaymentStatus]map[Event]Transition{
	model.PaymentPending: {
		ChargeSucceeded: chargeSucceeded,
		ChargeFailed:    {To: model.PaymentFailed, Effects: []Effect{EffectRecordError}},
	},
	// a charge reported failed or abandoned can still succeed later
	model.PaymentFailed: {
		ChargeSucceeded: chargeSucceeded,
	},
	model.PaymentEscrow: {
		ReleaseRequested: {To: model.PaymentProcessingRelease, Effects: []Effect{EffectBackfillBreakdown, EffectCreatePayout}},
		Refunded:         {To: model.PaymentRefunded, Effects: []Effect{EffectCancelBooking}},
	},
	model.PaymentProcessingRelease: {
		TransferSucceeded: {
			To:      model.PaymentReleased,
			Effects: []Effect{EffectCompletePayout, EffectCompleteBooking, EffectNotifyPayoutReleased},
		},
		TransferFailed: {
			To:      model.PaymentEscrow,
			Effects: []Effect{EffectFailPayout, EffectRecordError, EffectNotifyPayoutFailed},
		},
	},
	model.PaymentCashPending: {
		CashMarkedPaid: {To: model.PaymentCashPaid},
	},
	model.PaymentCashPaid: {
		CashConfirmed: {To: model.PaymentCashReceived, Effects: []Effect{EffectCompleteBooking, EffectNotifyCashConfirmed}},
	},
	model.PaymentReleased:     {},
	model.PaymentCashReceived: {},
	model.PaymentRefunded:     {},
}

// Next returns the transition ev triggers from status from.
func Next(from model.PaymentStatus, ev Event) (Transition, bool) {
	t, ok := transitions[from][ev]
	return t, ok
}
