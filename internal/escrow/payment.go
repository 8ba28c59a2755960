package escrow

import (
	"context"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/gateway"
	"escrow-service/internal/model"
	"escrow-service/internal/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

func newReference(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// GetPayment returns the payment of a booking to its client or provider.
func (s *Service) GetPayment(ctx context.Context, bookingID, actorID uuid.UUID) (*model.Payment, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actorID != b.ClientID && actorID != b.ProviderID {
		return nil, errors.Wrap(apperrors.ErrForbidden, "not a party to this booking")
	}
	return s.store.GetPaymentByBooking(ctx, bookingID)
}

// InitiatePayment creates the booking's payment. Card payments get a gateway
// charge whose authorization URL the client is sent to. Asking again while the
// charge is still pending returns the same payment.
func (s *Service) InitiatePayment(ctx context.Context, bookingID, actorID uuid.UUID, method model.PaymentMethod) (*model.Payment, error) {
	var payment *model.Payment
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.ClientID != actorID {
			return errors.Wrap(apperrors.ErrForbidden, "only the booking's client can pay")
		}

		existing, err := tx.LockPaymentByBooking(ctx, bookingID)
		switch {
		case err == nil:
			if existing.Method == method && (existing.Status == model.PaymentPending || existing.Status == model.PaymentCashPending) {
				payment = existing
				return nil
			}
			return &apperrors.StaleTransitionError{Current: string(existing.Status), Action: "start payment"}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		if b.Status != model.BookingConfirmed {
			return errors.Wrapf(apperrors.ErrBookingState, "booking is %s", b.Status)
		}
		if !b.TotalAmount.IsPositive() {
			return errors.Wrapf(apperrors.ErrInvalidRequest, "booking total %s", b.TotalAmount)
		}

		escrowAmount, fee := Split(b.TotalAmount, s.feeRate)
		p := &model.Payment{
			ID:           uuid.New(),
			BookingID:    b.ID,
			Method:       method,
			TotalAmount:  b.TotalAmount,
			EscrowAmount: decimal.NewNullDecimal(escrowAmount),
			PlatformFee:  decimal.NewNullDecimal(fee),
			Status:       model.PaymentCashPending,
		}

		if method == model.MethodCard {
			reference := newReference("pay")
			charge, err := s.gateway.InitializeCharge(ctx, gateway.ChargeRequest{
				Amount:      b.TotalAmount,
				Email:       b.ClientEmail,
				CallbackURL: s.callbackURL,
				Reference:   reference,
				Metadata: map[string]string{
					"bookingId": b.ID.String(),
					"paymentId": p.ID.String(),
				},
			})
			if err != nil {
				return err
			}
			if charge.Reference != "" {
				reference = charge.Reference
			}
			p.Status = model.PaymentPending
			p.Reference = &reference
			p.AuthorizationURL = &charge.AuthorizationURL
		}

		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		metrics.GetOrCreateCounter(`payments_initiated_total{result="failure"}`).Inc()
		return nil, err
	}

	metrics.GetOrCreateCounter(`payments_initiated_total{result="success"}`).Inc()
	s.logger.InfoContext(ctx, "Payment initiated", "paymentId", payment.ID, "bookingId", bookingID, "method", method, "status", payment.Status)
	return payment, nil
}

// ChargeOutcome is a definitive verdict on a card charge.
type ChargeOutcome struct {
	Event Event
	// Amount is what the gateway says was charged, when it says.
	Amount decimal.NullDecimal
	PaidAt *time.Time
	Reason string
}

// ChargeOutcomeOf reads the verdict out of a verified transaction. It reports
// false while the charge is still open.
func ChargeOutcomeOf(tr *gateway.Transaction) (ChargeOutcome, bool) {
	switch tr.Status {
	case gateway.TransactionSuccess:
		return ChargeOutcome{Event: ChargeSucceeded, Amount: decimal.NewNullDecimal(tr.Amount), PaidAt: tr.PaidAt}, true
	case gateway.TransactionFailed, gateway.TransactionAbandoned, gateway.TransactionReversed:
		reason := tr.Message
		if reason == "" {
			reason = "charge " + string(tr.Status)
		}
		return ChargeOutcome{Event: ChargeFailed, Reason: reason}, true
	}
	return ChargeOutcome{}, false
}

// ApplyCharge applies a charge verdict to the payment with the given gateway
// reference. A success whose amount differs from the payment total is refused
// and recorded on the payment instead.
func (s *Service) ApplyCharge(ctx context.Context, tx store.Tx, reference string, co ChargeOutcome, source Source) (*Outcome, error) {
	found, err := tx.FindPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	b, p, err := lockPayment(ctx, tx, found.BookingID)
	if err != nil {
		return nil, err
	}

	if co.Event == ChargeSucceeded && co.Amount.Valid && !co.Amount.Decimal.Equal(p.TotalAmount) {
		if _, ok := Next(p.Status, ChargeSucceeded); ok {
			msg := errors.Wrapf(apperrors.ErrAmountMismatch, "charged %s, expected %s", co.Amount.Decimal, p.TotalAmount).Error()
			p.LastError = &msg
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return nil, err
			}
			transitionCounter(co.Event, "amount_mismatch").Inc()
			s.logger.ErrorContext(ctx, "Charge amount mismatch", "paymentId", p.ID, "reference", reference,
				"charged", co.Amount.Decimal, "expected", p.TotalAmount, "source", source)
			out := unchanged(p)
			out.Rejection = msg
			return out, nil
		}
	}

	return s.apply(ctx, tx, b, p, Input{Event: co.Event, Source: source, Reason: co.Reason, PaidAt: co.PaidAt})
}

// VerifyPayment asks the gateway about a charge and applies a definitive
// answer. When the gateway cannot be reached the payment is returned as it
// stands; reconciliation will settle it later.
func (s *Service) VerifyPayment(ctx context.Context, reference string, source Source) (*model.Payment, error) {
	tr, err := s.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		if errors.Is(err, apperrors.ErrGatewayUnavailable) {
			s.logger.WarnContext(ctx, "Verification deferred, gateway unavailable", "reference", reference, "error", err)
			return s.paymentByReference(ctx, reference)
		}
		return nil, err
	}

	co, final := ChargeOutcomeOf(tr)
	if !final {
		return s.paymentByReference(ctx, reference)
	}

	out, err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) (*Outcome, error) {
		return s.ApplyCharge(ctx, tx, reference, co, source)
	})
	if err != nil {
		return nil, err
	}
	return out.Payment, nil
}

func (s *Service) paymentByReference(ctx context.Context, reference string) (*model.Payment, error) {
	var p *model.Payment
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.FindPaymentByReference(ctx, reference)
		return err
	})
	return p, err
}

// MarkCashPaid is the client stating the cash was handed over.
func (s *Service) MarkCashPaid(ctx context.Context, bookingID, actorID uuid.UUID) (*model.Payment, error) {
	return s.cashStep(ctx, bookingID, actorID, CashMarkedPaid, func(b *model.Booking) uuid.UUID { return b.ClientID })
}

// ConfirmCashReceived is the provider confirming the cash arrived. It
// completes the booking.
func (s *Service) ConfirmCashReceived(ctx context.Context, bookingID, actorID uuid.UUID) (*model.Payment, error) {
	return s.cashStep(ctx, bookingID, actorID, CashConfirmed, func(b *model.Booking) uuid.UUID { return b.ProviderID })
}

func (s *Service) cashStep(ctx context.Context, bookingID, actorID uuid.UUID, ev Event, allowed func(*model.Booking) uuid.UUID) (*model.Payment, error) {
	out, err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) (*Outcome, error) {
		b, p, err := lockPayment(ctx, tx, bookingID)
		if err != nil {
			return nil, err
		}
		if allowed(b) != actorID {
			return nil, errors.Wrapf(apperrors.ErrForbidden, "actor may not %s", ev.action())
		}
		return s.apply(ctx, tx, b, p, Input{Event: ev, Source: SourceSync})
	})
	if err != nil {
		return nil, err
	}
	return out.Payment, nil
}

// BackfillBreakdown persists the fee split of a payment stored without one and
// reports whether it had to.
func (s *Service) BackfillBreakdown(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	var filled bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, p, err := lockPayment(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if !EnsureBreakdown(p, s.feeRate) {
			return nil
		}
		filled = true
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return false, err
	}
	if filled {
		metrics.GetOrCreateCounter(`escrow_breakdown_backfills_total`).Inc()
	}
	return filled, nil
}
