// Package escrow owns the payment lifecycle. Every status change goes through
// Service.apply while the booking and payment rows are locked, whatever
// triggered it: a user request, a gateway webhook or reconciliation.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/gateway"
	"escrow-service/internal/model"
	"escrow-service/internal/notify"
	"escrow-service/internal/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Options struct {
	FeeRate     decimal.Decimal
	CallbackURL string
}

type Service struct {
	store       store.Store
	gateway     gateway.Gateway
	notifier    notify.Notifier
	feeRate     decimal.Decimal
	callbackURL string
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(st store.Store, gw gateway.Gateway, notifier notify.Notifier, opts Options, logger *slog.Logger) *Service {
	return &Service{
		store:       st,
		gateway:     gw,
		notifier:    notifier,
		feeRate:     opts.FeeRate,
		callbackURL: opts.CallbackURL,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Service) FeeRate() decimal.Decimal {
	return s.feeRate
}

// Input describes one requested transition.
type Input struct {
	Event  Event
	Source Source
	// Reason becomes the payment's last error on failure events.
	Reason string
	PaidAt *time.Time
	// Payout is the payout to create for release_requested and the locked
	// payout being settled for transfer events.
	Payout       *model.Payout
	TransferCode string
}

// Outcome is the result of one transaction against a payment. Notifications
// gathered while applying are held until Publish is called after commit.
type Outcome struct {
	Applied bool
	From    model.PaymentStatus
	To      model.PaymentStatus
	Payment *model.Payment
	Payout  *model.Payout
	// Rejection is set when the request was refused without a transition,
	// for example a charge whose amount does not match.
	Rejection string

	notifications []notify.Notification
}

func unchanged(p *model.Payment) *Outcome {
	return &Outcome{From: p.Status, To: p.Status, Payment: p}
}

// Publish hands the outcome's notifications to the notifier. Call it only
// after the transaction that produced out has committed.
func (s *Service) Publish(ctx context.Context, out *Outcome) {
	if out == nil {
		return
	}
	for _, n := range out.notifications {
		s.notifier.Notify(ctx, n)
	}
}

// inTx runs fn in a transaction and publishes its notifications on commit.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) (*Outcome, error)) (*Outcome, error) {
	var out *Outcome
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Publish(ctx, out)
	return out, nil
}

// lockPayment locks a booking and then its payment.
func lockPayment(ctx context.Context, tx store.Tx, bookingID uuid.UUID) (*model.Booking, *model.Payment, error) {
	b, err := tx.LockBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	p, err := tx.LockPaymentByBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	return b, p, nil
}

func (s *Service) apply(ctx context.Context, tx store.Tx, b *model.Booking, p *model.Payment, in Input) (*Outcome, error) {
	t, ok := Next(p.Status, in.Event)
	if !ok {
		if in.Source == SourceSync && in.Event.UserAction() {
			transitionCounter(in.Event, "rejected").Inc()
			return nil, &apperrors.StaleTransitionError{Current: string(p.Status), Action: in.Event.action()}
		}
		transitionCounter(in.Event, "noop").Inc()
		s.logger.InfoContext(ctx, "Transition not applicable, ignoring",
			"paymentId", p.ID, "status", p.Status, "event", in.Event, "source", in.Source)
		return unchanged(p), nil
	}

	out := &Outcome{Applied: true, From: p.Status, To: t.To, Payment: p}
	p.Status = t.To
	for _, effect := range t.Effects {
		if err := s.runEffect(ctx, tx, b, p, in, effect, out); err != nil {
			return nil, errors.Wrapf(err, "%s: %s", in.Event, effect)
		}
	}
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}

	transitionCounter(in.Event, "applied").Inc()
	s.logger.InfoContext(ctx, "Payment transitioned",
		"paymentId", p.ID, "bookingId", b.ID, "from", out.From, "to", out.To, "event", in.Event, "source", in.Source)
	return out, nil
}

func (s *Service) runEffect(ctx context.Context, tx store.Tx, b *model.Booking, p *model.Payment, in Input, effect Effect, out *Outcome) error {
	switch effect {
	case EffectBackfillBreakdown:
		if EnsureBreakdown(p, s.feeRate) {
			metrics.GetOrCreateCounter(`escrow_breakdown_backfills_total`).Inc()
			s.logger.WarnContext(ctx, "Backfilled missing payment breakdown",
				"paymentId", p.ID, "escrowAmount", p.EscrowAmount.Decimal, "platformFee", p.PlatformFee.Decimal)
		}
	case EffectMarkPaid:
		paidAt := s.now()
		if in.PaidAt != nil {
			paidAt = *in.PaidAt
		}
		p.PaidAt = &paidAt
		p.LastError = nil
	case EffectRecordError:
		if in.Reason != "" {
			reason := in.Reason
			p.LastError = &reason
		}
	case EffectCreatePayout:
		if in.Payout == nil {
			return errors.New("no payout supplied")
		}
		attempts, err := tx.CountPayouts(ctx, p.ID)
		if err != nil {
			return err
		}
		po := in.Payout
		po.PaymentID = p.ID
		po.ProviderID = b.ProviderID
		po.Amount = p.EscrowAmount.Decimal
		po.Status = model.PayoutPending
		po.Attempt = attempts + 1
		if err := tx.InsertPayout(ctx, po); err != nil {
			return err
		}
		out.Payout = po
	case EffectCompletePayout:
		po, err := s.settlingPayout(ctx, tx, p, in)
		if err != nil || po == nil {
			return err
		}
		now := s.now()
		po.Status = model.PayoutCompleted
		po.CompletedAt = &now
		po.FailureReason = nil
		p.LastError = nil
		if in.TransferCode != "" {
			code := in.TransferCode
			po.TransferCode = &code
		}
		if err := tx.UpdatePayout(ctx, po); err != nil {
			return err
		}
		out.Payout = po
	case EffectFailPayout:
		po, err := s.settlingPayout(ctx, tx, p, in)
		if err != nil || po == nil {
			return err
		}
		po.Status = model.PayoutFailed
		if in.Reason != "" {
			reason := in.Reason
			po.FailureReason = &reason
		}
		if err := tx.UpdatePayout(ctx, po); err != nil {
			return err
		}
		out.Payout = po
	case EffectCompleteBooking:
		return s.setBookingStatus(ctx, tx, b, model.BookingCompleted)
	case EffectCancelBooking:
		return s.setBookingStatus(ctx, tx, b, model.BookingCancelled)
	case EffectNotifyPaymentReceived:
		out.notifications = append(out.notifications,
			s.notification(notify.PaymentReceived, b.ClientID, b, p, p.TotalAmount,
				fmt.Sprintf("Your payment of %s is held in escrow until the job is done", p.TotalAmount.StringFixed(2))),
			s.notification(notify.PaymentReceived, b.ProviderID, b, p, p.EscrowAmount.Decimal,
				fmt.Sprintf("Payment of %s for your booking is secured in escrow", p.EscrowAmount.Decimal.StringFixed(2))),
		)
	case EffectNotifyCashConfirmed:
		out.notifications = append(out.notifications,
			s.notification(notify.PaymentReceived, b.ClientID, b, p, p.TotalAmount,
				fmt.Sprintf("The provider confirmed receiving your cash payment of %s", p.TotalAmount.StringFixed(2))))
	case EffectNotifyPayoutReleased:
		amount := payoutAmount(out.Payout, p)
		out.notifications = append(out.notifications,
			s.notification(notify.PayoutReleased, b.ProviderID, b, p, amount,
				fmt.Sprintf("Your payout of %s has been sent to your bank account", amount.StringFixed(2))))
	case EffectNotifyPayoutFailed:
		amount := payoutAmount(out.Payout, p)
		out.notifications = append(out.notifications,
			s.notification(notify.PayoutFailed, b.ProviderID, b, p, amount,
				fmt.Sprintf("Your payout of %s could not be sent. Please check and update your bank details", amount.StringFixed(2))))
	default:
		return errors.Errorf("unknown effect %q", effect)
	}
	return nil
}

// settlingPayout returns the payout a transfer event settles. A payment
// released before payouts were tracked has none, which is logged and tolerated.
func (s *Service) settlingPayout(ctx context.Context, tx store.Tx, p *model.Payment, in Input) (*model.Payout, error) {
	if in.Payout != nil {
		return in.Payout, nil
	}
	po, err := tx.ActivePayout(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.WarnContext(ctx, "No active payout to settle", "paymentId", p.ID, "event", in.Event)
		return nil, nil
	}
	return po, err
}

func (s *Service) setBookingStatus(ctx context.Context, tx store.Tx, b *model.Booking, status model.BookingStatus) error {
	if err := tx.UpdateBookingStatus(ctx, b.ID, status); err != nil {
		return err
	}
	b.Status = status
	return nil
}

func (s *Service) notification(t notify.Type, userID uuid.UUID, b *model.Booking, p *model.Payment, amount decimal.Decimal, message string) notify.Notification {
	return notify.Notification{
		Type:       t,
		UserID:     userID,
		BookingID:  b.ID,
		PaymentID:  p.ID,
		Amount:     amount,
		Message:    message,
		OccurredAt: s.now(),
	}
}

func payoutAmount(po *model.Payout, p *model.Payment) decimal.Decimal {
	if po != nil {
		return po.Amount
	}
	return p.EscrowAmount.Decimal
}

func transitionCounter(ev Event, result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`escrow_transitions_total{event=%q,result=%q}`, ev, result))
}
