package escrow

import (
	"context"
	"fmt"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/gateway"
	"escrow-service/internal/model"
	"escrow-service/internal/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TransferUpdate is what is known about a payout transfer.
type TransferUpdate struct {
	Outcome      gateway.TransferOutcome
	TransferCode string
	Reason       string
}

// TransferUpdateOf reads a gateway transfer into a TransferUpdate.
func TransferUpdateOf(tr *gateway.Transfer) TransferUpdate {
	u := TransferUpdate{Outcome: tr.Status.Outcome(), TransferCode: tr.TransferCode}
	if u.Outcome == gateway.TransferOutcomeFailed {
		u.Reason = "transfer " + string(tr.Status)
		if tr.Reason != "" {
			u.Reason += ": " + tr.Reason
		}
	}
	return u
}

// ReleaseEscrow pays the provider out of escrow.
//
// The payout is recorded in its own transaction before the gateway is asked
// to transfer, so a crash or timeout during the call leaves a PENDING payout
// that reconciliation can resolve. Only a definitive rejection reverts the
// payment to ESCROW, in which case ErrReleaseFailed is returned. An unknown
// outcome returns the payment still in PROCESSING_RELEASE without error.
func (s *Service) ReleaseEscrow(ctx context.Context, bookingID, actorID uuid.UUID) (*Outcome, error) {
	requested, err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) (*Outcome, error) {
		b, p, err := lockPayment(ctx, tx, bookingID)
		if err != nil {
			return nil, err
		}
		if b.ClientID != actorID {
			return nil, errors.Wrap(apperrors.ErrForbidden, "only the booking's client can release payment")
		}
		if _, ok := Next(p.Status, ReleaseRequested); !ok {
			return s.apply(ctx, tx, b, p, Input{Event: ReleaseRequested, Source: SourceSync})
		}
		if !b.Status.ExecutionComplete() {
			return nil, errors.Wrapf(apperrors.ErrBookingState, "booking is %s", b.Status)
		}

		provider, err := tx.GetProvider(ctx, b.ProviderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, errors.Wrap(apperrors.ErrRecipientUntrusted, "provider has no bank details")
			}
			return nil, err
		}
		code, ok := provider.TrustedRecipient()
		if !ok {
			return nil, errors.Wrapf(apperrors.ErrRecipientUntrusted, "provider %s", provider.ID)
		}

		return s.apply(ctx, tx, b, p, Input{
			Event:  ReleaseRequested,
			Source: SourceSync,
			Payout: &model.Payout{ID: uuid.New(), RecipientCode: code, Reference: newReference("po")},
		})
	})
	if err != nil {
		return nil, err
	}

	po := requested.Payout
	// the transfer must not be abandoned because the caller went away
	tr, err := s.gateway.CreateTransfer(context.WithoutCancel(ctx), gateway.TransferRequest{
		RecipientCode: po.RecipientCode,
		Amount:        po.Amount,
		Reason:        fmt.Sprintf("Payout for booking %s", bookingID),
		Reference:     po.Reference,
	})

	switch {
	case err == nil:
		out, settleErr := s.inTx(ctx, func(ctx context.Context, tx store.Tx) (*Outcome, error) {
			return s.SettleTransfer(ctx, tx, po.Reference, TransferUpdateOf(tr), SourceSync)
		})
		if settleErr != nil {
			return nil, settleErr
		}
		return out, releaseFailure(out, TransferUpdateOf(tr).Reason)

	case errors.Is(err, apperrors.ErrGatewayUnavailable):
		s.logger.WarnContext(ctx, "Transfer outcome unknown, leaving payout for reconciliation",
			"payoutReference", po.Reference, "error", err)
		out, recordErr := s.recordReleaseError(ctx, bookingID, po, err)
		if recordErr != nil {
			return nil, recordErr
		}
		return out, releaseFailure(out, "")

	default:
		s.logger.ErrorContext(ctx, "Transfer rejected", "payoutReference", po.Reference, "error", err)
		out, settleErr := s.inTx(ctx, func(ctx context.Context, tx store.Tx) (*Outcome, error) {
			return s.SettleTransfer(ctx, tx, po.Reference, TransferUpdate{Outcome: gateway.TransferOutcomeFailed, Reason: err.Error()}, SourceSync)
		})
		if settleErr != nil {
			return nil, settleErr
		}
		return out, errors.Wrap(apperrors.ErrReleaseFailed, err.Error())
	}
}

// releaseFailure reports a release whose payment is back in ESCROW as failed.
// The revert may have been applied by this call or by a webhook that settled
// the payout while the transfer request was in flight.
func releaseFailure(out *Outcome, reason string) error {
	if out.Payment.Status != model.PaymentEscrow {
		return nil
	}
	if reason == "" && out.Payout != nil && out.Payout.FailureReason != nil {
		reason = *out.Payout.FailureReason
	}
	if reason == "" {
		reason = "transfer failed"
	}
	return errors.Wrap(apperrors.ErrReleaseFailed, reason)
}

func (s *Service) recordReleaseError(ctx context.Context, bookingID uuid.UUID, po *model.Payout, cause error) (*Outcome, error) {
	return s.inTx(ctx, func(ctx context.Context, tx store.Tx) (*Outcome, error) {
		_, p, err := lockPayment(ctx, tx, bookingID)
		if err != nil {
			return nil, err
		}
		current, err := tx.LockPayout(ctx, po.ID)
		if err != nil {
			return nil, err
		}
		if p.Status == model.PaymentProcessingRelease && current.Status.Active() {
			msg := cause.Error()
			p.LastError = &msg
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return nil, err
			}
		}
		out := unchanged(p)
		out.Payout = current
		return out, nil
	})
}

// SettleTransfer applies what is known about the payout with the given
// reference. Updates about a payout that is no longer active are ignored, so
// news about an earlier failed attempt cannot disturb a later one.
func (s *Service) SettleTransfer(ctx context.Context, tx store.Tx, reference string, u TransferUpdate, source Source) (*Outcome, error) {
	found, err := tx.FindPayoutByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	payment, err := tx.FindPayment(ctx, found.PaymentID)
	if err != nil {
		return nil, err
	}
	b, p, err := lockPayment(ctx, tx, payment.BookingID)
	if err != nil {
		return nil, err
	}
	po, err := tx.LockPayout(ctx, found.ID)
	if err != nil {
		return nil, err
	}

	if !po.Status.Active() {
		s.logger.InfoContext(ctx, "Payout already settled, ignoring update",
			"payoutReference", reference, "payoutStatus", po.Status, "source", source)
		out := unchanged(p)
		out.Payout = po
		return out, nil
	}

	var ev Event
	switch u.Outcome {
	case gateway.TransferOutcomeSucceeded:
		ev = TransferSucceeded
	case gateway.TransferOutcomeFailed:
		ev = TransferFailed
	default:
		if po.Status == model.PayoutPending {
			po.Status = model.PayoutProcessing
			if u.TransferCode != "" {
				code := u.TransferCode
				po.TransferCode = &code
			}
			if err := tx.UpdatePayout(ctx, po); err != nil {
				return nil, err
			}
		}
		out := unchanged(p)
		out.Payout = po
		return out, nil
	}

	out, err := s.apply(ctx, tx, b, p, Input{
		Event:        ev,
		Source:       source,
		Reason:       u.Reason,
		Payout:       po,
		TransferCode: u.TransferCode,
	})
	if err != nil {
		return nil, err
	}
	if out.Payout == nil {
		out.Payout = po
	}
	return out, nil
}

// ActivePayout returns the payout of a booking's payment that is still
// waiting for a transfer outcome.
func (s *Service) ActivePayout(ctx context.Context, bookingID uuid.UUID) (*model.Payout, error) {
	var po *model.Payout
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, p, err := lockPayment(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		po, err = tx.ActivePayout(ctx, p.ID)
		return err
	})
	return po, err
}

// ResolveTransfer runs SettleTransfer in a transaction of its own and
// publishes the resulting notifications.
func (s *Service) ResolveTransfer(ctx context.Context, reference string, u TransferUpdate, source Source) (*Outcome, error) {
	return s.inTx(ctx, func(ctx context.Context, tx store.Tx) (*Outcome, error) {
		return s.SettleTransfer(ctx, tx, reference, u, source)
	})
}
