package escrow

import (
	"context"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/model"
	"escrow-service/internal/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RefundPayment returns the full escrowed amount to the client of a disputed
// or cancelled booking. The payment stays locked across the gateway call so
// no release can start meanwhile.
func (s *Service) RefundPayment(ctx context.Context, bookingID, actorID uuid.UUID) (*model.Payment, error) {
	out, err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) (*Outcome, error) {
		b, p, err := lockPayment(ctx, tx, bookingID)
		if err != nil {
			return nil, err
		}
		if b.ClientID != actorID {
			return nil, errors.Wrap(apperrors.ErrForbidden, "only the booking's client can request a refund")
		}
		if _, ok := Next(p.Status, Refunded); !ok {
			return s.apply(ctx, tx, b, p, Input{Event: Refunded, Source: SourceSync})
		}
		if b.Status != model.BookingDisputed && b.Status != model.BookingCancelled {
			return nil, errors.Wrapf(apperrors.ErrBookingState, "booking is %s", b.Status)
		}

		refund, err := s.gateway.Refund(ctx, p.ReferenceValue())
		if err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "Refund accepted by gateway", "paymentId", p.ID, "refundStatus", refund.Status, "amount", refund.Amount)

		return s.apply(ctx, tx, b, p, Input{Event: Refunded, Source: SourceSync})
	})
	if err != nil {
		return nil, err
	}
	return out.Payment, nil
}
