package memstore

import (
	"context"

	"escrow-service/internal/model"
	"escrow-service/internal/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// tx runs with Store.mu already held by InTx.
type tx struct {
	s *Store
}

func (t *tx) LockBooking(_ context.Context, id uuid.UUID) (*model.Booking, error) {
	b, ok := t.s.st.bookings[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "booking %s", id)
	}
	return &b, nil
}

func (t *tx) UpdateBookingStatus(_ context.Context, id uuid.UUID, status model.BookingStatus) error {
	b, ok := t.s.st.bookings[id]
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "booking %s", id)
	}
	b.Status = status
	b.UpdatedAt = t.s.clock()
	t.s.st.bookings[id] = b
	return nil
}

func (t *tx) FindPayment(_ context.Context, id uuid.UUID) (*model.Payment, error) {
	p, ok := t.s.st.payments[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "payment %s", id)
	}
	return &p, nil
}

func (t *tx) LockPaymentByBooking(_ context.Context, bookingID uuid.UUID) (*model.Payment, error) {
	return t.s.paymentByBooking(bookingID)
}

func (t *tx) FindPaymentByReference(_ context.Context, reference string) (*model.Payment, error) {
	for _, p := range t.s.st.payments {
		if p.ReferenceValue() == reference && reference != "" {
			return &p, nil
		}
	}
	return nil, errors.Wrapf(store.ErrNotFound, "payment %s", reference)
}

func (t *tx) InsertPayment(_ context.Context, p *model.Payment) error {
	for _, existing := range t.s.st.payments {
		if existing.BookingID == p.BookingID {
			return errors.Errorf("payment for booking %s already exists", p.BookingID)
		}
		if p.Reference != nil && existing.ReferenceValue() == *p.Reference {
			return errors.Errorf("payment reference %s already exists", *p.Reference)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := t.s.clock()
	p.CreatedAt, p.UpdatedAt = now, now
	t.s.st.payments[p.ID] = *p
	return nil
}

func (t *tx) UpdatePayment(_ context.Context, p *model.Payment) error {
	stored, ok := t.s.st.payments[p.ID]
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "payment %s", p.ID)
	}
	if stored.HasBreakdown() && (!stored.EscrowAmount.Decimal.Equal(p.EscrowAmount.Decimal) || !stored.PlatformFee.Decimal.Equal(p.PlatformFee.Decimal)) {
		return errors.Errorf("payment %s breakdown is immutable", p.ID)
	}
	p.UpdatedAt = t.s.clock()
	t.s.st.payments[p.ID] = *p
	return nil
}

func (t *tx) ActivePayout(_ context.Context, paymentID uuid.UUID) (*model.Payout, error) {
	for _, p := range t.s.st.payouts {
		if p.PaymentID == paymentID && p.Status.Active() {
			return &p, nil
		}
	}
	return nil, errors.Wrapf(store.ErrNotFound, "active payout for payment %s", paymentID)
}

func (t *tx) FindPayoutByReference(_ context.Context, reference string) (*model.Payout, error) {
	return t.s.payoutByReference(reference)
}

func (t *tx) LockPayout(_ context.Context, id uuid.UUID) (*model.Payout, error) {
	p, ok := t.s.st.payouts[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "payout %s", id)
	}
	return &p, nil
}

func (t *tx) CountPayouts(_ context.Context, paymentID uuid.UUID) (int, error) {
	n := 0
	for _, p := range t.s.st.payouts {
		if p.PaymentID == paymentID {
			n++
		}
	}
	return n, nil
}

func (t *tx) InsertPayout(_ context.Context, p *model.Payout) error {
	for _, existing := range t.s.st.payouts {
		if existing.PaymentID == p.PaymentID && existing.Status != model.PayoutFailed {
			return errors.Errorf("payment %s already has payout %s in %s", p.PaymentID, existing.ID, existing.Status)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := t.s.clock()
	p.CreatedAt, p.UpdatedAt = now, now
	t.s.st.payouts[p.ID] = *p
	return nil
}

func (t *tx) UpdatePayout(_ context.Context, p *model.Payout) error {
	stored, ok := t.s.st.payouts[p.ID]
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "payout %s", p.ID)
	}
	if stored.Status == model.PayoutCompleted && p.Status != model.PayoutCompleted {
		return errors.Errorf("payout %s is completed", p.ID)
	}
	p.UpdatedAt = t.s.clock()
	t.s.st.payouts[p.ID] = *p
	return nil
}

func (t *tx) GetProvider(ctx context.Context, id uuid.UUID) (*model.Provider, error) {
	return t.LockProvider(ctx, id)
}

func (t *tx) LockProvider(_ context.Context, id uuid.UUID) (*model.Provider, error) {
	p, ok := t.s.st.providers[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "provider %s", id)
	}
	return &p, nil
}

func (t *tx) UpdateProviderBank(_ context.Context, p *model.Provider) error {
	if _, ok := t.s.st.providers[p.ID]; !ok {
		return errors.Wrapf(store.ErrNotFound, "provider %s", p.ID)
	}
	p.UpdatedAt = t.s.clock()
	t.s.st.providers[p.ID] = *p
	return nil
}

func (t *tx) LockOrCreateWebhookEvent(_ context.Context, e *model.WebhookEvent) (*model.WebhookEvent, error) {
	key := webhookKey{e.EventType, e.Reference}
	if stored, ok := t.s.st.events[key]; ok {
		return &stored, nil
	}
	stored := *e
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.ReceivedAt = t.s.clock()
	t.s.st.events[key] = stored
	return &stored, nil
}

func (t *tx) UpdateWebhookEvent(_ context.Context, e *model.WebhookEvent) error {
	key := webhookKey{e.EventType, e.Reference}
	if _, ok := t.s.st.events[key]; !ok {
		return errors.Wrapf(store.ErrNotFound, "webhook event %s/%s", e.EventType, e.Reference)
	}
	t.s.st.events[key] = *e
	return nil
}
