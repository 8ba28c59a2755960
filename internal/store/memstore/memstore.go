// Package memstore is an in-memory store.Store. A single mutex is held for the
// whole of every transaction, which gives the same serialization guarantee as
// row locks at coarser grain. Failed transactions are rolled back from a
// snapshot.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"escrow-service/internal/model"
	"escrow-service/internal/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type webhookKey struct {
	eventType string
	reference string
}

type state struct {
	bookings  map[uuid.UUID]model.Booking
	payments  map[uuid.UUID]model.Payment
	payouts   map[uuid.UUID]model.Payout
	providers map[uuid.UUID]model.Provider
	events    map[webhookKey]model.WebhookEvent
}

func (s *state) clone() *state {
	c := &state{
		bookings:  make(map[uuid.UUID]model.Booking, len(s.bookings)),
		payments:  make(map[uuid.UUID]model.Payment, len(s.payments)),
		payouts:   make(map[uuid.UUID]model.Payout, len(s.payouts)),
		providers: make(map[uuid.UUID]model.Provider, len(s.providers)),
		events:    make(map[webhookKey]model.WebhookEvent, len(s.events)),
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	for k, v := range s.providers {
		c.providers[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

type Store struct {
	mu    sync.Mutex
	st    *state
	clock func() time.Time
	// checked is outside state: marking a payment checked is not transactional.
	checked map[uuid.UUID]time.Time
}

func New() *Store {
	return &Store{
		st: &state{
			bookings:  map[uuid.UUID]model.Booking{},
			payments:  map[uuid.UUID]model.Payment{},
			payouts:   map[uuid.UUID]model.Payout{},
			providers: map[uuid.UUID]model.Provider{},
			events:    map[webhookKey]model.WebhookEvent{},
		},
		clock:   time.Now,
		checked: map[uuid.UUID]time.Time{},
	}
}

// SetClock replaces the time source used for created/updated timestamps.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *Store) PutBooking(b model.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.clock()
	}
	b.UpdatedAt = s.clock()
	s.st.bookings[b.ID] = b
}

func (s *Store) PutProvider(p model.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = s.clock()
	s.st.providers[p.ID] = p
}

// PutPayment stores p as-is, bypassing the invariants enforced by InsertPayment.
// It exists to seed legacy rows.
func (s *Store) PutPayment(p model.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.clock()
	}
	s.st.payments[p.ID] = p
}

func (s *Store) Payouts(paymentID uuid.UUID) []model.Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Payout
	for _, p := range s.st.payouts {
		if p.PaymentID == paymentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}

func (s *Store) WebhookEvents() []model.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WebhookEvent, 0, len(s.st.events))
	for _, e := range s.st.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(ctx, &tx{s: s}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) GetBooking(_ context.Context, id uuid.UUID) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.st.bookings[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "booking %s", id)
	}
	return &b, nil
}

func (s *Store) GetPaymentByBooking(_ context.Context, bookingID uuid.UUID) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paymentByBooking(bookingID)
}

func (s *Store) GetPayoutByReference(_ context.Context, reference string) (*model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payoutByReference(reference)
}

func (s *Store) GetProvider(_ context.Context, id uuid.UUID) (*model.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.providers[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "provider %s", id)
	}
	return &p, nil
}

func (s *Store) ListStalePayments(_ context.Context, statuses []model.PaymentStatus, before time.Time, limit int) ([]*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[model.PaymentStatus]bool{}
	for _, st := range statuses {
		wanted[st] = true
	}
	var out []*model.Payment
	for _, p := range s.st.payments {
		checkedAt, checked := s.checked[p.ID]
		if wanted[p.Status] && p.UpdatedAt.Before(before) && (!checked || checkedAt.Before(before)) {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, iChecked := s.checked[out[i].ID]
		cj, jChecked := s.checked[out[j].ID]
		switch {
		case iChecked != jChecked:
			return !iChecked
		case iChecked && !ci.Equal(cj):
			return ci.Before(cj)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return truncate(out, limit), nil
}

func (s *Store) MarkPaymentChecked(_ context.Context, paymentID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.payments[paymentID]; !ok {
		return errors.Wrapf(store.ErrNotFound, "payment %s", paymentID)
	}
	s.checked[paymentID] = at
	return nil
}

func (s *Store) ListPaymentsMissingBreakdown(_ context.Context, limit int) ([]*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Payment
	for _, p := range s.st.payments {
		if !p.HasBreakdown() {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (s *Store) ListUnprocessedWebhookEvents(_ context.Context, maxRetries, limit int) ([]*model.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.WebhookEvent
	for _, e := range s.st.events {
		if !e.Processed && e.RetryCount < maxRetries {
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return truncate(out, limit), nil
}

func (s *Store) ListProvidersWithStaleRecipient(_ context.Context, limit int) ([]*model.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Provider
	for _, p := range s.st.providers {
		if p.RecipientFingerprint != nil && *p.RecipientFingerprint != p.Bank.Fingerprint() {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (s *Store) IncrementWebhookRetry(_ context.Context, event *model.WebhookEvent, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := webhookKey{event.EventType, event.Reference}
	stored, ok := s.st.events[key]
	if !ok {
		stored = *event
		if stored.ID == uuid.Nil {
			stored.ID = uuid.New()
		}
		stored.ReceivedAt = s.clock()
	}
	stored.RetryCount++
	stored.Error = &errMsg
	s.st.events[key] = stored
	return nil
}

func (s *Store) paymentByBooking(bookingID uuid.UUID) (*model.Payment, error) {
	for _, p := range s.st.payments {
		if p.BookingID == bookingID {
			return &p, nil
		}
	}
	return nil, errors.Wrapf(store.ErrNotFound, "payment for booking %s", bookingID)
}

func (s *Store) payoutByReference(reference string) (*model.Payout, error) {
	for _, p := range s.st.payouts {
		if p.Reference == reference {
			return &p, nil
		}
	}
	return nil, errors.Wrapf(store.ErrNotFound, "payout %s", reference)
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
