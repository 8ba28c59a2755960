// Package store defines the persistence contract of the escrow service.
//
// Every state change happens inside InTx. Lock* methods take a row lock that
// is held until the transaction ends, so two writers racing on the same
// payment are serialized. Lock order is booking, payment, payout; webhook
// events are locked before the payment they refer to.
package store

import (
	"context"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/model"
	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = apperrors.ErrNotFound

type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	GetPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (*model.Payment, error)
	GetPayoutByReference(ctx context.Context, reference string) (*model.Payout, error)
	GetProvider(ctx context.Context, id uuid.UUID) (*model.Provider, error)

	// ListStalePayments returns payments in one of statuses neither updated nor
	// marked checked since before. Payments never checked come first, then the
	// least recently checked.
	ListStalePayments(ctx context.Context, statuses []model.PaymentStatus, before time.Time, limit int) ([]*model.Payment, error)
	// MarkPaymentChecked records that reconciliation looked at a payment. It
	// does not touch updated_at.
	MarkPaymentChecked(ctx context.Context, paymentID uuid.UUID, at time.Time) error
	ListPaymentsMissingBreakdown(ctx context.Context, limit int) ([]*model.Payment, error)
	ListUnprocessedWebhookEvents(ctx context.Context, maxRetries, limit int) ([]*model.WebhookEvent, error)
	// ListProvidersWithStaleRecipient returns providers holding a recipient
	// fingerprint that no longer matches their bank details.
	ListProvidersWithStaleRecipient(ctx context.Context, limit int) ([]*model.Provider, error)

	// IncrementWebhookRetry records a failed processing attempt outside of the
	// transaction that failed. The event row is created when missing.
	IncrementWebhookRetry(ctx context.Context, event *model.WebhookEvent, errMsg string) error
}

type Tx interface {
	LockBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, status model.BookingStatus) error

	// FindPayment and FindPaymentByReference read without locking. They exist
	// to resolve the booking to lock first.
	FindPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error)
	FindPaymentByReference(ctx context.Context, reference string) (*model.Payment, error)
	LockPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (*model.Payment, error)
	InsertPayment(ctx context.Context, p *model.Payment) error
	UpdatePayment(ctx context.Context, p *model.Payment) error

	FindPayoutByReference(ctx context.Context, reference string) (*model.Payout, error)
	LockPayout(ctx context.Context, id uuid.UUID) (*model.Payout, error)
	// ActivePayout locks and returns the PENDING or PROCESSING payout of a payment.
	ActivePayout(ctx context.Context, paymentID uuid.UUID) (*model.Payout, error)
	CountPayouts(ctx context.Context, paymentID uuid.UUID) (int, error)
	InsertPayout(ctx context.Context, p *model.Payout) error
	UpdatePayout(ctx context.Context, p *model.Payout) error

	GetProvider(ctx context.Context, id uuid.UUID) (*model.Provider, error)
	LockProvider(ctx context.Context, id uuid.UUID) (*model.Provider, error)
	UpdateProviderBank(ctx context.Context, p *model.Provider) error

	// LockOrCreateWebhookEvent inserts e unless (EventType, Reference) exists
	// and returns the locked stored row.
	LockOrCreateWebhookEvent(ctx context.Context, e *model.WebhookEvent) (*model.WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, e *model.WebhookEvent) error
}
