package db

import (
	"context"
	"time"

	"escrow-service/internal/model"
	"escrow-service/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Store is the Postgres store.Store. Row locks come from SELECT ... FOR UPDATE
// inside InTx.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func (s *Store) GetBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	b, err := scanBooking(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "booking %s", id)
	}
	return b, nil
}

func (s *Store) GetPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE booking_id = $1`
	p, err := scanPayment(s.pool.QueryRow(ctx, query, bookingID))
	if err != nil {
		return nil, notFound(err, "payment for booking %s", bookingID)
	}
	return p, nil
}

func (s *Store) GetPayoutByReference(ctx context.Context, reference string) (*model.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE reference = $1`
	p, err := scanPayout(s.pool.QueryRow(ctx, query, reference))
	if err != nil {
		return nil, notFound(err, "payout %s", reference)
	}
	return p, nil
}

func (s *Store) GetProvider(ctx context.Context, id uuid.UUID) (*model.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE id = $1`
	p, err := scanProvider(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "provider %s", id)
	}
	return p, nil
}

func (s *Store) ListStalePayments(ctx context.Context, statuses []model.PaymentStatus, before time.Time, limit int) ([]*model.Payment, error) {
	var stored []string
	for _, st := range statuses {
		stored = append(stored, st.StoredForms()...)
	}
	query := `SELECT ` + paymentColumns + ` FROM payments
	          WHERE status = ANY($1) AND updated_at < $2
	            AND (reconcile_checked_at IS NULL OR reconcile_checked_at < $2)
	          ORDER BY reconcile_checked_at NULLS FIRST, updated_at LIMIT $3`
	rows, err := s.pool.Query(ctx, query, stored, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stale payments")
	}
	return collect(rows, scanPayment)
}

func (s *Store) MarkPaymentChecked(ctx context.Context, paymentID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE payments SET reconcile_checked_at = $2 WHERE id = $1`, paymentID, at)
	if err != nil {
		return errors.Wrapf(err, "mark payment %s checked", paymentID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrNotFound, "payment %s", paymentID)
	}
	return nil
}

func (s *Store) ListPaymentsMissingBreakdown(ctx context.Context, limit int) ([]*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
	          WHERE escrow_amount IS NULL OR platform_fee IS NULL
	          ORDER BY created_at LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list payments missing breakdown")
	}
	return collect(rows, scanPayment)
}

func (s *Store) ListUnprocessedWebhookEvents(ctx context.Context, maxRetries, limit int) ([]*model.WebhookEvent, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events
	          WHERE NOT processed AND retry_count < $1
	          ORDER BY received_at LIMIT $2`
	rows, err := s.pool.Query(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list unprocessed webhook events")
	}
	return collect(rows, scanWebhookEvent)
}

// ListProvidersWithStaleRecipient compares fingerprints in SQL so that
// providers with valid details never fill the batch.
func (s *Store) ListProvidersWithStaleRecipient(ctx context.Context, limit int) ([]*model.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers
	          WHERE recipient_fingerprint IS NOT NULL
	            AND recipient_fingerprint <> ` + fingerprintSQL + `
	          ORDER BY updated_at LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list providers with stale recipient")
	}
	return collect(rows, scanProvider)
}

func (s *Store) IncrementWebhookRetry(ctx context.Context, event *model.WebhookEvent, errMsg string) error {
	id := event.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	query := `INSERT INTO webhook_events (id, event_type, reference, payload, retry_count, error)
	          VALUES ($1, $2, $3, $4, 1, $5)
	          ON CONFLICT (event_type, reference)
	          DO UPDATE SET retry_count = webhook_events.retry_count + 1, error = EXCLUDED.error`
	_, err := s.pool.Exec(ctx, query, id, event.EventType, event.Reference, event.Payload, errMsg)
	return errors.Wrap(err, "increment webhook retry")
}
