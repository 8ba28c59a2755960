package db

import (
	"context"

	"escrow-service/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1 FOR UPDATE`
	b, err := scanBooking(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "booking %s", id)
	}
	return b, nil
}

func (t *pgTx) UpdateBookingStatus(ctx context.Context, id uuid.UUID, status model.BookingStatus) error {
	query := `UPDATE bookings SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := t.tx.Exec(ctx, query, id, string(status))
	if err != nil {
		return errors.Wrapf(err, "update booking %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "booking %s", id)
	}
	return nil
}

func (t *pgTx) FindPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "payment %s", id)
	}
	return p, nil
}

func (t *pgTx) FindPaymentByReference(ctx context.Context, reference string) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE reference = $1`
	p, err := scanPayment(t.tx.QueryRow(ctx, query, reference))
	if err != nil {
		return nil, notFound(err, "payment %s", reference)
	}
	return p, nil
}

func (t *pgTx) LockPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE booking_id = $1 FOR UPDATE`
	p, err := scanPayment(t.tx.QueryRow(ctx, query, bookingID))
	if err != nil {
		return nil, notFound(err, "payment for booking %s", bookingID)
	}
	return p, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	query := `INSERT INTO payments (id, booking_id, method, total_amount, escrow_amount, platform_fee, status, reference, authorization_url)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          RETURNING created_at, updated_at`
	err := t.tx.QueryRow(ctx, query, p.ID, p.BookingID, string(p.Method), p.TotalAmount, p.EscrowAmount, p.PlatformFee,
		string(p.Status), p.Reference, p.AuthorizationURL).Scan(&p.CreatedAt, &p.UpdatedAt)
	return errors.Wrapf(err, "insert payment for booking %s", p.BookingID)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *model.Payment) error {
	query := `UPDATE payments
	          SET escrow_amount = $2, platform_fee = $3, status = $4, reference = $5, authorization_url = $6,
	              paid_at = $7, last_error = $8, updated_at = now()
	          WHERE id = $1
	          RETURNING updated_at`
	err := t.tx.QueryRow(ctx, query, p.ID, p.EscrowAmount, p.PlatformFee, string(p.Status), p.Reference,
		p.AuthorizationURL, p.PaidAt, p.LastError).Scan(&p.UpdatedAt)
	if err != nil {
		return notFound(err, "update payment %s", p.ID)
	}
	return nil
}

func (t *pgTx) FindPayoutByReference(ctx context.Context, reference string) (*model.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE reference = $1`
	p, err := scanPayout(t.tx.QueryRow(ctx, query, reference))
	if err != nil {
		return nil, notFound(err, "payout %s", reference)
	}
	return p, nil
}

func (t *pgTx) LockPayout(ctx context.Context, id uuid.UUID) (*model.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1 FOR UPDATE`
	p, err := scanPayout(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "payout %s", id)
	}
	return p, nil
}

func (t *pgTx) ActivePayout(ctx context.Context, paymentID uuid.UUID) (*model.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts
	          WHERE payment_id = $1 AND status IN ('PENDING', 'PROCESSING')
	          FOR UPDATE`
	p, err := scanPayout(t.tx.QueryRow(ctx, query, paymentID))
	if err != nil {
		return nil, notFound(err, "active payout for payment %s", paymentID)
	}
	return p, nil
}

func (t *pgTx) CountPayouts(ctx context.Context, paymentID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM payouts WHERE payment_id = $1`, paymentID).Scan(&n)
	return n, errors.Wrap(err, "count payouts")
}

func (t *pgTx) InsertPayout(ctx context.Context, p *model.Payout) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	query := `INSERT INTO payouts (id, payment_id, provider_id, amount, recipient_code, reference, status, attempt)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          RETURNING created_at, updated_at`
	err := t.tx.QueryRow(ctx, query, p.ID, p.PaymentID, p.ProviderID, p.Amount, p.RecipientCode, p.Reference,
		string(p.Status), p.Attempt).Scan(&p.CreatedAt, &p.UpdatedAt)
	return errors.Wrapf(err, "insert payout for payment %s", p.PaymentID)
}

func (t *pgTx) UpdatePayout(ctx context.Context, p *model.Payout) error {
	query := `UPDATE payouts
	          SET transfer_code = $2, status = $3, failure_reason = $4, completed_at = $5, updated_at = now()
	          WHERE id = $1 AND (status <> 'COMPLETED' OR $3 = 'COMPLETED')
	          RETURNING updated_at`
	err := t.tx.QueryRow(ctx, query, p.ID, p.TransferCode, string(p.Status), p.FailureReason, p.CompletedAt).Scan(&p.UpdatedAt)
	if err != nil {
		return notFound(err, "update payout %s", p.ID)
	}
	return nil
}

func (t *pgTx) GetProvider(ctx context.Context, id uuid.UUID) (*model.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE id = $1`
	p, err := scanProvider(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "provider %s", id)
	}
	return p, nil
}

func (t *pgTx) LockProvider(ctx context.Context, id uuid.UUID) (*model.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE id = $1 FOR UPDATE`
	p, err := scanProvider(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "provider %s", id)
	}
	return p, nil
}

func (t *pgTx) UpdateProviderBank(ctx context.Context, p *model.Provider) error {
	query := `UPDATE providers
	          SET bank_code = $2, account_number = $3, account_name = $4, recipient_code = $5,
	              recipient_fingerprint = $6, recipient_validated_at = $7, updated_at = now()
	          WHERE id = $1
	          RETURNING updated_at`
	err := t.tx.QueryRow(ctx, query, p.ID, p.Bank.BankCode, p.Bank.AccountNumber, p.Bank.AccountName,
		p.RecipientCode, p.RecipientFingerprint, p.RecipientValidatedAt).Scan(&p.UpdatedAt)
	if err != nil {
		return notFound(err, "update provider %s", p.ID)
	}
	return nil
}

func (t *pgTx) LockOrCreateWebhookEvent(ctx context.Context, e *model.WebhookEvent) (*model.WebhookEvent, error) {
	id := e.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	insert := `INSERT INTO webhook_events (id, event_type, reference, payload)
	           VALUES ($1, $2, $3, $4)
	           ON CONFLICT (event_type, reference) DO NOTHING`
	if _, err := t.tx.Exec(ctx, insert, id, e.EventType, e.Reference, e.Payload); err != nil {
		return nil, errors.Wrap(err, "insert webhook event")
	}

	query := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE event_type = $1 AND reference = $2 FOR UPDATE`
	stored, err := scanWebhookEvent(t.tx.QueryRow(ctx, query, e.EventType, e.Reference))
	if err != nil {
		return nil, notFound(err, "webhook event %s/%s", e.EventType, e.Reference)
	}
	return stored, nil
}

func (t *pgTx) UpdateWebhookEvent(ctx context.Context, e *model.WebhookEvent) error {
	query := `UPDATE webhook_events
	          SET processed = $3, retry_count = $4, error = $5, processed_at = $6
	          WHERE event_type = $1 AND reference = $2`
	tag, err := t.tx.Exec(ctx, query, e.EventType, e.Reference, e.Processed, e.RetryCount, e.Error, e.ProcessedAt)
	if err != nil {
		return errors.Wrap(err, "update webhook event")
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "webhook event %s/%s", e.EventType, e.Reference)
	}
	return nil
}
