package db

import (
	"escrow-service/internal/model"
	"escrow-service/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const (
	bookingColumns  = `id, client_id, provider_id, client_email, scheduled_at, address, status, total_amount, created_at, updated_at`
	paymentColumns  = `id, booking_id, method, total_amount, escrow_amount, platform_fee, status, reference, authorization_url, paid_at, last_error, created_at, updated_at`
	payoutColumns   = `id, payment_id, provider_id, amount, recipient_code, reference, transfer_code, status, failure_reason, attempt, created_at, updated_at, completed_at`
	providerColumns = `id, email, bank_code, account_number, account_name, recipient_code, recipient_fingerprint, recipient_validated_at, updated_at`
	webhookColumns  = `id, event_type, reference, payload, processed, retry_count, error, received_at, processed_at`

	// fingerprintSQL computes model.BankAccount.Fingerprint from a providers row.
	fingerprintSQL = `encode(sha256(convert_to(bank_code || '|' || account_number || '|' || account_name, 'UTF8')), 'hex')`
)

// notFound turns pgx.ErrNoRows into store.ErrNotFound.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(store.ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

func scanBooking(row pgx.Row) (*model.Booking, error) {
	var b model.Booking
	var status string
	err := row.Scan(&b.ID, &b.ClientID, &b.ProviderID, &b.ClientEmail, &b.ScheduledAt, &b.Address, &status,
		&b.TotalAmount, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if b.Status, err = model.ParseBookingStatus(status); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	var method, status string
	err := row.Scan(&p.ID, &p.BookingID, &method, &p.TotalAmount, &p.EscrowAmount, &p.PlatformFee, &status,
		&p.Reference, &p.AuthorizationURL, &p.PaidAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Method, err = model.ParsePaymentMethod(method); err != nil {
		return nil, err
	}
	if p.Status, err = model.ParsePaymentStatus(status); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPayout(row pgx.Row) (*model.Payout, error) {
	var p model.Payout
	var status string
	err := row.Scan(&p.ID, &p.PaymentID, &p.ProviderID, &p.Amount, &p.RecipientCode, &p.Reference, &p.TransferCode,
		&status, &p.FailureReason, &p.Attempt, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	if p.Status, err = model.ParsePayoutStatus(status); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanProvider(row pgx.Row) (*model.Provider, error) {
	var p model.Provider
	err := row.Scan(&p.ID, &p.Email, &p.Bank.BankCode, &p.Bank.AccountNumber, &p.Bank.AccountName,
		&p.RecipientCode, &p.RecipientFingerprint, &p.RecipientValidatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanWebhookEvent(row pgx.Row) (*model.WebhookEvent, error) {
	var e model.WebhookEvent
	err := row.Scan(&e.ID, &e.EventType, &e.Reference, &e.Payload, &e.Processed, &e.RetryCount, &e.Error,
		&e.ReceivedAt, &e.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
