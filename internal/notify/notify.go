// Package notify publishes fire-and-forget payment notifications for the
// notification subsystem. Publishing never blocks or fails a payment
// transition.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Type string

const (
	PaymentReceived Type = "payment_received"
	PayoutReleased  Type = "payout_released"
	PayoutFailed    Type = "payout_failed"
)

type Notification struct {
	Type       Type            `json:"type"`
	UserID     uuid.UUID       `json:"userId"`
	BookingID  uuid.UUID       `json:"bookingId"`
	PaymentID  uuid.UUID       `json:"paymentId"`
	Amount     decimal.Decimal `json:"amount"`
	Message    string          `json:"message"`
	OccurredAt time.Time       `json:"occurredAt"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier only logs notifications. It is used when no broker is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) {
	l.Logger.InfoContext(ctx, "Notification", "type", n.Type, "userId", n.UserID, "bookingId", n.BookingID, "message", n.Message)
}
