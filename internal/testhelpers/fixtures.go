package testhelpers

import (
	"io"
	"log/slog"
	"time"

	"escrow-service/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var TestBank = model.BankAccount{BankCode: "058", AccountNumber: "0123456789", AccountName: "Thandi Mokoena"}

// NewBooking returns a booking with fresh client and provider ids.
func NewBooking(status model.BookingStatus, total string) model.Booking {
	return model.Booking{
		ID:          uuid.New(),
		ClientID:    uuid.New(),
		ProviderID:  uuid.New(),
		ClientEmail: "client@example.com",
		ScheduledAt: time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
		Address:     "12 Long Street, Cape Town",
		Status:      status,
		TotalAmount: decimal.RequireFromString(total),
	}
}

// TrustedProvider returns a provider whose recipient code matches its bank details.
func TrustedProvider(id uuid.UUID) model.Provider {
	code := "RCP_" + TestBank.AccountNumber
	fp := TestBank.Fingerprint()
	validated := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	return model.Provider{
		ID:                   id,
		Email:                "provider@example.com",
		Bank:                 TestBank,
		RecipientCode:        &code,
		RecipientFingerprint: &fp,
		RecipientValidatedAt: &validated,
	}
}
