// Package gateway is the only code allowed to talk to the payment gateway.
// Every error it returns is translated into the apperrors taxonomy.
package gateway

import (
	"context"
	"time"

	"escrow-service/internal/model"
	"github.com/shopspring/decimal"
)

type Gateway interface {
	InitializeCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	// VerifyTransaction is side-effect free at the gateway and may be called repeatedly.
	VerifyTransaction(ctx context.Context, reference string) (*Transaction, error)
	CreateRecipient(ctx context.Context, account model.BankAccount) (string, error)
	// CreateTransfer is never retried automatically. ErrGatewayUnavailable
	// from it means the outcome is unknown.
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	VerifyTransfer(ctx context.Context, reference string) (*Transfer, error)
	Refund(ctx context.Context, reference string) (*Refund, error)
}

type ChargeRequest struct {
	Amount      decimal.Decimal
	Email       string
	CallbackURL string
	Reference   string
	Metadata    map[string]string
}

type Charge struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

type TransactionStatus string

const (
	TransactionSuccess    TransactionStatus = "success"
	TransactionFailed     TransactionStatus = "failed"
	TransactionAbandoned  TransactionStatus = "abandoned"
	TransactionReversed   TransactionStatus = "reversed"
	TransactionPending    TransactionStatus = "pending"
	TransactionOngoing    TransactionStatus = "ongoing"
	TransactionProcessing TransactionStatus = "processing"
	TransactionQueued     TransactionStatus = "queued"
)

// Final reports whether the charge can no longer change outcome.
func (s TransactionStatus) Final() bool {
	switch s {
	case TransactionSuccess, TransactionFailed, TransactionAbandoned, TransactionReversed:
		return true
	}
	return false
}

type Transaction struct {
	Reference   string
	Status      TransactionStatus
	Amount      decimal.Decimal
	Currency    string
	PaidAt      *time.Time
	Message     string
	RawResponse []byte
}

type TransferRequest struct {
	RecipientCode string
	Amount        decimal.Decimal
	Reason        string
	Reference     string
}

type TransferStatus string

const (
	TransferSuccess  TransferStatus = "success"
	TransferFailed   TransferStatus = "failed"
	TransferReversed TransferStatus = "reversed"
	TransferPending  TransferStatus = "pending"
	TransferOTP      TransferStatus = "otp"
	TransferReceived TransferStatus = "received"
	TransferQueued   TransferStatus = "queued"
	TransferBlocked  TransferStatus = "blocked"
	TransferRejected TransferStatus = "rejected"
	TransferAbandon  TransferStatus = "abandoned"
)

// Outcome folds the gateway's transfer status into succeeded, failed or still open.
func (s TransferStatus) Outcome() TransferOutcome {
	switch s {
	case TransferSuccess:
		return TransferOutcomeSucceeded
	case TransferFailed, TransferReversed, TransferBlocked, TransferRejected, TransferAbandon:
		return TransferOutcomeFailed
	default:
		return TransferOutcomeOpen
	}
}

type TransferOutcome int

const (
	TransferOutcomeOpen TransferOutcome = iota
	TransferOutcomeSucceeded
	TransferOutcomeFailed
)

type Transfer struct {
	Reference    string
	TransferCode string
	Status       TransferStatus
	Amount       decimal.Decimal
	Reason       string
}

type Refund struct {
	Reference string
	Status    string
	Amount    decimal.Decimal
}

// ToMinor converts an amount to the gateway's integer minor units.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func FromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
