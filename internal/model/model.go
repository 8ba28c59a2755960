package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Booking struct {
	ID          uuid.UUID       `json:"id"`
	ClientID    uuid.UUID       `json:"clientId"`
	ProviderID  uuid.UUID       `json:"providerId"`
	ClientEmail string          `json:"clientEmail"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	Address     string          `json:"address"`
	Status      BookingStatus   `json:"status"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type Payment struct {
	ID               uuid.UUID           `json:"id"`
	BookingID        uuid.UUID           `json:"bookingId"`
	Method           PaymentMethod       `json:"method"`
	TotalAmount      decimal.Decimal     `json:"totalAmount"`
	EscrowAmount     decimal.NullDecimal `json:"escrowAmount"`
	PlatformFee      decimal.NullDecimal `json:"platformFee"`
	Status           PaymentStatus       `json:"status"`
	Reference        *string             `json:"reference,omitempty"`
	AuthorizationURL *string             `json:"authorizationUrl,omitempty"`
	PaidAt           *time.Time          `json:"paidAt,omitempty"`
	LastError        *string             `json:"lastError,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// HasBreakdown reports whether escrow amount and platform fee were persisted.
func (p *Payment) HasBreakdown() bool {
	return p.EscrowAmount.Valid && p.PlatformFee.Valid
}

// BreakdownConsistent reports whether escrow amount + platform fee == total.
func (p *Payment) BreakdownConsistent() bool {
	return p.HasBreakdown() && p.EscrowAmount.Decimal.Add(p.PlatformFee.Decimal).Equal(p.TotalAmount)
}

func (p *Payment) ReferenceValue() string {
	if p.Reference == nil {
		return ""
	}
	return *p.Reference
}

type Payout struct {
	ID            uuid.UUID       `json:"id"`
	PaymentID     uuid.UUID       `json:"paymentId"`
	ProviderID    uuid.UUID       `json:"providerId"`
	Amount        decimal.Decimal `json:"amount"`
	RecipientCode string          `json:"recipientCode"`
	Reference     string          `json:"reference"`
	TransferCode  *string         `json:"transferCode,omitempty"`
	Status        PayoutStatus    `json:"status"`
	FailureReason *string         `json:"failureReason,omitempty"`
	Attempt       int             `json:"attempt"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

type WebhookEvent struct {
	ID          uuid.UUID  `json:"id"`
	EventType   string     `json:"eventType"`
	Reference   string     `json:"reference"`
	Payload     string     `json:"payload"`
	Processed   bool       `json:"processed"`
	RetryCount  int        `json:"retryCount"`
	Error       *string    `json:"error,omitempty"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

type BankAccount struct {
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
}

func (a BankAccount) Empty() bool {
	return a.BankCode == "" && a.AccountNumber == "" && a.AccountName == ""
}

// Fingerprint identifies the bank details a recipient code was validated against.
func (a BankAccount) Fingerprint() string {
	sum := sha256.Sum256([]byte(a.BankCode + "|" + a.AccountNumber + "|" + a.AccountName))
	return hex.EncodeToString(sum[:])
}

type Provider struct {
	ID                   uuid.UUID   `json:"id"`
	Email                string      `json:"email"`
	Bank                 BankAccount `json:"bank"`
	RecipientCode        *string     `json:"recipientCode,omitempty"`
	RecipientFingerprint *string     `json:"-"`
	RecipientValidatedAt *time.Time  `json:"recipientValidatedAt,omitempty"`
	UpdatedAt            time.Time   `json:"updatedAt"`
}

// TrustedRecipient returns the recipient code only while the bank details it
// was created for are unchanged.
func (p *Provider) TrustedRecipient() (string, bool) {
	if p.RecipientCode == nil || *p.RecipientCode == "" || p.RecipientFingerprint == nil {
		return "", false
	}
	if *p.RecipientFingerprint != p.Bank.Fingerprint() {
		return "", false
	}
	return *p.RecipientCode, true
}
