package testhelpers

import (
	"context"
	"sync"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/gateway"
	"escrow-service/internal/model"
	"github.com/pkg/errors"
)

// FakeGateway is an in-process gateway.Gateway. Each operation can be
// overridden through its Func field. The defaults behave like a healthy
// gateway where every charge is still pending and no transfer is known.
type FakeGateway struct {
	InitializeChargeFunc  func(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error)
	VerifyTransactionFunc func(ctx context.Context, reference string) (*gateway.Transaction, error)
	CreateRecipientFunc   func(ctx context.Context, account model.BankAccount) (string, error)
	CreateTransferFunc    func(ctx context.Context, req gateway.TransferRequest) (*gateway.Transfer, error)
	VerifyTransferFunc    func(ctx context.Context, reference string) (*gateway.Transfer, error)
	RefundFunc            func(ctx context.Context, reference string) (*gateway.Refund, error)

	mu        sync.Mutex
	calls     map[string]int
	transfers []gateway.TransferRequest
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{calls: map[string]int{}}
}

func (f *FakeGateway) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

// Calls returns how many times op was invoked.
func (f *FakeGateway) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FakeGateway) TransferRequests() []gateway.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.TransferRequest(nil), f.transfers...)
}

func (f *FakeGateway) InitializeCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	f.record("InitializeCharge")
	if f.InitializeChargeFunc != nil {
		return f.InitializeChargeFunc(ctx, req)
	}
	return &gateway.Charge{
		AuthorizationURL: "https://checkout.paystack.test/" + req.Reference,
		AccessCode:       "ac_" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (f *FakeGateway) VerifyTransaction(ctx context.Context, reference string) (*gateway.Transaction, error) {
	f.record("VerifyTransaction")
	if f.VerifyTransactionFunc != nil {
		return f.VerifyTransactionFunc(ctx, reference)
	}
	return &gateway.Transaction{Reference: reference, Status: gateway.TransactionPending}, nil
}

func (f *FakeGateway) CreateRecipient(ctx context.Context, account model.BankAccount) (string, error) {
	f.record("CreateRecipient")
	if f.CreateRecipientFunc != nil {
		return f.CreateRecipientFunc(ctx, account)
	}
	return "RCP_" + account.AccountNumber, nil
}

func (f *FakeGateway) CreateTransfer(ctx context.Context, req gateway.TransferRequest) (*gateway.Transfer, error) {
	f.record("CreateTransfer")
	f.mu.Lock()
	f.transfers = append(f.transfers, req)
	f.mu.Unlock()
	if f.CreateTransferFunc != nil {
		return f.CreateTransferFunc(ctx, req)
	}
	return &gateway.Transfer{
		Reference:    req.Reference,
		TransferCode: "TRF_" + req.Reference,
		Status:       gateway.TransferSuccess,
		Amount:       req.Amount,
	}, nil
}

func (f *FakeGateway) VerifyTransfer(ctx context.Context, reference string) (*gateway.Transfer, error) {
	f.record("VerifyTransfer")
	if f.VerifyTransferFunc != nil {
		return f.VerifyTransferFunc(ctx, reference)
	}
	return nil, errors.Wrapf(apperrors.ErrNotFound, "transfer %s", reference)
}

func (f *FakeGateway) Refund(ctx context.Context, reference string) (*gateway.Refund, error) {
	f.record("Refund")
	if f.RefundFunc != nil {
		return f.RefundFunc(ctx, reference)
	}
	return &gateway.Refund{Reference: reference, Status: "processed"}, nil
}

// SucceededTransaction is a verified successful charge of amount.
func SucceededTransaction(reference string, tr gateway.Transaction) *gateway.Transaction {
	paidAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tr.Reference = reference
	tr.Status = gateway.TransactionSuccess
	tr.PaidAt = &paidAt
	return &tr
}
