package webhook

import (
	"context"
	"fmt"
	"testing"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/escrow"
	"escrow-service/internal/gateway"
	"escrow-service/internal/model"
	"escrow-service/internal/notify"
	"escrow-service/internal/store"
	"escrow-service/internal/store/memstore"
	"escrow-service/internal/testhelpers"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the next n transactions.
type flakyStore struct {
	*memstore.Store
	failures int
}

func (s *flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset by peer")
	}
	return s.Store.InTx(ctx, fn)
}

type fixture struct {
	ctx     context.Context
	store   *flakyStore
	svc     *escrow.Service
	notes   *testhelpers.Recorder
	sut     *Processor
	booking model.Booking
	payment *model.Payment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := &flakyStore{Store: memstore.New()}
	b := testhelpers.NewBooking(model.BookingConfirmed, "150.00")
	st.PutBooking(b)
	st.PutProvider(testhelpers.TrustedProvider(b.ProviderID))

	notes := &testhelpers.Recorder{}
	svc := escrow.NewService(st, testhelpers.NewFakeGateway(), notes, escrow.Options{FeeRate: decimal.RequireFromString("0.10")}, testhelpers.DiscardLogger())
	p, err := svc.InitiatePayment(ctx, b.ID, b.ClientID, model.MethodCard)
	require.NoError(t, err)

	return &fixture{
		ctx:     ctx,
		store:   st,
		svc:     svc,
		notes:   notes,
		sut:     NewProcessor(st, svc, testhelpers.DiscardLogger()),
		booking: b,
		payment: p,
	}
}

func chargeSuccess(reference string, kobo int64) []byte {
	return []byte(fmt.Sprintf(`{"event":"charge.success","data":{"reference":%q,"amount":%d,"status":"success","paid_at":"2024-05-01T10:00:00.000Z"}}`, reference, kobo))
}

func (f *fixture) storedPayment(t *testing.T) *model.Payment {
	p, err := f.store.GetPaymentByBooking(f.ctx, f.booking.ID)
	require.NoError(t, err)
	return p
}

func TestChargeSuccessMovesPaymentToEscrow(t *testing.T) {
	f := newFixture(t)

	result, err := f.sut.Handle(f.ctx, chargeSuccess(f.payment.ReferenceValue(), 15000))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, result)

	p := f.storedPayment(t)
	assert.Equal(t, model.PaymentEscrow, p.Status)
	require.NotNil(t, p.PaidAt)
	assert.Equal(t, 2024, p.PaidAt.Year())

	events := f.store.WebhookEvents()
	require.Len(t, events, 1)
	assert.True(t, events[0].Processed)
	assert.Equal(t, "charge.success", events[0].EventType)
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	body := chargeSuccess(f.payment.ReferenceValue(), 15000)

	_, err := f.sut.Handle(f.ctx, body)
	require.NoError(t, err)
	result, err := f.sut.Handle(f.ctx, body)
	require.NoError(t, err)

	assert.Equal(t, ResultDuplicate, result)
	assert.Len(t, f.store.WebhookEvents(), 1)
	assert.Len(t, f.notes.Of(notify.PaymentReceived, f.booking.ClientID), 1)
}

func TestMalformedBodyIsRecorded(t *testing.T) {
	f := newFixture(t)

	result, err := f.sut.Handle(f.ctx, []byte(`{"event":"charge.success","data":`))
	require.NoError(t, err)
	assert.Equal(t, ResultMalformed, result)

	result, err = f.sut.Handle(f.ctx, []byte(`{"event":"charge.success","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, ResultMalformed, result)

	events := f.store.WebhookEvents()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.False(t, e.Processed)
		assert.NotNil(t, e.Error)
		assert.Len(t, e.Reference, 64)
	}
	assert.Equal(t, model.PaymentPending, f.storedPayment(t).Status)
}

func TestUnknownReferenceIsKeptForReplay(t *testing.T) {
	f := newFixture(t)

	result, err := f.sut.Handle(f.ctx, chargeSuccess("pay_unknown", 15000))
	require.NoError(t, err)
	assert.Equal(t, ResultUnmatched, result)

	events := f.store.WebhookEvents()
	require.Len(t, events, 1)
	assert.False(t, events[0].Processed)
	assert.Contains(t, *events[0].Error, "pay_unknown")

	result, err = f.sut.Replay(f.ctx, &events[0])
	require.NoError(t, err)
	assert.Equal(t, ResultUnmatched, result)
	assert.Equal(t, 1, f.store.WebhookEvents()[0].RetryCount)
}

func TestUnhandledEventIsMarkedProcessed(t *testing.T) {
	f := newFixture(t)

	body := []byte(fmt.Sprintf(`{"event":"subscription.create","data":{"reference":%q}}`, f.payment.ReferenceValue()))
	result, err := f.sut.Handle(f.ctx, body)
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, result)
	assert.True(t, f.store.WebhookEvents()[0].Processed)
	assert.Equal(t, model.PaymentPending, f.storedPayment(t).Status)
}

func TestTransientFailureIncrementsRetry(t *testing.T) {
	f := newFixture(t)
	body := chargeSuccess(f.payment.ReferenceValue(), 15000)

	f.store.failures = 1
	result, err := f.sut.Handle(f.ctx, body)
	assert.Error(t, err)
	assert.Equal(t, ResultFailed, result)

	events := f.store.WebhookEvents()
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].RetryCount)
	assert.False(t, events[0].Processed)
	assert.Equal(t, model.PaymentPending, f.storedPayment(t).Status)

	// the gateway redelivers
	result, err = f.sut.Handle(f.ctx, body)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, result)
	assert.Equal(t, model.PaymentEscrow, f.storedPayment(t).Status)
}

func TestReplayAppliesStoredEvent(t *testing.T) {
	f := newFixture(t)
	body := chargeSuccess(f.payment.ReferenceValue(), 15000)
	f.store.failures = 1
	_, err := f.sut.Handle(f.ctx, body)
	require.Error(t, err)

	event := f.store.WebhookEvents()[0]
	result, err := f.sut.Replay(f.ctx, &event)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, result)
	assert.Equal(t, model.PaymentEscrow, f.storedPayment(t).Status)
	assert.True(t, f.store.WebhookEvents()[0].Processed)
}

func TestAmountMismatchIsProcessedWithError(t *testing.T) {
	f := newFixture(t)

	result, err := f.sut.Handle(f.ctx, chargeSuccess(f.payment.ReferenceValue(), 100))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, result)

	p := f.storedPayment(t)
	assert.Equal(t, model.PaymentPending, p.Status)
	require.NotNil(t, p.LastError)

	events := f.store.WebhookEvents()
	assert.True(t, events[0].Processed)
	assert.NotNil(t, events[0].Error)
}

func TestTransferEventsSettlePayout(t *testing.T) {
	f := newFixture(t)
	_, err := f.sut.Handle(f.ctx, chargeSuccess(f.payment.ReferenceValue(), 15000))
	require.NoError(t, err)

	b := f.booking
	b.Status = model.BookingAwaitingConfirmation
	f.store.PutBooking(b)

	gw := testhelpers.NewFakeGateway()
	gw.CreateTransferFunc = func(context.Context, gateway.TransferRequest) (*gateway.Transfer, error) {
		return nil, errors.Wrap(apperrors.ErrGatewayUnavailable, "timeout")
	}
	svc := escrow.NewService(f.store, gw, f.notes, escrow.Options{FeeRate: decimal.RequireFromString("0.10")}, testhelpers.DiscardLogger())
	out, err := svc.ReleaseEscrow(f.ctx, b.ID, b.ClientID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentProcessingRelease, out.Payment.Status)

	body := []byte(fmt.Sprintf(`{"event":"transfer.failed","data":{"reference":%q,"transfer_code":"TRF_1","reason":"Account closed"}}`, out.Payout.Reference))
	result, err := f.sut.Handle(f.ctx, body)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, result)

	p := f.storedPayment(t)
	assert.Equal(t, model.PaymentEscrow, p.Status)
	assert.Contains(t, *p.LastError, "Account closed")
	assert.Len(t, f.notes.Of(notify.PayoutFailed, b.ProviderID), 1)
}
