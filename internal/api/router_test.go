package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/escrow"
	"escrow-service/internal/gateway"
	"escrow-service/internal/model"
	"escrow-service/internal/reconcile"
	"escrow-service/internal/store/memstore"
	"escrow-service/internal/testhelpers"
	"escrow-service/internal/webhook"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "s3cret"

type stubReconciler struct {
	runs int
}

func (s *stubReconciler) RunOnce(context.Context) (*reconcile.Result, error) {
	s.runs++
	return &reconcile.Result{RunID: "run-1", ChargesResolved: 2}, nil
}

type fixture struct {
	store      *memstore.Store
	gw         *testhelpers.FakeGateway
	reconciler *stubReconciler
	router     http.Handler
	booking    model.Booking
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	gw := testhelpers.NewFakeGateway()
	logger := testhelpers.DiscardLogger()

	b := testhelpers.NewBooking(model.BookingConfirmed, "150.00")
	st.PutBooking(b)
	st.PutProvider(testhelpers.TrustedProvider(b.ProviderID))

	svc := escrow.NewService(st, gw, &testhelpers.Recorder{}, escrow.Options{FeeRate: decimal.RequireFromString("0.10")}, logger)
	rec := &stubReconciler{}
	router := NewRouter(Deps{
		Escrow:     svc,
		Webhooks:   webhook.NewHandler(webhook.NewProcessor(st, svc, logger), "", logger),
		Reconciler: rec,
		AdminToken: adminToken,
		Logger:     logger,
	})
	return &fixture{store: st, gw: gw, reconciler: rec, router: router, booking: b}
}

func (f *fixture) do(method, path string, actor uuid.UUID, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != uuid.Nil {
		req.Header.Set(userIDHeader, actor.String())
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) bookingPath(suffix string) string {
	return "/api/v1/bookings/" + f.booking.ID.String() + suffix
}

func (f *fixture) setBookingStatus(status model.BookingStatus) {
	f.booking.Status = status
	f.store.PutBooking(f.booking)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// escrowed pays for the booking by card and marks the job done.
func (f *fixture) escrowed(t *testing.T) {
	t.Helper()
	rec := f.do(http.MethodPost, f.bookingPath("/payments"), f.booking.ClientID, map[string]string{"method": "card"})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[paymentResponse](t, rec)

	total := f.booking.TotalAmount
	f.gw.VerifyTransactionFunc = func(_ context.Context, reference string) (*gateway.Transaction, error) {
		return testhelpers.SucceededTransaction(reference, gateway.Transaction{Amount: total}), nil
	}
	rec = f.do(http.MethodGet, "/api/v1/payments/verify/"+resp.Payment.ReferenceValue(), uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f.setBookingStatus(model.BookingAwaitingConfirmation)
}

func TestLiveness(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/liveness", uuid.Nil, nil).Code)
}

func TestInitiatePayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, f.bookingPath("/payments"), f.booking.ClientID, map[string]string{"method": "card"})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[paymentResponse](t, rec)
	assert.Equal(t, model.PaymentPending, resp.Payment.Status)
	assert.Contains(t, resp.AuthorizationURL, "https://checkout.paystack.test/pay_")
	assert.True(t, resp.Processing)
	assert.True(t, resp.Payment.BreakdownConsistent())
}

func TestRequestsWithoutActorAreRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, f.bookingPath("/payments"), uuid.Nil, map[string]string{"method": "card"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.gw.Calls("InitializeCharge"))
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, f.bookingPath("/payments"), uuid.New(), map[string]string{"method": "card"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, f.bookingPath("/payments"), f.booking.ClientID, map[string]string{"method": "cheque"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/bookings/not-a-uuid/payment", f.booking.ClientID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/bookings/"+uuid.NewString()+"/payment", f.booking.ClientID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.gw.InitializeChargeFunc = func(context.Context, gateway.ChargeRequest) (*gateway.Charge, error) {
		return nil, errors.Wrap(apperrors.ErrGatewayUnavailable, "503 from gateway")
	}
	rec = f.do(http.MethodPost, f.bookingPath("/payments"), f.booking.ClientID, map[string]string{"method": "card"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, decode[errorResponse](t, rec).Guidance)
}

func TestToErrorResponse(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{errors.Wrap(apperrors.ErrNotFound, "payment"), http.StatusNotFound},
		{&apperrors.StaleTransitionError{Current: "RELEASED", Action: "release payment"}, http.StatusConflict},
		{errors.Wrap(apperrors.ErrBookingState, "booking is PENDING"), http.StatusConflict},
		{apperrors.ErrInvalidAccount, http.StatusUnprocessableEntity},
		{apperrors.ErrRecipientUntrusted, http.StatusUnprocessableEntity},
		{apperrors.ErrReleaseFailed, http.StatusUnprocessableEntity},
		{apperrors.ErrInvalidRequest, http.StatusBadRequest},
		{apperrors.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{errors.New("pq: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, resp := toErrorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, resp.Error)
		})
	}

	_, resp := toErrorResponse(errors.New("pq: password authentication failed"))
	assert.Equal(t, "internal error", resp.Error)
	_, resp = toErrorResponse(&apperrors.StaleTransitionError{Current: "RELEASED", Action: "release payment"})
	assert.Equal(t, "RELEASED", resp.CurrentStatus)
}

func TestVerifyPaymentPendingIsAccepted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, f.bookingPath("/payments"), f.booking.ClientID, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	ref := decode[paymentResponse](t, rec).Payment.ReferenceValue()

	rec = f.do(http.MethodGet, "/api/v1/payments/verify/"+ref, uuid.Nil, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decode[paymentResponse](t, rec).Processing)
}

func TestReleaseEscrow(t *testing.T) {
	f := newFixture(t)
	f.escrowed(t)

	rec := f.do(http.MethodPost, f.bookingPath("/release"), f.booking.ClientID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[releaseResponse](t, rec)
	assert.Equal(t, model.PaymentReleased, resp.Status)
	require.NotNil(t, resp.Payout)
	assert.Equal(t, model.PayoutCompleted, resp.Payout.Status)

	rec = f.do(http.MethodPost, f.bookingPath("/release"), f.booking.ClientID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(model.PaymentReleased), decode[errorResponse](t, rec).CurrentStatus)
}

func TestReleaseEscrowUnknownOutcomeIsAccepted(t *testing.T) {
	f := newFixture(t)
	f.escrowed(t)
	f.gw.CreateTransferFunc = func(context.Context, gateway.TransferRequest) (*gateway.Transfer, error) {
		return nil, errors.Wrap(apperrors.ErrGatewayUnavailable, "timeout")
	}

	rec := f.do(http.MethodPost, f.bookingPath("/release"), f.booking.ClientID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, model.PaymentProcessingRelease, decode[releaseResponse](t, rec).Status)
}

func TestReleaseEscrowRejectedTransferKeepsFundsInEscrow(t *testing.T) {
	f := newFixture(t)
	f.escrowed(t)
	f.gw.CreateTransferFunc = func(_ context.Context, req gateway.TransferRequest) (*gateway.Transfer, error) {
		return &gateway.Transfer{Reference: req.Reference, Status: gateway.TransferFailed, Reason: "account closed"}, nil
	}

	rec := f.do(http.MethodPost, f.bookingPath("/release"), f.booking.ClientID, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[releaseResponse](t, rec)
	assert.Equal(t, model.PaymentEscrow, resp.Status)
	assert.NotEmpty(t, resp.Guidance)
	assert.NotEmpty(t, resp.Error)
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	f.escrowed(t)

	rec := f.do(http.MethodPost, f.bookingPath("/refund"), f.booking.ClientID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.setBookingStatus(model.BookingDisputed)
	rec = f.do(http.MethodPost, f.bookingPath("/refund"), f.booking.ClientID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.PaymentRefunded, decode[paymentResponse](t, rec).Payment.Status)
}

func TestCashFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, f.bookingPath("/payments"), f.booking.ClientID, map[string]string{"method": "cash"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, model.PaymentCashPending, decode[paymentResponse](t, rec).Payment.Status)

	rec = f.do(http.MethodPost, f.bookingPath("/cash/received"), f.booking.ProviderID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, f.bookingPath("/cash/paid"), f.booking.ClientID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodPost, f.bookingPath("/cash/received"), f.booking.ProviderID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.PaymentCashReceived, decode[paymentResponse](t, rec).Payment.Status)

	rec = f.do(http.MethodGet, f.bookingPath("/payment"), f.booking.ProviderID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[paymentResponse](t, rec).Processing)
}

func TestSaveBankDetails(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/providers/" + f.booking.ProviderID.String() + "/bank-details"
	account := model.BankAccount{BankCode: "632005", AccountNumber: "4455667788", AccountName: "Sipho Dlamini"}

	rec := f.do(http.MethodPut, path, f.booking.ProviderID, account)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RCP_4455667788", *decode[model.Provider](t, rec).RecipientCode)

	f.gw.CreateRecipientFunc = func(context.Context, model.BankAccount) (string, error) {
		return "", errors.Wrap(apperrors.ErrInvalidAccount, "Cannot resolve account")
	}
	account.AccountNumber = "1"
	rec = f.do(http.MethodPut, path, f.booking.ProviderID, account)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_account", decode[errorResponse](t, rec).Code)
}

func TestAdminReconcile(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/admin/reconcile", uuid.Nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/reconcile", nil)
	req.Header.Set(adminTokenHeader, adminToken)
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, 2, decode[reconcile.Result](t, res).ChargesResolved)
	assert.Equal(t, 1, f.reconciler.runs)
}

func TestWebhookRouteIsMounted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/webhooks/paystack", uuid.Nil, map[string]any{"event": "subscription.create", "data": map[string]any{"reference": "sub_1"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodGet, "/liveness", uuid.Nil, nil)

	rec := f.do(http.MethodGet, "/metrics", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
