package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/escrow"
	"escrow-service/internal/model"
	"escrow-service/internal/reconcile"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const maxBodyBytes = 64 << 10

// Reconciler is satisfied by *reconcile.Reconciler.
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconcile.Result, error)
}

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	escrow     *escrow.Service
	reconciler Reconciler
	logger     *slog.Logger
}

type paymentResponse struct {
	Payment          *model.Payment `json:"payment"`
	AuthorizationURL string         `json:"authorizationUrl,omitempty"`
	// Processing is true while the outcome is still being confirmed with the gateway.
	Processing bool   `json:"processing"`
	Guidance   string `json:"guidance,omitempty"`
}

func newPaymentResponse(p *model.Payment) paymentResponse {
	resp := paymentResponse{Payment: p}
	switch p.Status {
	case model.PaymentPending:
		if p.AuthorizationURL != nil {
			resp.AuthorizationURL = *p.AuthorizationURL
		}
		resp.Processing = true
	case model.PaymentProcessingRelease:
		resp.Processing = true
	}
	return resp
}

type releaseResponse struct {
	Status  model.PaymentStatus `json:"status"`
	Payment *model.Payment      `json:"payment"`
	Payout  *model.Payout       `json:"payout,omitempty"`
	Error   string              `json:"error,omitempty"`
	// Guidance tells the client what to do next when funds stayed in escrow.
	Guidance string `json:"guidance,omitempty"`
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errors.Wrapf(apperrors.ErrInvalidRequest, "invalid %s", name)
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errors.Wrap(apperrors.ErrInvalidRequest, "invalid request body: "+err.Error())
	}
	return nil
}

type initiateRequest struct {
	Method string `json:"method"`
}

func (h *Handlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	bookingID, err := pathUUID(r, "bookingID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req initiateRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	method, err := model.ParsePaymentMethod(req.Method)
	if err != nil {
		h.writeError(w, r, errors.Wrap(apperrors.ErrInvalidRequest, err.Error()))
		return
	}

	p, err := h.escrow.InitiatePayment(r.Context(), bookingID, actorFrom(r.Context()), method)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPaymentResponse(p))
}

func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	bookingID, err := pathUUID(r, "bookingID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.escrow.GetPayment(r.Context(), bookingID, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPaymentResponse(p))
}

// VerifyPayment is where the client lands after the gateway's checkout page.
func (h *Handlers) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	p, err := h.escrow.VerifyPayment(r.Context(), reference, escrow.SourceSync)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := newPaymentResponse(p)
	status := http.StatusOK
	if resp.Processing {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	bookingID, err := pathUUID(r, "bookingID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.escrow.ReleaseEscrow(r.Context(), bookingID, actorFrom(r.Context()))
	if err != nil && !(out != nil && errors.Is(err, apperrors.ErrReleaseFailed)) {
		h.writeError(w, r, err)
		return
	}

	resp := releaseResponse{Status: out.Payment.Status, Payment: out.Payment, Payout: out.Payout}
	switch {
	case err != nil:
		h.logger.WarnContext(r.Context(), "Release failed, funds remain in escrow", "bookingId", bookingID, "error", err)
		resp.Error = err.Error()
		resp.Guidance = apperrors.Guidance(err)
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case out.Payment.Status == model.PaymentProcessingRelease:
		resp.Guidance = apperrors.Guidance(apperrors.ErrGatewayUnavailable)
		writeJSON(w, http.StatusAccepted, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handlers) RefundPayment(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, h.escrow.RefundPayment)
}

func (h *Handlers) MarkCashPaid(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, h.escrow.MarkCashPaid)
}

func (h *Handlers) ConfirmCashReceived(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, h.escrow.ConfirmCashReceived)
}

func (h *Handlers) paymentAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, bookingID, actorID uuid.UUID) (*model.Payment, error)) {
	bookingID, err := pathUUID(r, "bookingID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := action(r.Context(), bookingID, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPaymentResponse(p))
}

func (h *Handlers) SaveBankDetails(w http.ResponseWriter, r *http.Request) {
	providerID, err := pathUUID(r, "providerID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var account model.BankAccount
	if err := decodeBody(w, r, &account); err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.escrow.SaveBankDetails(r.Context(), providerID, actorFrom(r.Context()), account)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
