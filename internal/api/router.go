// Package api is the HTTP surface of the escrow service.
package api

import (
	"log/slog"
	"net/http"

	"escrow-service/internal/escrow"
	"escrow-service/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Deps struct {
	Escrow     *escrow.Service
	Webhooks   http.Handler
	Reconciler Reconciler
	AdminToken string
	Logger     *slog.Logger
}

// NewRouter creates the chi router with all routes mounted.
func NewRouter(deps Deps) http.Handler {
	h := &Handlers{
		escrow:     deps.Escrow,
		reconciler: deps.Reconciler,
		logger:     deps.Logger,
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestContext)
	r.Use(loggingMiddleware(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Method(http.MethodPost, "/webhooks/paystack", deps.Webhooks)

	r.Route("/api/v1", func(r chi.Router) {
		// reached by the client's browser after checkout, no actor header
		r.Get("/payments/verify/{reference}", h.VerifyPayment)

		r.Group(func(r chi.Router) {
			r.Use(requireActor)

			r.Route("/bookings/{bookingID}", func(r chi.Router) {
				r.Post("/payments", h.InitiatePayment)
				r.Get("/payment", h.GetPayment)
				r.Post("/release", h.ReleaseEscrow)
				r.Post("/refund", h.RefundPayment)
				r.Post("/cash/paid", h.MarkCashPaid)
				r.Post("/cash/received", h.ConfirmCashReceived)
			})

			r.Put("/providers/{providerID}/bank-details", h.SaveBankDetails)
		})
	})

	r.With(requireAdmin(deps.AdminToken)).Post("/admin/reconcile", h.Reconcile)

	return r
}
