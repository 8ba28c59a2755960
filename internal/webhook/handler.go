package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"escrow-service/internal/gateway"
	"github.com/VictoriaMetrics/metrics"
)

const maxBodyBytes = 1 << 20

// Handler is the HTTP endpoint the gateway posts webhooks to. Anything that
// was recorded is acknowledged with 200. Only transient failures answer 500
// so the gateway redelivers.
type Handler struct {
	processor *Processor
	secret    string
	logger    *slog.Logger
}

func NewHandler(processor *Processor, secret string, logger *slog.Logger) *Handler {
	if secret == "" {
		logger.Warn("Webhook secret not configured, signatures will not be verified")
	}
	return &Handler{processor: processor, secret: secret, logger: logger}
}

type response struct {
	Status string `json:"status"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.WarnContext(ctx, "Error reading webhook body", "error", err)
		writeJSON(w, http.StatusBadRequest, response{Status: "unreadable"})
		return
	}

	if h.secret != "" {
		if err := gateway.VerifySignature(h.secret, body, r.Header.Get(gateway.SignatureHeader)); err != nil {
			metrics.GetOrCreateCounter(`webhook_signature_rejections_total`).Inc()
			h.logger.WarnContext(ctx, "Webhook signature rejected", "remoteAddr", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, response{Status: "invalid signature"})
			return
		}
	} else {
		h.logger.WarnContext(ctx, "Accepting unsigned webhook")
	}

	result, err := h.processor.Handle(ctx, body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Status: string(result)})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: string(result)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
