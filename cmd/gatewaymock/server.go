package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"escrow-service/internal/gateway"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const contentType = "application/json"

type options struct {
	// TransferFailRate is the share of transfers that end failed.
	TransferFailRate float64
	// SettleDelay is how long a transfer stays pending before its webhook.
	SettleDelay   time.Duration
	WebhookURL    string
	WebhookSecret string
}

type charge struct {
	Reference string
	Amount    int64
	Email     string
	Status    string
	PaidAt    *time.Time
}

type transfer struct {
	Reference    string
	TransferCode string
	Amount       int64
	Recipient    string
	Status       string
	Reason       string
}

// server imitates the parts of the Paystack API the escrow service uses.
type server struct {
	opts   options
	client *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	charges   map[string]*charge
	transfers map[string]*transfer
	// webhooks tracks deliveries in flight so tests can wait for them
	webhooks sync.WaitGroup
}

func newServer(opts options, logger *slog.Logger) *server {
	return &server{
		opts:      opts,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger,
		charges:   map[string]*charge{},
		transfers: map[string]*transfer{},
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(loggingMiddleware(s.logger))

	r.Post("/transaction/initialize", s.initialize)
	r.Get("/transaction/verify/{reference}", s.verifyTransaction)
	r.Post("/transferrecipient", s.createRecipient)
	r.Post("/transfer", s.createTransfer)
	r.Get("/transfer/verify/{reference}", s.verifyTransfer)
	r.Post("/refund", s.refund)

	// stands in for the hosted checkout page: visiting it pays the charge
	r.Get("/checkout/{reference}", s.checkout)
	return r
}

type envelope struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func reply(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Status: status < 400, Message: message, Data: data})
}

func (s *server) initialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email     string `json:"email"`
		Amount    int64  `json:"amount"`
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" || req.Amount <= 0 {
		reply(w, http.StatusBadRequest, "Invalid transaction parameters", nil)
		return
	}

	s.mu.Lock()
	if _, ok := s.charges[req.Reference]; ok {
		s.mu.Unlock()
		reply(w, http.StatusBadRequest, "Duplicate Transaction Reference", nil)
		return
	}
	s.charges[req.Reference] = &charge{Reference: req.Reference, Amount: req.Amount, Email: req.Email, Status: "ongoing"}
	s.mu.Unlock()

	reply(w, http.StatusOK, "Authorization URL created", map[string]string{
		"authorization_url": "http://" + r.Host + "/checkout/" + req.Reference,
		"access_code":       uuid.NewString(),
		"reference":         req.Reference,
	})
}

func (s *server) checkout(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	s.mu.Lock()
	c, ok := s.charges[reference]
	var data map[string]any
	if ok {
		if c.Status != "success" {
			now := time.Now().UTC()
			c.Status, c.PaidAt = "success", &now
		}
		data = chargeData(c)
	}
	s.mu.Unlock()
	if !ok {
		reply(w, http.StatusNotFound, "Transaction reference not found", nil)
		return
	}

	s.sendWebhook("charge.success", data)
	reply(w, http.StatusOK, "Payment successful", data)
}

func chargeData(c *charge) map[string]any {
	data := map[string]any{
		"reference":        c.Reference,
		"amount":           c.Amount,
		"status":           c.Status,
		"currency":         "ZAR",
		"gateway_response": "Approved",
	}
	if c.PaidAt != nil {
		data["paid_at"] = c.PaidAt.Format(time.RFC3339)
	}
	return data
}

func (s *server) verifyTransaction(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.charges[chi.URLParam(r, "reference")]
	var data map[string]any
	if ok {
		data = chargeData(c)
	}
	s.mu.Unlock()
	if !ok {
		reply(w, http.StatusNotFound, "Transaction reference not found", nil)
		return
	}
	reply(w, http.StatusOK, "Verification successful", data)
}

func (s *server) createRecipient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountNumber string `json:"account_number"`
		BankCode      string `json:"bank_code"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reply(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	// ten digit account numbers resolve, anything else does not
	if len(req.AccountNumber) != 10 || req.BankCode == "" || strings.Trim(req.AccountNumber, "0123456789") != "" {
		reply(w, http.StatusUnprocessableEntity, "Cannot resolve account", nil)
		return
	}
	reply(w, http.StatusCreated, "Transfer recipient created successfully", map[string]any{
		"recipient_code": "RCP_" + req.BankCode + req.AccountNumber,
		"name":           req.Name,
	})
}

func (s *server) createTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount    int64  `json:"amount"`
		Recipient string `json:"recipient"`
		Reference string `json:"reference"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" || req.Recipient == "" {
		reply(w, http.StatusBadRequest, "Invalid transfer parameters", nil)
		return
	}

	s.mu.Lock()
	t, ok := s.transfers[req.Reference]
	if !ok {
		t = &transfer{
			Reference:    req.Reference,
			TransferCode: "TRF_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
			Amount:       req.Amount,
			Recipient:    req.Recipient,
			Status:       "pending",
			Reason:       req.Reason,
		}
		s.transfers[req.Reference] = t
	}
	data := transferData(t)
	s.mu.Unlock()

	if !ok {
		s.settleLater(t.Reference)
	}
	reply(w, http.StatusOK, "Transfer has been queued", data)
}

// settleLater decides the transfer's outcome after SettleDelay and reports it
// by webhook.
func (s *server) settleLater(reference string) {
	s.webhooks.Add(1)
	time.AfterFunc(s.opts.SettleDelay, func() {
		defer s.webhooks.Done()

		s.mu.Lock()
		t := s.transfers[reference]
		event := "transfer.success"
		t.Status = "success"
		if rand.Float64() < s.opts.TransferFailRate {
			event, t.Status, t.Reason = "transfer.failed", "failed", "Account could not be credited"
		}
		data := transferData(t)
		s.mu.Unlock()

		s.deliver(event, data)
	})
}

func transferData(t *transfer) map[string]any {
	return map[string]any{
		"reference":     t.Reference,
		"transfer_code": t.TransferCode,
		"amount":        t.Amount,
		"status":        t.Status,
		"reason":        t.Reason,
	}
}

func (s *server) verifyTransfer(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	t, ok := s.transfers[chi.URLParam(r, "reference")]
	var data map[string]any
	if ok {
		data = transferData(t)
	}
	s.mu.Unlock()
	if !ok {
		reply(w, http.StatusNotFound, "Transfer not found", nil)
		return
	}
	reply(w, http.StatusOK, "Transfer retrieved", data)
}

func (s *server) refund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transaction string `json:"transaction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reply(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	s.mu.Lock()
	c, ok := s.charges[req.Transaction]
	paid := ok && c.Status == "success"
	s.mu.Unlock()
	if !paid {
		reply(w, http.StatusBadRequest, "Transaction has not been paid", nil)
		return
	}
	reply(w, http.StatusOK, "Refund has been queued for processing", map[string]any{
		"status":      "pending",
		"amount":      c.Amount,
		"transaction": map[string]string{"reference": c.Reference},
	})
}

func (s *server) sendWebhook(event string, data map[string]any) {
	s.webhooks.Add(1)
	go func() {
		defer s.webhooks.Done()
		s.deliver(event, data)
	}()
}

func (s *server) deliver(event string, data map[string]any) {
	if s.opts.WebhookURL == "" {
		return
	}
	body, _ := json.Marshal(map[string]any{"event": event, "data": data})

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.opts.WebhookURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("Error creating webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", contentType)
	if s.opts.WebhookSecret != "" {
		req.Header.Set(gateway.SignatureHeader, gateway.Sign(s.opts.WebhookSecret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("Error delivering webhook", "event", event, "error", err)
		return
	}
	defer resp.Body.Close()
	s.logger.Info("Webhook delivered", "event", event, "status", resp.StatusCode, "reference", fmt.Sprint(data["reference"]))
}
