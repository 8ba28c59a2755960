package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/config"
	"escrow-service/internal/model"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const (
	defaultTimeoutMs         = 10_000
	defaultTransferTimeoutMs = 20_000
	defaultRetryIntervalMs   = 500
	defaultMaxRetries        = 3
)

type Paystack struct {
	baseURL         string
	secretKey       string
	currency        string
	recipientType   string
	client          *http.Client
	timeout         time.Duration
	transferTimeout time.Duration
	retryInterval   time.Duration
	maxRetries      uint64
	logger          *slog.Logger
}

func NewPaystack(cfg config.Gateway, logger *slog.Logger) *Paystack {
	timeout := time.Duration(orDefault(cfg.TimeoutMs, defaultTimeoutMs)) * time.Millisecond
	transferTimeout := time.Duration(orDefault(cfg.TransferTimeoutMs, defaultTransferTimeoutMs)) * time.Millisecond
	return &Paystack{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:     cfg.SecretKey,
		currency:      cfg.Currency,
		recipientType: cfg.RecipientType,
		// per-call deadlines come from the context in do; the client only
		// backstops the longest of them
		client:          &http.Client{Timeout: max(timeout, transferTimeout)},
		timeout:         timeout,
		transferTimeout: transferTimeout,
		retryInterval:   time.Duration(orDefault(cfg.RetryIntervalMs, defaultRetryIntervalMs)) * time.Millisecond,
		maxRetries:      uint64(orDefault(cfg.MaxRetries, defaultMaxRetries)),
		logger:          logger,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *Paystack) InitializeCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	body := map[string]any{
		"email":        req.Email,
		"amount":       ToMinor(req.Amount),
		"currency":     p.currency,
		"reference":    req.Reference,
		"callback_url": req.CallbackURL,
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if _, err := p.call(ctx, "initialize_charge", http.MethodPost, "/transaction/initialize", body, &data, p.timeout); err != nil {
		return nil, err
	}
	return &Charge{AuthorizationURL: data.AuthorizationURL, AccessCode: data.AccessCode, Reference: data.Reference}, nil
}

func (p *Paystack) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	var data struct {
		Status          string     `json:"status"`
		Reference       string     `json:"reference"`
		Amount          int64      `json:"amount"`
		Currency        string     `json:"currency"`
		PaidAt          *time.Time `json:"paid_at"`
		GatewayResponse string     `json:"gateway_response"`
	}
	var raw []byte
	err := p.retry(ctx, func() error {
		var err error
		raw, err = p.call(ctx, "verify_transaction", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data, p.timeout)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Transaction{
		Reference:   data.Reference,
		Status:      TransactionStatus(strings.ToLower(data.Status)),
		Amount:      FromMinor(data.Amount),
		Currency:    data.Currency,
		PaidAt:      data.PaidAt,
		Message:     data.GatewayResponse,
		RawResponse: raw,
	}, nil
}

func (p *Paystack) CreateRecipient(ctx context.Context, account model.BankAccount) (string, error) {
	body := map[string]any{
		"type":           p.recipientType,
		"name":           account.AccountName,
		"account_number": account.AccountNumber,
		"bank_code":      account.BankCode,
		"currency":       p.currency,
	}
	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	_, err := p.call(ctx, "create_recipient", http.MethodPost, "/transferrecipient", body, &data, p.timeout)
	switch {
	case errors.Is(err, apperrors.ErrInvalidRequest):
		return "", errors.Wrap(apperrors.ErrInvalidAccount, err.Error())
	case err != nil:
		return "", err
	case data.RecipientCode == "":
		return "", errors.Wrap(apperrors.ErrInvalidAccount, "gateway returned no recipient code")
	}
	return data.RecipientCode, nil
}

func (p *Paystack) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	body := map[string]any{
		"source":    "balance",
		"amount":    ToMinor(req.Amount),
		"recipient": req.RecipientCode,
		"reason":    req.Reason,
		"reference": req.Reference,
		"currency":  p.currency,
	}
	var data transferData
	if _, err := p.call(ctx, "create_transfer", http.MethodPost, "/transfer", body, &data, p.transferTimeout); err != nil {
		return nil, err
	}
	return data.toTransfer(), nil
}

func (p *Paystack) VerifyTransfer(ctx context.Context, reference string) (*Transfer, error) {
	var data transferData
	err := p.retry(ctx, func() error {
		_, err := p.call(ctx, "verify_transfer", http.MethodGet, "/transfer/verify/"+url.PathEscape(reference), nil, &data, p.timeout)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data.toTransfer(), nil
}

func (p *Paystack) Refund(ctx context.Context, reference string) (*Refund, error) {
	var data struct {
		Status      string `json:"status"`
		Amount      int64  `json:"amount"`
		Transaction struct {
			Reference string `json:"reference"`
		} `json:"transaction"`
	}
	body := map[string]any{"transaction": reference}
	if _, err := p.call(ctx, "refund", http.MethodPost, "/refund", body, &data, p.timeout); err != nil {
		return nil, err
	}
	return &Refund{Reference: reference, Status: data.Status, Amount: FromMinor(data.Amount)}, nil
}

type transferData struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
}

func (d transferData) toTransfer() *Transfer {
	return &Transfer{
		Reference:    d.Reference,
		TransferCode: d.TransferCode,
		Status:       TransferStatus(strings.ToLower(d.Status)),
		Amount:       FromMinor(d.Amount),
		Reason:       d.Reason,
	}
}

// retry re-runs fn while it fails with ErrGatewayUnavailable. Only use it for
// calls without side effects at the gateway.
func (p *Paystack) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !errors.Is(err, apperrors.ErrGatewayUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (p *Paystack) call(ctx context.Context, op, method, path string, body, out any, timeout time.Duration) ([]byte, error) {
	start := time.Now()
	raw, err := p.do(ctx, method, path, body, out, timeout)
	metrics.GetOrCreateHistogram(fmt.Sprintf(`gateway_request_duration_milliseconds{op=%q}`, op)).
		Update(float64(time.Since(start).Milliseconds()))
	metrics.GetOrCreateCounter(fmt.Sprintf(`gateway_requests_total{op=%q,result=%q}`, op, resultLabel(err))).Inc()

	if err != nil {
		p.logger.WarnContext(ctx, "Gateway call failed", "op", op, "error", err)
		return raw, err
	}
	p.logger.DebugContext(ctx, "Gateway call succeeded", "op", op, "durationMs", time.Since(start).Milliseconds())
	return raw, nil
}

func (p *Paystack) do(ctx context.Context, method, path string, body, out any, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal gateway request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "create gateway request")
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(apperrors.ErrGatewayUnavailable, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(apperrors.ErrGatewayUnavailable, err.Error())
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return raw, errors.Wrapf(apperrors.ErrGatewayUnavailable, "%s %s: %s", method, path, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return raw, errors.Wrapf(apperrors.ErrNotFound, "%s %s: %s", method, path, messageOr(env.Message, resp.Status))
	case resp.StatusCode >= 400:
		return raw, errors.Wrapf(apperrors.ErrInvalidRequest, "%s %s: %s", method, path, messageOr(env.Message, resp.Status))
	case decodeErr != nil:
		return raw, errors.Wrapf(apperrors.ErrGatewayUnavailable, "decode gateway response: %v", decodeErr)
	case !env.Status:
		return raw, errors.Wrapf(apperrors.ErrInvalidRequest, "%s %s: %s", method, path, env.Message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return raw, errors.Wrapf(apperrors.ErrGatewayUnavailable, "decode gateway data: %v", err)
		}
	}
	return raw, nil
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, apperrors.ErrGatewayUnavailable):
		return "unavailable"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	default:
		return "rejected"
	}
}
