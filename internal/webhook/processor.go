// Package webhook ingests gateway webhooks. Every delivery is stored once per
// (event, reference) and marked processed in the same transaction as the
// payment change it caused, so redeliveries are harmless.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"escrow-service/internal/escrow"
	"escrow-service/internal/gateway"
	"escrow-service/internal/model"
	"escrow-service/internal/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Result string

const (
	ResultProcessed Result = "processed"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultUnmatched Result = "unmatched"
	ResultMalformed Result = "malformed"
	ResultFailed    Result = "failed"
)

// Escrow is the part of escrow.Service webhooks drive.
type Escrow interface {
	ApplyCharge(ctx context.Context, tx store.Tx, reference string, co escrow.ChargeOutcome, source escrow.Source) (*escrow.Outcome, error)
	SettleTransfer(ctx context.Context, tx store.Tx, reference string, u escrow.TransferUpdate, source escrow.Source) (*escrow.Outcome, error)
	Publish(ctx context.Context, out *escrow.Outcome)
}

type Processor struct {
	store  store.Store
	escrow Escrow
	logger *slog.Logger
	now    func() time.Time
}

func NewProcessor(st store.Store, esc Escrow, logger *slog.Logger) *Processor {
	return &Processor{store: st, escrow: esc, logger: logger, now: time.Now}
}

// Handle processes an authenticated webhook body. An error means the
// delivery should be retried by the gateway.
func (p *Processor) Handle(ctx context.Context, body []byte) (Result, error) {
	payload, err := parse(body)
	if err != nil {
		return p.recordMalformed(ctx, body, payload, err)
	}
	event := &model.WebhookEvent{EventType: payload.Event, Reference: payload.Data.Reference, Payload: string(body)}
	return p.process(ctx, event, payload, escrow.SourceWebhook)
}

// Replay runs a stored, unprocessed event again.
func (p *Processor) Replay(ctx context.Context, event *model.WebhookEvent) (Result, error) {
	payload, err := parse([]byte(event.Payload))
	if err != nil {
		if incErr := p.store.IncrementWebhookRetry(ctx, event, err.Error()); incErr != nil {
			return ResultFailed, incErr
		}
		countEvent(event.EventType, ResultMalformed)
		return ResultMalformed, nil
	}
	return p.process(ctx, event, payload, escrow.SourceReconciliation)
}

func (p *Processor) recordMalformed(ctx context.Context, body []byte, payload *Payload, cause error) (Result, error) {
	eventType := malformedEventType
	if payload != nil && payload.Event != "" {
		eventType = payload.Event
	}
	msg := cause.Error()
	event := &model.WebhookEvent{EventType: eventType, Reference: bodyDigest(body), Payload: string(body)}

	err := p.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stored, err := tx.LockOrCreateWebhookEvent(ctx, event)
		if err != nil {
			return err
		}
		stored.Error = &msg
		return tx.UpdateWebhookEvent(ctx, stored)
	})
	if err != nil {
		return ResultFailed, errors.Wrap(err, "record malformed webhook")
	}

	p.logger.WarnContext(ctx, "Malformed webhook recorded", "eventType", eventType, "reference", event.Reference, "error", msg)
	countEvent(eventType, ResultMalformed)
	return ResultMalformed, nil
}

func (p *Processor) process(ctx context.Context, event *model.WebhookEvent, payload *Payload, source escrow.Source) (Result, error) {
	var result Result
	var outcome *escrow.Outcome

	err := p.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stored, err := tx.LockOrCreateWebhookEvent(ctx, event)
		if err != nil {
			return err
		}
		if stored.Processed {
			result = ResultDuplicate
			return nil
		}

		outcome, result, err = p.dispatch(ctx, tx, payload, source)
		if errors.Is(err, store.ErrNotFound) {
			// the payment or payout may not be committed yet; leave it for replay
			msg := err.Error()
			stored.Error = &msg
			if source == escrow.SourceReconciliation {
				stored.RetryCount++
			}
			result = ResultUnmatched
			return tx.UpdateWebhookEvent(ctx, stored)
		}
		if err != nil {
			return err
		}

		now := p.now()
		stored.Processed = true
		stored.ProcessedAt = &now
		stored.Error = nil
		if outcome != nil && outcome.Rejection != "" {
			stored.Error = &outcome.Rejection
		}
		return tx.UpdateWebhookEvent(ctx, stored)
	})
	if err != nil {
		countEvent(event.EventType, ResultFailed)
		p.logger.ErrorContext(ctx, "Webhook processing failed", "eventType", event.EventType, "reference", event.Reference, "error", err)
		if incErr := p.store.IncrementWebhookRetry(ctx, event, err.Error()); incErr != nil {
			p.logger.ErrorContext(ctx, "Error recording webhook retry", "error", incErr)
		}
		return ResultFailed, err
	}

	p.escrow.Publish(ctx, outcome)
	countEvent(event.EventType, result)
	p.logger.InfoContext(ctx, "Webhook handled", "eventType", event.EventType, "reference", event.Reference, "result", result, "source", source)
	return result, nil
}

func (p *Processor) dispatch(ctx context.Context, tx store.Tx, payload *Payload, source escrow.Source) (*escrow.Outcome, Result, error) {
	ref := payload.Data.Reference

	var out *escrow.Outcome
	var err error
	switch payload.Event {
	case "charge.success":
		co := escrow.ChargeOutcome{Event: escrow.ChargeSucceeded, PaidAt: payload.paidAt()}
		if payload.Data.Amount > 0 {
			co.Amount = decimal.NewNullDecimal(gateway.FromMinor(payload.Data.Amount))
		}
		out, err = p.escrow.ApplyCharge(ctx, tx, ref, co, source)
	case "charge.failed":
		out, err = p.escrow.ApplyCharge(ctx, tx, ref, escrow.ChargeOutcome{Event: escrow.ChargeFailed, Reason: payload.reason()}, source)
	case "transfer.success":
		u := escrow.TransferUpdate{Outcome: gateway.TransferOutcomeSucceeded, TransferCode: payload.Data.TransferCode}
		out, err = p.escrow.SettleTransfer(ctx, tx, ref, u, source)
	case "transfer.failed", "transfer.reversed":
		u := escrow.TransferUpdate{Outcome: gateway.TransferOutcomeFailed, TransferCode: payload.Data.TransferCode, Reason: payload.reason()}
		out, err = p.escrow.SettleTransfer(ctx, tx, ref, u, source)
	default:
		return nil, ResultIgnored, nil
	}
	if err != nil {
		return nil, "", err
	}
	return out, ResultProcessed, nil
}

func countEvent(eventType string, result Result) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`webhook_events_total{event=%q,result=%q}`, eventType, result)).Inc()
}
