// Package reconcile repairs what synchronous calls and webhooks left
// unresolved: charges and transfers with unknown outcome, payments without a
// breakdown, webhook events that could not be applied and bank details that
// changed behind their recipient.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/config"
	"escrow-service/internal/escrow"
	"escrow-service/internal/gateway"
	"escrow-service/internal/logcontext"
	"escrow-service/internal/model"
	"escrow-service/internal/store"
	"escrow-service/internal/webhook"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	defaultIntervalMs        = 60_000
	defaultStaleAfterMs      = 900_000
	defaultBatchSize         = 100
	defaultLeaseTTLMs        = 120_000
	defaultMaxWebhookRetries = 5
)

var (
	runSuccessCounter = metrics.GetOrCreateCounter(`reconcile_runs_total{result="success"}`)
	runSkippedCounter = metrics.GetOrCreateCounter(`reconcile_runs_total{result="lease_held"}`)
	runErrorCounter   = metrics.GetOrCreateCounter(`reconcile_runs_total{result="error"}`)

	runDurationHistogram = metrics.GetOrCreateHistogram(`reconcile_run_duration_milliseconds`)
)

// Result counts what one run did.
type Result struct {
	RunID                 string `json:"runId"`
	Skipped               bool   `json:"skipped"`
	Backfilled            int    `json:"backfilled"`
	ChargesResolved       int    `json:"chargesResolved"`
	ChargesPending        int    `json:"chargesPending"`
	TransfersResolved     int    `json:"transfersResolved"`
	TransfersPending      int    `json:"transfersPending"`
	WebhooksReplayed      int    `json:"webhooksReplayed"`
	RecipientsRevalidated int    `json:"recipientsRevalidated"`
	Errors                int    `json:"errors"`
}

func (r *Result) export() {
	counts := map[string]int{
		"backfilled":             r.Backfilled,
		"charges_resolved":       r.ChargesResolved,
		"charges_pending":        r.ChargesPending,
		"transfers_resolved":     r.TransfersResolved,
		"transfers_pending":      r.TransfersPending,
		"webhooks_replayed":      r.WebhooksReplayed,
		"recipients_revalidated": r.RecipientsRevalidated,
		"errors":                 r.Errors,
	}
	for step, n := range counts {
		metrics.GetOrCreateCounter(`reconcile_items_total{step="` + step + `"}`).Add(n)
	}
}

type Reconciler struct {
	store             store.Store
	escrow            *escrow.Service
	gateway           gateway.Gateway
	webhooks          *webhook.Processor
	lease             Lease
	interval          time.Duration
	staleAfter        time.Duration
	leaseTTL          time.Duration
	batchSize         int
	maxWebhookRetries int
	enabled           bool
	logger            *slog.Logger
	now               func() time.Time
}

func NewReconciler(cfg config.Reconcile, st store.Store, esc *escrow.Service, gw gateway.Gateway, webhooks *webhook.Processor, lease Lease, logger *slog.Logger) *Reconciler {
	if lease == nil {
		lease = LocalLease{}
	}
	return &Reconciler{
		store:             st,
		escrow:            esc,
		gateway:           gw,
		webhooks:          webhooks,
		lease:             lease,
		interval:          millis(cfg.IntervalMs, defaultIntervalMs),
		staleAfter:        millis(cfg.StaleAfterMs, defaultStaleAfterMs),
		leaseTTL:          millis(cfg.LeaseTTLMs, defaultLeaseTTLMs),
		batchSize:         orDefault(cfg.BatchSize, defaultBatchSize),
		maxWebhookRetries: orDefault(cfg.MaxWebhookRetries, defaultMaxWebhookRetries),
		enabled:           cfg.Enabled,
		logger:            logger,
		now:               time.Now,
	}
}

func millis(v, fallback int) time.Duration {
	return time.Duration(orDefault(v, fallback)) * time.Millisecond
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Start runs RunOnce every interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	if !r.enabled {
		r.logger.InfoContext(ctx, "Reconciliation disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.logger.ErrorContext(ctx, "Reconciliation run failed", "error", err)
				}
			case <-ctx.Done():
				r.logger.InfoContext(ctx, "Context done, stopping reconciler")
				return
			}
		}
	}()
}

// RunOnce performs one reconciliation pass. A run is skipped when another
// instance holds the lease. Per-item failures are counted in the result and
// do not stop the run.
func (r *Reconciler) RunOnce(ctx context.Context) (*Result, error) {
	startTime := time.Now()
	res := &Result{RunID: uuid.NewString()}

	// set runId as a correlation id for all logs in scope
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", res.RunID))

	token, ok, err := r.lease.Acquire(ctx)
	if err != nil {
		runErrorCounter.Inc()
		return nil, err
	}
	if !ok {
		r.logger.InfoContext(ctx, "Reconcile lease held elsewhere, skipping run")
		runSkippedCounter.Inc()
		res.Skipped = true
		return res, nil
	}
	defer func() {
		if err := r.lease.Release(context.WithoutCancel(ctx), token); err != nil {
			r.logger.WarnContext(ctx, "Error releasing reconcile lease", "error", err)
		}
	}()

	// the run must not outlive the lease
	ctx, cancel := context.WithTimeout(ctx, r.leaseTTL)
	defer cancel()

	steps := []struct {
		name string
		run  func(ctx context.Context, res *Result) error
	}{
		{"backfill", r.backfillBreakdowns},
		{"charges", r.resolveCharges},
		{"transfers", r.resolveTransfers},
		{"webhooks", r.replayWebhooks},
		{"recipients", r.revalidateRecipients},
	}
	for _, step := range steps {
		if err := step.run(ctx, res); err != nil {
			r.logger.ErrorContext(ctx, "Reconcile step failed", "step", step.name, "error", err)
			runErrorCounter.Inc()
			return res, errors.Wrapf(err, "reconcile %s", step.name)
		}
	}

	res.export()
	runSuccessCounter.Inc()
	runDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	r.logger.InfoContext(ctx, "Reconciliation run finished", "result", res)
	return res, nil
}

func (r *Reconciler) backfillBreakdowns(ctx context.Context, res *Result) error {
	payments, err := r.store.ListPaymentsMissingBreakdown(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, p := range payments {
		filled, err := r.escrow.BackfillBreakdown(ctx, p.BookingID)
		if err != nil {
			r.itemFailed(ctx, res, "Error backfilling breakdown", "paymentId", p.ID, "error", err)
			continue
		}
		if filled {
			res.Backfilled++
		}
	}
	return nil
}

func (r *Reconciler) resolveCharges(ctx context.Context, res *Result) error {
	before := r.now().Add(-r.staleAfter)
	payments, err := r.store.ListStalePayments(ctx, []model.PaymentStatus{model.PaymentPending}, before, r.batchSize)
	if err != nil {
		return err
	}
	for _, p := range payments {
		paymentCtx := logcontext.AppendCtx(ctx, slog.String("paymentId", p.ID.String()))
		r.markChecked(paymentCtx, p)
		if p.Reference == nil {
			continue
		}

		updated, err := r.escrow.VerifyPayment(paymentCtx, *p.Reference, escrow.SourceReconciliation)
		if err != nil {
			r.itemFailed(paymentCtx, res, "Error verifying stale charge", "reference", *p.Reference, "error", err)
			continue
		}
		if updated.Status == model.PaymentPending {
			res.ChargesPending++
			continue
		}
		res.ChargesResolved++
	}
	return nil
}

func (r *Reconciler) resolveTransfers(ctx context.Context, res *Result) error {
	before := r.now().Add(-r.staleAfter)
	payments, err := r.store.ListStalePayments(ctx, []model.PaymentStatus{model.PaymentProcessingRelease}, before, r.batchSize)
	if err != nil {
		return err
	}
	for _, p := range payments {
		paymentCtx := logcontext.AppendCtx(ctx, slog.String("paymentId", p.ID.String()))
		r.markChecked(paymentCtx, p)

		po, err := r.escrow.ActivePayout(paymentCtx, p.BookingID)
		if err != nil {
			r.itemFailed(paymentCtx, res, "Error finding active payout", "error", err)
			continue
		}

		var u escrow.TransferUpdate
		tr, err := r.gateway.VerifyTransfer(paymentCtx, po.Reference)
		switch {
		case err == nil:
			u = escrow.TransferUpdateOf(tr)
		case errors.Is(err, apperrors.ErrNotFound):
			u = escrow.TransferUpdate{Outcome: gateway.TransferOutcomeFailed, Reason: "transfer never reached the gateway"}
		case errors.Is(err, apperrors.ErrGatewayUnavailable):
			r.logger.WarnContext(paymentCtx, "Transfer status unknown, retrying next run", "payoutReference", po.Reference, "error", err)
			res.TransfersPending++
			continue
		default:
			r.itemFailed(paymentCtx, res, "Error verifying transfer", "payoutReference", po.Reference, "error", err)
			continue
		}

		out, err := r.escrow.ResolveTransfer(paymentCtx, po.Reference, u, escrow.SourceReconciliation)
		if err != nil {
			r.itemFailed(paymentCtx, res, "Error settling transfer", "payoutReference", po.Reference, "error", err)
			continue
		}
		if out.Applied {
			res.TransfersResolved++
		} else {
			res.TransfersPending++
		}
	}
	return nil
}

func (r *Reconciler) replayWebhooks(ctx context.Context, res *Result) error {
	events, err := r.store.ListUnprocessedWebhookEvents(ctx, r.maxWebhookRetries, r.batchSize)
	if err != nil {
		return err
	}
	for _, e := range events {
		result, err := r.webhooks.Replay(ctx, e)
		if err != nil {
			r.itemFailed(ctx, res, "Error replaying webhook", "eventType", e.EventType, "reference", e.Reference, "error", err)
			continue
		}
		switch result {
		case webhook.ResultProcessed, webhook.ResultIgnored, webhook.ResultDuplicate:
			res.WebhooksReplayed++
		}
	}
	return nil
}

func (r *Reconciler) revalidateRecipients(ctx context.Context, res *Result) error {
	providers, err := r.store.ListProvidersWithStaleRecipient(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, p := range providers {
		done, err := r.escrow.RevalidateRecipient(ctx, p.ID)
		if err != nil {
			r.itemFailed(ctx, res, "Error revalidating recipient", "providerId", p.ID, "error", err)
			continue
		}
		if done {
			res.RecipientsRevalidated++
		}
	}
	return nil
}

// markChecked stamps a payment so that payments still open at the gateway
// do not take every batch of later runs.
func (r *Reconciler) markChecked(ctx context.Context, p *model.Payment) {
	if err := r.store.MarkPaymentChecked(ctx, p.ID, r.now()); err != nil {
		r.logger.WarnContext(ctx, "Error marking payment checked", "error", err)
	}
}

func (r *Reconciler) itemFailed(ctx context.Context, res *Result, msg string, args ...any) {
	res.Errors++
	r.logger.ErrorContext(ctx, msg, args...)
}
