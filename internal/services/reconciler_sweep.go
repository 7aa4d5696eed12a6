package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/gateways"
	"tokopay/internal/models"
	"tokopay/pkg/retry"
)

// Sweep actions counted in a SweepReport.
const (
	ActionReplayed  = "replayed"
	ActionVerified  = "verified"
	ActionSettled   = "settled"
	ActionFailed    = "failed"
	ActionAbandoned = "abandoned"
	ActionSkipped   = "skipped"
	ActionErrored   = "errored"
)

// SweepReport counts what one sweep did, keyed by action.
type SweepReport struct {
	Stale   int            `json:"stale"`
	Flagged int            `json:"flagged"`
	Drafts  int            `json:"drafts"`
	Actions map[string]int `json:"actions"`
}

func (s *SweepReport) add(action string) {
	if s.Actions == nil {
		s.Actions = make(map[string]int)
	}
	s.Actions[action]++
}

// Sweep resolves transactions whose callback never arrived, retries flagged ones and
// cancels abandoned draft orders.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := tracer.Start(ctx, "reconciler.sweep")
	defer span.End()

	var report SweepReport
	r.metrics.SweepRun()
	now := r.now()

	stale, err := r.txns.ListStale(ctx, now.Add(-r.sweep.StaleAfter), r.sweep.BatchSize)
	if err != nil {
		return report, err
	}
	report.Stale = len(stale)
	for i := range stale {
		r.record(&report, r.sweepStale(ctx, &stale[i], now))
	}

	flagged, err := r.txns.ListFlagged(ctx, r.sweep.BatchSize)
	if err != nil {
		return report, err
	}
	report.Flagged = len(flagged)
	for i := range flagged {
		r.record(&report, r.sweepFlagged(ctx, &flagged[i], now))
	}

	drafts, err := r.orders.ListByStatus(ctx, models.OrderDraft, now.Add(-r.sweep.AbandonAfter), r.sweep.BatchSize)
	if err != nil {
		return report, err
	}
	report.Drafts = len(drafts)
	for _, o := range drafts {
		if _, err := r.CancelOrder(ctx, o.ID, "abandoned"); err != nil {
			r.log.Warn("failed to cancel abandoned draft", zap.String("order_id", o.ID), zap.Error(err))
			r.record(&report, ActionErrored)
			continue
		}
		r.record(&report, ActionAbandoned)
	}

	r.log.Info("sweep finished",
		zap.Int("stale", report.Stale), zap.Int("flagged", report.Flagged), zap.Int("drafts", report.Drafts),
		zap.Any("actions", report.Actions))
	return report, nil
}

func (r *Reconciler) record(report *SweepReport, action string) {
	report.add(action)
	r.metrics.SweepAction(action)
}

// sweepStale resolves one open transaction past its callback window.
func (r *Reconciler) sweepStale(ctx context.Context, candidate *models.Transaction, now time.Time) string {
	log := r.log.With(zap.String("transaction_id", candidate.ID), zap.String("gateway", candidate.Gateway))

	release, err := r.lock(ctx, candidate.ID)
	if err != nil {
		log.Warn("skipping locked transaction", zap.Error(err))
		return ActionSkipped
	}
	defer release()

	txn, err := r.ledger.GetTransaction(ctx, candidate.ID)
	if err != nil || !txn.Status.IsOpen() {
		return ActionSkipped
	}

	if txn.CallbackPayload != "" {
		out, err := r.verify(ctx, txn, []byte(txn.CallbackPayload))
		if err != nil {
			log.Warn("callback replay failed", zap.Error(err))
			return ActionErrored
		}
		log.Info("replayed stored callback", zap.String("result", out.Result))
		return ActionReplayed
	}

	return r.resolveByInquiry(ctx, txn, now, log)
}

// resolveByInquiry asks the provider about an open transaction and acts on a definite answer.
// An unreachable provider flags the transaction; it is never failed on that alone.
func (r *Reconciler) resolveByInquiry(ctx context.Context, txn *models.Transaction, now time.Time, log *zap.Logger) string {
	inq, err := retry.Do(ctx, r.retry, func(ctx context.Context) (gateways.Inquiry, error) {
		return r.gateways.InquireStatus(ctx, txn)
	})
	if err != nil {
		if !apperrors.IsTransient(err) {
			log.Warn("status inquiry failed", zap.Error(err))
			return r.abandonIfExpired(ctx, txn, now)
		}
		log.Warn("status inquiry unavailable, flagging for reconciliation", zap.Error(err))
		if txn.NeedsReconciliation && txn.ReconcileReason == ReasonInquiryUnavailable {
			return ActionSkipped
		}
		if err := r.flag(ctx, txn.ID, ReasonInquiryUnavailable); err != nil {
			log.Error("failed to flag transaction", zap.Error(err))
			return ActionErrored
		}
		return ActionSkipped
	}

	switch inq.State {
	case gateways.StateVerified, gateways.StateSettled:
		if txn.Status != models.TxnRedirected {
			return ActionSkipped
		}
		if inq.Amount == 0 {
			if err := r.flag(ctx, txn.ID, ReasonMissingAmount); err != nil {
				log.Error("failed to flag transaction", zap.Error(err))
			}
			return ActionSkipped
		}
		v := gateways.Verification{Amount: inq.Amount, ProviderStatus: inq.ProviderStatus, Raw: inq.Raw}
		out, err := r.applyVerification(ctx, txn, v, inq.State == gateways.StateSettled)
		if err != nil {
			log.Warn("applying inquired verification failed", zap.Error(err))
			return ActionErrored
		}
		if out.Result == ResultSettled {
			return ActionSettled
		}
		return ActionVerified
	case gateways.StateFailed, gateways.StateReverted, gateways.StateCancelled:
		if _, err := r.failPayment(ctx, txn.ID, "provider_"+string(inq.State), inq.Raw); err != nil {
			log.Warn("failing transaction failed", zap.Error(err))
			return ActionErrored
		}
		return ActionFailed
	default:
		return r.abandonIfExpired(ctx, txn, now)
	}
}

func (r *Reconciler) abandonIfExpired(ctx context.Context, txn *models.Transaction, now time.Time) string {
	if now.Sub(txn.InitiatedAt) < r.sweep.AbandonAfter {
		return ActionSkipped
	}
	if _, err := r.failPayment(ctx, txn.ID, "abandoned", nil); err != nil {
		r.log.Warn("abandoning transaction failed", zap.String("transaction_id", txn.ID), zap.Error(err))
		return ActionErrored
	}
	return ActionAbandoned
}

// sweepFlagged retries the step a flagged transaction is stuck on. Amount mismatches and
// unexpected settlements wait for an operator.
func (r *Reconciler) sweepFlagged(ctx context.Context, candidate *models.Transaction, now time.Time) string {
	switch candidate.ReconcileReason {
	case ReasonAmountMismatch, ReasonSettledAfterCancel, ReasonDuplicatePayment, ReasonStockShortfall, ReasonSettleDeclined:
		return ActionSkipped
	}
	log := r.log.With(zap.String("transaction_id", candidate.ID), zap.String("reason", candidate.ReconcileReason))

	release, err := r.lock(ctx, candidate.ID)
	if err != nil {
		return ActionSkipped
	}
	defer release()

	txn, err := r.ledger.GetTransaction(ctx, candidate.ID)
	if err != nil || !txn.NeedsReconciliation {
		return ActionSkipped
	}

	switch {
	case txn.Status.IsOpen() && txn.CallbackPayload != "":
		out, err := r.verify(ctx, txn, []byte(txn.CallbackPayload))
		if err != nil {
			log.Warn("flagged replay failed", zap.Error(err))
			return ActionErrored
		}
		if out.Result == ResultPending {
			return ActionSkipped
		}
		return ActionReplayed
	case txn.Status.IsOpen() && txn.ReconcileReason == ReasonInquiryUnavailable:
		return r.resolveByInquiry(ctx, txn, now, log)
	case txn.Status == models.TxnVerified:
		out, err := r.settleLocked(ctx, txn.ID)
		if err != nil {
			log.Warn("flagged settlement failed", zap.Error(err))
			return ActionErrored
		}
		if out.Result != ResultSettled {
			return ActionSkipped
		}
		return ActionSettled
	}
	return ActionSkipped
}

// Run sweeps every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.log.Info("reconciliation sweep disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.log.Info("reconciliation sweep started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciliation sweep stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}
