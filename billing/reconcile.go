package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Coke3a/stream-catch/telemetry"
)

// Provider event types the reconciler understands.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// ProviderEvent is one payment-provider webhook notification after signature
// verification. ProviderPaymentID is the provider-side idempotency handle.
type ProviderEvent struct {
	Type              string `json:"type"`
	ProviderPaymentID string `json:"provider_payment_id"`
	InvoiceID         string `json:"invoice_id"`
	UserID            string `json:"user_id"`
	AmountMinor       int    `json:"amount_minor"`
	Provider          string `json:"provider"`
	MethodType        string `json:"method_type"`
	Reason            string `json:"reason,omitempty"`
}

// Reconciler applies provider events to payments, invoices and subscriptions.
type Reconciler struct {
	DB          *sql.DB
	Service     *Service
	GracePeriod time.Duration // window after due_at in which a failed charge stays retryable
}

// HandleProviderEvent is the single entry point for verified webhook events.
// Every downstream transition is a conditional update, and a replay whose
// outcome matches the recorded payment re-runs them all, so a crash between
// the payment write and the invoice or subscription writes heals on the next
// delivery. Only a replay that contradicts the settled outcome (a success for
// a payment already recorded as failed, or vice versa) is dropped.
func (r *Reconciler) HandleProviderEvent(ctx context.Context, ev ProviderEvent) error {
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "billing"),
		slog.String("event_type", ev.Type),
		slog.String("provider_payment_id", ev.ProviderPaymentID))
	if telemetry.WebhookEvents != nil {
		telemetry.WebhookEvents.WithLabelValues(ev.Type).Inc()
	}
	if ev.ProviderPaymentID == "" {
		return fmt.Errorf("event %s missing provider payment id", ev.Type)
	}

	switch ev.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
	default:
		logger.Info("ignoring unhandled provider event")
		return nil
	}

	paymentID, payStatus, err := r.upsertPayment(ctx, ev)
	if err != nil {
		return err
	}
	switch {
	case payStatus == PaySucceeded && ev.Type != EventPaymentSucceeded,
		payStatus == PayFailed && ev.Type != EventPaymentFailed,
		payStatus == PayCanceled:
		if telemetry.StaleEvents != nil {
			telemetry.StaleEvents.Inc()
		}
		logger.Info("stale provider event, contradicts settled payment",
			slog.String("payment_status", payStatus))
		return nil
	case payStatus == PaySucceeded || payStatus == PayFailed:
		// Matching replay. Re-run the downstream transitions in case an
		// earlier delivery crashed between the payment and invoice writes.
		if telemetry.StaleEvents != nil {
			telemetry.StaleEvents.Inc()
		}
		logger.Info("replayed provider event, re-applying downstream transitions")
	}

	if ev.Type == EventPaymentSucceeded {
		return r.applySuccess(ctx, logger, ev, paymentID)
	}
	return r.applyFailure(ctx, logger, ev, paymentID)
}

// upsertPayment mirrors the provider attempt as a processing payment row and
// returns the row's current status so the caller can classify replays.
func (r *Reconciler) upsertPayment(ctx context.Context, ev ProviderEvent) (string, string, error) {
	var id, status string
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, status FROM payments WHERE provider_payment_id=$1`, ev.ProviderPaymentID).
		Scan(&id, &status)
	switch {
	case err == nil:
		return id, status, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", "", fmt.Errorf("lookup payment %s: %w", ev.ProviderPaymentID, err)
	}

	id = uuid.New().String()
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO payments (id, invoice_id, user_id, provider, method_type, amount_minor, status, provider_payment_id)
		VALUES ($1,$2,$3,$4,$5,$6,'processing',$7)
		ON CONFLICT (provider_payment_id) DO NOTHING`,
		id, ev.InvoiceID, ev.UserID, ev.Provider, ev.MethodType, ev.AmountMinor, ev.ProviderPaymentID)
	if err != nil {
		return "", "", fmt.Errorf("insert payment: %w", err)
	}
	// A concurrent delivery of the same event may have won the insert race.
	if err := r.DB.QueryRowContext(ctx,
		`SELECT id, status FROM payments WHERE provider_payment_id=$1`, ev.ProviderPaymentID).
		Scan(&id, &status); err != nil {
		return "", "", fmt.Errorf("reload payment %s: %w", ev.ProviderPaymentID, err)
	}
	return id, status, nil
}

func (r *Reconciler) applySuccess(ctx context.Context, logger *slog.Logger, ev ProviderEvent, paymentID string) error {
	if _, err := r.DB.ExecContext(ctx,
		`UPDATE payments SET status='succeeded', updated_at=NOW() WHERE id=$1 AND status IN ('requires_action','processing')`,
		paymentID); err != nil {
		return fmt.Errorf("settle payment %s: %w", paymentID, err)
	}

	var subID sql.NullString
	res, err := r.DB.ExecContext(ctx,
		`UPDATE invoices SET status='paid', paid_at=NOW() WHERE id=$1 AND status IN ('pending','past_due')`,
		ev.InvoiceID)
	if err != nil {
		return fmt.Errorf("mark invoice %s paid: %w", ev.InvoiceID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 && telemetry.InvoicesPaid != nil {
		telemetry.InvoicesPaid.Inc()
	}
	if err := r.DB.QueryRowContext(ctx,
		`SELECT subscription_id FROM invoices WHERE id=$1`, ev.InvoiceID).Scan(&subID); err != nil {
		return fmt.Errorf("load invoice %s: %w", ev.InvoiceID, err)
	}
	if !subID.Valid {
		return nil
	}

	// Payment recovers the subscription from pending or past_due; never from
	// a terminal state.
	if _, err := r.DB.ExecContext(ctx,
		`UPDATE subscriptions SET status='active' WHERE id=$1 AND status IN ('pending','past_due')`,
		subID.String); err != nil {
		return fmt.Errorf("activate subscription %s: %w", subID.String, err)
	}
	logger.Info("invoice paid", slog.String("invoice_id", ev.InvoiceID), slog.String("subscription_id", subID.String))

	return r.renew(ctx, logger, subID.String)
}

// renew opens the successor period for a recurring subscription: a new
// pending subscription abutting the old window plus its invoice. The overlap
// guard plus the (subscription_id, period_start) constraint make a replay
// collapse into ErrOverlap, which renewal treats as already-renewed.
func (r *Reconciler) renew(ctx context.Context, logger *slog.Logger, subID string) error {
	var sub Subscription
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, user_id, plan_id, starts_at, ends_at, billing_mode, cancel_at_period_end, status
		FROM subscriptions WHERE id=$1`, subID).
		Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.StartsAt, &sub.EndsAt, &sub.BillingMode, &sub.CancelAtPeriodEnd, &sub.Status)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", subID, err)
	}
	if sub.BillingMode != ModeRecurring || sub.CancelAtPeriodEnd {
		return nil
	}

	next, err := r.Service.CreateSubscription(ctx, sub.UserID, sub.PlanID, sub.EndsAt, ModeRecurring)
	if errors.Is(err, ErrOverlap) {
		// Successor already exists from an earlier delivery.
		return nil
	}
	if err != nil {
		return fmt.Errorf("create successor subscription: %w", err)
	}
	logger.Info("subscription renewed",
		slog.String("subscription_id", sub.ID), slog.String("successor_id", next.ID),
		slog.Time("starts_at", next.StartsAt), slog.Time("ends_at", next.EndsAt))
	return nil
}

func (r *Reconciler) applyFailure(ctx context.Context, logger *slog.Logger, ev ProviderEvent, paymentID string) error {
	if _, err := r.DB.ExecContext(ctx,
		`UPDATE payments SET status='failed', error=NULLIF($2,''), updated_at=NOW() WHERE id=$1 AND status IN ('requires_action','processing')`,
		paymentID, ev.Reason); err != nil {
		return fmt.Errorf("fail payment %s: %w", paymentID, err)
	}

	var dueAt time.Time
	var subID sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT due_at, subscription_id FROM invoices WHERE id=$1`, ev.InvoiceID).Scan(&dueAt, &subID)
	if err != nil {
		return fmt.Errorf("load invoice %s: %w", ev.InvoiceID, err)
	}

	grace := r.GracePeriod
	if grace <= 0 {
		grace = 72 * time.Hour
	}
	target := InvPastDue
	if time.Now().UTC().After(dueAt.Add(grace)) {
		target = InvFailed
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE invoices SET status=$2 WHERE id=$1 AND status IN ('pending','past_due') AND status <> $2`,
		ev.InvoiceID, target)
	if err != nil {
		return fmt.Errorf("age invoice %s: %w", ev.InvoiceID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 && target == InvPastDue && telemetry.InvoicesPastDue != nil {
		telemetry.InvoicesPastDue.Inc()
	}

	// Demote only while the invoice is actually unsettled; a replayed failure
	// arriving after a later charge paid the invoice must not touch the
	// recovered subscription.
	if subID.Valid {
		if _, err := r.DB.ExecContext(ctx, `
			UPDATE subscriptions SET status='past_due'
			WHERE id=$1 AND status IN ('pending','active')
			  AND EXISTS (SELECT 1 FROM invoices WHERE id=$2 AND status IN ('past_due','failed'))`,
			subID.String, ev.InvoiceID); err != nil {
			return fmt.Errorf("mark subscription %s past_due: %w", subID.String, err)
		}
	}
	logger.Warn("payment failed", slog.String("invoice_id", ev.InvoiceID), slog.String("reason", ev.Reason), slog.String("invoice_status", target))
	return nil
}
