package billing

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/Coke3a/stream-catch/telemetry"
)

// Sweeper ages overdue invoices and retires subscriptions whose grace ran
// out. It runs on a ticker; every step is an idempotent conditional update so
// overlapping runs (or multiple replicas) are harmless.
type Sweeper struct {
	DB          *sql.DB
	Tick        time.Duration // sweep interval, default 5m
	GracePeriod time.Duration // pending -> past_due lag after due_at, default 72h
	CancelGrace time.Duration // past_due -> terminal lag, default 7 days
}

// Start runs the sweep loop until the context is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	tick := s.Tick
	if tick <= 0 {
		tick = 5 * time.Minute
	}
	logger := slog.Default().With(slog.String("component", "billing_sweep"))
	logger.Info("billing sweep starting", slog.Duration("tick", tick))

	s.RunOnce(ctx, logger)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("billing sweep stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx, logger)
		}
	}
}

// RunOnce performs one full sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context, logger *slog.Logger) {
	grace := s.GracePeriod
	if grace <= 0 {
		grace = 72 * time.Hour
	}
	cancelGrace := s.CancelGrace
	if cancelGrace <= 0 {
		cancelGrace = 7 * 24 * time.Hour
	}
	now := time.Now().UTC()

	// Pending invoices past their due date age to past_due, dragging the
	// subscription with them. An invoice whose payment already succeeded is a
	// reconciliation in flight, not an arrear; the webhook redelivery finishes
	// it, so the sweep leaves it alone.
	res, err := s.DB.ExecContext(ctx, `
		UPDATE invoices SET status='past_due'
		WHERE status='pending' AND due_at < $1 AND amount_minor > 0
		  AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.invoice_id = invoices.id AND p.status = 'succeeded')`, now)
	if err != nil {
		logger.Warn("past_due sweep failed", slog.Any("err", err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if telemetry.InvoicesPastDue != nil {
			telemetry.InvoicesPastDue.Add(float64(n))
		}
		logger.Info("invoices aged to past_due", slog.Int64("count", n))
	}
	if _, err := s.DB.ExecContext(ctx, `
		UPDATE subscriptions SET status='past_due'
		WHERE status IN ('pending','active')
		  AND id IN (SELECT subscription_id FROM invoices WHERE status='past_due' AND subscription_id IS NOT NULL)`); err != nil {
		logger.Warn("subscription past_due sweep failed", slog.Any("err", err))
		return
	}

	// Invoices stuck past_due beyond the cancel grace are lost; the
	// subscription ends as canceled when the user asked to stop, expired
	// otherwise.
	if _, err := s.DB.ExecContext(ctx, `
		UPDATE invoices SET status='failed'
		WHERE status='past_due' AND due_at < $1
		  AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.invoice_id = invoices.id AND p.status = 'succeeded')`,
		now.Add(-cancelGrace)); err != nil {
		logger.Warn("failed-invoice sweep failed", slog.Any("err", err))
		return
	}
	retire := func(newStatus string, cancelFlag bool) (int64, error) {
		res, err := s.DB.ExecContext(ctx, `
			UPDATE subscriptions SET status=$1
			WHERE status='past_due' AND cancel_at_period_end=$2
			  AND id IN (SELECT subscription_id FROM invoices WHERE status='failed' AND subscription_id IS NOT NULL)`,
			newStatus, cancelFlag)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		return n, nil
	}
	canceled, err := retire(SubCanceled, true)
	if err != nil {
		logger.Warn("cancel sweep failed", slog.Any("err", err))
		return
	}
	expired, err := retire(SubExpired, false)
	if err != nil {
		logger.Warn("expire sweep failed", slog.Any("err", err))
		return
	}

	// Subscriptions that ran their full window end quietly: canceled when
	// flagged, expired otherwise. Recurring renewals already opened their
	// successor on the last payment, so only the closing row moves.
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE subscriptions SET status='canceled' WHERE status='active' AND cancel_at_period_end AND ends_at <= $1`, now); err != nil {
		logger.Warn("period-end cancel sweep failed", slog.Any("err", err))
		return
	}
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE subscriptions SET status='expired' WHERE status='active' AND NOT cancel_at_period_end AND ends_at <= $1`, now); err != nil {
		logger.Warn("period-end expire sweep failed", slog.Any("err", err))
		return
	}

	if canceled > 0 || expired > 0 {
		logger.Info("subscriptions retired", slog.Int64("canceled", canceled), slog.Int64("expired", expired))
	}
}
