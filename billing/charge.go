package billing

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Coke3a/stream-catch/db"
	"github.com/Coke3a/stream-catch/providerapi"
)

// Charger initiates provider charges for due invoices of recurring
// subscriptions that carry a default payment method. It only opens the
// attempt and mirrors it locally as a processing payment row; the outcome
// arrives over the webhook and settles through the reconciler. The invoice id
// doubles as the provider-side idempotency key, so a crashed or overlapping
// run never bills an invoice twice.
type Charger struct {
	DB       *sql.DB
	Client   *providerapi.Client
	Provider string        // provider name recorded on payments and customer mappings
	Currency string        // ISO currency for charges, default usd
	Tick     time.Duration // charge interval, default 5m
}

// Start runs the charge loop until the context is canceled.
func (c *Charger) Start(ctx context.Context) {
	tick := c.Tick
	if tick <= 0 {
		tick = 5 * time.Minute
	}
	logger := slog.Default().With(slog.String("component", "billing_charge"))
	logger.Info("charge loop starting", slog.Duration("tick", tick), slog.String("provider", c.Provider))

	c.RunOnce(ctx, logger)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("charge loop stopped")
			return
		case <-ticker.C:
			c.RunOnce(ctx, logger)
		}
	}
}

type dueInvoice struct {
	id          string
	userID      string
	amountMinor int
	methodID    string
}

// RunOnce charges every due pending invoice of a recurring subscription that
// has a default payment method and no open or succeeded payment attempt. A
// per-invoice failure is logged and skipped; the next pass retries it.
func (c *Charger) RunOnce(ctx context.Context, logger *slog.Logger) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT i.id, i.user_id, i.amount_minor, s.default_payment_method_id
		FROM invoices i
		JOIN subscriptions s ON s.id = i.subscription_id
		WHERE i.status = 'pending' AND i.due_at <= NOW() AND i.amount_minor > 0
		  AND s.billing_mode = 'recurring' AND s.default_payment_method_id IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM payments p
			WHERE p.invoice_id = i.id AND p.status IN ('requires_action','processing','succeeded'))
		ORDER BY i.due_at ASC
		LIMIT 100`)
	if err != nil {
		logger.Warn("due invoice scan failed", slog.Any("err", err))
		return
	}
	var due []dueInvoice
	for rows.Next() {
		var inv dueInvoice
		if err := rows.Scan(&inv.id, &inv.userID, &inv.amountMinor, &inv.methodID); err != nil {
			rows.Close()
			logger.Warn("due invoice scan failed", slog.Any("err", err))
			return
		}
		due = append(due, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		logger.Warn("due invoice scan failed", slog.Any("err", err))
		return
	}

	for _, inv := range due {
		if err := c.chargeInvoice(ctx, inv); err != nil {
			logger.Warn("charge failed",
				slog.String("invoice_id", inv.id), slog.String("user_id", inv.userID), slog.Any("err", err))
			continue
		}
		logger.Info("charge submitted",
			slog.String("invoice_id", inv.id), slog.Int("amount_minor", inv.amountMinor))
	}
}

func (c *Charger) chargeInvoice(ctx context.Context, inv dueInvoice) error {
	customerRef, err := c.Client.EnsureCustomer(ctx, c.DB, inv.userID, c.Provider)
	if err != nil {
		return fmt.Errorf("ensure customer: %w", err)
	}
	pmRef, err := db.GetPaymentMethodRef(ctx, c.DB, inv.methodID)
	if err != nil {
		return fmt.Errorf("load payment method: %w", err)
	}
	var methodType string
	if err := c.DB.QueryRowContext(ctx,
		`SELECT method_type FROM payment_methods WHERE id=$1`, inv.methodID).Scan(&methodType); err != nil {
		return fmt.Errorf("load payment method type: %w", err)
	}

	currency := c.Currency
	if currency == "" {
		currency = "usd"
	}
	res, err := c.Client.CreateCharge(ctx, providerapi.ChargeRequest{
		CustomerRef:    customerRef,
		PaymentMethod:  pmRef,
		AmountMinor:    inv.amountMinor,
		Currency:       currency,
		IdempotencyKey: inv.id,
	})
	if err != nil {
		return fmt.Errorf("create charge: %w", err)
	}

	status := PayProcessing
	if res.Status == PayRequiresAction {
		status = PayRequiresAction
	}
	// The webhook for this charge may land before we do; its row wins.
	if _, err := c.DB.ExecContext(ctx, `
		INSERT INTO payments (id, invoice_id, user_id, provider, method_type, payment_method_id, amount_minor, status, provider_payment_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (provider_payment_id) DO NOTHING`,
		uuid.New().String(), inv.id, inv.userID, c.Provider, methodType, inv.methodID,
		inv.amountMinor, status, res.ProviderPaymentID); err != nil {
		return fmt.Errorf("record payment attempt: %w", err)
	}
	return nil
}
