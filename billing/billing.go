// Package billing owns subscriptions, invoices and payments. Provider webhook
// events reconcile payment outcomes; a periodic sweep ages overdue invoices.
// Status transitions are monotone conditional updates keyed on the current
// status, so replayed and out-of-order events collapse into no-ops.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// Billing modes.
const (
	ModeRecurring = "recurring"
	ModeManual    = "manual"
)

// Subscription statuses.
const (
	SubPending  = "pending"
	SubActive   = "active"
	SubPastDue  = "past_due"
	SubCanceled = "canceled"
	SubExpired  = "expired"
)

// Invoice statuses.
const (
	InvPending = "pending"
	InvPaid    = "paid"
	InvPastDue = "past_due"
	InvFailed  = "failed"
	InvVoid    = "void"
)

// Payment statuses. succeeded, failed and canceled are terminal.
const (
	PayRequiresAction = "requires_action"
	PayProcessing     = "processing"
	PaySucceeded      = "succeeded"
	PayFailed         = "failed"
	PayCanceled       = "canceled"
)

// ErrOverlap reports an attempted subscription whose [starts_at, ends_at)
// window intersects an existing non-terminal subscription of the same user.
var ErrOverlap = errors.New("subscription window overlaps an existing subscription")

// Subscription mirrors a subscriptions row.
type Subscription struct {
	ID                string
	UserID            string
	PlanID            string
	StartsAt          time.Time
	EndsAt            time.Time
	BillingMode       string
	CancelAtPeriodEnd bool
	Status            string
}

// Plan mirrors a plans row.
type Plan struct {
	ID           string
	Name         sql.NullString
	PriceMinor   int
	DurationDays int
	IsActive     bool
}

// Service is the entry point for subscription lifecycle operations.
type Service struct {
	DB *sql.DB
}

// userLockKey derives a stable advisory lock key from the user id so all
// subscription writes for one user serialize inside their transactions.
func userLockKey(userID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("sub:" + userID))
	return int64(h.Sum64())
}

// CreateSubscription inserts a pending subscription plus its first invoice.
// An advisory transaction lock on the user plus an overlap query inside the
// same transaction guarantees no two non-terminal subscriptions of a user
// ever share an instant, even under concurrent requests.
func (s *Service) CreateSubscription(ctx context.Context, userID, planID string, startsAt time.Time, billingMode string) (*Subscription, error) {
	if billingMode != ModeRecurring && billingMode != ModeManual {
		return nil, fmt.Errorf("unknown billing mode %q", billingMode)
	}
	if startsAt.IsZero() {
		startsAt = time.Now().UTC()
	}

	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, fmt.Errorf("plan %s is not active", planID)
	}
	endsAt := startsAt.AddDate(0, 0, plan.DurationDays)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin subscription tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, userLockKey(userID)); err != nil {
		return nil, fmt.Errorf("acquire user lock: %w", err)
	}

	var clash int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM subscriptions
		WHERE user_id=$1 AND status NOT IN ('canceled','expired')
		  AND starts_at < $3 AND ends_at > $2`,
		userID, startsAt, endsAt).Scan(&clash)
	if err != nil {
		return nil, fmt.Errorf("overlap check: %w", err)
	}
	if clash > 0 {
		return nil, ErrOverlap
	}

	sub := &Subscription{
		ID:          uuid.New().String(),
		UserID:      userID,
		PlanID:      planID,
		StartsAt:    startsAt,
		EndsAt:      endsAt,
		BillingMode: billingMode,
		Status:      SubPending,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, plan_id, starts_at, ends_at, billing_mode, status)
		VALUES ($1,$2,$3,$4,$5,$6,'pending')`,
		sub.ID, userID, planID, startsAt, endsAt, billingMode)
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}

	if err := insertInvoiceTx(ctx, tx, sub, plan); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit subscription tx: %w", err)
	}
	return sub, nil
}

// insertInvoiceTx creates the invoice covering the subscription's current
// window. The unique (subscription_id, period_start) constraint makes a
// duplicate insert a conflict the caller can treat as already-done.
func insertInvoiceTx(ctx context.Context, tx *sql.Tx, sub *Subscription, plan *Plan) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO invoices (id, user_id, subscription_id, plan_id, amount_minor, period_start, period_end, due_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$6,'pending')
		ON CONFLICT (subscription_id, period_start) DO NOTHING`,
		uuid.New().String(), sub.UserID, sub.ID, sub.PlanID, plan.PriceMinor, sub.StartsAt, sub.EndsAt)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// Cancel flags the subscription to stop at period end. Already terminal
// subscriptions are left alone. A subscription that never activated owes
// nothing, so its open invoice is voided.
func (s *Service) Cancel(ctx context.Context, subscriptionID string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE subscriptions SET cancel_at_period_end=TRUE, canceled_at=NOW()
		WHERE id=$1 AND status NOT IN ('canceled','expired')`, subscriptionID)
	if err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %s not found or already terminal", subscriptionID)
	}
	if _, err := s.DB.ExecContext(ctx, `
		UPDATE invoices SET status='void'
		WHERE subscription_id=$1 AND status='pending' AND amount_minor > 0
		  AND (SELECT status FROM subscriptions WHERE id=$1) = 'pending'`, subscriptionID); err != nil {
		return fmt.Errorf("void open invoice for %s: %w", subscriptionID, err)
	}
	return nil
}

// GetPlan loads one plan.
func (s *Service) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	var p Plan
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, price_minor, duration_days, is_active FROM plans WHERE id=$1`, planID).
		Scan(&p.ID, &p.Name, &p.PriceMinor, &p.DurationDays, &p.IsActive)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}
	return &p, nil
}

// FreePlan returns the zero-price active plan, creating one if none exists.
func (s *Service) FreePlan(ctx context.Context) (*Plan, error) {
	var p Plan
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, name, price_minor, duration_days, is_active FROM plans
		WHERE price_minor=0 AND is_active ORDER BY duration_days DESC LIMIT 1`).
		Scan(&p.ID, &p.Name, &p.PriceMinor, &p.DurationDays, &p.IsActive)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load free plan: %w", err)
	}
	p = Plan{ID: uuid.New().String(), Name: sql.NullString{String: "free", Valid: true}, PriceMinor: 0, DurationDays: 36500, IsActive: true}
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO plans (id, name, price_minor, duration_days, is_active) VALUES ($1,'free',0,36500,TRUE)`, p.ID); err != nil {
		return nil, fmt.Errorf("create free plan: %w", err)
	}
	return &p, nil
}

// ResolvePlan returns the plan of the user's currently active subscription,
// falling back to the free plan when none covers now.
func (s *Service) ResolvePlan(ctx context.Context, userID string) (*Plan, error) {
	var p Plan
	err := s.DB.QueryRowContext(ctx, `
		SELECT p.id, p.name, p.price_minor, p.duration_days, p.is_active
		FROM subscriptions sub JOIN plans p ON p.id = sub.plan_id
		WHERE sub.user_id=$1 AND sub.status='active' AND sub.starts_at <= NOW() AND sub.ends_at > NOW()
		ORDER BY sub.starts_at DESC LIMIT 1`, userID).
		Scan(&p.ID, &p.Name, &p.PriceMinor, &p.DurationDays, &p.IsActive)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolve plan for %s: %w", userID, err)
	}
	return s.FreePlan(ctx)
}

// OnUserCreated registers the user row and opens their free-plan manual
// subscription. Replays of the same user id are no-ops.
func (s *Service) OnUserCreated(ctx context.Context, userID string) error {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO app_users (id, status) VALUES ($1,'active') ON CONFLICT DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("create user %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	plan, err := s.FreePlan(ctx)
	if err != nil {
		return err
	}
	sub, err := s.CreateSubscription(ctx, userID, plan.ID, time.Now().UTC(), ModeManual)
	if err != nil {
		return err
	}
	// Free plans owe nothing; settle the seed invoice and activate in place.
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE invoices SET status='paid', paid_at=NOW() WHERE subscription_id=$1 AND status='pending' AND amount_minor=0`,
		sub.ID); err != nil {
		return fmt.Errorf("settle free invoice: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE subscriptions SET status='active' WHERE id=$1 AND status='pending'`, sub.ID); err != nil {
		return fmt.Errorf("activate free subscription: %w", err)
	}
	return nil
}
