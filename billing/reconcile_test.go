package billing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Coke3a/stream-catch/testutil"
)

func setupSubscription(t *testing.T, svc *Service, mode string) (*Subscription, string) {
	t.Helper()
	userID := testutil.CreateUser(t, svc.DB)
	planID := testutil.CreatePlan(t, svc.DB, 1500, 30)
	// Microsecond precision survives the timestamptz round-trip exactly.
	start := time.Now().UTC().Truncate(time.Microsecond)
	sub, err := svc.CreateSubscription(context.Background(), userID, planID, start, mode)
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	var invoiceID string
	if err := svc.DB.QueryRow(`SELECT id FROM invoices WHERE subscription_id=$1`, sub.ID).Scan(&invoiceID); err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	return sub, invoiceID
}

func TestPaymentSucceededActivatesAndRenews(t *testing.T) {
	database := testutil.SetupTestDB(t)
	svc := &Service{DB: database}
	r := &Reconciler{DB: database, Service: svc, GracePeriod: 72 * time.Hour}
	ctx := context.Background()

	sub, invoiceID := setupSubscription(t, svc, ModeRecurring)
	ev := ProviderEvent{
		Type:              EventPaymentSucceeded,
		ProviderPaymentID: uuid.New().String(),
		InvoiceID:         invoiceID,
		UserID:            sub.UserID,
		AmountMinor:       1500,
		Provider:          "payfake",
		MethodType:        "card",
	}
	if err := r.HandleProviderEvent(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var invStatus, subStatus string
	if err := database.QueryRow(`SELECT status FROM invoices WHERE id=$1`, invoiceID).Scan(&invStatus); err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	if err := database.QueryRow(`SELECT status FROM subscriptions WHERE id=$1`, sub.ID).Scan(&subStatus); err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if invStatus != InvPaid || subStatus != SubActive {
		t.Fatalf("invoice=%s subscription=%s, want paid/active", invStatus, subStatus)
	}

	// Renewal opened the abutting successor period with its own invoice.
	var successorID string
	var successorStart time.Time
	err := database.QueryRow(
		`SELECT id, starts_at FROM subscriptions WHERE user_id=$1 AND id<>$2`, sub.UserID, sub.ID).
		Scan(&successorID, &successorStart)
	if err != nil {
		t.Fatalf("load successor: %v", err)
	}
	if !successorStart.Equal(sub.EndsAt) {
		t.Fatalf("successor starts %v, want %v", successorStart, sub.EndsAt)
	}
	var n int
	if err := database.QueryRow(`SELECT COUNT(1) FROM invoices WHERE subscription_id=$1`, successorID).Scan(&n); err != nil {
		t.Fatalf("count successor invoices: %v", err)
	}
	if n != 1 {
		t.Fatalf("%d successor invoices, want 1", n)
	}
}

func TestPaymentSucceededReplayIsNoOp(t *testing.T) {
	database := testutil.SetupTestDB(t)
	svc := &Service{DB: database}
	r := &Reconciler{DB: database, Service: svc, GracePeriod: 72 * time.Hour}
	ctx := context.Background()

	sub, invoiceID := setupSubscription(t, svc, ModeRecurring)
	ev := ProviderEvent{
		Type:              EventPaymentSucceeded,
		ProviderPaymentID: uuid.New().String(),
		InvoiceID:         invoiceID,
		UserID:            sub.UserID,
		AmountMinor:       1500,
		Provider:          "payfake",
		MethodType:        "card",
	}
	for i := 0; i < 3; i++ {
		if err := r.HandleProviderEvent(ctx, ev); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	var payments, subs int
	if err := database.QueryRow(`SELECT COUNT(1) FROM payments WHERE provider_payment_id=$1`, ev.ProviderPaymentID).Scan(&payments); err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if err := database.QueryRow(`SELECT COUNT(1) FROM subscriptions WHERE user_id=$1`, sub.UserID).Scan(&subs); err != nil {
		t.Fatalf("count subscriptions: %v", err)
	}
	if payments != 1 {
		t.Fatalf("%d payment rows, want 1", payments)
	}
	// Original plus exactly one renewal, however many times the event landed.
	if subs != 2 {
		t.Fatalf("%d subscriptions, want 2", subs)
	}
}

func TestSuccessReplayHealsHalfAppliedReconciliation(t *testing.T) {
	database := testutil.SetupTestDB(t)
	svc := &Service{DB: database}
	r := &Reconciler{DB: database, Service: svc, GracePeriod: 72 * time.Hour}
	ctx := context.Background()

	sub, invoiceID := setupSubscription(t, svc, ModeRecurring)
	ppid := uuid.New().String()
	// The payment settled but the process died before the invoice and
	// subscription writes: only the succeeded payment row exists.
	if _, err := database.Exec(`
		INSERT INTO payments (id, invoice_id, user_id, provider, method_type, amount_minor, status, provider_payment_id)
		VALUES ($1,$2,$3,'payfake','card',1500,'succeeded',$4)`,
		uuid.New().String(), invoiceID, sub.UserID, ppid); err != nil {
		t.Fatalf("seed settled payment: %v", err)
	}
	if _, err := database.Exec(`UPDATE invoices SET due_at = NOW() - INTERVAL '1 hour' WHERE id=$1`, invoiceID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	// The due-date sweep must not age an invoice whose payment succeeded.
	sw := &Sweeper{DB: database, GracePeriod: 72 * time.Hour, CancelGrace: 7 * 24 * time.Hour}
	sw.RunOnce(ctx, slog.Default())
	var invStatus string
	if err := database.QueryRow(`SELECT status FROM invoices WHERE id=$1`, invoiceID).Scan(&invStatus); err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	if invStatus != InvPending {
		t.Fatalf("invoice status %q after sweep, want pending until the replay lands", invStatus)
	}

	// The provider redelivers on the missing ack; the replay finishes the
	// invoice, subscription and renewal transitions.
	ev := ProviderEvent{
		Type:              EventPaymentSucceeded,
		ProviderPaymentID: ppid,
		InvoiceID:         invoiceID,
		UserID:            sub.UserID,
		AmountMinor:       1500,
		Provider:          "payfake",
		MethodType:        "card",
	}
	if err := r.HandleProviderEvent(ctx, ev); err != nil {
		t.Fatalf("replay: %v", err)
	}

	var subStatus string
	if err := database.QueryRow(`SELECT status FROM invoices WHERE id=$1`, invoiceID).Scan(&invStatus); err != nil {
		t.Fatalf("reload invoice: %v", err)
	}
	if err := database.QueryRow(`SELECT status FROM subscriptions WHERE id=$1`, sub.ID).Scan(&subStatus); err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if invStatus != InvPaid || subStatus != SubActive {
		t.Fatalf("invoice=%s sub=%s after replay, want paid/active", invStatus, subStatus)
	}
	var payments, subs int
	if err := database.QueryRow(`SELECT COUNT(1) FROM payments WHERE provider_payment_id=$1`, ppid).Scan(&payments); err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if err := database.QueryRow(`SELECT COUNT(1) FROM subscriptions WHERE user_id=$1`, sub.UserID).Scan(&subs); err != nil {
		t.Fatalf("count subscriptions: %v", err)
	}
	if payments != 1 || subs != 2 {
		t.Fatalf("payments=%d subs=%d, want 1 payment and the renewal", payments, subs)
	}
}

func TestFailureThenSuccessSamePaymentIsNoOp(t *testing.T) {
	database := testutil.SetupTestDB(t)
	svc := &Service{DB: database}
	r := &Reconciler{DB: database, Service: svc, GracePeriod: 72 * time.Hour}
	ctx := context.Background()

	sub, invoiceID := setupSubscription(t, svc, ModeRecurring)
	ppid := uuid.New().String()
	ev := ProviderEvent{
		Type:              EventPaymentFailed,
		ProviderPaymentID: ppid,
		InvoiceID:         invoiceID,
		UserID:            sub.UserID,
		AmountMinor:       1500,
		Provider:          "payfake",
		MethodType:        "card",
		Reason:            "card_declined",
	}
	if err := r.HandleProviderEvent(ctx, ev); err != nil {
		t.Fatalf("failure event: %v", err)
	}

	// A success for the same provider payment id contradicts the settled
	// failure and must change nothing.
	ev.Type = EventPaymentSucceeded
	ev.Reason = ""
	if err := r.HandleProviderEvent(ctx, ev); err != nil {
		t.Fatalf("contradicting success: %v", err)
	}

	var payStatus, invStatus, subStatus string
	if err := database.QueryRow(`SELECT status FROM payments WHERE provider_payment_id=$1`, ppid).Scan(&payStatus); err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if err := database.QueryRow(`SELECT status FROM invoices WHERE id=$1`, invoiceID).Scan(&invStatus); err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	if err := database.QueryRow(`SELECT status FROM subscriptions WHERE id=$1`, sub.ID).Scan(&subStatus); err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if payStatus != PayFailed || invStatus != InvPastDue || subStatus != SubPastDue {
		t.Fatalf("payment=%s invoice=%s sub=%s, want failed/past_due/past_due", payStatus, invStatus, subStatus)
	}
	var subs int
	if err := database.QueryRow(`SELECT COUNT(1) FROM subscriptions WHERE user_id=$1`, sub.UserID).Scan(&subs); err != nil {
		t.Fatalf("count: %v", err)
	}
	if subs != 1 {
		t.Fatalf("%d subscriptions, want no renewal from the contradicting success", subs)
	}
}

func TestPaymentFailedWithinGrace(t *testing.T) {
	database := testutil.SetupTestDB(t)
	svc := &Service{DB: database}
	r := &Reconciler{DB: database, Service: svc, GracePeriod: 72 * time.Hour}
	ctx := context.Background()

	sub, invoiceID := setupSubscription(t, svc, ModeRecurring)
	ev := ProviderEvent{
		Type:              EventPaymentFailed,
		ProviderPaymentID: uuid.New().String(),
		InvoiceID:         invoiceID,
		UserID:            sub.UserID,
		AmountMinor:       1500,
		Provider:          "payfake",
		MethodType:        "card",
		Reason:            "card_declined",
	}
	if err := r.HandleProviderEvent(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var invStatus, subStatus, payStatus string
	if err := database.QueryRow(`SELECT status FROM invoices WHERE id=$1`, invoiceID).Scan(&invStatus); err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	if err := database.QueryRow(`SELECT status FROM subscriptions WHERE id=$1`, sub.ID).Scan(&subStatus); err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if err := database.QueryRow(`SELECT status FROM payments WHERE provider_payment_id=$1`, ev.ProviderPaymentID).Scan(&payStatus); err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if invStatus != InvPastDue || subStatus != SubPastDue || payStatus != PayFailed {
		t.Fatalf("invoice=%s sub=%s payment=%s, want past_due/past_due/failed", invStatus, subStatus, payStatus)
	}

	// No renewal on failure.
	var subs int
	if err := database.QueryRow(`SELECT COUNT(1) FROM subscriptions WHERE user_id=$1`, sub.UserID).Scan(&subs); err != nil {
		t.Fatalf("count: %v", err)
	}
	if subs != 1 {
		t.Fatalf("%d subscriptions after failure, want 1", subs)
	}
}

func TestPaymentFailedBeyondGrace(t *testing.T) {
	database := testutil.SetupTestDB(t)
	svc := &Service{DB: database}
	r := &Reconciler{DB: database, Service: svc, GracePeriod: 72 * time.Hour}
	ctx := context.Background()

	sub, invoiceID := setupSubscription(t, svc, ModeRecurring)
	// Push the due date far into the past, beyond the grace window.
	if _, err := database.Exec(`UPDATE invoices SET due_at = NOW() - INTERVAL '10 days' WHERE id=$1`, invoiceID); err != nil {
		t.Fatalf("backdate invoice: %v", err)
	}

	ev := ProviderEvent{
		Type:              EventPaymentFailed,
		ProviderPaymentID: uuid.New().String(),
		InvoiceID:         invoiceID,
		UserID:            sub.UserID,
		AmountMinor:       1500,
		Provider:          "payfake",
		MethodType:        "card",
		Reason:            "card_declined",
	}
	if err := r.HandleProviderEvent(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var invStatus string
	if err := database.QueryRow(`SELECT status FROM invoices WHERE id=$1`, invoiceID).Scan(&invStatus); err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	if invStatus != InvFailed {
		t.Fatalf("invoice status %q beyond grace, want failed", invStatus)
	}
}

func TestLatePaymentRecoversPastDue(t *testing.T) {
	database := testutil.SetupTestDB(t)
	svc := &Service{DB: database}
	r := &Reconciler{DB: database, Service: svc, GracePeriod: 72 * time.Hour}
	ctx := context.Background()

	sub, invoiceID := setupSubscription(t, svc, ModeManual)
	if _, err := database.Exec(`UPDATE invoices SET status='past_due' WHERE id=$1`, invoiceID); err != nil {
		t.Fatalf("force past_due: %v", err)
	}
	if _, err := database.Exec(`UPDATE subscriptions SET status='past_due' WHERE id=$1`, sub.ID); err != nil {
		t.Fatalf("force sub past_due: %v", err)
	}

	ev := ProviderEvent{
		Type:              EventPaymentSucceeded,
		ProviderPaymentID: uuid.New().String(),
		InvoiceID:         invoiceID,
		UserID:            sub.UserID,
		AmountMinor:       1500,
		Provider:          "payfake",
		MethodType:        "card",
	}
	if err := r.HandleProviderEvent(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	var subStatus string
	if err := database.QueryRow(`SELECT status FROM subscriptions WHERE id=$1`, sub.ID).Scan(&subStatus); err != nil {
		t.Fatalf("load: %v", err)
	}
	if subStatus != SubActive {
		t.Fatalf("status %q after late payment, want active", subStatus)
	}
	// Manual mode never renews.
	var subs int
	if err := database.QueryRow(`SELECT COUNT(1) FROM subscriptions WHERE user_id=$1`, sub.UserID).Scan(&subs); err != nil {
		t.Fatalf("count: %v", err)
	}
	if subs != 1 {
		t.Fatalf("%d subscriptions for manual mode, want 1", subs)
	}
}
