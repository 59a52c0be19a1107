package billing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Coke3a/stream-catch/db"
	"github.com/Coke3a/stream-catch/providerapi"
	"github.com/Coke3a/stream-catch/testutil"
)

func TestChargerBillsDueInvoiceOnce(t *testing.T) {
	database := testutil.SetupTestDB(t)
	svc := &Service{DB: database}
	ctx := context.Background()

	sub, invoiceID := setupSubscription(t, svc, ModeRecurring)
	pmID := uuid.New().String()
	if err := db.StorePaymentMethodRef(ctx, database, pmID, sub.UserID, "payfake", "card", "pm_"+pmID[:8], true); err != nil {
		t.Fatalf("store payment method: %v", err)
	}
	if _, err := database.Exec(
		`UPDATE subscriptions SET default_payment_method_id=$1 WHERE id=$2`, pmID, sub.ID); err != nil {
		t.Fatalf("attach payment method: %v", err)
	}
	if _, err := database.Exec(`UPDATE invoices SET due_at = NOW() - INTERVAL '1 hour' WHERE id=$1`, invoiceID); err != nil {
		t.Fatalf("backdate invoice: %v", err)
	}

	mock := testutil.NewMockProviderServer(t)
	mock.MockCustomerResponse("cus_" + sub.UserID[:8])
	ppid := "pp_" + uuid.New().String()
	mock.MockChargeResponse(ppid, "processing")

	ch := &Charger{DB: database, Client: providerapi.New(mock.URL, "sk_test"), Provider: "payfake"}
	ch.RunOnce(ctx, slog.Default())

	var payStatus string
	var amount int
	if err := database.QueryRow(
		`SELECT status, amount_minor FROM payments WHERE provider_payment_id=$1`, ppid).Scan(&payStatus, &amount); err != nil {
		t.Fatalf("load payment attempt: %v", err)
	}
	if payStatus != PayProcessing || amount != 1500 {
		t.Fatalf("payment %s/%d, want processing/1500", payStatus, amount)
	}
	var custRef string
	if err := database.QueryRow(
		`SELECT customer_ref FROM payment_provider_customers WHERE user_id=$1 AND provider='payfake'`,
		sub.UserID).Scan(&custRef); err != nil {
		t.Fatalf("load customer mapping: %v", err)
	}
	if custRef == "" {
		t.Fatal("customer ref not cached")
	}

	// The open attempt blocks a second charge for the same invoice.
	ch.RunOnce(ctx, slog.Default())
	var attempts int
	if err := database.QueryRow(`SELECT COUNT(1) FROM payments WHERE invoice_id=$1`, invoiceID).Scan(&attempts); err != nil {
		t.Fatalf("count attempts: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("%d payment attempts, want 1", attempts)
	}

	// The authoritative outcome arrives over the webhook and settles the
	// attempt the charger opened.
	r := &Reconciler{DB: database, Service: svc, GracePeriod: 72 * time.Hour}
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
		t.Fatalf("settle: %v", err)
	}
	var invStatus, subStatus string
	if err := database.QueryRow(`SELECT status FROM invoices WHERE id=$1`, invoiceID).Scan(&invStatus); err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	if err := database.QueryRow(`SELECT status FROM subscriptions WHERE id=$1`, sub.ID).Scan(&subStatus); err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if invStatus != InvPaid || subStatus != SubActive {
		t.Fatalf("invoice=%s sub=%s after settlement, want paid/active", invStatus, subStatus)
	}
}

func TestChargerSkipsManualAndMethodlessSubscriptions(t *testing.T) {
	database := testutil.SetupTestDB(t)
	svc := &Service{DB: database}
	ctx := context.Background()

	manual, manualInvoice := setupSubscription(t, svc, ModeManual)
	recurring, recurringInvoice := setupSubscription(t, svc, ModeRecurring)
	for _, inv := range []string{manualInvoice, recurringInvoice} {
		if _, err := database.Exec(`UPDATE invoices SET due_at = NOW() - INTERVAL '1 hour' WHERE id=$1`, inv); err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}
	// Manual mode is never charged; the recurring one has no payment method.
	mock := testutil.NewMockProviderServer(t)
	mock.MockCustomerResponse("cus_unused")
	mock.MockChargeResponse("pp_unused", "processing")

	ch := &Charger{DB: database, Client: providerapi.New(mock.URL, "sk_test"), Provider: "payfake"}
	ch.RunOnce(ctx, slog.Default())

	for _, userID := range []string{manual.UserID, recurring.UserID} {
		var n int
		if err := database.QueryRow(`SELECT COUNT(1) FROM payments WHERE user_id=$1`, userID).Scan(&n); err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 0 {
			t.Fatalf("%d payments for user %s, want none", n, userID)
		}
	}
}
