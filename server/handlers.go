package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Coke3a/stream-catch/billing"
	"github.com/Coke3a/stream-catch/config"
	"github.com/Coke3a/stream-catch/delivery"
	"github.com/Coke3a/stream-catch/gateway"
	"github.com/Coke3a/stream-catch/jobqueue"
	"github.com/Coke3a/stream-catch/providerapi"
	"github.com/Coke3a/stream-catch/recording"
	"github.com/Coke3a/stream-catch/telemetry"
)

// Handlers carries the dependencies HTTP endpoints need.
type Handlers struct {
	DB         *sql.DB
	Cfg        *config.Config
	Queue      *jobqueue.Queue
	Recordings *recording.Manager
	Billing    *billing.Service
	Reconciler *billing.Reconciler
	Dispatcher *delivery.Dispatcher
	Signer     *gateway.Signer
}

// NewHandlers wires the endpoint dependency set. main replaces Dispatcher with
// its transport-wired instance so operator retries use the real channels.
func NewHandlers(db *sql.DB, cfg *config.Config) *Handlers {
	q := &jobqueue.Queue{DB: db, MaxAttempts: cfg.JobMaxAttempts}
	svc := &billing.Service{DB: db}
	return &Handlers{
		DB:         db,
		Cfg:        cfg,
		Queue:      q,
		Recordings: &recording.Manager{DB: db, Queue: q},
		Billing:    svc,
		Reconciler: &billing.Reconciler{DB: db, Service: svc, GracePeriod: cfg.GracePeriod},
		Dispatcher: delivery.NewDispatcher(db, cfg.DeliveryChannels),
		Signer: &gateway.Signer{
			DB:      db,
			BaseURL: cfg.WatchURLBase,
			Secret:  []byte(cfg.WatchURLSecret),
			TTL:     cfg.WatchURLTTL,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.DB.PingContext(r.Context()) }},
		{"jobs_table", func() error {
			var n int
			return h.DB.QueryRowContext(r.Context(), "SELECT COUNT(1) FROM jobs WHERE FALSE").Scan(&n)
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports queue depth, dead letters, and recording counts by status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	depth, err := h.Queue.QueueDepth(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dead, err := h.Queue.DeadJobs(ctx, 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.SetDeadJobs(len(dead))

	recCounts := map[string]int{}
	rows, err := h.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM recordings GROUP BY status`)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		recCounts[s] = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue_depth": depth,
		"dead_jobs":   len(dead),
		"recordings":  recCounts,
		"time":        time.Now().UTC(),
	})
}

// engineEvent is a capture engine webhook notification.
type engineEvent struct {
	Type         string    `json:"type"` // live_started | live_ended
	Platform     string    `json:"platform"`
	AccountID    string    `json:"account_id"`
	CanonicalURL string    `json:"canonical_url,omitempty"`
	RecordingID  string    `json:"recording_id,omitempty"`
	Title        string    `json:"title,omitempty"`
	At           time.Time `json:"at,omitempty"`
}

// HandleEngineWebhook ingests capture engine start/end events.
func (h *Handlers) HandleEngineWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var ev engineEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx := r.Context()

	switch ev.Type {
	case "live_started":
		if ev.Platform == "" || ev.AccountID == "" {
			writeError(w, http.StatusBadRequest, "platform and account_id required")
			return
		}
		accID, err := delivery.EnsureLiveAccount(ctx, h.DB, ev.Platform, ev.AccountID, ev.CanonicalURL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		recID, err := h.Recordings.OnCaptureStarted(ctx, accID, ev.Title, ev.At)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"recording_id": recID})
	case "live_ended":
		if ev.RecordingID == "" {
			writeError(w, http.StatusBadRequest, "recording_id required")
			return
		}
		err := h.Recordings.OnCaptureEnded(ctx, ev.RecordingID, ev.At)
		if errors.Is(err, recording.ErrStaleTransition) {
			// Replayed end event; the upload is already in flight.
			writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "upload_queued"})
	default:
		writeError(w, http.StatusBadRequest, "unknown event type")
	}
}

// HandlePaymentWebhook verifies the provider signature and hands the event to
// the reconciler. Stale replays still return 200 so the provider stops
// retrying.
func (h *Handlers) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if h.Cfg.WebhookSecret != "" {
		sig := r.Header.Get("X-Signature")
		if !providerapi.VerifySignature(h.Cfg.WebhookSecret, body, sig) {
			telemetry.LoggerWithCorr(r.Context()).Warn("webhook signature rejected", slog.String("component", "http"))
			writeError(w, http.StatusUnauthorized, "bad signature")
			return
		}
	}

	var ev billing.ProviderEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.Reconciler.HandleProviderEvent(r.Context(), ev); err != nil {
		// 5xx asks the provider to redeliver; reconciliation is idempotent.
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleUserCreate registers a user and their free-plan subscription.
func (h *Handlers) HandleUserCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if err := h.Billing.OnUserCreated(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": req.UserID})
}

// HandleFollows creates (POST) or removes (DELETE) a follow.
func (h *Handlers) HandleFollows(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		Platform  string `json:"platform"`
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.UserID == "" || req.Platform == "" || req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "user_id, platform and account_id required")
		return
	}
	ctx := r.Context()
	accID, err := delivery.EnsureLiveAccount(ctx, h.DB, req.Platform, req.AccountID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch r.Method {
	case http.MethodPost:
		if err := delivery.Follow(ctx, h.DB, req.UserID, accID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"live_account_id": accID})
	case http.MethodDelete:
		if err := delivery.Unfollow(ctx, h.DB, req.UserID, accID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unfollowed"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "POST or DELETE required")
	}
}

// HandleSubscriptionCreate opens a subscription for a plan.
func (h *Handlers) HandleSubscriptionCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		UserID      string    `json:"user_id"`
		PlanID      string    `json:"plan_id"`
		StartsAt    time.Time `json:"starts_at,omitempty"`
		BillingMode string    `json:"billing_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "user_id and plan_id required")
		return
	}
	if req.BillingMode == "" {
		req.BillingMode = billing.ModeRecurring
	}
	sub, err := h.Billing.CreateSubscription(r.Context(), req.UserID, req.PlanID, req.StartsAt, req.BillingMode)
	if errors.Is(err, billing.ErrOverlap) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"subscription_id": sub.ID,
		"starts_at":       sub.StartsAt,
		"ends_at":         sub.EndsAt,
		"status":          sub.Status,
	})
}

// HandleSubscriptionDispatcher routes /subscriptions/{id}/cancel.
func (h *Handlers) HandleSubscriptionDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/subscriptions/")
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost {
		if err := h.Billing.Cancel(r.Context(), parts[0]); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_at_period_end"})
		return
	}
	writeError(w, http.StatusNotFound, "not found")
}

// HandleRecordingsDispatcher routes /recordings/{id}/watch-url.
func (h *Handlers) HandleRecordingsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/recordings/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "watch-url" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	url, expires, err := h.Signer.WatchURL(r.Context(), userID, parts[0])
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "recording not found")
	case errors.Is(err, gateway.ErrNotWatchable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, gateway.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"url": url, "expires_at": expires})
	}
}

// HandleDeadJobs lists dead-lettered jobs for operator review.
func (h *Handlers) HandleDeadJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	jobs, err := h.Queue.DeadJobs(r.Context(), parseIntQuery(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type deadJob struct {
		ID       string          `json:"id"`
		Type     string          `json:"type"`
		Payload  json.RawMessage `json:"payload"`
		Attempts int             `json:"attempts"`
	}
	out := make([]deadJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, deadJob{ID: j.ID, Type: j.Type, Payload: j.Payload, Attempts: j.Attempts})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_jobs": out})
}

// HandleDeliveryRetry requeues and re-dispatches a recording's failed
// delivery rows: POST /admin/deliveries/{recording_id}/retry.
func (h *Handlers) HandleDeliveryRetry(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/deliveries/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "retry" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	n, err := h.Dispatcher.RetryFailed(r.Context(), parts[0])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

// HandleJobRetry requeues one dead job: POST /admin/jobs/{id}/retry.
func (h *Handlers) HandleJobRetry(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/jobs/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "retry" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := h.Queue.Retry(r.Context(), parts[0]); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}
