// Package delivery fans a ready recording out to every follower of its live
// account. Each (recording, user, channel) pair gets exactly one deliveries
// row; redelivered NotifyReady jobs re-dispatch only rows still queued.
// Failed rows stay failed until an operator retries them.
package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Coke3a/stream-catch/jobqueue"
	"github.com/Coke3a/stream-catch/telemetry"
)

// Delivery statuses.
const (
	StatusQueued = "queued"
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Transport pushes one delivery over a channel. Implementations must tolerate
// duplicate sends for the same (user, recording) pair.
type Transport interface {
	Send(ctx context.Context, userID, recordingID string) error
}

// LogTransport is the built-in web_notify channel: it records the
// notification in the application log for the web frontend poller to pick up
// from the deliveries table.
type LogTransport struct{ Channel string }

func (t *LogTransport) Send(ctx context.Context, userID, recordingID string) error {
	telemetry.LoggerWithCorr(ctx).Info("notify",
		slog.String("channel", t.Channel),
		slog.String("user_id", userID),
		slog.String("recording_id", recordingID))
	return nil
}

// Dispatcher executes NotifyReady jobs.
type Dispatcher struct {
	DB         *sql.DB
	Channels   []string
	transports map[string]Transport
}

// NewDispatcher wires a dispatcher with a LogTransport per channel; callers
// can override individual channels with RegisterTransport.
func NewDispatcher(db *sql.DB, channels []string) *Dispatcher {
	if len(channels) == 0 {
		channels = []string{"web_notify"}
	}
	d := &Dispatcher{DB: db, Channels: channels, transports: make(map[string]Transport)}
	for _, ch := range channels {
		d.transports[ch] = &LogTransport{Channel: ch}
	}
	return d
}

// RegisterTransport overrides the transport for one channel.
func (d *Dispatcher) RegisterTransport(channel string, t Transport) {
	d.transports[channel] = t
}

// Handle is the NotifyReady job handler. It seeds the delivery rows for the
// current audience, then dispatches everything still queued. The job succeeds
// even when individual sends fail; per-row status carries the outcome, and
// failed rows wait for an explicit RetryFailed rather than firing again on
// every replay.
func (d *Dispatcher) Handle(ctx context.Context, payload json.RawMessage) error {
	var body jobqueue.NotifyReadyPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("bad NotifyReady payload: %w", err)
	}

	var status, liveAccountID string
	err := d.DB.QueryRowContext(ctx,
		`SELECT status, live_account_id FROM recordings WHERE id=$1`, body.RecordingID).
		Scan(&status, &liveAccountID)
	if err != nil {
		return fmt.Errorf("load recording %s: %w", body.RecordingID, err)
	}
	if status != "ready" {
		// Expired or failed since the enqueue; nothing to deliver.
		telemetry.LoggerWithCorr(ctx).Info("skipping delivery, recording not ready",
			slog.String("recording_id", body.RecordingID), slog.String("status", status))
		return nil
	}

	if err := d.seed(ctx, body.RecordingID, liveAccountID); err != nil {
		return err
	}
	return d.dispatch(ctx, body.RecordingID)
}

// seed inserts a queued delivery row per (follower, channel). The unique
// constraint on (recording_id, user_id, via) absorbs replays; followers added
// after the first run are picked up by a replay, followers removed keep their
// already-seeded rows.
func (d *Dispatcher) seed(ctx context.Context, recordingID, liveAccountID string) error {
	for _, ch := range d.Channels {
		_, err := d.DB.ExecContext(ctx, `
			INSERT INTO deliveries (id, recording_id, user_id, via, status)
			SELECT gen_random_uuid(), $1, f.user_id, $2, 'queued'
			FROM follows f
			JOIN app_users u ON u.id = f.user_id
			WHERE f.live_account_id = $3 AND f.status = 'active' AND u.status = 'active'
			ON CONFLICT (recording_id, user_id, via) DO NOTHING`,
			recordingID, ch, liveAccountID)
		if err != nil {
			return fmt.Errorf("seed %s deliveries: %w", ch, err)
		}
	}
	return nil
}

// dispatch sends every queued row for the recording and records per-row
// outcomes.
func (d *Dispatcher) dispatch(ctx context.Context, recordingID string) error {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id, user_id, via FROM deliveries WHERE recording_id=$1 AND status = 'queued'`,
		recordingID)
	if err != nil {
		return fmt.Errorf("load pending deliveries: %w", err)
	}
	type pending struct{ id, userID, via string }
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.userID, &p.via); err != nil {
			rows.Close()
			return err
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "delivery"), slog.String("recording_id", recordingID))
	var sent, failed int
	for _, p := range todo {
		t, ok := d.transports[p.via]
		if !ok {
			t = &LogTransport{Channel: p.via}
		}
		if serr := t.Send(ctx, p.userID, recordingID); serr != nil {
			failed++
			if telemetry.DeliveriesFailed != nil {
				telemetry.DeliveriesFailed.Inc()
			}
			d.mark(ctx, p.id, StatusFailed, serr.Error())
			logger.Warn("delivery failed", slog.String("user_id", p.userID), slog.String("via", p.via), slog.Any("err", serr))
			continue
		}
		sent++
		if telemetry.DeliveriesSent != nil {
			telemetry.DeliveriesSent.Inc()
		}
		d.mark(ctx, p.id, StatusSent, "")
	}
	if sent > 0 || failed > 0 {
		logger.Info("delivery fan-out complete", slog.Int("sent", sent), slog.Int("failed", failed))
	}
	return nil
}

func (d *Dispatcher) mark(ctx context.Context, deliveryID, status, errMsg string) {
	var deliveredAt any
	if status == StatusSent {
		deliveredAt = time.Now().UTC()
	}
	if _, err := d.DB.ExecContext(ctx,
		`UPDATE deliveries SET status=$2, error=NULLIF($3,''), delivered_at=$4 WHERE id=$1`,
		deliveryID, status, errMsg, deliveredAt); err != nil {
		slog.Warn("delivery status update failed", slog.String("delivery_id", deliveryID), slog.Any("err", err))
	}
}

// RetryFailed requeues the recording's failed delivery rows and dispatches
// them again. Operator action; replayed NotifyReady jobs never touch failed
// rows on their own. Returns the number of rows requeued.
func (d *Dispatcher) RetryFailed(ctx context.Context, recordingID string) (int64, error) {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE deliveries SET status='queued', error=NULL WHERE recording_id=$1 AND status='failed'`,
		recordingID)
	if err != nil {
		return 0, fmt.Errorf("requeue failed deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	return n, d.dispatch(ctx, recordingID)
}

// Follow subscribes a user to a live account's recordings. Idempotent.
func Follow(ctx context.Context, db *sql.DB, userID, liveAccountID string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO follows (user_id, live_account_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		userID, liveAccountID)
	if err != nil {
		return fmt.Errorf("follow: %w", err)
	}
	return nil
}

// Unfollow removes the subscription. Existing delivery rows are untouched.
func Unfollow(ctx context.Context, db *sql.DB, userID, liveAccountID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM follows WHERE user_id=$1 AND live_account_id=$2`, userID, liveAccountID)
	if err != nil {
		return fmt.Errorf("unfollow: %w", err)
	}
	return nil
}

// EnsureLiveAccount upserts a live account by (platform, account_id) and
// returns its id.
func EnsureLiveAccount(ctx context.Context, db *sql.DB, platform, accountID, canonicalURL string) (string, error) {
	id := uuid.New().String()
	err := db.QueryRowContext(ctx, `
		INSERT INTO live_accounts (id, platform, account_id, canonical_url, status)
		VALUES ($1,$2,$3,$4,'active')
		ON CONFLICT (platform, account_id) DO UPDATE SET
			canonical_url = COALESCE(NULLIF(EXCLUDED.canonical_url,''), live_accounts.canonical_url),
			updated_at = NOW()
		RETURNING id`, id, platform, accountID, canonicalURL).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("ensure live account %s/%s: %w", platform, accountID, err)
	}
	return id, nil
}
