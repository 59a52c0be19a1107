// Package recording drives a recording from live capture through upload to
// ready. The capture engine reports start/end over a webhook; an enqueued
// RecordingUpload job carries the recording through the upload states. All
// transitions are conditional updates guarded by the allowed precursor set,
// so replayed engine events and redelivered jobs degrade to no-ops.
package recording

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Coke3a/stream-catch/jobqueue"
)

// Recording statuses. ready, failed and expired_deleted are terminal for the
// upload pipeline; expired_deleted only ever follows ready (retention sweep).
const (
	StatusLiveRecording  = "live_recording"
	StatusLiveEnd        = "live_end"
	StatusWaitingUpload  = "waiting_upload"
	StatusUploading      = "uploading"
	StatusReady          = "ready"
	StatusFailed         = "failed"
	StatusExpiredDeleted = "expired_deleted"
)

// ErrStaleTransition reports a conditional update that matched no row: the
// recording is not in an allowed precursor state. Webhook replays hit this
// and treat it as already-done.
var ErrStaleTransition = errors.New("recording not in expected state")

// Recording mirrors a recordings row.
type Recording struct {
	ID            string
	LiveAccountID string
	RecordingKey  sql.NullString
	Title         sql.NullString
	StartedAt     time.Time
	EndedAt       sql.NullTime
	DurationSec   sql.NullInt32
	SizeBytes     sql.NullInt64
	StoragePath   sql.NullString
	Status        string
}

// Manager is the sole writer of recording status. It enqueues follow-up jobs
// through the queue; it never executes them.
type Manager struct {
	DB    *sql.DB
	Queue *jobqueue.Queue
}

// Get loads one recording by id.
func (m *Manager) Get(ctx context.Context, id string) (*Recording, error) {
	var r Recording
	row := m.DB.QueryRowContext(ctx, `
		SELECT id, live_account_id, recording_key, title, started_at, ended_at,
		       duration_sec, size_bytes, storage_path, status
		FROM recordings WHERE id=$1`, id)
	if err := row.Scan(&r.ID, &r.LiveAccountID, &r.RecordingKey, &r.Title, &r.StartedAt,
		&r.EndedAt, &r.DurationSec, &r.SizeBytes, &r.StoragePath, &r.Status); err != nil {
		return nil, err
	}
	return &r, nil
}

// OnCaptureStarted creates a live_recording row for the account. The
// recording key is assigned here and never rewritten; it is the stable handle
// the object gateway signs against.
func (m *Manager) OnCaptureStarted(ctx context.Context, liveAccountID, title string, startedAt time.Time) (string, error) {
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	id := uuid.New().String()

	var platform, accountID string
	if err := m.DB.QueryRowContext(ctx,
		`SELECT platform, account_id FROM live_accounts WHERE id=$1`, liveAccountID).
		Scan(&platform, &accountID); err != nil {
		return "", fmt.Errorf("load live account %s: %w", liveAccountID, err)
	}
	key := fmt.Sprintf("%s/%s/%s", platform, accountID, id)

	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO recordings (id, live_account_id, recording_key, title, started_at, status)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,'live_recording')`,
		id, liveAccountID, key, title, startedAt)
	if err != nil {
		return "", fmt.Errorf("create recording: %w", err)
	}
	slog.Info("recording started", slog.String("recording_id", id), slog.String("recording_key", key), slog.String("component", "recording"))
	return id, nil
}

// OnCaptureEnded moves live_recording -> live_end -> waiting_upload and
// enqueues the RecordingUpload job. The enqueue and the waiting_upload
// transition share a transaction so a crash can't strand the recording
// without a job. Replayed end events return ErrStaleTransition.
func (m *Manager) OnCaptureEnded(ctx context.Context, recordingID string, endedAt time.Time) error {
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin live_end tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE recordings SET status='live_end', ended_at=$2,
		       duration_sec=EXTRACT(EPOCH FROM ($2 - started_at))::int, updated_at=NOW()
		WHERE id=$1 AND status='live_recording'`,
		recordingID, endedAt)
	if err != nil {
		return fmt.Errorf("mark live_end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE recordings SET status='waiting_upload', updated_at=NOW() WHERE id=$1 AND status='live_end'`,
		recordingID); err != nil {
		return fmt.Errorf("mark waiting_upload: %w", err)
	}
	payload := fmt.Sprintf(`{"recording_id":%q}`, recordingID)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, type, payload, run_at, attempts, status) VALUES ($1,'RecordingUpload',$2::jsonb,NOW(),0,'queued')`,
		uuid.New().String(), payload); err != nil {
		return fmt.Errorf("enqueue RecordingUpload: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit waiting_upload tx: %w", err)
	}
	slog.Info("recording ended, upload queued", slog.String("recording_id", recordingID), slog.String("component", "recording"))
	return nil
}

// MarkUploading moves waiting_upload -> uploading when the upload job claims
// the recording. A redelivered job whose previous run already advanced the
// row gets ErrStaleTransition and must re-check the current state.
func (m *Manager) MarkUploading(ctx context.Context, recordingID string) error {
	return m.transition(ctx, recordingID, StatusUploading, []string{StatusWaitingUpload}, "")
}

// MarkReady finalizes a successful upload and enqueues the NotifyReady job.
// The partial unique index keeps the enqueue at-most-once under redelivery.
func (m *Manager) MarkReady(ctx context.Context, recordingID, storagePath string, sizeBytes int64, durationSec int) error {
	if err := m.transition(ctx, recordingID, StatusReady, []string{StatusUploading},
		`storage_path=$3, size_bytes=$4, duration_sec=$5`, storagePath, sizeBytes, durationSec); err != nil {
		return err
	}
	enqueued, err := m.Queue.EnqueueNotifyReady(ctx, recordingID)
	if err != nil {
		return fmt.Errorf("enqueue NotifyReady: %w", err)
	}
	slog.Info("recording ready", slog.String("recording_id", recordingID),
		slog.String("storage_path", storagePath), slog.Bool("notify_enqueued", enqueued),
		slog.String("component", "recording"))
	return nil
}

// MarkFailed records a terminal upload failure on the recording row.
func (m *Manager) MarkFailed(ctx context.Context, recordingID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := m.transition(ctx, recordingID, StatusFailed,
		[]string{StatusWaitingUpload, StatusUploading}, `error=$3`, msg)
	if errors.Is(err, ErrStaleTransition) {
		return err
	}
	if err != nil {
		return err
	}
	slog.Warn("recording failed", slog.String("recording_id", recordingID), slog.String("error", msg), slog.String("component", "recording"))
	return nil
}

// transition applies "set status=$new where status in (precursors)" with
// optional extra SET clauses referencing $3.. placeholders.
func (m *Manager) transition(ctx context.Context, recordingID, newStatus string, precursors []string, extraSet string, extraArgs ...any) error {
	set := `status=$2, updated_at=NOW()`
	if extraSet != "" {
		set += ", " + extraSet
	}
	q := fmt.Sprintf(`UPDATE recordings SET %s WHERE id=$1 AND status = ANY(%s)`, set, pgTextArray(precursors))
	args := append([]any{recordingID, newStatus}, extraArgs...)
	res, err := m.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("transition recording %s to %s: %w", recordingID, newStatus, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// pgTextArray renders a text[] literal for a fixed status set. Values are
// internal constants, never user input.
func pgTextArray(vals []string) string {
	out := "ARRAY["
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += "'" + v + "'"
	}
	return out + "]"
}
