// Package jobqueue implements a Postgres-backed job queue with leases,
// capped exponential retry backoff, and a dead-letter state. Jobs are claimed
// with FOR UPDATE SKIP LOCKED so concurrent workers never share a job, and a
// reaper requeues work whose worker died mid-lease. Handlers must be
// idempotent: a lease expiry can redeliver a job whose side effects already
// happened.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Coke3a/stream-catch/telemetry"
)

// Job types. Payloads are tagged per type; see the payload structs below.
const (
	TypeRecordingUpload = "RecordingUpload"
	TypeNotifyReady     = "NotifyReady"
)

// Job statuses. Only the queue transitions these.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusDead    = "dead"
)

// RecordingUploadPayload references the recording a RecordingUpload job moves
// through waiting_upload -> uploading -> ready|failed.
type RecordingUploadPayload struct {
	RecordingID string `json:"recording_id"`
}

// NotifyReadyPayload references the recording to fan out. The audience is
// computed at execution time, not baked into the payload.
type NotifyReadyPayload struct {
	RecordingID string `json:"recording_id"`
}

// Job is a queue row as seen by a claiming worker.
type Job struct {
	ID       string
	Type     string
	Payload  json.RawMessage
	RunAt    time.Time
	Attempts int
	Status   string
}

// Queue wraps the jobs table. All status transitions go through it; other
// components only enqueue.
type Queue struct {
	DB          *sql.DB
	MaxAttempts int
}

// Backoff policy: base * 5^(attempts-1), capped. With a 5s base the schedule
// is 5s, 25s, 125s, ~10m, then the cap.
const (
	backoffBase = 5 * time.Second
	backoffCap  = time.Hour
)

// Backoff returns the delay before the given (1-based) retry attempt runs.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 5
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// Enqueue inserts a queued job. runAt controls the earliest execution time;
// zero means now. Returns the job id.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, runAt time.Time) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	id := uuid.New().String()
	_, err = q.DB.ExecContext(ctx,
		`INSERT INTO jobs (id, type, payload, run_at, attempts, status) VALUES ($1,$2,$3,$4,0,'queued')`,
		id, jobType, body, runAt)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	if telemetry.JobsEnqueued != nil {
		telemetry.JobsEnqueued.WithLabelValues(jobType).Inc()
	}
	return id, nil
}

// EnqueueNotifyReady inserts a NotifyReady job for the recording unless one
// already exists. The partial unique index on (type, recording_id) makes this
// safe under upload-job redelivery; a duplicate insert is a no-op.
func (q *Queue) EnqueueNotifyReady(ctx context.Context, recordingID string) (bool, error) {
	body, err := json.Marshal(NotifyReadyPayload{RecordingID: recordingID})
	if err != nil {
		return false, fmt.Errorf("marshal notify payload: %w", err)
	}
	res, err := q.DB.ExecContext(ctx,
		`INSERT INTO jobs (id, type, payload, run_at, attempts, status)
		 VALUES ($1,'NotifyReady',$2,NOW(),0,'queued')
		 ON CONFLICT DO NOTHING`,
		uuid.New().String(), body)
	if err != nil {
		return false, fmt.Errorf("enqueue NotifyReady: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && telemetry.JobsEnqueued != nil {
		telemetry.JobsEnqueued.WithLabelValues(TypeNotifyReady).Inc()
	}
	return n > 0, nil
}

// Claim atomically selects up to batchSize runnable jobs, marks them running
// and stamps the lease. The SKIP LOCKED subselect guarantees two workers never
// claim the same row.
func (q *Queue) Claim(ctx context.Context, workerID string, batchSize int) ([]Job, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	rows, err := q.DB.QueryContext(ctx, `
		UPDATE jobs SET status='running', locked_at=NOW(), locked_by=$1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status='queued' AND run_at <= NOW()
			ORDER BY run_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, payload, run_at, attempts, status`,
		workerID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var claimed []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Type, &j.Payload, &j.RunAt, &j.Attempts, &j.Status); err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		claimed = append(claimed, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if telemetry.JobsClaimed != nil {
		for range claimed {
			telemetry.JobsClaimed.Inc()
		}
	}
	return claimed, nil
}

// Complete marks a running job done and releases the lease.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	res, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET status='done', locked_at=NULL, locked_by=NULL WHERE id=$1 AND status='running'`,
		jobID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete job %s: not running", jobID)
	}
	if telemetry.JobsCompleted != nil {
		telemetry.JobsCompleted.Inc()
	}
	return nil
}

// Fail records a failed attempt. Below the attempt budget the job requeues
// with backoff; at the budget it becomes dead and stays dead until an
// operator intervenes.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) error {
	maxAttempts := q.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	var attempts int
	if err := q.DB.QueryRowContext(ctx, `SELECT attempts FROM jobs WHERE id=$1`, jobID).Scan(&attempts); err != nil {
		return fmt.Errorf("load job %s attempts: %w", jobID, err)
	}

	newAttempts := attempts + 1
	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}

	if newAttempts < maxAttempts {
		runAt := time.Now().UTC().Add(Backoff(newAttempts))
		_, err := q.DB.ExecContext(ctx,
			`UPDATE jobs SET status='queued', attempts=$2, error=$3, run_at=$4, locked_at=NULL, locked_by=NULL WHERE id=$1`,
			jobID, newAttempts, errMsg, runAt)
		if err != nil {
			return fmt.Errorf("requeue job %s: %w", jobID, err)
		}
		if telemetry.JobsFailed != nil {
			telemetry.JobsFailed.Inc()
		}
		return nil
	}

	_, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET status='dead', attempts=$2, error=$3, locked_at=NULL, locked_by=NULL WHERE id=$1`,
		jobID, newAttempts, errMsg)
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", jobID, err)
	}
	if telemetry.JobsFailed != nil {
		telemetry.JobsFailed.Inc()
	}
	if telemetry.JobsDead != nil {
		telemetry.JobsDead.Inc()
	}
	return nil
}

// ErrPermanent marks a handler failure that retrying cannot fix. The worker
// dead-letters the job immediately instead of walking the backoff schedule.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the worker dead-letters the job on this attempt.
func Permanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Kill dead-letters a running job immediately, bypassing the retry budget.
func (q *Queue) Kill(ctx context.Context, jobID string, jobErr error) error {
	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}
	res, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET status='dead', attempts=attempts+1, error=$2, locked_at=NULL, locked_by=NULL WHERE id=$1 AND status='running'`,
		jobID, errMsg)
	if err != nil {
		return fmt.Errorf("kill job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("kill job %s: not running", jobID)
	}
	if telemetry.JobsDead != nil {
		telemetry.JobsDead.Inc()
	}
	return nil
}

// Retry requeues a dead job with a fresh attempt budget. Operator action only.
func (q *Queue) Retry(ctx context.Context, jobID string) error {
	res, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET status='queued', attempts=0, error=NULL, run_at=NOW() WHERE id=$1 AND status='dead'`,
		jobID)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retry job %s: not dead", jobID)
	}
	return nil
}

// QueueDepth returns the number of runnable queued jobs.
func (q *Queue) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := q.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE status='queued' AND run_at <= NOW()`).Scan(&n)
	return n, err
}

// DeadJobs lists dead jobs for operator alerting, newest first.
func (q *Queue) DeadJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.DB.QueryContext(ctx,
		`SELECT id, type, payload, run_at, attempts, status FROM jobs WHERE status='dead' ORDER BY run_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Type, &j.Payload, &j.RunAt, &j.Attempts, &j.Status); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
