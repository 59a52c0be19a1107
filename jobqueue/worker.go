package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Coke3a/stream-catch/telemetry"
)

// Handler executes one claimed job. Handlers must be idempotent: after a lease
// expiry the same payload can be delivered again.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Worker polls the queue and dispatches claimed jobs to registered handlers.
// Multiple workers (in one process or many) can run against the same table.
type Worker struct {
	Queue        *Queue
	ID           string
	PollInterval time.Duration
	BatchSize    int

	handlers map[string]Handler
}

// NewWorker returns a worker with a random identity.
func NewWorker(q *Queue) *Worker {
	return &Worker{
		Queue:        q,
		ID:           uuid.New().String(),
		PollInterval: 5 * time.Second,
		BatchSize:    10,
		handlers:     make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Not safe to call once Run started.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Run polls for runnable jobs until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	logger := slog.Default().With(slog.String("component", "job_worker"), slog.String("worker_id", w.ID))
	logger.Info("job worker starting", slog.Duration("poll_interval", w.PollInterval), slog.Int("batch_size", w.BatchSize))

	// Drain immediately on boot so we don't wait a full interval.
	w.runOnce(ctx, logger)

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("job worker stopped")
			return
		case <-ticker.C:
			w.runOnce(ctx, logger)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context, logger *slog.Logger) {
	if depth, err := w.Queue.QueueDepth(ctx); err == nil {
		telemetry.SetQueueDepth(depth)
	}
	jobs, err := w.Queue.Claim(ctx, w.ID, w.BatchSize)
	if err != nil {
		logger.Warn("claim failed", slog.Any("err", err))
		return
	}
	for _, job := range jobs {
		w.execute(ctx, logger, job)
	}
}

// execute runs one claimed job and applies the complete/fail outcome. The
// handler outcome decides the row transition; handler panics are not caught
// here, the reaper recovers the lease instead.
func (w *Worker) execute(ctx context.Context, logger *slog.Logger, job Job) {
	jlog := logger.With(slog.String("job_id", job.ID), slog.String("job_type", job.Type), slog.Int("attempts", job.Attempts))

	h, ok := w.handlers[job.Type]
	if !ok {
		jlog.Error("no handler registered for job type")
		if err := w.Queue.Fail(ctx, job.ID, fmt.Errorf("no handler for job type %q", job.Type)); err != nil {
			jlog.Error("fail transition failed", slog.Any("err", err))
		}
		return
	}

	sctx, span := telemetry.StartSpan(ctx, "jobqueue", "job "+job.Type)
	start := time.Now()
	err := h(sctx, job.Payload)
	dur := time.Since(start)
	if telemetry.JobDuration != nil {
		telemetry.JobDuration.WithLabelValues(job.Type).Observe(dur.Seconds())
	}

	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		if errors.Is(err, ErrPermanent) {
			jlog.Error("job failed permanently", slog.Any("err", err), slog.Duration("duration", dur))
			if kerr := w.Queue.Kill(ctx, job.ID, err); kerr != nil {
				jlog.Error("kill transition failed", slog.Any("err", kerr))
			}
			return
		}
		jlog.Warn("job failed", slog.Any("err", err), slog.Duration("duration", dur))
		if ferr := w.Queue.Fail(ctx, job.ID, err); ferr != nil {
			jlog.Error("fail transition failed", slog.Any("err", ferr))
		}
		return
	}
	telemetry.SetSpanSuccess(span)
	span.End()
	if cerr := w.Queue.Complete(ctx, job.ID); cerr != nil {
		// Likely reaped mid-run; the redelivered job must be a no-op, which
		// handler idempotency guarantees.
		jlog.Warn("complete transition failed", slog.Any("err", cerr))
		return
	}
	jlog.Info("job done", slog.Duration("duration", dur))
}

// StartReaper runs a loop that requeues jobs stuck in running with an expired
// lease, as if the worker had called Fail with a lease-expired error. This
// recovers from crashed workers without losing the job.
func StartReaper(ctx context.Context, q *Queue, leaseTimeout time.Duration) {
	if leaseTimeout <= 0 {
		leaseTimeout = 5 * time.Minute
	}
	interval := leaseTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	logger := slog.Default().With(slog.String("component", "job_reaper"))
	logger.Info("job reaper starting", slog.Duration("lease_timeout", leaseTimeout), slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("job reaper stopped")
			return
		case <-ticker.C:
			if n, err := ReapExpired(ctx, q, leaseTimeout); err != nil {
				logger.Warn("reap cycle failed", slog.Any("err", err))
			} else if n > 0 {
				logger.Info("requeued expired leases", slog.Int("count", n))
			}
		}
	}
}

// ReapExpired requeues (or dead-letters) every running job whose lease is
// older than leaseTimeout. Returns the number of jobs touched.
func ReapExpired(ctx context.Context, q *Queue, leaseTimeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-leaseTimeout)
	rows, err := q.DB.QueryContext(ctx,
		`SELECT id, locked_by FROM jobs WHERE status='running' AND locked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}
	type expired struct{ id, lockedBy string }
	var stuck []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.lockedBy); err != nil {
			rows.Close()
			return 0, err
		}
		stuck = append(stuck, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range stuck {
		if err := q.Fail(ctx, e.id, fmt.Errorf("lease expired (worker %s)", e.lockedBy)); err != nil {
			return 0, fmt.Errorf("requeue expired job %s: %w", e.id, err)
		}
		if telemetry.JobsReaped != nil {
			telemetry.JobsReaped.Inc()
		}
	}
	return len(stuck), nil
}
