// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	JobsEnqueued     *prometheus.CounterVec
	JobsClaimed      prometheus.Counter
	JobsCompleted    prometheus.Counter
	JobsFailed       prometheus.Counter
	JobsDead         prometheus.Counter
	JobsReaped       prometheus.Counter
	UploadsSucceeded prometheus.Counter
	UploadsFailed    prometheus.Counter
	DeliveriesSent   prometheus.Counter
	DeliveriesFailed prometheus.Counter
	WebhookEvents    *prometheus.CounterVec
	InvoicesPaid     prometheus.Counter
	InvoicesPastDue  prometheus.Counter
	StaleEvents      prometheus.Counter

	// Histograms (seconds)
	JobDuration    prometheus.ObserverVec
	UploadDuration prometheus.Observer

	// Gauges
	QueueDepthGauge prometheus.Gauge
	DeadJobsGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs enqueued by type"}, []string{"type"})
		JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs claimed by workers"})
		JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
		JobsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Job attempts that failed"})
		JobsDead = promauto.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_total", Help: "Jobs that exhausted retries"})
		JobsReaped = promauto.NewCounter(prometheus.CounterOpts{Name: "jobs_reaped_total", Help: "Jobs requeued after lease expiry"})
		UploadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "recording_uploads_succeeded_total", Help: "Recording uploads succeeded"})
		UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "recording_uploads_failed_total", Help: "Recording uploads failed"})
		DeliveriesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "deliveries_sent_total", Help: "Delivery rows dispatched successfully"})
		DeliveriesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "deliveries_failed_total", Help: "Delivery rows that failed dispatch"})
		WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "provider_webhook_events_total", Help: "Payment provider webhook events by type"}, []string{"event_type"})
		InvoicesPaid = promauto.NewCounter(prometheus.CounterOpts{Name: "invoices_paid_total", Help: "Invoices transitioned to paid"})
		InvoicesPastDue = promauto.NewCounter(prometheus.CounterOpts{Name: "invoices_past_due_total", Help: "Invoices transitioned to past_due"})
		StaleEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "billing_stale_events_total", Help: "Replayed or out-of-order events skipped as no-ops"})
		JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "job_duration_seconds", Help: "Job handler duration seconds", Buckets: prometheus.DefBuckets}, []string{"type"})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recording_upload_duration_seconds", Help: "Upload duration seconds", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "job_queue_depth", Help: "Current number of queued runnable jobs"})
		DeadJobsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "job_dead_letters", Help: "Current number of dead jobs awaiting operator action"})
	})
}

// SetQueueDepth records the current runnable queue depth.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetDeadJobs records the current dead-letter count.
func SetDeadJobs(n int) {
	if DeadJobsGauge != nil {
		DeadJobsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
