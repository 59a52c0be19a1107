// Command stream-catch is the main entrypoint for the recording delivery and
// billing service. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background loops: the job worker (uploads and ready fan-out),
//     the lease reaper, the billing due sweep, and the retention sweep.
//   - Exposes an HTTP server with webhooks, the watch-url gateway,
//     /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Coke3a/stream-catch/billing"
	"github.com/Coke3a/stream-catch/config"
	"github.com/Coke3a/stream-catch/db"
	"github.com/Coke3a/stream-catch/delivery"
	"github.com/Coke3a/stream-catch/jobqueue"
	"github.com/Coke3a/stream-catch/providerapi"
	"github.com/Coke3a/stream-catch/recording"
	"github.com/Coke3a/stream-catch/server"
	"github.com/Coke3a/stream-catch/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("stream-catch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first, embedded SQL as fallback for deployments
	// that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := &jobqueue.Queue{DB: database, MaxAttempts: cfg.JobMaxAttempts}
	manager := &recording.Manager{DB: database, Queue: queue}

	captureDir := os.Getenv("CAPTURE_DIR")
	if captureDir == "" {
		captureDir = "/data/captures"
	}
	uploader := &recording.HTTPUploader{BaseURL: cfg.StorageBaseURL, Token: cfg.StorageToken}
	uploadProc := &recording.UploadProcessor{Manager: manager, Uploader: uploader, CaptureDir: captureDir}
	dispatcher := delivery.NewDispatcher(database, cfg.DeliveryChannels)

	worker := jobqueue.NewWorker(queue)
	worker.PollInterval = cfg.JobPollInterval
	worker.BatchSize = cfg.JobBatchSize
	worker.Register(jobqueue.TypeRecordingUpload, uploadProc.Handle)
	worker.Register(jobqueue.TypeNotifyReady, dispatcher.Handle)
	go worker.Run(ctx)
	go jobqueue.StartReaper(ctx, queue, cfg.JobLeaseTimeout)

	sweeper := &billing.Sweeper{
		DB:          database,
		Tick:        cfg.BillingSweepTick,
		GracePeriod: cfg.GracePeriod,
		CancelGrace: cfg.CancelGrace,
	}
	go sweeper.Start(ctx)
	go recording.StartRetentionJob(ctx, database, uploader)

	// Outbound charging needs provider credentials; without them the service
	// still reconciles webhooks, it just never initiates charges itself.
	if err := cfg.ValidateBillingReady(); err != nil {
		slog.Warn("charge initiation disabled", slog.Any("err", err))
	} else {
		charger := &billing.Charger{
			DB:       database,
			Client:   providerapi.New(cfg.ProviderBaseURL, cfg.ProviderAPIKey),
			Provider: cfg.ProviderName,
			Tick:     cfg.BillingSweepTick,
		}
		go charger.Start(ctx)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (webhooks, gateway, health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handlers := server.NewHandlers(database, cfg)
	handlers.Dispatcher = dispatcher
	go func() {
		if err := server.Start(ctx, handlers, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
