// Command worker runs one transcription worker process (SPEC_FULL §4.E,
// §6). It wires the configuration, object-store, queue, transcription
// adapter, telemetry, and optional audit-ledger components together and
// runs the dispatcher's state machine until idle timeout or signal.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/audiopipe/transcribe-worker/internal/audit"
	"github.com/audiopipe/transcribe-worker/internal/config"
	"github.com/audiopipe/transcribe-worker/internal/dispatcher"
	"github.com/audiopipe/transcribe-worker/internal/objectstore"
	"github.com/audiopipe/transcribe-worker/internal/queue"
	"github.com/audiopipe/transcribe-worker/internal/telemetry"
	"github.com/audiopipe/transcribe-worker/internal/transcribe"
)

const (
	defaultStream  = "TRANSCRIBE_JOBS"
	defaultSubject = "transcribe.jobs"
	defaultDurable = "transcribe-worker"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so main can stay a one-liner and
// deferred cleanups always execute (SPEC_FULL §6 exit codes).
func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Printf("[worker] configuration error: %v", err)
		return 1
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	workerID := host + "-" + uuid.NewString()
	log.Printf("[worker] starting worker_id=%s model=%s cpu_only=%v", workerID, cfg.Model, cfg.CPUOnly)

	store, err := objectstore.New(objectstore.Config{
		Endpoint:  env("S3_ENDPOINT", "s3."+cfg.Region+".amazonaws.com"),
		AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		UseSSL:    true,
		TempDir:   cfg.TempDir,
	})
	if err != nil {
		log.Printf("[worker] object store init failed: %v", err)
		return 1
	}
	defer store.Close()

	q, err := queue.Connect(queue.Options{
		URL:               cfg.QueueURL,
		Stream:            defaultStream,
		Subject:           defaultSubject,
		Durable:           defaultDurable,
		VisibilityTimeout: cfg.VisibilityTimeout(),
		MaxDeliver:        3,
	})
	if err != nil {
		log.Printf("[worker] queue init failed: %v", err)
		return 1
	}
	defer q.Close()

	prober := transcribe.NewNVMLProber()
	adapter, err := transcribe.Select(context.Background(), cfg.Model, 8, cfg.CPUOnly, prober)
	if err != nil {
		log.Printf("[worker] adapter selection failed: %v", err)
		return 1
	}

	metrics := telemetry.NewMetrics()
	reporter := telemetry.NewReporter(store, cfg.S3Bucket, workerID, cfg.ProgressInterval(), cfg.HeartbeatInterval(), metrics)

	var auditSink dispatcher.AuditSink
	if cfg.AuditDSN != "" {
		ledger, err := audit.New(context.Background(), cfg.AuditDSN)
		if err != nil {
			log.Printf("[worker] audit ledger init failed (continuing without it): %v", err)
		} else {
			defer ledger.Close()
			auditSink = ledger
		}
	}

	d := dispatcher.New(dispatcher.Dependencies{
		Queue:               q,
		Store:               store,
		Adapter:             adapter,
		Reporter:            reporter,
		Metrics:             metrics,
		Audit:               auditSink,
		WorkerID:            workerID,
		MaxMessages:         1,
		LongPoll:            cfg.LongPoll(),
		VisibilityTimeout:   cfg.VisibilityTimeout(),
		IdleTimeout:         cfg.IdleTimeout(),
		MaxTransientRetries: cfg.MaxTransientRetries,
		SkipIfExists:        cfg.SkipIfExists,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("[worker] signal received, beginning graceful shutdown")
		cancel()
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[worker] metrics server error: %v", err)
		}
	}()

	reporterDone := make(chan struct{})
	go func() {
		reporter.Start(ctx)
		close(reporterDone)
	}()

	devicePref := transcribe.PreferAuto
	if cfg.CPUOnly {
		devicePref = transcribe.ForceCPU
	}
	reason, runErr := d.Run(ctx, devicePref)

	cancel()
	<-reporterDone
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	switch reason {
	case dispatcher.ExitInitFailure:
		log.Printf("[worker] terminal init failure: %v", runErr)
		return 1
	case dispatcher.ExitRuntimeError:
		log.Printf("[worker] unrecoverable runtime error: %v", runErr)
		return 2
	default:
		log.Printf("[worker] graceful shutdown complete")
		return 0
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
