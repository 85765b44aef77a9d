// Package dispatcher implements the worker's main control loop (SPEC_FULL
// §4.E): the LOADING → IDLE/RECEIVING → PROCESSING → SHUTTING_DOWN state
// machine, grounded on the teacher's cmd/worker/main.go pool-of-goroutines
// consumer loop, generalized from a fixed-concurrency NATS subscription
// pump processing one-job-per-goroutine into a single-job-at-a-time
// dispatcher with visibility extension, progress piping, and the error
// taxonomy's ack/retry/poison/shutdown policy (SPEC_FULL §7).
package dispatcher

import (
	"context"
	"log"
	"os"
	"time"

	workerrors "github.com/audiopipe/transcribe-worker/internal/errors"
	"github.com/audiopipe/transcribe-worker/internal/jobs"
	"github.com/audiopipe/transcribe-worker/internal/objectstore"
	"github.com/audiopipe/transcribe-worker/internal/queue"
	"github.com/audiopipe/transcribe-worker/internal/telemetry"
	"github.com/audiopipe/transcribe-worker/internal/transcribe"
)

// AuditSink mirrors job lifecycle transitions to an optional observer
// (SPEC_FULL §3 Audit ledger). A nil AuditSink disables auditing entirely;
// callers that do not need the feature should pass nil rather than a
// no-op implementation.
type AuditSink interface {
	RecordReceived(ctx context.Context, jobID string) error
	RecordStarted(ctx context.Context, jobID string) error
	RecordSucceeded(ctx context.Context, jobID string, duration time.Duration) error
	RecordFailed(ctx context.Context, jobID string, kind, message string) error
}

// ExitReason classifies why Run returned, mapped by the caller to the
// process exit codes in SPEC_FULL §6.
type ExitReason int

const (
	// ExitGraceful covers idle timeout and signal-triggered shutdown.
	ExitGraceful ExitReason = iota
	// ExitInitFailure covers a fatal adapter/model-load error during
	// LOADING.
	ExitInitFailure
	// ExitRuntimeError covers a ResourceExhausted failure mid-job that
	// leaves the worker considered wedged.
	ExitRuntimeError
)

// Dependencies bundles everything the dispatcher needs. All fields except
// Audit and Metrics are required.
type Dependencies struct {
	Queue    queue.Client
	Store    objectstore.Client
	Adapter  transcribe.Adapter
	Reporter *telemetry.Reporter
	Metrics  *telemetry.Metrics
	Audit    AuditSink
	WorkerID string

	MaxMessages              int
	LongPoll                 time.Duration
	VisibilityTimeout        time.Duration
	IdleTimeout              time.Duration
	MaxTransientRetries      int
	SkipIfExists             bool
}

// Dispatcher runs the single-job-at-a-time worker state machine.
type Dispatcher struct {
	deps Dependencies

	startupTime      time.Time
	lastJobFinished  time.Time
}

// New constructs a Dispatcher. The adapter must already be ready for
// Initialize/LoadModel to be called by Run.
func New(deps Dependencies) *Dispatcher {
	now := time.Now()
	return &Dispatcher{
		deps:            deps,
		startupTime:     now,
		lastJobFinished: now,
	}
}

// Run executes LOADING, then the IDLE/RECEIVING/PROCESSING loop until ctx
// is cancelled or the idle timeout elapses, returning the reason the loop
// ended. A non-nil error accompanies ExitInitFailure and ExitRuntimeError.
func (d *Dispatcher) Run(ctx context.Context, devicePref transcribe.DevicePreference) (ExitReason, error) {
	d.deps.Reporter.SetStatus(jobs.StatusLoading, "")
	if err := d.deps.Adapter.Initialize(ctx, devicePref); err != nil {
		return ExitInitFailure, err
	}
	if err := d.deps.Adapter.LoadModel(ctx, func(phase jobs.Phase, percent float64, message string) {
		log.Printf("[dispatcher] worker=%s model load phase=%s percent=%.0f msg=%s", d.deps.WorkerID, phase, percent, message)
	}); err != nil {
		return ExitInitFailure, err
	}

	d.deps.Reporter.SetStatus(jobs.StatusIdle, "")
	log.Printf("[dispatcher] worker=%s ready device=%s model=%s", d.deps.WorkerID, d.deps.Adapter.Device(), d.deps.Adapter.Model())

	for {
		select {
		case <-ctx.Done():
			log.Printf("[dispatcher] worker=%s shutdown signal observed", d.deps.WorkerID)
			d.deps.Reporter.SetStatus(jobs.StatusShuttingDown, "")
			return ExitGraceful, nil
		default:
		}

		if d.idleSeconds() >= d.deps.IdleTimeout.Seconds() {
			log.Printf("[dispatcher] worker=%s idle threshold reached, shutting down", d.deps.WorkerID)
			d.deps.Reporter.SetStatus(jobs.StatusShuttingDown, "")
			return ExitGraceful, nil
		}

		if d.deps.Metrics != nil {
			if depth, err := d.deps.Queue.Depth(ctx); err == nil {
				d.deps.Metrics.ObserveQueueDepth(depth.Visible, depth.InFlight)
			}
		}

		msgs, err := d.deps.Queue.Receive(ctx, d.maxMessages(), d.deps.LongPoll, d.deps.VisibilityTimeout)
		if err != nil {
			log.Printf("[dispatcher] worker=%s receive error: %v", d.deps.WorkerID, err)
			// A receive error of any kind is not itself the PROCESSING
			// algorithm's retry policy (§4.E applies to download/upload);
			// back off briefly so a persistently failing queue endpoint
			// doesn't spin the loop.
			sleepOrCancel(ctx.Done(), time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		for _, msg := range msgs {
			reason, err := d.processMessage(ctx, msg)
			if err != nil {
				return reason, err
			}
		}
	}
}

func (d *Dispatcher) maxMessages() int {
	if d.deps.MaxMessages <= 0 {
		return 1
	}
	return d.deps.MaxMessages
}

func (d *Dispatcher) idleSeconds() float64 {
	return time.Since(d.lastJobFinished).Seconds()
}

// processMessage implements the PROCESSING state's job algorithm
// (SPEC_FULL §4.E). A non-nil ExitReason/error pair signals Run should
// stop the loop (ResourceExhausted); otherwise processMessage always
// returns (ExitGraceful, nil) regardless of job outcome, since BadInput,
// EngineError, Transient-exhaustion, and Expired are all handled by
// continuing the loop.
func (d *Dispatcher) processMessage(ctx context.Context, msg queue.Message) (ExitReason, error) {
	job, parseErr := jobs.ParseJob(msg.Body)
	if parseErr != nil {
		d.handlePoison(ctx, "unparseable", msg, workerrors.NewBadInput("parse job body", parseErr))
		return ExitGraceful, nil
	}

	if d.deps.Audit != nil {
		if err := d.deps.Audit.RecordReceived(ctx, job.JobID); err != nil {
			log.Printf("[dispatcher] worker=%s audit RecordReceived failed job=%s: %v", d.deps.WorkerID, job.JobID, err)
		}
	}

	d.deps.Reporter.SetStatus(jobs.StatusProcessing, job.JobID)
	if d.deps.Audit != nil {
		if err := d.deps.Audit.RecordStarted(ctx, job.JobID); err != nil {
			log.Printf("[dispatcher] worker=%s audit RecordStarted failed job=%s: %v", d.deps.WorkerID, job.JobID, err)
		}
	}

	start := time.Now()
	extendDone := make(chan struct{})
	go d.runVisibilityExtension(ctx, msg.Handle, extendDone)

	outcome, processErr := d.runJob(ctx, job, msg)

	// Stop extending before any Delete below, so the extension loop never
	// races a deleted handle (SPEC_FULL §9 design note).
	close(extendDone)

	switch outcome {
	case outcomeSuccess:
		if err := d.deps.Queue.Delete(ctx, msg.Handle); err != nil {
			log.Printf("[dispatcher] worker=%s delete failed job=%s: %v", d.deps.WorkerID, job.JobID, err)
		}
		if d.deps.Metrics != nil {
			d.deps.Metrics.ObserveJob("success", string(d.deps.Adapter.Device()), time.Since(start))
		}
		if d.deps.Audit != nil {
			if err := d.deps.Audit.RecordSucceeded(ctx, job.JobID, time.Since(start)); err != nil {
				log.Printf("[dispatcher] worker=%s audit RecordSucceeded failed job=%s: %v", d.deps.WorkerID, job.JobID, err)
			}
		}
	case outcomePoison:
		d.handlePoison(ctx, job.JobID, msg, processErr)
		if d.deps.Metrics != nil {
			d.deps.Metrics.ObserveJob("failed", string(d.deps.Adapter.Device()), time.Since(start))
		}
	case outcomeResourceExhausted:
		d.writeFailedProgress(ctx, job.JobID, processErr)
		log.Printf("[dispatcher] worker=%s resource exhausted job=%s, shutting down: %v", d.deps.WorkerID, job.JobID, processErr)
		d.deps.Reporter.SetStatus(jobs.StatusShuttingDown, "")
		return ExitRuntimeError, processErr
	case outcomeAbandoned:
		// Transient exhaustion or Expired: do not ack, let redrive retry.
		d.writeFailedProgress(ctx, job.JobID, processErr)
		log.Printf("[dispatcher] worker=%s abandoning job=%s without ack: %v", d.deps.WorkerID, job.JobID, processErr)
		if d.deps.Audit != nil {
			kind, _ := workerrors.KindOf(processErr)
			if err := d.deps.Audit.RecordFailed(ctx, job.JobID, string(kind), processErr.Error()); err != nil {
				log.Printf("[dispatcher] worker=%s audit RecordFailed failed job=%s: %v", d.deps.WorkerID, job.JobID, err)
			}
		}
	}

	d.lastJobFinished = time.Now()
	d.deps.Reporter.SetStatus(jobs.StatusIdle, "")
	return ExitGraceful, nil
}

type jobOutcome int

const (
	outcomeSuccess jobOutcome = iota
	outcomePoison
	outcomeResourceExhausted
	outcomeAbandoned
)

// runJob executes steps 3-6 of the PROCESSING algorithm (download,
// transcribe, upload, classify). It always attempts to clean up the
// downloaded temp file (step 7) before returning.
func (d *Dispatcher) runJob(ctx context.Context, job jobs.Job, msg queue.Message) (jobOutcome, error) {
	if d.deps.SkipIfExists {
		exists, err := d.deps.Store.Exists(ctx, job.S3OutputPath)
		if err == nil && exists {
			d.reportProgress(job.JobID, jobs.PhaseComplete, 100, "output already present, skipped")
			return outcomeSuccess, nil
		}
	}

	inputURL := d.presignedInputURL(ctx, job.S3InputPath)
	d.reportProgressWithInput(job.JobID, jobs.PhaseDownloading, 0, "downloading input", inputURL)
	downloadStart := time.Now()
	localPath, err := d.withTransientRetry(ctx, func() (string, error) {
		return d.deps.Store.Download(ctx, job.S3InputPath)
	})
	d.observePhase(jobs.PhaseDownloading, downloadStart)
	if err != nil {
		return classify(err), err
	}
	defer os.Remove(localPath)

	if _, err := transcribe.ProbeDuration(ctx, localPath); err != nil {
		return classify(err), err
	}

	d.reportProgressWithInput(job.JobID, jobs.PhaseTranscribing, 0, "transcribing", inputURL)
	transcribeStart := time.Now()
	transcript, err := d.deps.Adapter.Transcribe(ctx, localPath, func(phase jobs.Phase, percent float64, message string) {
		d.reportProgressWithInput(job.JobID, phase, percent, message, inputURL)
	})
	d.observePhase(jobs.PhaseTranscribing, transcribeStart)
	if err != nil {
		return classify(err), err
	}

	artifact := jobs.Artifact{
		JobID:                 job.JobID,
		S3InputPath:           job.S3InputPath,
		S3OutputPath:          job.S3OutputPath,
		ProcessedAt:           jobs.RFC3339(time.Now()),
		WorkerID:              d.deps.WorkerID,
		Transcript:            transcript,
		ProcessingTimeSeconds: time.Since(msg.FirstReceivedAt).Seconds(),
		Device:                d.deps.Adapter.Device(),
		Model:                 d.deps.Adapter.Model(),
	}

	d.reportProgress(job.JobID, jobs.PhaseUploading, 0, "uploading transcript")
	uploadStart := time.Now()
	_, err = withTransientRetryT(ctx, d.deps.MaxTransientRetries, d.deps.Metrics, func() (struct{}, error) {
		return struct{}{}, d.deps.Store.PutJSON(ctx, job.S3OutputPath, artifact)
	})
	d.observePhase(jobs.PhaseUploading, uploadStart)
	if err != nil {
		return classify(err), err
	}

	d.reportProgress(job.JobID, jobs.PhaseComplete, 100, "done")
	return outcomeSuccess, nil
}

func classify(err error) jobOutcome {
	kind, ok := workerrors.KindOf(err)
	if !ok {
		return outcomePoison
	}
	switch kind {
	case workerrors.BadInput, workerrors.EngineError:
		return outcomePoison
	case workerrors.ResourceExhausted:
		return outcomeResourceExhausted
	case workerrors.Transient, workerrors.Expired:
		return outcomeAbandoned
	default:
		return outcomePoison
	}
}

// withTransientRetryT retries fn with bounded exponential backoff while it
// fails with a Transient error, up to maxAttempts attempts (SPEC_FULL
// §4.E). Any other error kind is returned immediately. metrics may be nil.
func withTransientRetryT[T any](ctx context.Context, maxAttempts int, metrics *telemetry.Metrics, fn func() (T, error)) (T, error) {
	var b backoff
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !workerrors.IsRetryable(err) || attempt+1 >= maxAttempts {
			return zero, err
		}
		if metrics != nil {
			kind, _ := workerrors.KindOf(err)
			metrics.ObserveRetry(string(kind))
		}
		if sleepOrCancel(ctx.Done(), b.next()) {
			return zero, err
		}
	}
}

func (d *Dispatcher) withTransientRetry(ctx context.Context, fn func() (string, error)) (string, error) {
	return withTransientRetryT(ctx, d.deps.MaxTransientRetries, d.deps.Metrics, fn)
}

// observePhase records how long a processing phase took (SPEC_FULL §4.D
// implementation note), regardless of whether it ultimately succeeded.
func (d *Dispatcher) observePhase(phase jobs.Phase, start time.Time) {
	if d.deps.Metrics != nil {
		d.deps.Metrics.ObservePhase(string(phase), time.Since(start))
	}
}

func (d *Dispatcher) handlePoison(ctx context.Context, jobID string, msg queue.Message, cause error) {
	d.writeFailedProgress(ctx, jobID, cause)
	if err := d.deps.Queue.Delete(ctx, msg.Handle); err != nil {
		log.Printf("[dispatcher] worker=%s poison delete failed job=%s: %v", d.deps.WorkerID, jobID, err)
	}
	if d.deps.Audit != nil {
		kind, _ := workerrors.KindOf(cause)
		if err := d.deps.Audit.RecordFailed(ctx, jobID, string(kind), cause.Error()); err != nil {
			log.Printf("[dispatcher] worker=%s audit RecordFailed failed job=%s: %v", d.deps.WorkerID, jobID, err)
		}
	}
}

func (d *Dispatcher) writeFailedProgress(ctx context.Context, jobID string, cause error) {
	kind, _ := workerrors.KindOf(cause)
	d.reportProgress(jobID, jobs.PhaseFailed, 0, string(kind)+": "+cause.Error())
}

func (d *Dispatcher) reportProgress(jobID string, phase jobs.Phase, percent float64, message string) {
	d.reportProgressWithInput(jobID, phase, percent, message, "")
}

func (d *Dispatcher) reportProgressWithInput(jobID string, phase jobs.Phase, percent float64, message, inputURL string) {
	d.deps.Reporter.ReportProgress(jobs.Progress{
		JobID:           jobID,
		WorkerID:        d.deps.WorkerID,
		Phase:           phase,
		PercentComplete: percent,
		Message:         message,
		InputURL:        inputURL,
	})
}

// presignedInputURL returns a one-hour presigned GET link for uri, or ""
// if presigning fails. Presigning is a progress-record convenience only
// (SPEC_FULL §11); its failure never affects job processing.
func (d *Dispatcher) presignedInputURL(ctx context.Context, uri string) string {
	presigned, err := d.deps.Store.PresignedURL(ctx, uri, time.Hour)
	if err != nil {
		log.Printf("[dispatcher] worker=%s presign failed for %s: %v", d.deps.WorkerID, uri, err)
		return ""
	}
	return presigned
}

// runVisibilityExtension extends the in-flight lease every V/3 seconds
// until done is closed (job terminated) or ctx is cancelled. The caller
// closes done before deleting the message, so extension never races a
// deleted handle (SPEC_FULL §9 design note).
func (d *Dispatcher) runVisibilityExtension(ctx context.Context, handle queue.Handle, done <-chan struct{}) {
	interval := d.deps.VisibilityTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.deps.Queue.ExtendVisibility(ctx, handle, d.deps.VisibilityTimeout); err != nil {
				log.Printf("[dispatcher] worker=%s visibility extension failed: %v", d.deps.WorkerID, err)
				return
			}
		}
	}
}
