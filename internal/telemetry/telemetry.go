// Package telemetry implements the progress & heartbeat reporter
// described in SPEC_FULL §4.D: a single cooperative task, fed by a
// bounded last-value-wins channel, that writes structured status to the
// object store on independent timers. Grounded on the teacher's
// internal/heartbeat.Service (ticker + background goroutine posting to a
// remote endpoint) generalized from an HTTP orchestrator target to the
// object-store client, plus a progress channel the teacher has no analog
// for.
package telemetry

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiopipe/transcribe-worker/internal/jobs"
	"github.com/audiopipe/transcribe-worker/internal/objectstore"
	"github.com/audiopipe/transcribe-worker/internal/transcribe"
)

const progressChannelCapacity = 64

// Reporter is the 4.D cooperative task. It must be constructed with
// NewReporter and started with Start before ReportProgress/SetStatus are
// called from the dispatcher's goroutine.
type Reporter struct {
	store    objectstore.Client
	bucket   string
	workerID string

	progressInterval  time.Duration
	heartbeatInterval time.Duration

	events chan jobs.Progress

	mu            sync.Mutex
	status        jobs.WorkerStatus
	currentJobID  string
	startedAt     time.Time
	lastJobDoneAt time.Time

	metrics *Metrics

	stopped atomic.Bool
}

// NewReporter constructs a Reporter. bucket is the metrics/telemetry
// bucket from SPEC_FULL §6; store is the object-store client (4.A).
func NewReporter(store objectstore.Client, bucket, workerID string, progressInterval, heartbeatInterval time.Duration, metrics *Metrics) *Reporter {
	now := time.Now()
	return &Reporter{
		store:             store,
		bucket:            bucket,
		workerID:          workerID,
		progressInterval:  progressInterval,
		heartbeatInterval: heartbeatInterval,
		events:            make(chan jobs.Progress, progressChannelCapacity),
		status:            jobs.StatusLoading,
		startedAt:         now,
		lastJobDoneAt:     now,
		metrics:           metrics,
	}
}

// ReportProgress enqueues a progress event from the dispatcher's
// goroutine. Non-blocking: on channel overflow, the oldest pending event
// is dropped in favor of the new one (last-value-wins coalescing,
// SPEC_FULL §4.D). Heartbeats are never dropped because they are not
// carried on this channel at all — SetStatus updates shared state read
// directly by the heartbeat tick.
func (r *Reporter) ReportProgress(p jobs.Progress) {
	select {
	case r.events <- p:
		return
	default:
	}
	// Channel full: drop the oldest pending event, then retry once.
	select {
	case <-r.events:
	default:
	}
	select {
	case r.events <- p:
	default:
		// Another producer raced us; this is fine, we only guarantee
		// best-effort coalescing, never job failure (SPEC_FULL §4.D).
	}
}

// SetStatus records the dispatcher's current state machine status for
// the next heartbeat tick.
func (r *Reporter) SetStatus(status jobs.WorkerStatus, currentJobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.currentJobID = currentJobID
	if status == jobs.StatusIdle && currentJobID == "" {
		r.lastJobDoneAt = time.Now()
	}
}

func (r *Reporter) idleSeconds() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentJobID != "" {
		return 0
	}
	return time.Since(r.lastJobDoneAt).Seconds()
}

func (r *Reporter) snapshot() (jobs.WorkerStatus, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.currentJobID
}

// Start runs the reporter's cooperative task until ctx is cancelled, then
// flushes one last heartbeat with status shutting_down (SPEC_FULL §5
// cancellation contract) before returning. Callers should run Start in
// its own goroutine.
func (r *Reporter) Start(ctx context.Context) {
	progressTicker := time.NewTicker(r.progressInterval)
	heartbeatTicker := time.NewTicker(r.heartbeatInterval)
	defer progressTicker.Stop()
	defer heartbeatTicker.Stop()

	// latest is keyed by job_id, not a single slot: two jobs' events can
	// interleave within one progress-ticker period (fast jobs, queue
	// backlog), and a single shared slot would let job B's event silently
	// overwrite job A's still-unflushed one. Terminal events (complete,
	// failed) are flushed immediately rather than waiting for the next
	// tick, since a job's handler may already be moving on to the next
	// message by then.
	latest := map[string]jobs.Progress{}
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.status = jobs.StatusShuttingDown
			r.mu.Unlock()
			r.writeHeartbeat(context.Background())
			r.stopped.Store(true)
			return
		case p := <-r.events:
			if p.Phase == jobs.PhaseComplete || p.Phase == jobs.PhaseFailed {
				delete(latest, p.JobID)
				r.writeProgress(ctx, p)
				continue
			}
			latest[p.JobID] = p
		case <-progressTicker.C:
			for jobID, p := range latest {
				r.writeProgress(ctx, p)
				delete(latest, jobID)
			}
		case <-heartbeatTicker.C:
			r.writeHeartbeat(ctx)
		}
	}
}

func (r *Reporter) writeProgress(ctx context.Context, p jobs.Progress) {
	p.WorkerID = r.workerID
	p.UpdatedAt = jobs.RFC3339(time.Now())
	uri := "s3://" + r.bucket + "/progress/" + p.JobID
	if err := r.store.PutJSON(ctx, uri, p); err != nil {
		// Telemetry is best-effort: log and continue (SPEC_FULL §4.D).
		log.Printf("[telemetry] progress write failed job=%s: %v", p.JobID, err)
		return
	}
	if r.metrics != nil {
		r.metrics.ObserveProgressWrite(string(p.Phase))
	}
}

func (r *Reporter) writeHeartbeat(ctx context.Context) {
	status, currentJobID := r.snapshot()
	hb := jobs.Heartbeat{
		WorkerID:     r.workerID,
		Status:       status,
		CurrentJobID: currentJobID,
		IdleSeconds:  r.idleSeconds(),
		UpdatedAt:    jobs.RFC3339(time.Now()),
	}
	if stats, err := transcribe.SampleHostStats(ctx); err != nil {
		log.Printf("[telemetry] host stats sample failed worker=%s: %v", r.workerID, err)
	} else {
		hb.CPUPercent = stats.CPUPercent
		hb.RAMPercent = stats.RAMPercent
	}
	uri := "s3://" + r.bucket + "/workers/" + r.workerID + "/heartbeat"
	if err := r.store.PutJSON(ctx, uri, hb); err != nil {
		log.Printf("[telemetry] heartbeat write failed worker=%s: %v", r.workerID, err)
		return
	}
	if r.metrics != nil {
		r.metrics.ObserveHeartbeat()
	}
}

// Stopped reports whether Start has observed context cancellation and
// returned. Exposed for tests that want to assert the final heartbeat was
// flushed before asserting on the store's contents.
func (r *Reporter) Stopped() bool { return r.stopped.Load() }
