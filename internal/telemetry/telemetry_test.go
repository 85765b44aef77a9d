package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/audiopipe/transcribe-worker/internal/jobs"
)

// fakeStore is a minimal objectstore.Client fake recording every PutJSON
// call, keyed by URI, for assertions against what the reporter wrote.
type fakeStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{docs: map[string][]byte{}} }

func (f *fakeStore) Download(ctx context.Context, uri string) (string, error) { return "", nil }
func (f *fakeStore) Upload(ctx context.Context, localPath, uri, contentType string) error {
	return nil
}
func (f *fakeStore) PutJSON(ctx context.Context, uri string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[uri] = body
	return nil
}
func (f *fakeStore) Exists(ctx context.Context, uri string) (bool, error) { return true, nil }
func (f *fakeStore) Delete(ctx context.Context, uri string) error        { return nil }
func (f *fakeStore) PresignedURL(ctx context.Context, uri string, expiry time.Duration) (string, error) {
	return "", nil
}

func (f *fakeStore) get(uri string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.docs[uri]
	if !ok {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false
	}
	return doc, true
}

func TestReporterWritesHeartbeatOnTick(t *testing.T) {
	store := newFakeStore()
	r := NewReporter(store, "telemetry-bucket", "worker-1", time.Hour, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := store.get("s3://telemetry-bucket/workers/worker-1/heartbeat"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat was never written")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
	if !r.Stopped() {
		t.Error("Stopped() = false after Start returned")
	}

	doc, _ := store.get("s3://telemetry-bucket/workers/worker-1/heartbeat")
	if doc["status"] != string(jobs.StatusShuttingDown) {
		t.Errorf("final heartbeat status = %v, want %q", doc["status"], jobs.StatusShuttingDown)
	}
}

func TestReporterCoalescesProgressEvents(t *testing.T) {
	store := newFakeStore()
	r := NewReporter(store, "telemetry-bucket", "worker-1", 20*time.Millisecond, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	r.ReportProgress(jobs.Progress{JobID: "job-1", Phase: jobs.PhaseDownloading, PercentComplete: 10})
	r.ReportProgress(jobs.Progress{JobID: "job-1", Phase: jobs.PhaseTranscribing, PercentComplete: 50})
	r.ReportProgress(jobs.Progress{JobID: "job-1", Phase: jobs.PhaseTranscribing, PercentComplete: 90})

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := store.get("s3://telemetry-bucket/progress/job-1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("progress was never written")
		}
		time.Sleep(time.Millisecond)
	}

	doc, _ := store.get("s3://telemetry-bucket/progress/job-1")
	if doc["percent_complete"] != float64(90) {
		t.Errorf("percent_complete = %v, want the last reported value 90 (coalesced)", doc["percent_complete"])
	}
}

func TestReporterFlushesTerminalEventsForDistinctJobsImmediately(t *testing.T) {
	store := newFakeStore()
	// progressInterval is long enough that nothing here depends on the
	// ticker: job-1's complete record must reach the store even though
	// job-2's first event arrives before any tick, which would have
	// overwritten a single shared "latest" slot.
	r := NewReporter(store, "telemetry-bucket", "worker-1", time.Hour, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	r.ReportProgress(jobs.Progress{JobID: "job-1", Phase: jobs.PhaseTranscribing, PercentComplete: 50})
	r.ReportProgress(jobs.Progress{JobID: "job-1", Phase: jobs.PhaseComplete, PercentComplete: 100})
	r.ReportProgress(jobs.Progress{JobID: "job-2", Phase: jobs.PhaseDownloading, PercentComplete: 0})
	r.ReportProgress(jobs.Progress{JobID: "job-2", Phase: jobs.PhaseFailed, PercentComplete: 0, Message: "bad_input: corrupt"})

	deadline := time.Now().Add(time.Second)
	for {
		_, job1Done := store.get("s3://telemetry-bucket/progress/job-1")
		_, job2Done := store.get("s3://telemetry-bucket/progress/job-2")
		if job1Done && job2Done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("both jobs' terminal progress records were never written")
		}
		time.Sleep(time.Millisecond)
	}

	job1, _ := store.get("s3://telemetry-bucket/progress/job-1")
	if job1["phase"] != string(jobs.PhaseComplete) {
		t.Errorf("job-1 phase = %v, want %q", job1["phase"], jobs.PhaseComplete)
	}
	job2, _ := store.get("s3://telemetry-bucket/progress/job-2")
	if job2["phase"] != string(jobs.PhaseFailed) {
		t.Errorf("job-2 phase = %v, want %q", job2["phase"], jobs.PhaseFailed)
	}
}

func TestReporterSetStatusTracksIdleSeconds(t *testing.T) {
	store := newFakeStore()
	r := NewReporter(store, "telemetry-bucket", "worker-1", time.Hour, time.Hour, nil)

	r.SetStatus(jobs.StatusProcessing, "job-1")
	if got := r.idleSeconds(); got != 0 {
		t.Errorf("idleSeconds() while processing = %v, want 0", got)
	}

	r.SetStatus(jobs.StatusIdle, "")
	time.Sleep(5 * time.Millisecond)
	if got := r.idleSeconds(); got <= 0 {
		t.Errorf("idleSeconds() after going idle = %v, want > 0", got)
	}
}
