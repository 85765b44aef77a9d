package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	workerrors "github.com/audiopipe/transcribe-worker/internal/errors"
	"github.com/audiopipe/transcribe-worker/internal/jobs"
	"github.com/audiopipe/transcribe-worker/internal/queue"
	"github.com/audiopipe/transcribe-worker/internal/telemetry"
	"github.com/audiopipe/transcribe-worker/internal/transcribe"
)

// fakeStore is an in-memory objectstore.Client. failDownloads/failUploads
// let tests inject a fixed number of Transient failures before succeeding,
// exercising S3's retry policy.
type fakeStore struct {
	mu   sync.Mutex
	docs map[string][]byte

	failDownloadsRemaining int
	failUploadsRemaining   int
	uploadCount            int
}

func newFakeStore() *fakeStore { return &fakeStore{docs: map[string][]byte{}} }

func (f *fakeStore) Download(ctx context.Context, uri string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDownloadsRemaining > 0 {
		f.failDownloadsRemaining--
		return "", workerrors.NewTransient("simulated download blip", nil)
	}
	dir, err := os.MkdirTemp("", "dispatcher-test-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "input.wav")
	if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeStore) Upload(ctx context.Context, localPath, uri, contentType string) error { return nil }

func (f *fakeStore) PutJSON(ctx context.Context, uri string, doc any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUploadsRemaining > 0 {
		f.failUploadsRemaining--
		return workerrors.NewTransient("simulated upload blip", nil)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	f.docs[uri] = body
	f.uploadCount++
	return nil
}

func (f *fakeStore) Exists(ctx context.Context, uri string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[uri]
	return ok, nil
}

func (f *fakeStore) Delete(ctx context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, uri)
	return nil
}

func (f *fakeStore) PresignedURL(ctx context.Context, uri string, expiry time.Duration) (string, error) {
	return "https://example.invalid/" + uri, nil
}

func (f *fakeStore) get(uri string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.docs[uri]
	return body, ok
}

func testReporter(store *fakeStore) *telemetry.Reporter {
	return telemetry.NewReporter(store, "telemetry", "worker-test", time.Hour, time.Hour, nil)
}

func newTestDispatcher(t *testing.T, q queue.Client, store *fakeStore, adapter transcribe.Adapter) *Dispatcher {
	t.Helper()
	return New(Dependencies{
		Queue:               q,
		Store:               store,
		Adapter:             adapter,
		Reporter:            testReporter(store),
		WorkerID:            "worker-test",
		MaxMessages:         1,
		LongPoll:            10 * time.Millisecond,
		VisibilityTimeout:   300 * time.Millisecond,
		IdleTimeout:         200 * time.Millisecond,
		MaxTransientRetries: 5,
	})
}

// S1 — happy path: a well-formed job produces a transcript document and
// the message is deleted.
func TestDispatcherHappyPath(t *testing.T) {
	q := queue.NewFakeClient(3)
	store := newFakeStore()
	adapter := transcribe.NewFakeAdapter(jobs.NewTranscript([]jobs.Segment{{Start: 0, End: 1, Text: "hello"}}, "en"))
	d := newTestDispatcher(t, q, store, adapter)

	body, _ := json.Marshal(jobs.Job{
		JobID:        "j1",
		S3InputPath:  "s3://aud/a.mp3",
		S3OutputPath: "s3://aud/t.json",
		SubmittedAt:  "2025-01-01T00:00:00Z",
	})
	if err := q.Publish(context.Background(), body); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reason, err := runUntilIdleExit(t, d, ctx)
	if err != nil || reason != ExitGraceful {
		t.Fatalf("Run() = (%v, %v), want (ExitGraceful, nil)", reason, err)
	}

	doc, ok := store.get("s3://aud/t.json")
	if !ok {
		t.Fatal("transcript object was not written")
	}
	var artifact jobs.Artifact
	if err := json.Unmarshal(doc, &artifact); err != nil {
		t.Fatalf("unmarshal artifact: %v", err)
	}
	if artifact.JobID != "j1" {
		t.Errorf("artifact.JobID = %q, want j1", artifact.JobID)
	}
	if len(q.Deleted()) != 1 {
		t.Errorf("Deleted() = %v, want exactly one delete", q.Deleted())
	}
}

// S2 — poison message: a malformed body is deleted after one receive and
// never retried.
func TestDispatcherPoisonMessageDeletedOnce(t *testing.T) {
	q := queue.NewFakeClient(3)
	store := newFakeStore()
	adapter := transcribe.NewFakeAdapter(jobs.Transcript{})
	d := newTestDispatcher(t, q, store, adapter)

	if err := q.Publish(context.Background(), []byte("not-json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reason, err := runUntilIdleExit(t, d, ctx)
	if err != nil || reason != ExitGraceful {
		t.Fatalf("Run() = (%v, %v), want (ExitGraceful, nil)", reason, err)
	}

	if len(q.Deleted()) != 1 {
		t.Errorf("Deleted() = %v, want exactly one delete for the poison message", q.Deleted())
	}
	if len(q.DLQ()) != 0 {
		t.Errorf("DLQ() = %v, want empty: a poison message is deleted directly, not redriven", q.DLQ())
	}
}

// S3 — transient upload failure: three consecutive upload failures then
// success still produces exactly one transcript and one delete.
func TestDispatcherRetriesTransientUploadFailure(t *testing.T) {
	q := queue.NewFakeClient(3)
	store := newFakeStore()
	store.failUploadsRemaining = 3
	adapter := transcribe.NewFakeAdapter(jobs.NewTranscript([]jobs.Segment{{Start: 0, End: 1, Text: "hi"}}, "en"))
	d := newTestDispatcher(t, q, store, adapter)

	body, _ := json.Marshal(jobs.Job{JobID: "j3", S3InputPath: "s3://aud/a.mp3", S3OutputPath: "s3://aud/t.json"})
	if err := q.Publish(context.Background(), body); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Three failures back off 1s + 2s + 4s before the fourth attempt
	// succeeds, so the deadline must exceed 7s.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	reason, err := runUntilIdleExit(t, d, ctx)
	if err != nil || reason != ExitGraceful {
		t.Fatalf("Run() = (%v, %v), want (ExitGraceful, nil)", reason, err)
	}

	if _, ok := store.get("s3://aud/t.json"); !ok {
		t.Fatal("transcript was never written despite eventual upload success")
	}
	if store.uploadCount != 1 {
		t.Errorf("uploadCount = %d, want exactly 1 successful PutJSON", store.uploadCount)
	}
	if len(q.Deleted()) != 1 {
		t.Errorf("Deleted() = %v, want exactly one delete", q.Deleted())
	}
}

// S6 — a job that always raises ResourceExhausted is never acked and the
// worker reports ExitRuntimeError so the caller shuts the process down,
// leaving it for redrive/DLQ after repeated receives across workers.
func TestDispatcherResourceExhaustedShutsDownWithoutAck(t *testing.T) {
	q := queue.NewFakeClient(3)
	store := newFakeStore()
	adapter := transcribe.NewFakeAdapter(jobs.Transcript{})
	adapter.TranscribeErr = workerrors.NewResourceExhausted("device OOM", nil)
	d := newTestDispatcher(t, q, store, adapter)

	body, _ := json.Marshal(jobs.Job{JobID: "j6", S3InputPath: "s3://aud/a.mp3", S3OutputPath: "s3://aud/t.json"})
	if err := q.Publish(context.Background(), body); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reason, err := d.Run(ctx, transcribe.PreferAuto)
	if reason != ExitRuntimeError || err == nil {
		t.Fatalf("Run() = (%v, %v), want (ExitRuntimeError, non-nil)", reason, err)
	}
	if len(q.Deleted()) != 0 {
		t.Errorf("Deleted() = %v, want no deletes: ResourceExhausted must not ack", q.Deleted())
	}
	if _, ok := store.get("s3://aud/t.json"); ok {
		t.Error("transcript must not exist when the job never completed")
	}
}

// runUntilIdleExit runs Run to completion. Run returns (ExitGraceful, nil)
// both on idle timeout and when ctx is cancelled, so callers that only care
// about the work done before shutdown can assert on that pair either way.
func runUntilIdleExit(t *testing.T, d *Dispatcher, ctx context.Context) (ExitReason, error) {
	t.Helper()
	return d.Run(ctx, transcribe.PreferAuto)
}
