// Package jobs defines the wire-format data model shared by the worker and
// the submitter: the queue message body, the transcript artifact, and the
// progress/heartbeat telemetry documents.
package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Job is the queue message body (SPEC_FULL §3, §6). Unknown fields are
// ignored on decode, per §6, because we unmarshal into this concrete
// struct rather than a generic map.
type Job struct {
	JobID                     string `json:"job_id"`
	S3InputPath               string `json:"s3_input_path"`
	S3OutputPath              string `json:"s3_output_path"`
	EstimatedDurationSeconds  int64  `json:"estimated_duration_seconds"`
	Priority                  int    `json:"priority"`
	RetryCount                int    `json:"retry_count"`
	SubmittedAt               string `json:"submitted_at"`
}

// ParseJob decodes a queue message body into a Job and validates the
// required fields. A malformed or incomplete body is reported as a
// *errors.Error of kind BadInput by the caller (internal/dispatcher),
// which keeps this package free of the errors package's retry vocabulary.
func ParseJob(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("decode job body: %w", err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Validate checks the structural invariants required before a Job can be
// processed: non-empty identifiers and well-formed s3:// URIs.
func (j Job) Validate() error {
	if strings.TrimSpace(j.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if !isS3URI(j.S3InputPath) {
		return fmt.Errorf("s3_input_path must be an s3:// uri, got %q", j.S3InputPath)
	}
	if !isS3URI(j.S3OutputPath) {
		return fmt.Errorf("s3_output_path must be an s3:// uri, got %q", j.S3OutputPath)
	}
	if j.EstimatedDurationSeconds < 0 {
		return fmt.Errorf("estimated_duration_seconds must be non-negative")
	}
	if j.RetryCount < 0 {
		return fmt.Errorf("retry_count must be non-negative")
	}
	return nil
}

func isS3URI(s string) bool {
	return strings.HasPrefix(s, "s3://") && len(s) > len("s3://")
}

// Segment is one ordered span of transcribed speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the engine's output: ordered segments plus the
// concatenation convenience fields described in SPEC_FULL §4.C.
type Transcript struct {
	Segments []Segment `json:"segments"`
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
}

// NewTranscript builds a Transcript from segments, deriving Text as the
// space-joined segment text in order (SPEC_FULL §4.C numeric semantics).
func NewTranscript(segments []Segment, language string) Transcript {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = s.Text
	}
	return Transcript{
		Segments: segments,
		Text:     strings.Join(parts, " "),
		Language: language,
	}
}

// Device identifies the compute device used for a transcription run.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// Artifact is the transcript document uploaded to S3OutputPath (SPEC_FULL §3).
type Artifact struct {
	JobID                 string     `json:"job_id"`
	S3InputPath            string     `json:"s3_input_path"`
	S3OutputPath           string     `json:"s3_output_path"`
	ProcessedAt            string     `json:"processed_at"`
	WorkerID               string     `json:"worker_id"`
	Transcript             Transcript `json:"transcript"`
	ProcessingTimeSeconds  float64    `json:"processing_time_seconds"`
	Device                 Device     `json:"device"`
	Model                  string     `json:"model"`
}

// Phase enumerates the progress states a job moves through (SPEC_FULL §3).
type Phase string

const (
	PhaseQueuedReceived Phase = "queued_received"
	PhaseDownloading    Phase = "downloading"
	PhaseModelLoading   Phase = "model_loading"
	PhaseTranscribing   Phase = "transcribing"
	PhaseUploading      Phase = "uploading"
	PhaseComplete       Phase = "complete"
	PhaseFailed         Phase = "failed"
)

// Progress is the per-job telemetry document overwritten at progress/<job_id>.
type Progress struct {
	JobID          string  `json:"job_id"`
	WorkerID       string  `json:"worker_id"`
	Phase          Phase   `json:"phase"`
	PercentComplete float64 `json:"percent_complete"`
	Message        string  `json:"message,omitempty"`
	// InputURL is a best-effort, time-limited presigned GET URL for the
	// source audio, included so an operator can fetch it without
	// object-store credentials. Left empty if presigning fails; a
	// presign failure never fails the job itself.
	InputURL  string `json:"input_url,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// WorkerStatus enumerates the states surfaced in a heartbeat document.
type WorkerStatus string

const (
	StatusLoading     WorkerStatus = "loading"
	StatusIdle        WorkerStatus = "idle"
	StatusProcessing  WorkerStatus = "processing"
	StatusShuttingDown WorkerStatus = "shutting_down"
)

// Heartbeat is the per-worker telemetry document overwritten at
// workers/<worker_id>/heartbeat.
type Heartbeat struct {
	WorkerID     string       `json:"worker_id"`
	Status       WorkerStatus `json:"status"`
	CurrentJobID string       `json:"current_job_id,omitempty"`
	IdleSeconds  float64      `json:"idle_seconds"`
	// CPUPercent and RAMPercent are a best-effort host resource sample
	// (SPEC_FULL §4.C implementation note) so an operator can tell a
	// slow-but-healthy worker from a wedged one. Zero if sampling failed.
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
	UpdatedAt  string  `json:"updated_at"`
}

// RFC3339 formats a time the way every telemetry document in this system
// stamps its timestamps.
func RFC3339(t time.Time) string { return t.UTC().Format(time.RFC3339) }
