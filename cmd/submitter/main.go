// Command submitter enqueues a single transcription job (SPEC_FULL §6
// "Submitter CLI surface"). It shares internal/jobs's Job struct and JSON
// encoding with the worker so the two programs cannot drift on wire
// format, and reuses the queue package's Publisher surface the same way
// the worker's Client does.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/audiopipe/transcribe-worker/internal/jobs"
	"github.com/audiopipe/transcribe-worker/internal/queue"
)

const (
	defaultStream  = "TRANSCRIBE_JOBS"
	defaultSubject = "transcribe.jobs"
	defaultDurable = "transcribe-worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	queueURL := flag.String("queue_url", nats.DefaultURL, "queue endpoint")
	inputPath := flag.String("s3_input_path", "", "s3:// uri of the source audio (required)")
	outputPath := flag.String("s3_output_path", "", "s3:// uri to write the transcript to (required)")
	estimatedDuration := flag.Int64("estimated_duration_seconds", 0, "estimated audio duration in seconds")
	priority := flag.Int("priority", 0, "job priority, higher runs first where the queue backend supports it")
	flag.Parse()

	if *inputPath == "" || *outputPath == "" {
		fmt.Fprintln(os.Stderr, "s3_input_path and s3_output_path are required")
		return 1
	}

	job := jobs.Job{
		JobID:                    uuid.NewString(),
		S3InputPath:              *inputPath,
		S3OutputPath:             *outputPath,
		EstimatedDurationSeconds: *estimatedDuration,
		Priority:                 *priority,
		RetryCount:               0,
		SubmittedAt:              jobs.RFC3339(time.Now()),
	}
	if err := job.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid job: %v\n", err)
		return 1
	}

	q, err := queue.Connect(queue.Options{
		URL:               *queueURL,
		Stream:            defaultStream,
		Subject:           defaultSubject,
		Durable:           defaultDurable,
		VisibilityTimeout: 1800 * time.Second,
		MaxDeliver:        3,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to queue: %v\n", err)
		return 1
	}
	defer q.Close()

	body, err := json.Marshal(job)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode job: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.Publish(ctx, body); err != nil {
		fmt.Fprintf(os.Stderr, "publish job: %v\n", err)
		return 1
	}

	log.Printf("Job ID: %s", job.JobID)
	fmt.Printf("Job ID: %s\n", job.JobID)
	return 0
}
