// Package audit implements the optional Postgres audit ledger (SPEC_FULL
// §3, §6, §11): a pure side-observer mirroring job lifecycle transitions,
// never the system of record. Grounded on the teacher's internal/store
// package (pgxpool.Pool, one method per lifecycle transition), repurposed
// from a required job table the worker reads back (GetJob) into a
// write-only ledger nothing in the dispatch path depends on for
// correctness.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/audiopipe/transcribe-worker/internal/dispatcher"
)

var _ dispatcher.AuditSink = (*Ledger)(nil)

// Ledger records job lifecycle transitions to the transcription_jobs
// table. A nil *Ledger is never constructed; callers that want auditing
// disabled simply don't call New and pass a nil dispatcher.AuditSink.
type Ledger struct {
	pool *pgxpool.Pool
}

// New connects to dsn and verifies the transcription_jobs table exists,
// creating it if necessary. Mirrors the teacher's store.New shape (a
// bounded-timeout pgxpool.New), generalized to also provision its own
// schema since this ledger is observational rather than a dependency of
// an existing API service's migrations.
func New(ctx context.Context, dsn string) (*Ledger, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, err
	}
	l := &Ledger{pool: pool}
	if err := l.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transcription_jobs (
			job_id          TEXT PRIMARY KEY,
			status          TEXT NOT NULL,
			error_kind      TEXT,
			error_message   TEXT,
			duration_seconds DOUBLE PRECISION,
			received_at     TIMESTAMPTZ,
			started_at      TIMESTAMPTZ,
			finished_at     TIMESTAMPTZ
		)
	`)
	return err
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() { l.pool.Close() }

// RecordReceived upserts a row for a newly received job in "received"
// status, called before PROCESSING begins.
func (l *Ledger) RecordReceived(ctx context.Context, jobID string) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO transcription_jobs (job_id, status, received_at)
		VALUES ($1, 'received', now())
		ON CONFLICT (job_id) DO UPDATE SET status = 'received', received_at = now()
	`, jobID)
	return err
}

// RecordStarted marks a job as actively processing.
func (l *Ledger) RecordStarted(ctx context.Context, jobID string) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO transcription_jobs (job_id, status, started_at)
		VALUES ($1, 'started', now())
		ON CONFLICT (job_id) DO UPDATE SET status = 'started', started_at = now()
	`, jobID)
	return err
}

// RecordSucceeded marks a job complete with its end-to-end duration.
func (l *Ledger) RecordSucceeded(ctx context.Context, jobID string, duration time.Duration) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE transcription_jobs
		SET status = 'succeeded', duration_seconds = $2, finished_at = now()
		WHERE job_id = $1
	`, jobID, duration.Seconds())
	return err
}

// RecordFailed marks a job failed with its classified error kind and a
// short message (SPEC_FULL §7 propagation policy).
func (l *Ledger) RecordFailed(ctx context.Context, jobID, kind, message string) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO transcription_jobs (job_id, status, error_kind, error_message, finished_at)
		VALUES ($1, 'failed', $2, $3, now())
		ON CONFLICT (job_id) DO UPDATE
		SET status = 'failed', error_kind = $2, error_message = $3, finished_at = now()
	`, jobID, kind, message)
	return err
}
