// Package objectstore implements the typed download/upload/existence
// client described in SPEC_FULL §4.A. It is built once against the
// S3-API-compatible SDK (minio-go) and works unmodified against AWS S3 or
// a self-hosted MinIO endpoint.
package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	workerrors "github.com/audiopipe/transcribe-worker/internal/errors"
)

// URI is a parsed s3://bucket/key reference.
type URI struct {
	Bucket string
	Key    string
}

// ParseURI parses a fully-qualified s3://bucket/key reference (SPEC_FULL
// §3). It does not contact the object store.
func ParseURI(raw string) (URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, workerrors.NewBadInput(fmt.Sprintf("invalid object uri %q", raw), err)
	}
	if u.Scheme != "s3" {
		return URI{}, workerrors.NewBadInput(fmt.Sprintf("object uri %q must use the s3 scheme", raw), nil)
	}
	if u.Host == "" {
		return URI{}, workerrors.NewBadInput(fmt.Sprintf("object uri %q is missing a bucket", raw), nil)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return URI{}, workerrors.NewBadInput(fmt.Sprintf("object uri %q is missing a key", raw), nil)
	}
	return URI{Bucket: u.Host, Key: key}, nil
}

func (u URI) String() string { return fmt.Sprintf("s3://%s/%s", u.Bucket, u.Key) }

// Client is the typed object-store access surface the dispatcher and
// telemetry reporter depend on. It is satisfied by *Store (the real
// minio-backed implementation) and by fakes in tests.
type Client interface {
	// Download fetches uri to a temporary file under the worker-scoped
	// temp directory and returns its local path. Callers are
	// responsible for removing it; Store never leaks the path to a
	// second caller.
	Download(ctx context.Context, uri string) (localPath string, err error)
	// Upload writes localPath's contents to uri with the given
	// content type. Overwrite is always allowed.
	Upload(ctx context.Context, localPath, uri, contentType string) error
	// PutJSON serializes doc and uploads it to uri with content-type
	// application/json.
	PutJSON(ctx context.Context, uri string, doc any) error
	// Exists reports whether an object is present at uri.
	Exists(ctx context.Context, uri string) (bool, error)
	// Delete removes the object at uri. A missing object is not an
	// error.
	Delete(ctx context.Context, uri string) error
	// PresignedURL returns a time-limited, unauthenticated GET URL for
	// uri, surfaced in progress records so an operator can fetch the
	// source audio without object-store credentials (SPEC_FULL §11).
	PresignedURL(ctx context.Context, uri string, expiry time.Duration) (string, error)
}
