package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	workerrors "github.com/audiopipe/transcribe-worker/internal/errors"
)

// minioAPI is the subset of *minio.Client this package depends on,
// grounded on the teacher's internal/storage/s3.go wrapper. Narrowing to
// an interface lets tests substitute a fake without a running MinIO
// server (see objectstore_test.go).
type minioAPI interface {
	FGetObject(ctx context.Context, bucket, key, filePath string, opts minio.GetObjectOptions) error
	FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
}

var _ minioAPI = (*minio.Client)(nil)

// Store is the minio-backed implementation of Client.
type Store struct {
	api     minioAPI
	tempDir string
}

var _ Client = (*Store)(nil)

// Config configures Store's endpoint and scratch directory.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	TempDir   string
}

// New constructs a Store against an S3-API-compatible endpoint (AWS S3 or
// a MinIO deployment), scoping temporary downloads under a
// worker-specific subdirectory of cfg.TempDir.
func New(cfg Config) (*Store, error) {
	endpointHost, secure, err := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, workerrors.NewFatal("object store endpoint", err)
	}
	client, err := minio.New(endpointHost, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, workerrors.NewFatal("object store client init", err)
	}
	scratch := filepath.Join(cfg.TempDir, "worker-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, workerrors.NewFatal("create scratch dir", err)
	}
	return &Store{api: client, tempDir: scratch}, nil
}

// normalizeEndpoint accepts either "host:port" or "http(s)://host:port"
// and returns the bare host:port plus whether TLS should be used.
func normalizeEndpoint(raw string, cfgUseSSL bool) (host string, secure bool, err error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", false, fmt.Errorf("empty object store endpoint")
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, perr := url.Parse(raw)
		if perr != nil {
			return "", false, perr
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint url (missing host): %q", raw)
		}
		return u.Host, u.Scheme == "https", nil
	}
	return raw, cfgUseSSL, nil
}

// Close removes the worker-scoped scratch directory and anything still
// in it (SPEC_FULL §4.A: temp files are removed on worker shutdown).
func (s *Store) Close() error {
	return os.RemoveAll(s.tempDir)
}

func (s *Store) Download(ctx context.Context, rawURI string) (string, error) {
	uri, err := ParseURI(rawURI)
	if err != nil {
		return "", err
	}
	localPath := filepath.Join(s.tempDir, uuid.NewString()+"-"+filepath.Base(uri.Key))
	if err := s.api.FGetObject(ctx, uri.Bucket, uri.Key, localPath, minio.GetObjectOptions{}); err != nil {
		os.Remove(localPath)
		return "", classifyMinioErr("download", uri, err)
	}
	return localPath, nil
}

func (s *Store) Upload(ctx context.Context, localPath, rawURI, contentType string) error {
	uri, err := ParseURI(rawURI)
	if err != nil {
		return err
	}
	if _, err := s.api.FPutObject(ctx, uri.Bucket, uri.Key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return classifyMinioErr("upload", uri, err)
	}
	return nil
}

func (s *Store) PutJSON(ctx context.Context, rawURI string, doc any) error {
	uri, err := ParseURI(rawURI)
	if err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return workerrors.NewBadInput("marshal json document", err)
	}
	_, err = s.api.PutObject(ctx, uri.Bucket, uri.Key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return classifyMinioErr("put_json", uri, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, rawURI string) (bool, error) {
	uri, err := ParseURI(rawURI)
	if err != nil {
		return false, err
	}
	_, err = s.api.StatObject(ctx, uri.Bucket, uri.Key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classifyMinioErr("exists", uri, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, rawURI string) error {
	uri, err := ParseURI(rawURI)
	if err != nil {
		return err
	}
	if err := s.api.RemoveObject(ctx, uri.Bucket, uri.Key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return classifyMinioErr("delete", uri, err)
	}
	return nil
}

func (s *Store) PresignedURL(ctx context.Context, rawURI string, expiry time.Duration) (string, error) {
	uri, err := ParseURI(rawURI)
	if err != nil {
		return "", err
	}
	u, err := s.api.PresignedGetObject(ctx, uri.Bucket, uri.Key, expiry, nil)
	if err != nil {
		return "", classifyMinioErr("presign", uri, err)
	}
	return u.String(), nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

// classifyMinioErr maps a minio SDK error to the dispatcher's error
// taxonomy (SPEC_FULL §7). NotFound and AccessDenied are not retryable —
// no amount of exponential backoff fixes a missing object or a bad
// credential — so both surface as BadInput: the job structurally cannot
// be completed, the dispatcher poison-acks it, and an operator has to
// intervene. Anything else (network errors, 5xx, throttling) is Transient
// and eligible for the dispatcher's bounded retry loop.
func classifyMinioErr(op string, uri URI, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return workerrors.Wrap(workerrors.BadInput, fmt.Sprintf("%s %s: not found", op, uri), err)
	case "AccessDenied":
		return workerrors.Wrap(workerrors.BadInput, fmt.Sprintf("%s %s: access denied", op, uri), err)
	default:
		return workerrors.Wrap(workerrors.Transient, fmt.Sprintf("%s %s", op, uri), err)
	}
}

