package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/neurotatarlar/gec-annotation-platform/internal/export"
)

const (
	keyPrefix       = "exports/"
	keyTimeLayout   = "20060102T150405Z"
	jsonlExtension  = ".jsonl"
	bucketCheckWait = 10 * time.Second
)

var (
	ErrMissingStore    = errors.New("archive: object store required")
	ErrMissingEndpoint = errors.New("archive: endpoint required")
	ErrMissingBucket   = errors.New("archive: bucket required")
)

// Store writes one object under the given key.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// MinioConfig locates an S3 compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore writes objects into a single bucket through minio-go.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the endpoint and creates the bucket when it does not exist yet.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, ErrMissingBucket
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: connect %s: %w", endpoint, err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, bucketCheckWait)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: create bucket %s: %w", bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// Result describes an uploaded export snapshot.
type Result struct {
	Key     string `json:"key"`
	Bytes   int64  `json:"bytes"`
	Records int    `json:"records"`
}

// Config wires an Archiver.
type Config struct {
	Store  Store
	Clock  func() time.Time
	NewID  func() string
	Logger *zap.Logger
}

// Archiver serializes export records as JSONL and uploads them.
type Archiver struct {
	store  Store
	clock  func() time.Time
	newID  func() string
	logger *zap.Logger
}

// New validates the configuration and builds an Archiver.
func New(cfg Config) (*Archiver, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: cfg.Store, clock: clock, newID: newID, logger: logger}, nil
}

// Key returns the object key for a snapshot taken at the given time.
func Key(at time.Time, id string) string {
	return keyPrefix + at.UTC().Format(keyTimeLayout) + "-" + id + jsonlExtension
}

// Archive uploads the records as a single JSONL object.
func (a *Archiver) Archive(ctx context.Context, records []export.Record) (Result, error) {
	var buffer bytes.Buffer
	if err := export.WriteJSONL(&buffer, records); err != nil {
		return Result{}, fmt.Errorf("archive: encode records: %w", err)
	}

	key := Key(a.clock(), a.newID())
	size := int64(buffer.Len())
	if err := a.store.Put(ctx, key, &buffer, size, export.FormatJSONL.ContentType()); err != nil {
		a.logger.Error("export archive upload failed", zap.String("key", key), zap.Error(err))
		return Result{}, fmt.Errorf("archive: upload %s: %w", key, err)
	}

	a.logger.Info("export archived",
		zap.String("key", key),
		zap.Int64("bytes", size),
		zap.Int("records", len(records)))
	return Result{Key: key, Bytes: size, Records: len(records)}, nil
}
