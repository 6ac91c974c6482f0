package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig configures the S3-compatible object store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

const (
	// MinPartSize is the smallest multipart chunk S3 accepts.
	MinPartSize uint64 = 5 << 20
	// DefaultPartSize bounds the buffer PutObject holds per upload. Without
	// it an unknown-length upload reserves the client's maximum part size.
	DefaultPartSize uint64 = 16 << 20
)

// errAborted is handed to an in-flight upload to cancel it.
var errAborted = errors.New("upload aborted")

// MinIOStore keeps blobs as objects under Prefix in Bucket. An object is only
// visible once PutObject has completed, which gives commit its atomicity.
type MinIOStore struct {
	client *minio.Client
	Bucket string
	Prefix string
	// PartSize is the multipart chunk buffered per upload.
	PartSize uint64
	logger   *slog.Logger
}

// NewMinIOClient initializes a MinIO client and ensures the bucket exists.
func NewMinIOClient(ctx context.Context, cfg MinIOConfig, logger *slog.Logger) (*minio.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client init: %w", err)
	}
	if err := EnsureBucket(ctx, client, cfg.Bucket, logger); err != nil {
		return nil, err
	}
	logger.Info("minio client initialized", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return client, nil
}

// EnsureBucket creates bucket when it does not exist yet.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string, logger *slog.Logger) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("error checking bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("error creating bucket: %w", err)
	}
	logger.Info("created bucket", "bucket", bucket)
	return nil
}

// NewMinIOStore returns a store rooted at prefix inside bucket. A partSize
// of zero selects DefaultPartSize; smaller values are raised to MinPartSize.
func NewMinIOStore(client *minio.Client, bucket, prefix string, partSize uint64, logger *slog.Logger) *MinIOStore {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case partSize == 0:
		partSize = DefaultPartSize
	case partSize < MinPartSize:
		partSize = MinPartSize
	}
	return &MinIOStore{client: client, Bucket: bucket, Prefix: prefix, PartSize: partSize, logger: logger}
}

func (s *MinIOStore) putOptions() minio.PutObjectOptions {
	return minio.PutObjectOptions{
		ContentType: "text/csv",
		PartSize:    s.PartSize,
	}
}

func (s *MinIOStore) object(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return path.Join(s.Prefix, key), nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *MinIOStore) Exists(ctx context.Context, key string) (bool, error) {
	name, err := s.object(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.StatObject(ctx, s.Bucket, name, minio.StatObjectOptions{})
	if isNoSuchKey(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	return true, nil
}

func (s *MinIOStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := s.object(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	// GetObject is lazy; Stat surfaces a missing object before the first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	return obj, nil
}

// Create streams the blob to PutObject through a pipe.
func (s *MinIOStore) Create(ctx context.Context, key string) (BlobWriter, error) {
	name, err := s.object(key)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	w := &minioWriter{pw: pw, result: make(chan error, 1)}
	go func() {
		_, err := s.client.PutObject(ctx, s.Bucket, name, pr, -1, s.putOptions())
		_ = pr.CloseWithError(err)
		w.result <- err
	}()
	return w, nil
}

type minioWriter struct {
	pw     *io.PipeWriter
	result chan error
	done   bool
}

func (w *minioWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *minioWriter) Commit() error {
	if w.done {
		return errors.New("blob writer already closed")
	}
	w.done = true
	_ = w.pw.Close()
	if err := <-w.result; err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (w *minioWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.pw.CloseWithError(errAborted)
	<-w.result
	return nil
}
