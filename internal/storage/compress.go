package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compressed stores blobs zstd-compressed in inner and decompresses on Open.
// Keys and existence checks are unchanged.
func Compressed(inner BlobStore) BlobStore {
	return &compressedStore{inner: inner}
}

type compressedStore struct {
	inner BlobStore
}

func (c *compressedStore) Exists(ctx context.Context, key string) (bool, error) {
	return c.inner.Exists(ctx, key)
}

func (c *compressedStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.inner.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &zstdReadCloser{dec: dec, inner: rc}, nil
}

func (c *compressedStore) Create(ctx context.Context, key string) (BlobWriter, error) {
	w, err := c.inner.Create(ctx, key)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = w.Abort()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	return &zstdWriter{enc: enc, inner: w}, nil
}

type zstdReadCloser struct {
	dec   *zstd.Decoder
	inner io.Closer
}

func (r *zstdReadCloser) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *zstdReadCloser) Close() error {
	r.dec.Close()
	return r.inner.Close()
}

type zstdWriter struct {
	enc   *zstd.Encoder
	inner BlobWriter
}

func (w *zstdWriter) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

// Commit writes the zstd frame trailer before publishing.
func (w *zstdWriter) Commit() error {
	if err := w.enc.Close(); err != nil {
		_ = w.inner.Abort()
		return fmt.Errorf("zstd close: %w", err)
	}
	return w.inner.Commit()
}

func (w *zstdWriter) Abort() error {
	w.enc.Reset(io.Discard)
	return w.inner.Abort()
}
