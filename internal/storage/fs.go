package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// FSStore stores each blob as a file under Root. Writes go to a hidden temp
// file in the same directory and are renamed into place on commit.
type FSStore struct {
	Root   string
	logger *slog.Logger
}

// NewFSStore creates root if needed.
func NewFSStore(root string, logger *slog.Logger) (*FSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		logger.Error("failed to create storage directory", "root", root, "error", err)
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FSStore{Root: root, logger: logger}, nil
}

func (s *FSStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.Root, key), nil
}

func (s *FSStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return f, err
}

func (s *FSStore) Create(_ context.Context, key string) (BlobWriter, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.Root, "."+key+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &fsWriter{f: tmp, final: p, logger: s.logger}, nil
}

type fsWriter struct {
	f      *os.File
	final  string
	done   bool
	logger *slog.Logger
}

func (w *fsWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Commit flushes to disk and renames over any previous blob. Concurrent
// writers of the same key race; the last rename wins.
func (w *fsWriter) Commit() error {
	if w.done {
		return errors.New("blob writer already closed")
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		w.discard()
		return fmt.Errorf("sync %s: %w", w.f.Name(), err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.f.Name())
		return fmt.Errorf("close %s: %w", w.f.Name(), err)
	}
	if err := os.Rename(w.f.Name(), w.final); err != nil {
		_ = os.Remove(w.f.Name())
		return fmt.Errorf("publish %s: %w", w.final, err)
	}
	return nil
}

func (w *fsWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.discard()
	return nil
}

func (w *fsWriter) discard() {
	_ = w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("failed to remove temp blob", "path", w.f.Name(), "error", err)
	}
}
