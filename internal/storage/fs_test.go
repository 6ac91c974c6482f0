package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

func readAll(t *testing.T, s BlobStore, key string) string {
	t.Helper()
	rc, err := s.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Open(%q): %v", key, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %q: %v", key, err)
	}
	return string(b)
}

func TestFSStoreCommitPublishes(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	w, err := s.Create(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("name;age\n")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, "abc"); ok {
		t.Fatal("blob visible before commit")
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, "abc"); !ok {
		t.Fatal("blob missing after commit")
	}
	if got := readAll(t, s, "abc"); got != "name;age\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestFSStoreAbortLeavesNothing(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, _ := NewFSStore(root, nil)

	w, _ := s.Create(ctx, "abc")
	_, _ = w.Write([]byte("partial"))
	if err := w.Abort(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, "abc"); ok {
		t.Fatal("aborted blob is visible")
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %v", entries)
	}
	if _, err := s.Open(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open after abort = %v, want ErrNotFound", err)
	}
}

func TestFSStoreLastWriterWins(t *testing.T) {
	ctx := context.Background()
	s, _ := NewFSStore(t.TempDir(), nil)

	a, _ := s.Create(ctx, "job")
	b, _ := s.Create(ctx, "job")
	_, _ = a.Write([]byte("first"))
	_, _ = b.Write([]byte("second"))
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, s, "job"); got != "second" {
		t.Fatalf("content = %q, want second", got)
	}
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"", ".", "..", "../x", "a/b", `a\b`, ".hidden"} {
		if err := ValidateKey(key); err == nil {
			t.Errorf("ValidateKey(%q) = nil, want error", key)
		}
	}
	if err := ValidateKey("0123456789abcdef0123"); err != nil {
		t.Errorf("ValidateKey(hex) = %v", err)
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fsStore, _ := NewFSStore(root, nil)
	s := Compressed(fsStore)

	payload := strings.Repeat("name;age\nAlice;30\n", 1000)
	w, err := s.Create(ctx, "src")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(w, strings.NewReader(payload))
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	raw := readAll(t, fsStore, "src")
	if len(raw) >= len(payload) || bytes.HasPrefix([]byte(raw), []byte("name")) {
		t.Fatalf("stored blob does not look compressed (%d bytes)", len(raw))
	}
	if got := readAll(t, s, "src"); got != payload {
		t.Fatal("decompressed payload differs")
	}
}
