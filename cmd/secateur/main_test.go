package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/joseph-ayodele/secateur/constants"
	"github.com/joseph-ayodele/secateur/internal/async"
	"github.com/joseph-ayodele/secateur/internal/cache"
	"github.com/joseph-ayodele/secateur/internal/entity"
	"github.com/joseph-ayodele/secateur/internal/ingest"
	"github.com/joseph-ayodele/secateur/internal/server"
	"github.com/joseph-ayodele/secateur/internal/storage"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, async.Topic, entity.Descriptor) error { return nil }

// serve starts a Jobs server on a loopback port holding one finished job.
func serve(t *testing.T, jobID, artifact string) string {
	t.Helper()
	ctx := context.Background()
	st := cache.NewStatusTracker(cache.NewMemoryStore(), time.Minute, nil, nil)
	if err := st.Set(ctx, jobID, constants.StageComplete); err != nil {
		t.Fatal(err)
	}
	results, err := storage.NewFSStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	w, err := results.Create(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(artifact)); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	server.RegisterJobsServer(srv, server.NewJobsService(ingest.NewCoordinator(st, nopPublisher{}, nil), st, results, nil, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestRunExitCodes(t *testing.T) {
	addr := serve(t, "job1", "a,b\n1,2\n")
	opts := options{addr: addr, out: "-", timeout: 5 * time.Second}

	tests := []struct {
		name       string
		cmd, arg   string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{"status", "status", "job1", 0, "job1\tCOMPLETE\n", ""},
		{"fetch to stdout", "fetch", "job1", 0, "a,b\n1,2\n", ""},
		{"missing artifact", "fetch", "nope", 1, "", "no artifact for job nope"},
		{"history without ledger", "history", "job1", 1, "", "requires a ledger"},
		{"unknown command", "delete", "job1", 2, "", "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), opts, tt.cmd, tt.arg, &stdout, &stderr)
			if code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d (stderr %q)", code, tt.wantCode, stderr.String())
			}
			if stdout.String() != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", stdout.String(), tt.wantStdout)
			}
			if !strings.Contains(stderr.String(), tt.wantStderr) {
				t.Errorf("stderr = %q, want it to contain %q", stderr.String(), tt.wantStderr)
			}
		})
	}
}

func TestRunFetchWritesFile(t *testing.T) {
	addr := serve(t, "job1", "a,b\n1,2\n")
	out := filepath.Join(t.TempDir(), "job1.csv")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), options{addr: addr, out: out, timeout: 5 * time.Second}, "fetch", "job1", &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d (stderr %q)", code, stderr.String())
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "a,b\n1,2\n" {
		t.Fatalf("artifact = %q", b)
	}
}

func TestRunSubmitPrintsJobID(t *testing.T) {
	addr := serve(t, "job1", "")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), options{addr: addr, timeout: 5 * time.Second}, "submit", "url=http://example.com/a.csv", &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d (stderr %q)", code, stderr.String())
	}
	if id := strings.TrimSpace(stdout.String()); id == "" {
		t.Fatal("submit printed no job id")
	}
}
