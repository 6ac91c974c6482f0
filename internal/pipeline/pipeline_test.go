package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/secateur/constants"
	"github.com/joseph-ayodele/secateur/internal/async"
	"github.com/joseph-ayodele/secateur/internal/cache"
	"github.com/joseph-ayodele/secateur/internal/common"
	"github.com/joseph-ayodele/secateur/internal/entity"
	"github.com/joseph-ayodele/secateur/internal/ingest"
	"github.com/joseph-ayodele/secateur/internal/storage"
	"github.com/joseph-ayodele/secateur/internal/utils"
)

type stageRecorder struct {
	mu     sync.Mutex
	stages map[string][]constants.Stage
}

func (r *stageRecorder) Record(_ context.Context, jobID string, stage constants.Stage, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stages == nil {
		r.stages = map[string][]constants.Stage{}
	}
	r.stages[jobID] = append(r.stages[jobID], stage)
	return nil
}

func (r *stageRecorder) get(jobID string) []constants.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]constants.Stage(nil), r.stages[jobID]...)
}

type nopPublisher struct{ n atomic.Int32 }

func (p *nopPublisher) Publish(context.Context, async.Topic, entity.Descriptor) error {
	p.n.Add(1)
	return nil
}

type harness struct {
	status  *cache.StatusTracker
	rec     *stageRecorder
	sources storage.BlobStore
	results storage.BlobStore
	hits    atomic.Int32
	srv     *httptest.Server
}

func newHarness(t *testing.T, body string, code int) *harness {
	t.Helper()
	h := &harness{rec: &stageRecorder{}}
	h.status = cache.NewStatusTracker(cache.NewMemoryStore(), time.Minute, h.rec, nil)
	var err error
	if h.sources, err = storage.NewFSStore(t.TempDir(), nil); err != nil {
		t.Fatal(err)
	}
	if h.results, err = storage.NewFSStore(t.TempDir(), nil); err != nil {
		t.Fatal(err)
	}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.hits.Add(1)
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) fetchStage(pub async.Publisher) *FetchStage {
	return NewFetchStage(nil, h.status, h.sources, h.srv.Client(), pub, 8)
}

func (h *harness) reduceStage() *ReduceStage {
	return NewReduceStage(nil, h.status, h.sources, h.results, nil)
}

func (h *harness) artifact(t *testing.T, jobID string) string {
	t.Helper()
	rc, err := h.results.Open(context.Background(), jobID)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// waitForStage polls the recorder, which sees a write only after the store
// holds it.
func waitForStage(t *testing.T, rec *stageRecorder, jobID string, want constants.Stage) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := rec.get(jobID); len(got) > 0 && got[len(got)-1] == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s (stages %v)", jobID, want, rec.get(jobID))
}

func equalStages(a, b []constants.Stage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPipelineEndToEnd(t *testing.T) {
	h := newHarness(t, "name;age\nAlice;30\nBob;40", http.StatusOK)
	bus := async.NewMemoryBus(nil, async.WithWorkers(2))
	runner := NewRunner(nil, bus, h.fetchStage(bus), h.reduceStage())
	if err := runner.Start(RoleAll); err != nil {
		t.Fatal(err)
	}
	coord := ingest.NewCoordinator(h.status, bus, nil)
	ctx := context.Background()
	raw := "url=" + h.srv.URL + "/data.csv&column=age&value=30"

	if _, ok, _ := h.status.Get(ctx, utils.JobID(raw)); ok {
		t.Fatal("job known before submission")
	}
	id, err := coord.SubmitQuery(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	waitForStage(t, h.rec, id, constants.StageComplete)

	if got, want := h.artifact(t, id), "name;age\nAlice;30\n"; got != want {
		t.Fatalf("artifact = %q, want %q", got, want)
	}
	want := []constants.Stage{constants.StageFetching, constants.StageReducing, constants.StageComplete}
	if got := h.rec.get(id); !equalStages(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}

	again, err := coord.SubmitQuery(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	bus.Shutdown(ctx)
	if again != id {
		t.Fatalf("resubmission id = %q, want %q", again, id)
	}
	if h.hits.Load() != 1 {
		t.Fatalf("source fetched %d times", h.hits.Load())
	}
	if got := h.rec.get(id); !equalStages(got, want) {
		t.Fatalf("resubmission re-ran stages: %v", got)
	}
}

func TestPipelineSharesSourceBetweenJobs(t *testing.T) {
	h := newHarness(t, "a,b\n1,x\n2,y\n", http.StatusOK)
	bus := async.NewMemoryBus(nil)
	defer bus.Shutdown(context.Background())
	if err := NewRunner(nil, bus, h.fetchStage(bus), h.reduceStage()).Start(RoleAll); err != nil {
		t.Fatal(err)
	}
	coord := ingest.NewCoordinator(h.status, bus, nil)
	ctx := context.Background()

	first, err := coord.SubmitQuery(ctx, "url="+h.srv.URL+"/s.csv&column=a&value=1")
	if err != nil {
		t.Fatal(err)
	}
	waitForStage(t, h.rec, first, constants.StageComplete)

	second, err := coord.SubmitQuery(ctx, "url="+h.srv.URL+"/s.csv&column=a&value=2")
	if err != nil {
		t.Fatal(err)
	}
	waitForStage(t, h.rec, second, constants.StageComplete)

	if h.hits.Load() != 1 {
		t.Fatalf("source fetched %d times, want 1", h.hits.Load())
	}
	want := []constants.Stage{constants.StageReducing, constants.StageComplete}
	if got := h.rec.get(second); !equalStages(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	if got := h.artifact(t, second); got != "a,b\n2,y\n" {
		t.Fatalf("artifact = %q", got)
	}
}

func TestFetchNon2xxFails(t *testing.T) {
	h := newHarness(t, "missing", http.StatusNotFound)
	pub := &nopPublisher{}
	job := entity.Descriptor{URL: h.srv.URL + "/x.csv", JobID: "aa11", SourceID: "bb22"}

	err := h.fetchStage(pub).Run(context.Background(), job)
	if !errors.Is(err, common.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	rec, _, _ := h.status.Get(context.Background(), job.JobID)
	if rec.Stage != constants.StageFailed || rec.Reason == "" {
		t.Fatalf("status = %+v, want FAILED with reason", rec)
	}
	if ok, _ := h.sources.Exists(context.Background(), job.SourceID); ok {
		t.Fatal("failed download was cached")
	}
	if pub.n.Load() != 0 {
		t.Fatal("reduce scheduled after failed fetch")
	}
}

func TestFetchRejectsMalformedURL(t *testing.T) {
	h := newHarness(t, "", http.StatusOK)
	pub := &nopPublisher{}
	job := entity.Descriptor{URL: "file:///etc/passwd", JobID: "aa11", SourceID: "bb22"}

	err := h.fetchStage(pub).Run(context.Background(), job)
	if !errors.Is(err, common.ErrMalformedURL) {
		t.Fatalf("err = %v, want ErrMalformedURL", err)
	}
	if got := h.rec.get(job.JobID); !equalStages(got, []constants.Stage{constants.StageFailed}) {
		t.Fatalf("stages = %v", got)
	}
	if h.hits.Load() != 0 || pub.n.Load() != 0 {
		t.Fatal("malformed url reached the network or the bus")
	}
}

func TestFetchForceDownloadRefetches(t *testing.T) {
	h := newHarness(t, "a\n1\n", http.StatusOK)
	pub := &nopPublisher{}
	stage := h.fetchStage(pub)
	job := entity.Descriptor{URL: h.srv.URL + "/x.csv", JobID: "aa11", SourceID: "bb22"}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := stage.Run(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	if h.hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", h.hits.Load())
	}
	job.ForceDownload = true
	if err := stage.Run(ctx, job); err != nil {
		t.Fatal(err)
	}
	if h.hits.Load() != 2 || pub.n.Load() != 3 {
		t.Fatalf("hits = %d published = %d", h.hits.Load(), pub.n.Load())
	}
}

func writeBlob(t *testing.T, s storage.BlobStore, key, body string) {
	t.Helper()
	w, err := s.Create(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestReduceCacheHit(t *testing.T) {
	h := newHarness(t, "", http.StatusOK)
	ctx := context.Background()
	job := entity.Descriptor{JobID: "aa11", SourceID: "bb22", Filters: []entity.Filter{{Column: "a", Value: "1"}}}
	writeBlob(t, h.sources, job.SourceID, "a\n1\n2\n")
	writeBlob(t, h.results, job.JobID, "cached")

	if err := h.reduceStage().Run(ctx, job); err != nil {
		t.Fatal(err)
	}
	if got := h.rec.get(job.JobID); !equalStages(got, []constants.Stage{constants.StageComplete}) {
		t.Fatalf("stages = %v, want only COMPLETE", got)
	}
	if got := h.artifact(t, job.JobID); got != "cached" {
		t.Fatalf("artifact recomputed: %q", got)
	}

	job.ForceReduce = true
	if err := h.reduceStage().Run(ctx, job); err != nil {
		t.Fatal(err)
	}
	if got := h.artifact(t, job.JobID); got != "a\n1\n" {
		t.Fatalf("forced artifact = %q", got)
	}
}

func TestReduceMissingSource(t *testing.T) {
	h := newHarness(t, "", http.StatusOK)
	job := entity.Descriptor{JobID: "aa11", SourceID: "bb22"}

	err := h.reduceStage().Run(context.Background(), job)
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	rec, _, _ := h.status.Get(context.Background(), job.JobID)
	if rec.Stage != constants.StageFailed {
		t.Fatalf("status = %+v", rec)
	}
	if ok, _ := h.results.Exists(context.Background(), job.JobID); ok {
		t.Fatal("artifact exists after failed reduce")
	}
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{"": RoleAll, "ALL": RoleAll, "fetch": RoleFetch, " reduce ": RoleReduce, "intake": RoleIntake} {
		got, err := ParseRole(in)
		if err != nil || got != want {
			t.Errorf("ParseRole(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseRole("worker"); err == nil {
		t.Error("ParseRole accepted an unknown role")
	}
	if RoleIntake.Fetches() || !RoleFetch.Fetches() || RoleFetch.Reduces() || !RoleAll.ServesIntake() {
		t.Error("role predicates wrong")
	}
}
