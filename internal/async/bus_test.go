package async

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joseph-ayodele/secateur/internal/entity"
)

func sampleJob() entity.Descriptor {
	return entity.Descriptor{
		URL:      "http://example.com/data.csv",
		Filters:  []entity.Filter{{Column: "age", Value: "30"}},
		JobID:    "0123456789abcdef0123",
		SourceID: "abcdef0123456789abcd",
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	b, env, err := EncodeEnvelope(TopicFetch, sampleJob())
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got.MessageID != env.MessageID || got.Topic != TopicFetch || got.Version != EnvelopeVersion {
		t.Fatalf("envelope header mismatch: %+v", got)
	}
	if got.Job.URL != sampleJob().URL || len(got.Job.Filters) != 1 || got.Job.Filters[0].Value != "30" {
		t.Fatalf("job mismatch: %+v", got.Job)
	}
}

func TestEnvelopeNilFiltersEncodeAsEmptyList(t *testing.T) {
	job := sampleJob()
	job.Filters = nil
	b, _, err := EncodeEnvelope(TopicReduce, job)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"filters":[]`) {
		t.Fatalf("payload = %s", b)
	}
	if _, err := DecodeEnvelope(b); err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	tests := map[string]string{
		"not json":      `{`,
		"wrong version": `{"version":2,"topic":"secateur.fetch.v1","message_id":"m","job":{"url":"u","filters":[],"job_id":"ab","source_id":"cd","force_download":false,"force_reduce":false,"no_headers":false}}`,
		"unknown topic": `{"version":1,"topic":"secateur.other.v1","message_id":"m","job":{"url":"u","filters":[],"job_id":"ab","source_id":"cd","force_download":false,"force_reduce":false,"no_headers":false}}`,
		"missing field": `{"version":1,"topic":"secateur.fetch.v1","message_id":"m","job":{"url":"u","filters":[],"job_id":"ab","source_id":"cd","force_download":false,"force_reduce":false}}`,
		"bad job id":    `{"version":1,"topic":"secateur.fetch.v1","message_id":"m","job":{"url":"u","filters":[],"job_id":"../x","source_id":"cd","force_download":false,"force_reduce":false,"no_headers":false}}`,
		"extra field":   `{"version":1,"topic":"secateur.fetch.v1","message_id":"m","extra":1,"job":{"url":"u","filters":[],"job_id":"ab","source_id":"cd","force_download":false,"force_reduce":false,"no_headers":false}}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeEnvelope([]byte(payload)); err == nil {
				t.Fatal("DecodeEnvelope accepted an invalid payload")
			}
		})
	}
}

func TestMemoryBusDelivers(t *testing.T) {
	bus := NewMemoryBus(nil, WithWorkers(2), WithQueueSize(4))
	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 3)

	err := bus.Subscribe(TopicReduce, func(_ context.Context, job entity.Descriptor) error {
		mu.Lock()
		got = append(got, job.JobID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Subscribe(TopicReduce, func(context.Context, entity.Descriptor) error { return nil }); err == nil {
		t.Fatal("second consumer on the same topic should be rejected")
	}

	for _, id := range []string{"aa", "bb", "cc"} {
		job := sampleJob()
		job.JobID = id
		if err := bus.Publish(context.Background(), TopicReduce, job); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	bus.Shutdown(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("delivered %v", got)
	}
	if err := bus.Publish(context.Background(), TopicReduce, sampleJob()); err != ErrBusClosed {
		t.Fatalf("Publish after Shutdown = %v, want ErrBusClosed", err)
	}
}

func TestMemoryBusShutdownDrainsQueued(t *testing.T) {
	bus := NewMemoryBus(nil, WithWorkers(1))
	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), TopicFetch, sampleJob()); err != nil {
			t.Fatal(err)
		}
	}
	var mu sync.Mutex
	count := 0
	_ = bus.Subscribe(TopicFetch, func(context.Context, entity.Descriptor) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	bus.Shutdown(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("handled %d events before shutdown completed, want 5", count)
	}
}
