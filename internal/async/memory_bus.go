package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joseph-ayodele/secateur/internal/entity"
)

// ErrBusClosed is returned by Publish after Shutdown.
var ErrBusClosed = errors.New("bus is shutting down")

// MemoryBus is an in-process Bus: one buffered channel and one worker pool per
// topic. Payloads go through the same envelope encoding as the broker bus.
type MemoryBus struct {
	logger    *slog.Logger
	workers   int
	queueSize int
	timeout   time.Duration

	mu       sync.RWMutex
	closed   bool
	queues   map[Topic]chan []byte
	handlers map[Topic]Handler
	wg       sync.WaitGroup
}

type Option func(*MemoryBus)

func WithWorkers(n int) Option {
	return func(b *MemoryBus) {
		if n > 0 {
			b.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(b *MemoryBus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithProcessTimeout bounds each handler call. Zero means no deadline.
func WithProcessTimeout(d time.Duration) Option {
	return func(b *MemoryBus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func NewMemoryBus(logger *slog.Logger, opts ...Option) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &MemoryBus{
		logger:    logger,
		workers:   4,
		queueSize: 256,
		queues:    make(map[Topic]chan []byte),
		handlers:  make(map[Topic]Handler),
	}
	for _, o := range opts {
		o(b)
	}
	for _, t := range Topics {
		b.queues[t] = make(chan []byte, b.queueSize)
	}
	return b
}

// Subscribe starts the worker pool for topic. One handler per topic.
func (b *MemoryBus) Subscribe(topic Topic, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	ch, ok := b.queues[topic]
	if !ok {
		return fmt.Errorf("unknown topic %q", topic)
	}
	if _, dup := b.handlers[topic]; dup {
		return fmt.Errorf("topic %q already has a consumer", topic)
	}
	b.handlers[topic] = h

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func(workerID int) {
			defer b.wg.Done()
			b.logger.Debug("worker started", "topic", topic, "worker_id", workerID)
			for payload := range ch {
				b.deliver(topic, workerID, h, payload)
			}
			b.logger.Debug("worker stopped", "topic", topic, "worker_id", workerID)
		}(i + 1)
	}
	return nil
}

func (b *MemoryBus) deliver(topic Topic, workerID int, h Handler, payload []byte) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		b.logger.Error("dropping invalid event", "topic", topic, "worker_id", workerID, "error", err)
		return
	}
	ctx := context.Background()
	cancel := func() {}
	if b.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
	}
	defer cancel()

	if err := h(ctx, env.Job); err != nil {
		b.logger.Error("handler failed", "topic", topic, "worker_id", workerID, "job_id", env.Job.JobID, "message_id", env.MessageID, "error", err)
		return
	}
	b.logger.Debug("handled event", "topic", topic, "worker_id", workerID, "job_id", env.Job.JobID, "message_id", env.MessageID)
}

func (b *MemoryBus) Publish(ctx context.Context, topic Topic, job entity.Descriptor) error {
	payload, env, err := EncodeEnvelope(topic, job)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn("cannot publish: bus is shutting down", "topic", topic, "job_id", job.JobID)
		return ErrBusClosed
	}
	ch, ok := b.queues[topic]
	if !ok {
		return fmt.Errorf("unknown topic %q", topic)
	}
	select {
	case ch <- payload:
	default:
		b.logger.Warn("queue full, applying backpressure", "topic", topic, "job_id", job.JobID)
		select {
		case ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.logger.Debug("published event", "topic", topic, "job_id", job.JobID, "message_id", env.MessageID)
	return nil
}

// Shutdown stops accepting events and waits for queued ones to drain.
func (b *MemoryBus) Shutdown(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.queues {
		close(ch)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); b.wg.Wait() }()

	select {
	case <-ctx.Done():
		b.logger.Warn("shutdown interrupted by context")
	case <-done:
		b.logger.Info("bus drained, shutdown complete")
	}
}
