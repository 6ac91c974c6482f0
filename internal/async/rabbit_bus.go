package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/joseph-ayodele/secateur/internal/entity"
)

// RabbitConfig configures the RabbitMQ bus.
type RabbitConfig struct {
	URL         string
	Workers     int
	Prefetch    int
	DialRetries int
	RetryDelay  time.Duration
}

// RabbitBus maps every topic onto a durable queue of the same name. Consumers
// ack manually after the handler returns; failed deliveries are rejected
// without requeue because a failure is terminal for that attempt.
type RabbitBus struct {
	cfg    RabbitConfig
	conn   *amqp.Connection
	logger *slog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu        sync.Mutex
	closed    bool
	consumers []*amqp.Channel
	tags      []string
	wg        sync.WaitGroup
}

// NewRabbitBus dials the broker (with retries) and declares all topic queues.
func NewRabbitBus(cfg RabbitConfig, logger *slog.Logger) (*RabbitBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers
	}
	conn, err := connectWithRetry(cfg.URL, cfg.DialRetries, cfg.RetryDelay, logger)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	for _, t := range Topics {
		if err := declare(ch, t); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	logger.Info("connected to rabbitmq", "topics", len(Topics))
	return &RabbitBus{cfg: cfg, conn: conn, pubCh: ch, logger: logger}, nil
}

func declare(ch *amqp.Channel, topic Topic) error {
	_, err := ch.QueueDeclare(
		string(topic),
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	return nil
}

// connectWithRetry attempts to connect to RabbitMQ with retries
func connectWithRetry(url string, maxRetries int, delay time.Duration, logger *slog.Logger) (*amqp.Connection, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var conn *amqp.Connection
	var err error
	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		logger.Warn("rabbitmq dial failed", "attempt", i+1, "max", maxRetries, "error", err)
		if i < maxRetries-1 {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, err)
}

func (b *RabbitBus) Publish(ctx context.Context, topic Topic, job entity.Descriptor) error {
	body, env, err := EncodeEnvelope(topic, job)
	if err != nil {
		return err
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	err = b.pubCh.PublishWithContext(ctx,
		"",            // exchange
		string(topic), // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    env.MessageID,
			Timestamp:    env.PublishedAt,
			Type:         string(topic),
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	b.logger.Debug("published event", "topic", topic, "job_id", job.JobID, "message_id", env.MessageID)
	return nil
}

// Subscribe opens a dedicated channel for topic and starts the worker pool.
func (b *RabbitBus) Subscribe(topic Topic, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	tag := fmt.Sprintf("%s-%d", topic, len(b.tags)+1)
	msgs, err := ch.Consume(
		string(topic),
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	b.consumers = append(b.consumers, ch)
	b.tags = append(b.tags, tag)

	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go func(workerID int) {
			defer b.wg.Done()
			for msg := range msgs {
				b.handle(topic, workerID, h, msg)
			}
		}(i + 1)
	}
	b.logger.Info("consuming topic", "topic", topic, "workers", b.cfg.Workers, "prefetch", b.cfg.Prefetch)
	return nil
}

func (b *RabbitBus) handle(topic Topic, workerID int, h Handler, msg amqp.Delivery) {
	env, err := DecodeEnvelope(msg.Body)
	if err != nil {
		b.logger.Error("dropping invalid event", "topic", topic, "message_id", msg.MessageId, "error", err)
		_ = msg.Nack(false, false)
		return
	}
	if err := h(context.Background(), env.Job); err != nil {
		b.logger.Error("handler failed", "topic", topic, "worker_id", workerID, "job_id", env.Job.JobID, "message_id", env.MessageID, "error", err)
		_ = msg.Nack(false, false)
		return
	}
	_ = msg.Ack(false)
}

// Shutdown cancels consumers, waits for in-flight handlers and closes the connection.
func (b *RabbitBus) Shutdown(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for i, ch := range b.consumers {
		if err := ch.Cancel(b.tags[i], false); err != nil {
			b.logger.Warn("failed to cancel consumer", "consumer", b.tags[i], "error", err)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); b.wg.Wait() }()
	select {
	case <-ctx.Done():
		b.logger.Warn("shutdown interrupted by context")
	case <-done:
	}
	if err := b.conn.Close(); err != nil {
		b.logger.Warn("failed to close rabbitmq connection", "error", err)
	}
	b.logger.Info("rabbitmq bus closed")
}
