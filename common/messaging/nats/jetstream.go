// Package nats provides JetStream support for durable, persistent messaging.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/semaphore"

	"github.com/telhawk-systems/telhawk-triage/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects this stream captures.
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// MaxMsgs is the maximum number of messages in the stream.
	MaxMsgs int64

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

// ConsumerConfig defines a JetStream consumer configuration.
type ConsumerConfig struct {
	// Name is the durable consumer name.
	Name string

	// FilterSubject filters which messages this consumer receives.
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver is maximum delivery attempts before giving up.
	MaxDeliver int

	// MaxAckPending is maximum unacknowledged messages.
	MaxAckPending int
}

// DefaultStreamConfig returns sensible defaults for a stream.
func DefaultStreamConfig(name string, subjects []string) StreamConfig {
	return StreamConfig{
		Name:      name,
		Subjects:  subjects,
		MaxAge:    24 * time.Hour,     // Keep messages for 24 hours
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   1000000,
		Retention: jetstream.WorkQueuePolicy, // Each message delivered once
		Storage:   jetstream.FileStorage,
	}
}

// DefaultConsumerConfig returns sensible defaults for a consumer.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		MaxAckPending: 100,
	}
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	}

	stream, err := c.js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// CreateOrUpdateConsumer creates or updates a durable consumer.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}

	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}

	return consumer, nil
}

// Publish publishes a message and waits for the stream acknowledgment.
func (c *JetStreamClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := publishCtx(ctx); err != nil {
		return err
	}
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishMsg publishes a message with headers and waits for the stream acknowledgment.
// A HeaderTaskID header doubles as the JetStream dedup ID so a retried
// publish of the same task is stored once.
func (c *JetStreamClient) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := publishCtx(ctx); err != nil {
		return err
	}

	var opts []jetstream.PublishOpt
	if id := msg.Metadata[messaging.HeaderTaskID]; id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}

	if _, err := c.js.PublishMsg(ctx, toNATSMsg(msg), opts...); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// ConsumeConcurrent consumes messages from a durable consumer, running at most
// concurrency handlers at a time. Each handler runs in its own goroutine; the
// message is acked when the handler returns nil, terminated when it returns an
// error wrapping messaging.ErrTerminal, and nak'd with a delay otherwise.
//
// The returned stop function stops delivery and waits for in-flight handlers.
func (c *JetStreamClient) ConsumeConcurrent(ctx context.Context, streamName, consumerName string, concurrency int, handler messaging.MessageHandler) (func(), error) {
	if concurrency < 1 {
		concurrency = 1
	}

	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.Consumer(ctx, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", consumerName, err)
	}

	// Handlers keep consumeCtx until they finish; acquireCtx only gates new work.
	consumeCtx, cancel := context.WithCancel(ctx)
	acquireCtx, stopAcquire := context.WithCancel(consumeCtx)
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		// Blocks the delivery callback until a slot frees up
		if err := sem.Acquire(acquireCtx, 1); err != nil {
			_ = msg.Nak()
			return
		}
		if acquireCtx.Err() != nil {
			sem.Release(1)
			_ = msg.Nak()
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			c.handle(consumeCtx, msg, handler)
		}()
	}, jetstream.PullMaxMessages(concurrency))
	if err != nil {
		stopAcquire()
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return func() {
		cons.Stop()
		stopAcquire()
		wg.Wait()
		cancel()
	}, nil
}

func (c *JetStreamClient) handle(ctx context.Context, msg jetstream.Msg, handler messaging.MessageHandler) {
	m := &messaging.Message{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Timestamp: time.Now(),
		Progress:  msg.InProgress,
	}

	if meta, err := msg.Metadata(); err == nil {
		m.NumDelivered = meta.NumDelivered
		m.Timestamp = meta.Timestamp
	}

	if headers := msg.Headers(); headers != nil {
		m.Metadata = make(map[string]string)
		for k := range headers {
			m.Metadata[k] = headers.Get(k)
		}
	}

	err := handler(ctx, m)
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Warn("failed to ack message", slog.String("subject", m.Subject), slog.String("error", ackErr.Error()))
		}
	case errors.Is(err, messaging.ErrTerminal):
		c.logger.Error("dropping message", slog.String("subject", m.Subject), slog.String("error", err.Error()))
		_ = msg.Term()
	default:
		// NAK with delay for retry
		_ = msg.NakWithDelay(5 * time.Second)
	}
}

// Predefined stream configurations for the triage pipeline.
var (
	// FileTasksStream holds pending per-file processing tasks. Work-queue
	// retention removes a task once a worker acks it.
	FileTasksStream = StreamConfig{
		Name:      "FILE_TASKS",
		Subjects:  []string{messaging.SubjectFileTasksAll},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024, // 256MB
		MaxMsgs:   1000000,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}

	// FileTasksDLQStream keeps tasks whose file ended Failed, for inspection and replay.
	FileTasksDLQStream = StreamConfig{
		Name:      "FILE_TASKS_DLQ",
		Subjects:  []string{messaging.SubjectDLQAll},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  100 * 1024 * 1024, // 100MB
		MaxMsgs:   100000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)

var _ messaging.Publisher = (*JetStreamClient)(nil)
