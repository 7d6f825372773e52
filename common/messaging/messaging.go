// Package messaging provides abstractions for message broker communication.
// It defines the types that allow the pipeline to publish and consume durable
// tasks without being coupled to a specific broker implementation.
package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrTerminal marks a handler failure that must not be redelivered
// (for example an undecodable payload). Wrap it with fmt.Errorf("...: %w", ErrTerminal).
var ErrTerminal = errors.New("terminal message failure")

// Message represents a message received from or sent to a message broker.
type Message struct {
	// Subject is the topic/channel the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata contains optional key-value pairs for message headers.
	Metadata map[string]string

	// Timestamp is when the message was published.
	Timestamp time.Time

	// NumDelivered is how many times the broker has delivered this message (1 on first delivery).
	NumDelivered uint64

	// Progress extends the broker's acknowledgement deadline. Nil when the
	// transport has no such notion.
	Progress func() error
}

// InProgress signals that a long-running handler is still working on the message.
func (m *Message) InProgress() error {
	if m.Progress == nil {
		return nil
	}
	return m.Progress()
}

// MessageHandler processes a received message.
// Returning nil acknowledges the message, returning an error wrapping
// ErrTerminal drops it, and any other error requests redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a message and waits for the broker to persist it.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishMsg sends a Message with full control over headers and metadata.
	PublishMsg(ctx context.Context, msg *Message) error

	// Close releases any resources held by the publisher.
	Close() error
}

// PublishOption configures message publishing behavior.
type PublishOption func(*publishOptions)

type publishOptions struct {
	headers map[string]string
}

// WithHeader adds a header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// NewMessage builds a Message for subject with the given options applied.
func NewMessage(subject string, data []byte, opts ...PublishOption) *Message {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Message{
		Subject:   subject,
		Data:      data,
		Metadata:  o.headers,
		Timestamp: time.Now().UTC(),
	}
}
