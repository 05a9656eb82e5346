package mq

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoMessage is returned by Dequeue when the wait elapsed with nothing to deliver.
	ErrNoMessage = errors.New("no message available")
	// ErrUnknownQueue is returned for operations on a queue that was never declared.
	ErrUnknownQueue = errors.New("queue is not declared")
	// ErrStaleDelivery is returned when a delivery was already settled or reclaimed.
	ErrStaleDelivery = errors.New("delivery is no longer in flight")
)

const defaultMaxDeliveries = 3

// Producer publishes fire-and-forget events.
type Producer interface {
	// Publish publishes a message to the specified topic
	Publish(ctx context.Context, topic string, message *Message) error

	// PublishBatch publishes multiple messages in a batch
	PublishBatch(ctx context.Context, topic string, messages []*Message) error
}

// Broker is an at-least-once work queue with visibility timeouts and a dead-letter area.
//
// A dequeued message is hidden from other consumers until it is acked, nacked, or its
// visibility timeout lapses. Every delivery counts towards QueueSpec.MaxDeliveries; once
// the count is reached a nack or lapse moves the message to the dead-letter area instead
// of making it visible again.
type Broker interface {
	// DeclareQueue registers a queue. Declaring an existing queue updates its spec.
	DeclareQueue(ctx context.Context, spec QueueSpec) error

	// Enqueue appends a message. Enqueueing an id that is already queued or in flight is a no-op.
	Enqueue(ctx context.Context, queue string, message *Message) error

	// Dequeue waits up to wait for a message. It returns ErrNoMessage when none arrived.
	Dequeue(ctx context.Context, queue string, wait time.Duration) (*Delivery, error)

	// Ack removes a delivered message permanently.
	Ack(ctx context.Context, delivery *Delivery) error

	// Nack returns a delivered message to the queue, or dead-letters it when its
	// deliveries are exhausted. deadLettered reports which happened.
	Nack(ctx context.Context, delivery *Delivery) (deadLettered bool, err error)

	// Release returns a delivered message to the head of the queue without counting the
	// delivery. Workers release what they abandon on shutdown.
	Release(ctx context.Context, delivery *Delivery) error

	// Extend pushes the visibility deadline of an in-flight delivery forward by the queue's timeout.
	Extend(ctx context.Context, delivery *Delivery) error

	// Reclaim makes visibility-expired messages available again and returns those that
	// were dead-lettered because their deliveries were exhausted.
	Reclaim(ctx context.Context, queue string) ([]*Message, error)

	// Stats reports queue depths.
	Stats(ctx context.Context, queue string) (QueueStats, error)

	// DeadLetters lists up to limit dead-lettered messages, oldest first.
	DeadLetters(ctx context.Context, queue string, limit int) ([]*Message, error)
}

// QueueSpec declares one work queue and its dead-letter area.
type QueueSpec struct {
	Name              string
	DeadLetter        string
	MaxDeliveries     int
	VisibilityTimeout time.Duration
}

func (s *QueueSpec) setDefaults() {
	if s.MaxDeliveries <= 0 {
		s.MaxDeliveries = defaultMaxDeliveries
	}
	if s.VisibilityTimeout <= 0 {
		s.VisibilityTimeout = 5 * time.Minute
	}
	if s.DeadLetter == "" {
		s.DeadLetter = s.Name + "-dlq"
	}
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Queue      string `json:"queue"`
	DeadLetter string `json:"dead_letter"`
	Ready      int64  `json:"ready"`
	InFlight   int64  `json:"in_flight"`
	Dead       int64  `json:"dead"`
}

// Delivery is one receipt of a message from a Broker.
type Delivery struct {
	Queue   string
	Message *Message
	// Attempt is the 1-based delivery count of this receipt.
	Attempt int
}

// Message represents a message in a queue or topic
type Message struct {
	// ID is the unique identifier for the message
	ID string `json:"id"`

	// Body is the message payload
	Body []byte `json:"body"`

	// Headers contains metadata about the message
	Headers map[string]string `json:"headers,omitempty"`

	// Timestamp is when the message was created
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a new message with the given body and a random id
func NewMessage(body []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}
