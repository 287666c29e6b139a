// Package bus provides the message transport for the job pipeline.
// It supports publish/subscribe for job events and a work-queue pattern
// for job messages. The default implementation uses NATS JetStream, with
// an in-memory option for testing.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")

	// ErrQueueEmpty is returned when fetching from an empty queue.
	ErrQueueEmpty = errors.New("queue empty")
)

// MessageBus is the core transport interface.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The handler is called in a separate goroutine for each message.
	// Supports wildcards: "iofold.job.*" matches "iofold.job.abc".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Queue returns the work queue with the given name, backed by this bus.
	Queue(name string) TaskQueue

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// TaskQueue provides an at-least-once work queue for job distribution.
// Tasks are delivered to consumers and must be explicitly acknowledged;
// a nacked or unacknowledged task is redelivered.
type TaskQueue interface {
	// Push adds a task to the queue.
	Push(ctx context.Context, data []byte) error

	// Fetch retrieves up to max tasks, blocking until at least one is
	// available or the context is cancelled.
	Fetch(ctx context.Context, max int) ([]*Task, error)

	// Ack acknowledges successful processing of a task, removing it
	// from the queue.
	Ack(ctx context.Context, taskID string) error

	// Nack returns a task to the queue for redelivery. The redelivered
	// task carries an incremented Attempt count.
	Nack(ctx context.Context, taskID string) error

	// Len returns the approximate number of pending tasks.
	Len(ctx context.Context) (int, error)

	// Name returns the queue name.
	Name() string
}

// Task is a unit of work delivered from a TaskQueue.
//
// Attempt is the transport's authoritative delivery count for this task,
// starting at 1 on first delivery. Consumers must trust it over any
// counter embedded in the payload.
type Task struct {
	ID      string
	Data    []byte
	Attempt int
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	// Ignored for the in-memory bus.
	URL string `yaml:"url"`

	// Name is a client identifier for debugging/monitoring.
	Name string `yaml:"name"`

	// Timeout is the default timeout for operations.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "iofold",
		Timeout: 30 * time.Second,
	}
}
