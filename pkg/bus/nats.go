package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSBus implements MessageBus using NATS.
type NATSBus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config Config
	mu     sync.RWMutex
	queues map[string]*natsQueue
	closed atomic.Bool
}

// NewNATSBus creates a new NATS-backed message bus.
func NewNATSBus(cfg Config) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	// Initialize JetStream for persistent queues
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	return &NATSBus{
		conn:   conn,
		js:     js,
		config: cfg,
		queues: make(map[string]*natsQueue),
	}, nil
}

// NewNATSBusFromConn creates a NATSBus from an existing connection.
// Useful for testing with embedded NATS server.
func NewNATSBusFromConn(conn *nats.Conn) (*NATSBus, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	return &NATSBus{
		conn:   conn,
		js:     js,
		config: DefaultConfig(),
		queues: make(map[string]*natsQueue),
	}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(&Message{
			Subject: msg.Subject,
			Data:    msg.Data,
		})
	})
	if err != nil {
		return nil, err
	}

	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) Queue(name string) TaskQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q
	}

	q := &natsQueue{
		name:     name,
		js:       b.js,
		inflight: make(map[string]jetstream.Msg),
	}
	b.queues[name] = q
	return q
}

func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	b.conn.Close()
	return nil
}

// Conn returns the underlying NATS connection.
// Useful for advanced operations not exposed by MessageBus.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// JetStream returns the JetStream context.
func (b *NATSBus) JetStream() jetstream.JetStream {
	return b.js
}

// natsSubscription wraps a NATS subscription.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Subject() string {
	return s.sub.Subject
}

// natsQueue implements TaskQueue using JetStream. Fetched messages are
// held in an inflight map so Ack and Nack can resolve the underlying
// JetStream message by task ID.
type natsQueue struct {
	name     string
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	mu       sync.Mutex
	inflight map[string]jetstream.Msg
	init     sync.Once
	initErr  error
}

func (q *natsQueue) ensureStream(ctx context.Context) error {
	q.init.Do(func() {
		streamName := fmt.Sprintf("IOFOLD_QUEUE_%s", q.name)

		// Create or get existing stream
		q.stream, q.initErr = q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:        streamName,
			Subjects:    []string{fmt.Sprintf("iofold.queue.%s", q.name)},
			Retention:   jetstream.WorkQueuePolicy,
			MaxMsgs:     100000,
			MaxBytes:    1024 * 1024 * 1024, // 1GB
			Discard:     jetstream.DiscardOld,
			MaxAge:      24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			AllowDirect: true,
		})
		if q.initErr != nil {
			return
		}

		// Create durable consumer. MaxDeliver is a safety net above the
		// consumer's own retry ceiling; exhausted jobs are dead-lettered
		// by the consumer, not by JetStream.
		consumerName := fmt.Sprintf("iofold_worker_%s", q.name)
		q.consumer, q.initErr = q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       consumerName,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       5 * time.Minute,
			MaxDeliver:    5,
			MaxAckPending: 1000,
		})
	})
	return q.initErr
}

func (q *natsQueue) Push(ctx context.Context, data []byte) error {
	if err := q.ensureStream(ctx); err != nil {
		return err
	}

	subject := fmt.Sprintf("iofold.queue.%s", q.name)
	_, err := q.js.Publish(ctx, subject, data)
	return err
}

func (q *natsQueue) Fetch(ctx context.Context, max int) ([]*Task, error) {
	if err := q.ensureStream(ctx); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	msgs, err := q.consumer.Fetch(max, jetstream.FetchMaxWait(30*time.Second))
	if err != nil {
		return nil, err
	}

	var tasks []*Task
	for msg := range msgs.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			_ = msg.Nak()
			continue
		}
		id := fmt.Sprintf("%d:%d", meta.Sequence.Stream, meta.Sequence.Consumer)

		q.mu.Lock()
		q.inflight[id] = msg
		q.mu.Unlock()

		tasks = append(tasks, &Task{
			ID:      id,
			Data:    msg.Data(),
			Attempt: int(meta.NumDelivered),
		})
	}

	if len(tasks) == 0 {
		if msgs.Error() != nil {
			return nil, msgs.Error()
		}
		return nil, ErrQueueEmpty
	}

	return tasks, nil
}

func (q *natsQueue) Ack(ctx context.Context, taskID string) error {
	msg, ok := q.takeInflight(taskID)
	if !ok {
		return fmt.Errorf("task %s not in flight", taskID)
	}
	return msg.Ack()
}

func (q *natsQueue) Nack(ctx context.Context, taskID string) error {
	msg, ok := q.takeInflight(taskID)
	if !ok {
		return fmt.Errorf("task %s not in flight", taskID)
	}
	return msg.Nak()
}

func (q *natsQueue) takeInflight(taskID string) (jetstream.Msg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[taskID]
	if ok {
		delete(q.inflight, taskID)
	}
	return msg, ok
}

func (q *natsQueue) Len(ctx context.Context) (int, error) {
	if err := q.ensureStream(ctx); err != nil {
		return 0, err
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return int(info.State.Msgs), nil
}

func (q *natsQueue) Name() string {
	return q.name
}
