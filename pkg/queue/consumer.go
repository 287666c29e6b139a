// Package queue implements the worker's batch consumer: it pulls job
// messages off the task queue, drives the job state machine, and applies
// the retry and dead-letter policy.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iofold/iofold/pkg/bus"
	"github.com/iofold/iofold/pkg/job"
	"github.com/iofold/iofold/pkg/logging"
	"github.com/iofold/iofold/pkg/storage"
)

// Handler executes one job message and returns its result payload.
type Handler interface {
	Handle(ctx context.Context, msg *job.Message) (any, error)
}

// Options configures a Consumer.
type Options struct {
	// BatchSize is the maximum number of messages pulled per batch.
	BatchSize int
	// MaxAttempts is the delivery ceiling. A message failing on its
	// MaxAttempts-th delivery is dead-lettered instead of retried.
	MaxAttempts int
	// Interval is the pause between empty batches.
	Interval time.Duration
}

// BatchCounts summarizes one processed batch.
type BatchCounts struct {
	Succeeded  int
	Retried    int
	Failed     int
	Duplicates int
}

// Consumer pulls batches from the queue and dispatches them. Message
// failures are isolated: a handler error or panic on one message never
// affects the rest of the batch. Only queue transport errors abort a
// batch.
type Consumer struct {
	queue   bus.TaskQueue
	manager *job.Manager
	store   *storage.Store
	handler Handler
	logger  *logging.Logger
	opts    Options
}

// NewConsumer creates a consumer.
func NewConsumer(queue bus.TaskQueue, manager *job.Manager, store *storage.Store, handler Handler, logger *logging.Logger, opts Options) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Consumer{
		queue:   queue,
		manager: manager,
		store:   store,
		handler: handler,
		logger:  logger,
		opts:    opts,
	}
}

// Run processes batches until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		counts, err := c.ProcessBatch(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			c.logger.Error(logging.CategoryQueue, "batch_error", err.Error(), nil)
			// Transport hiccups back off rather than spinning.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.Interval):
			}
		case counts == (BatchCounts{}):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.Interval):
			}
		}
	}
}

// ProcessBatch fetches and processes up to BatchSize messages. An empty
// queue yields zero counts and no error.
func (c *Consumer) ProcessBatch(ctx context.Context) (BatchCounts, error) {
	var counts BatchCounts

	tasks, err := c.queue.Fetch(ctx, c.opts.BatchSize)
	if errors.Is(err, bus.ErrQueueEmpty) {
		return counts, nil
	}
	if err != nil {
		return counts, fmt.Errorf("fetch batch: %w", err)
	}

	for _, task := range tasks {
		c.processTask(ctx, task, &counts)
	}

	recordBatch(counts)
	return counts, nil
}

func (c *Consumer) processTask(ctx context.Context, task *bus.Task, counts *BatchCounts) {
	msg, err := job.DecodeMessage(task.Data)
	if err != nil {
		// Undecodable messages can never succeed. Park the payload for
		// inspection and drop the delivery.
		c.deadLetter("", task, task.Attempt, err)
		c.ack(ctx, task)
		counts.Failed++
		return
	}

	// The transport's delivery count is authoritative; the embedded
	// counter only covers transports that cannot report redeliveries.
	attempt := msg.Attempt
	if task.Attempt > attempt {
		attempt = task.Attempt
	}

	started, err := c.manager.TryStart(msg.JobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			c.deadLetter(msg.JobID, task, attempt, err)
			c.ack(ctx, task)
			counts.Failed++
			return
		}
		// Storage errors leave the delivery in flight for redelivery.
		c.logger.Error(logging.CategoryQueue, "start_error", err.Error(), map[string]any{"job_id": msg.JobID})
		c.nack(ctx, task)
		return
	}
	if !started {
		// Duplicate delivery of a running or completed job.
		c.logger.Info(logging.CategoryQueue, "duplicate_delivery", "", map[string]any{
			"job_id": msg.JobID, "attempt": attempt,
		})
		c.ack(ctx, task)
		counts.Duplicates++
		recordDuplicate()
		return
	}

	result, handleErr := c.handle(ctx, msg)
	if handleErr == nil {
		if err := c.manager.Complete(msg.JobID, result); err != nil {
			c.logger.Error(logging.CategoryQueue, "complete_error", err.Error(), map[string]any{"job_id": msg.JobID})
		}
		c.ack(ctx, task)
		counts.Succeeded++
		return
	}

	c.logger.JobEvent(logging.LevelWarn, logging.CategoryQueue, msg.JobID, "job_attempt_failed", handleErr.Error(), map[string]any{
		"attempt": attempt, "type": string(msg.Type),
	})

	if attempt >= c.opts.MaxAttempts {
		c.deadLetter(msg.JobID, task, attempt, handleErr)
		if err := c.manager.SetMetadata(msg.JobID, "moved_to_dlq", true); err != nil {
			c.logger.Error(logging.CategoryQueue, "metadata_error", err.Error(), map[string]any{"job_id": msg.JobID})
		}
		final := fmt.Sprintf("failed after %d attempts: %s", attempt, handleErr.Error())
		if err := c.manager.Fail(msg.JobID, final); err != nil {
			c.logger.Error(logging.CategoryQueue, "fail_error", err.Error(), map[string]any{"job_id": msg.JobID})
		}
		c.ack(ctx, task)
		counts.Failed++
		recordDeadLettered()
		return
	}

	// Mark the job failed before redelivery so its state is honest
	// between attempts; the next delivery restarts it.
	if err := c.manager.Fail(msg.JobID, handleErr.Error()); err != nil {
		c.logger.Error(logging.CategoryQueue, "fail_error", err.Error(), map[string]any{"job_id": msg.JobID})
	}
	c.nack(ctx, task)
	counts.Retried++
	recordRetry()
}

// handle runs the handler with panic isolation.
func (c *Consumer) handle(ctx context.Context, msg *job.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return c.handler.Handle(ctx, msg)
}

// deadLetter records the exhausted delivery. Dead-letter storage failing
// must not block finalizing the job, so the error is only logged.
func (c *Consumer) deadLetter(jobID string, task *bus.Task, attempt int, cause error) {
	dl := &storage.DeadLetter{
		ID:        task.ID,
		JobID:     jobID,
		Message:   string(task.Data),
		Error:     cause.Error(),
		Attempts:  attempt,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CreateDeadLetter(dl); err != nil {
		c.logger.Error(logging.CategoryQueue, "deadletter_error", err.Error(), map[string]any{"job_id": jobID})
	}
}

func (c *Consumer) ack(ctx context.Context, task *bus.Task) {
	if err := c.queue.Ack(ctx, task.ID); err != nil {
		c.logger.Error(logging.CategoryQueue, "ack_error", err.Error(), map[string]any{"task_id": task.ID})
	}
}

func (c *Consumer) nack(ctx context.Context, task *bus.Task) {
	if err := c.queue.Nack(ctx, task.ID); err != nil {
		c.logger.Error(logging.CategoryQueue, "nack_error", err.Error(), map[string]any{"task_id": task.ID})
	}
}
