// Package handler dispatches job messages to their type-specific
// implementations: trace import, eval generation, eval execution,
// accuracy monitoring, and auto-refinement.
package handler

import (
	"context"
	"fmt"

	"github.com/iofold/iofold/pkg/bus"
	"github.com/iofold/iofold/pkg/job"
	"github.com/iofold/iofold/pkg/logging"
	"github.com/iofold/iofold/pkg/pipeline"
	"github.com/iofold/iofold/pkg/sandbox"
	"github.com/iofold/iofold/pkg/storage"
)

// TraceSource fetches traces from an external integration during an
// import job. Implementations apply the time filters; the handler
// enforces the limit.
type TraceSource interface {
	FetchTraces(ctx context.Context, agentID string, filters job.ImportFilters) ([]storage.Trace, error)
}

// Options configures the dispatcher.
type Options struct {
	// MonitorThreshold is the default accuracy floor for monitor jobs
	// whose payload does not set one.
	MonitorThreshold float64
}

// Dispatcher routes job messages by type. It implements queue.Handler.
type Dispatcher struct {
	store    *storage.Store
	manager  *job.Manager
	pipeline *pipeline.Pipeline
	runner   sandbox.Runner
	queue    bus.TaskQueue
	sources  map[string]TraceSource
	logger   *logging.Logger
	opts     Options
}

// NewDispatcher creates a dispatcher. sources maps integration names to
// their trace sources.
func NewDispatcher(store *storage.Store, manager *job.Manager, p *pipeline.Pipeline, runner sandbox.Runner, queue bus.TaskQueue, sources map[string]TraceSource, logger *logging.Logger, opts Options) *Dispatcher {
	if opts.MonitorThreshold <= 0 {
		opts.MonitorThreshold = 0.7
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if sources == nil {
		sources = map[string]TraceSource{}
	}
	return &Dispatcher{
		store:    store,
		manager:  manager,
		pipeline: p,
		runner:   runner,
		queue:    queue,
		sources:  sources,
		logger:   logger,
		opts:     opts,
	}
}

// Handle runs the message's job and returns its result payload. The
// type set is closed; anything else is a permanent failure.
func (d *Dispatcher) Handle(ctx context.Context, msg *job.Message) (any, error) {
	switch msg.Type {
	case job.TypeImport:
		return d.handleImport(ctx, msg)
	case job.TypeGenerate:
		return d.handleGenerate(ctx, msg)
	case job.TypeExecute:
		return d.handleExecute(ctx, msg)
	case job.TypeMonitor:
		return d.handleMonitor(ctx, msg)
	case job.TypeAutoRefine:
		return d.handleAutoRefine(ctx, msg)
	}
	return nil, fmt.Errorf("no handler for job type %q", msg.Type)
}

// enqueue creates a job record and publishes its queue message, the
// same sequence the API uses. Jobs spawned by other jobs go through
// here so they get the full lifecycle.
func (d *Dispatcher) enqueue(ctx context.Context, typ job.Type, workspaceID string, payload any) (string, error) {
	j, err := d.manager.Create(typ, workspaceID, payload)
	if err != nil {
		return "", fmt.Errorf("create %s job: %w", typ, err)
	}
	msg := &job.Message{
		JobID:       j.ID,
		Type:        typ,
		WorkspaceID: workspaceID,
		Payload:     []byte(j.Payload),
		Attempt:     1,
	}
	data, err := msg.Encode()
	if err != nil {
		return "", err
	}
	if err := d.queue.Push(ctx, data); err != nil {
		return "", fmt.Errorf("push %s job: %w", typ, err)
	}
	return j.ID, nil
}

// progressReporter mirrors pipeline progress into the job record. Notes
// land in the job's log so operators can follow a round stage by stage.
func (d *Dispatcher) progressReporter(jobID string) pipeline.ProgressFunc {
	return func(percent int, note string) {
		if err := d.manager.Progress(jobID, percent); err != nil {
			d.logger.Error(logging.CategoryJob, "progress_error", err.Error(), map[string]any{"job_id": jobID})
		}
		if note != "" {
			if err := d.manager.AppendLog(jobID, note); err != nil {
				d.logger.Error(logging.CategoryJob, "log_error", err.Error(), map[string]any{"job_id": jobID})
			}
		}
	}
}
