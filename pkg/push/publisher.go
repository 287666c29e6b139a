// Package push fans job lifecycle events and storage change events out
// over the message bus so API clients and other workers can follow job
// progress without polling the database.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/iofold/iofold/pkg/bus"
	"github.com/iofold/iofold/pkg/job"
	"github.com/iofold/iofold/pkg/logging"
	"github.com/iofold/iofold/pkg/storage"
)

const (
	// SubjectPrefix roots every published subject.
	SubjectPrefix = "iofold"
	// publishTimeout bounds one publish so a slow bus never stalls the
	// job manager's synchronous notify path.
	publishTimeout = 5 * time.Second
)

// JobEventSubject returns the subject for one job's lifecycle events.
// Subscribers use "iofold.job.*.events" to follow every job.
func JobEventSubject(jobID string) string {
	return fmt.Sprintf("%s.job.%s.events", SubjectPrefix, jobID)
}

// StorageEventSubject returns the subject for one storage event type,
// e.g. "iofold.events.eval.activated".
func StorageEventSubject(eventType storage.EventType) string {
	return fmt.Sprintf("%s.events.%s", SubjectPrefix, eventType)
}

// Publisher implements job.Notifier and storage.Observer, relaying both
// event kinds onto the bus as JSON.
type Publisher struct {
	bus    bus.MessageBus
	logger *logging.Logger

	mu      sync.Mutex
	stopped bool
}

// NewPublisher creates a publisher over the given bus.
func NewPublisher(b bus.MessageBus, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Publisher{bus: b, logger: logger}
}

// NotifyJobEvent implements job.Notifier.
func (p *Publisher) NotifyJobEvent(event job.Event) {
	p.publish(JobEventSubject(event.JobID), event)
}

// HandleStorageEvent implements storage.Observer.
func (p *Publisher) HandleStorageEvent(event storage.Event) {
	p.publish(StorageEventSubject(event.Type), event)
}

// Stop makes further publishes no-ops. The bus itself is owned by the
// caller and is not closed here.
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *Publisher) publish(subject string, payload any) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error(logging.CategoryAPI, "event_marshal_error", err.Error(), map[string]any{"subject": subject})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.bus.Publish(ctx, subject, data); err != nil {
		// Event delivery is best effort; the job record stays the
		// durable truth.
		p.logger.Warn(logging.CategoryAPI, "event_publish_error", err.Error(), map[string]any{"subject": subject})
	}
}
