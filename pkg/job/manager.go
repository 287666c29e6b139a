package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/iofold/iofold/pkg/logging"
	"github.com/iofold/iofold/pkg/storage"
)

// ErrInvalidTransition is returned for status changes the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ErrJobNotFound is returned when operating on a job that does not exist.
var ErrJobNotFound = errors.New("job not found")

const (
	lockStripes   = 64
	maxLogEntries = 200
)

// Manager owns job lifecycle transitions and persistence. All writes for
// one job are serialized under a per-job lock so progress monotonicity
// holds even with concurrent reporters.
type Manager struct {
	store    *storage.Store
	logger   *logging.Logger
	notifier Notifier
	locks    [lockStripes]sync.Mutex
}

// NewManager creates a Manager backed by the given store.
func NewManager(store *storage.Store, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{store: store, logger: logger}
}

// SetNotifier installs the sink for job lifecycle events.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

func (m *Manager) lock(jobID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return &m.locks[h.Sum32()%lockStripes]
}

// Create inserts a new queued job at progress 0.
func (m *Manager) Create(typ Type, workspaceID string, payload any) (*storage.Job, error) {
	var payloadJSON string
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal job payload: %w", err)
		}
		payloadJSON = string(data)
	}

	job := &storage.Job{
		ID:          ulid.Make().String(),
		WorkspaceID: workspaceID,
		Type:        string(typ),
		Status:      string(StatusQueued),
		Progress:    0,
		Payload:     payloadJSON,
		CreatedAt:   time.Now(),
	}
	if err := m.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	recordJobCreated()
	m.logger.JobEvent(logging.LevelInfo, logging.CategoryJob, job.ID, "job_created", "", map[string]any{
		"type":      string(typ),
		"workspace": workspaceID,
	})
	return job, nil
}

// Get returns a job record, or ErrJobNotFound.
func (m *Manager) Get(jobID string) (*storage.Job, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

// TryStart transitions a job into running at progress 0. It returns false
// without error when the job is already running (duplicate delivery) or
// already completed, so at-least-once redelivery is a no-op. A failed job
// may restart; that is the retry path.
func (m *Manager) TryStart(jobID string) (bool, error) {
	mu := m.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := m.Get(jobID)
	if err != nil {
		return false, err
	}

	switch Status(job.Status) {
	case StatusRunning, StatusCompleted:
		return false, nil
	case StatusQueued, StatusFailed:
		now := time.Now()
		if err := m.store.UpdateJobStatus(jobID, string(StatusRunning), 0, &now); err != nil {
			return false, err
		}
		recordJobStarted()
		m.emit(jobID, EventProgress, "", nil)
		return true, nil
	}
	return false, fmt.Errorf("%w: %s -> running", ErrInvalidTransition, job.Status)
}

// UpdateStatus applies the generic transition contract. Running is the
// interesting case: queued->running starts the job, running->running is a
// progress update (clamped so progress never decreases), failed->running
// restarts for a retry. Terminal statuses route through Complete and Fail
// so outcome data is always recorded alongside them.
func (m *Manager) UpdateStatus(jobID string, status Status, progress int) error {
	switch status {
	case StatusRunning:
		return m.updateRunning(jobID, progress)
	case StatusCompleted:
		return m.Complete(jobID, nil)
	case StatusFailed:
		return m.Fail(jobID, "job failed")
	case StatusQueued:
		return fmt.Errorf("%w: cannot transition back to queued", ErrInvalidTransition)
	}
	return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
}

// Progress reports handler progress for a running job. Values below the
// last observed progress are clamped, not errors, so late or duplicated
// reports cannot regress the percentage.
func (m *Manager) Progress(jobID string, progress int) error {
	return m.updateRunning(jobID, progress)
}

func (m *Manager) updateRunning(jobID string, progress int) error {
	mu := m.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := m.Get(jobID)
	if err != nil {
		return err
	}

	switch Status(job.Status) {
	case StatusQueued, StatusFailed, StatusRunning:
	default:
		// Progress after terminal completion is dropped, not an error;
		// a slow handler goroutine may still report after the consumer
		// finalized the job.
		return nil
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if Status(job.Status) == StatusRunning && progress < job.Progress {
		progress = job.Progress
	}

	var startedAt *time.Time
	if job.StartedAt == nil {
		now := time.Now()
		startedAt = &now
	}
	if err := m.store.UpdateJobStatus(jobID, string(StatusRunning), progress, startedAt); err != nil {
		return err
	}

	if progress != job.Progress || Status(job.Status) != StatusRunning {
		m.emit(jobID, EventProgress, "", nil)
	}
	return nil
}

// Complete marks a job completed with a result payload. Completing an
// already-terminal job is a no-op, tolerating duplicate delivery.
func (m *Manager) Complete(jobID string, result any) error {
	mu := m.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := m.Get(jobID)
	if err != nil {
		return err
	}

	switch Status(job.Status) {
	case StatusCompleted, StatusFailed:
		return nil
	case StatusQueued:
		return fmt.Errorf("%w: queued -> completed", ErrInvalidTransition)
	}

	var resultJSON string
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
		resultJSON = string(data)
	}
	if err := m.store.CompleteJob(jobID, resultJSON); err != nil {
		return err
	}

	recordJobCompleted()
	m.logger.JobEvent(logging.LevelInfo, logging.CategoryJob, jobID, "job_completed", "", nil)
	m.emit(jobID, EventCompleted, "", json.RawMessage(resultJSON))
	return nil
}

// Fail marks a job failed with an error message. Progress stays frozen at
// its last reported value. Failing an already-terminal job is a no-op.
func (m *Manager) Fail(jobID string, errorMessage string) error {
	mu := m.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := m.Get(jobID)
	if err != nil {
		return err
	}

	switch Status(job.Status) {
	case StatusCompleted, StatusFailed:
		return nil
	case StatusQueued:
		return fmt.Errorf("%w: queued -> failed", ErrInvalidTransition)
	}

	if errorMessage == "" {
		errorMessage = "job failed"
	}
	if err := m.store.FailJob(jobID, errorMessage); err != nil {
		return err
	}

	recordJobFailed()
	m.logger.JobEvent(logging.LevelError, logging.CategoryJob, jobID, "job_failed", errorMessage, nil)
	m.emit(jobID, EventFailed, errorMessage, nil)
	return nil
}

// AppendLog adds a diagnostic line to the job's metadata log trail and
// emits a log event. The trail is bounded; oldest lines fall off first.
func (m *Manager) AppendLog(jobID, line string) error {
	mu := m.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	meta, err := m.loadMetadata(jobID)
	if err != nil {
		return err
	}

	logs, _ := meta["logs"].([]any)
	logs = append(logs, map[string]any{
		"message":   line,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if len(logs) > maxLogEntries {
		logs = logs[len(logs)-maxLogEntries:]
	}
	meta["logs"] = logs

	if err := m.saveMetadata(jobID, meta); err != nil {
		return err
	}

	m.emit(jobID, EventLog, line, nil)
	return nil
}

// SetMetadata merges one key into the job's metadata map. Metadata is
// observability-only; nothing reads it for control flow.
func (m *Manager) SetMetadata(jobID, key string, value any) error {
	mu := m.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	meta, err := m.loadMetadata(jobID)
	if err != nil {
		return err
	}
	meta[key] = value
	return m.saveMetadata(jobID, meta)
}

func (m *Manager) loadMetadata(jobID string) (map[string]any, error) {
	job, err := m.Get(jobID)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]any)
	if job.Metadata != "" {
		if err := json.Unmarshal([]byte(job.Metadata), &meta); err != nil {
			// Corrupt metadata is replaced rather than blocking the job.
			meta = make(map[string]any)
		}
	}
	return meta, nil
}

func (m *Manager) saveMetadata(jobID string, meta map[string]any) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}
	return m.store.SetJobMetadata(jobID, string(data))
}

// emit sends a lifecycle event to the notifier, reading fresh persisted
// state so observers never see an unpersisted value.
func (m *Manager) emit(jobID string, kind EventKind, message string, result json.RawMessage) {
	if m.notifier == nil {
		return
	}
	job, err := m.store.GetJob(jobID)
	if err != nil || job == nil {
		return
	}
	m.notifier.NotifyJobEvent(Event{
		JobID:       job.ID,
		WorkspaceID: job.WorkspaceID,
		Kind:        kind,
		Status:      Status(job.Status),
		Progress:    job.Progress,
		Message:     message,
		Result:      result,
		Timestamp:   time.Now(),
	})
}
