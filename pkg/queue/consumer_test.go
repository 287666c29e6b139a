package queue

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/iofold/iofold/pkg/bus"
	"github.com/iofold/iofold/pkg/job"
	"github.com/iofold/iofold/pkg/storage"
)

// scriptedHandler returns the queued responses for a job ID in order,
// repeating the last one once exhausted.
type scriptedHandler struct {
	mu      sync.Mutex
	script  map[string][]error
	handled map[string]int
	panicOn string
}

func (h *scriptedHandler) Handle(ctx context.Context, msg *job.Message) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handled == nil {
		h.handled = make(map[string]int)
	}
	h.handled[msg.JobID]++

	if msg.JobID == h.panicOn {
		panic("handler exploded")
	}

	errs := h.script[msg.JobID]
	n := h.handled[msg.JobID]
	if len(errs) == 0 {
		return map[string]any{"ok": true}, nil
	}
	if n > len(errs) {
		n = len(errs)
	}
	if err := errs[n-1]; err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (h *scriptedHandler) calls(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled[jobID]
}

type consumerFixture struct {
	store    *storage.Store
	manager  *job.Manager
	queue    bus.TaskQueue
	handler  *scriptedHandler
	consumer *Consumer
}

func newFixture(t *testing.T, opts Options) *consumerFixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mbus := bus.NewMemoryBus()
	t.Cleanup(func() { _ = mbus.Close() })

	handler := &scriptedHandler{script: make(map[string][]error)}
	manager := job.NewManager(store, nil)
	consumer := NewConsumer(mbus.Queue("jobs"), manager, store, handler, nil, opts)
	return &consumerFixture{
		store:    store,
		manager:  manager,
		queue:    mbus.Queue("jobs"),
		handler:  handler,
		consumer: consumer,
	}
}

// enqueue creates a job record and pushes its message, mirroring what
// the API enqueue path does.
func (f *consumerFixture) enqueue(t *testing.T, typ job.Type) string {
	t.Helper()
	j, err := f.manager.Create(typ, "ws-1", nil)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	msg := &job.Message{JobID: j.ID, Type: typ, WorkspaceID: "ws-1", Attempt: 1}
	data, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := f.queue.Push(context.Background(), data); err != nil {
		t.Fatalf("push: %v", err)
	}
	return j.ID
}

func (f *consumerFixture) jobStatus(t *testing.T, jobID string) *storage.Job {
	t.Helper()
	j, err := f.store.GetJob(jobID)
	if err != nil || j == nil {
		t.Fatalf("get job %s: %v, %v", jobID, j, err)
	}
	return j
}

func TestProcessBatchSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	jobID := f.enqueue(t, job.TypeGenerate)

	counts, err := f.consumer.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if counts.Succeeded != 1 || counts.Failed != 0 || counts.Retried != 0 {
		t.Errorf("counts = %+v", counts)
	}

	j := f.jobStatus(t, jobID)
	if j.Status != "completed" || j.Progress != 100 {
		t.Errorf("job = %s/%d, want completed/100", j.Status, j.Progress)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	jobID := f.enqueue(t, job.TypeGenerate)
	f.handler.script[jobID] = []error{errors.New("transient"), nil}

	counts, err := f.consumer.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Retried != 1 {
		t.Errorf("first batch counts = %+v", counts)
	}
	if j := f.jobStatus(t, jobID); j.Status != "failed" {
		t.Errorf("between attempts status = %s, want failed", j.Status)
	}

	counts, err = f.consumer.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Succeeded != 1 {
		t.Errorf("second batch counts = %+v", counts)
	}
	if j := f.jobStatus(t, jobID); j.Status != "completed" {
		t.Errorf("final status = %s, want completed", j.Status)
	}
	if got := f.handler.calls(jobID); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
}

func TestRetryCeilingDeadLetters(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	jobID := f.enqueue(t, job.TypeImport)
	f.handler.script[jobID] = []error{errors.New("persistent failure")}

	var total BatchCounts
	for i := 0; i < 5 && total.Failed == 0; i++ {
		counts, err := f.consumer.ProcessBatch(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		total.Retried += counts.Retried
		total.Failed += counts.Failed
	}

	if total.Retried != 2 || total.Failed != 1 {
		t.Errorf("totals = %+v, want 2 retries then 1 dead-letter", total)
	}
	if got := f.handler.calls(jobID); got != 3 {
		t.Errorf("handler ran %d times, want exactly 3", got)
	}

	j := f.jobStatus(t, jobID)
	if j.Status != "failed" {
		t.Errorf("status = %s, want failed", j.Status)
	}
	if j.Error == nil || *j.Error != "failed after 3 attempts: persistent failure" {
		t.Errorf("error = %v", j.Error)
	}
	if !strings.Contains(j.Metadata, `"moved_to_dlq":true`) {
		t.Errorf("metadata = %q, want moved_to_dlq", j.Metadata)
	}

	letters, err := f.store.ListDeadLetters(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].JobID != jobID || letters[0].Attempts != 3 {
		t.Errorf("dead letters = %+v", letters)
	}
}

// A message republished by another worker can carry an embedded attempt
// counter ahead of this transport's delivery count. The dead-letter
// record must carry the reconciled attempt, the same one the ceiling
// decision and the job's terminal error use.
func TestDeadLetterUsesReconciledAttempt(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})

	j, err := f.manager.Create(job.TypeImport, "ws-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	f.handler.script[j.ID] = []error{errors.New("still broken")}

	msg := &job.Message{JobID: j.ID, Type: job.TypeImport, WorkspaceID: "ws-1", Attempt: 3}
	data, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := f.queue.Push(context.Background(), data); err != nil {
		t.Fatal(err)
	}

	// First delivery (transport count 1), but the embedded counter is
	// already at the ceiling.
	counts, err := f.consumer.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Failed != 1 || counts.Retried != 0 {
		t.Errorf("counts = %+v, want an immediate dead-letter", counts)
	}

	letters, err := f.store.ListDeadLetters(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].Attempts != 3 {
		t.Errorf("dead letters = %+v, want attempts 3", letters)
	}

	jb := f.jobStatus(t, j.ID)
	if jb.Error == nil || *jb.Error != "failed after 3 attempts: still broken" {
		t.Errorf("error = %v", jb.Error)
	}
}

func TestBatchIsolation(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 10, MaxAttempts: 1})
	bad := f.enqueue(t, job.TypeGenerate)
	good := f.enqueue(t, job.TypeExecute)
	f.handler.script[bad] = []error{errors.New("boom")}

	counts, err := f.consumer.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Succeeded != 1 || counts.Failed != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if j := f.jobStatus(t, good); j.Status != "completed" {
		t.Errorf("good job status = %s", j.Status)
	}
	if j := f.jobStatus(t, bad); j.Status != "failed" {
		t.Errorf("bad job status = %s", j.Status)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 10, MaxAttempts: 1})
	panicker := f.enqueue(t, job.TypeGenerate)
	_ = f.enqueue(t, job.TypeExecute)
	f.handler.panicOn = panicker

	counts, err := f.consumer.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Succeeded != 1 || counts.Failed != 1 {
		t.Errorf("counts = %+v", counts)
	}
	j := f.jobStatus(t, panicker)
	if j.Error == nil || *j.Error == "" {
		t.Error("panicking job has no error message")
	}
}

func TestDuplicateDeliveryAcked(t *testing.T) {
	f := newFixture(t, Options{})
	jobID := f.enqueue(t, job.TypeGenerate)

	// Job already completed by the time the delivery arrives.
	if _, err := f.manager.TryStart(jobID); err != nil {
		t.Fatal(err)
	}
	if err := f.manager.Complete(jobID, nil); err != nil {
		t.Fatal(err)
	}

	counts, err := f.consumer.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Duplicates != 1 || counts.Succeeded != 0 {
		t.Errorf("counts = %+v", counts)
	}
	if got := f.handler.calls(jobID); got != 0 {
		t.Errorf("handler ran %d times for duplicate delivery", got)
	}

	// The delivery was acked, so nothing remains queued.
	if n, err := f.queue.Len(context.Background()); err != nil || n != 0 {
		t.Errorf("queue length = %d (%v) after ack", n, err)
	}
}

func TestUndecodableMessageDeadLetters(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.queue.Push(context.Background(), []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	counts, err := f.consumer.ProcessBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Failed != 1 {
		t.Errorf("counts = %+v", counts)
	}

	letters, err := f.store.ListDeadLetters(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].Message != "{not json" {
		t.Errorf("dead letters = %+v", letters)
	}
}

func TestEmptyQueueYieldsZeroCounts(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	counts, err := f.consumer.ProcessBatch(ctx)
	if err == nil {
		t.Error("expected fetch error on canceled context")
	}
	if counts != (BatchCounts{}) {
		t.Errorf("counts = %+v", counts)
	}
}
