package job

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/iofold/iofold/pkg/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, nil), store
}

func TestCreateJob(t *testing.T) {
	mgr, _ := newTestManager(t)

	job, err := mgr.Create(TypeGenerate, "ws-1", GeneratePayload{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != string(StatusQueued) || job.Progress != 0 {
		t.Fatalf("expected queued at 0, got %+v", job)
	}
	if job.ID == "" {
		t.Fatalf("expected assigned job ID")
	}

	var payload GeneratePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.AgentID != "agent-1" {
		t.Errorf("expected agent-1 in payload, got %q", payload.AgentID)
	}
}

func TestTryStartIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)

	job, _ := mgr.Create(TypeImport, "ws-1", nil)

	started, err := mgr.TryStart(job.ID)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if !started {
		t.Fatalf("expected first start to succeed")
	}

	got, _ := mgr.Get(job.ID)
	firstStart := got.StartedAt
	if firstStart == nil {
		t.Fatalf("expected started_at to be set")
	}

	// Duplicate delivery: second start is a no-op, not an error
	started, err = mgr.TryStart(job.ID)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if started {
		t.Fatalf("expected duplicate start to be refused")
	}

	got, _ = mgr.Get(job.ID)
	if !got.StartedAt.Equal(*firstStart) {
		t.Errorf("started_at changed on duplicate start")
	}
}

func TestTryStartAfterFailureIsRetry(t *testing.T) {
	mgr, _ := newTestManager(t)

	job, _ := mgr.Create(TypeExecute, "ws-1", nil)
	mgr.TryStart(job.ID)
	mgr.Progress(job.ID, 40)
	mgr.Fail(job.ID, "boom")

	started, err := mgr.TryStart(job.ID)
	if err != nil {
		t.Fatalf("retry start: %v", err)
	}
	if !started {
		t.Fatalf("expected failed job to restart for retry")
	}

	got, _ := mgr.Get(job.ID)
	if got.Status != string(StatusRunning) || got.Progress != 0 {
		t.Errorf("expected running at 0 after retry start, got %s/%d", got.Status, got.Progress)
	}
}

func TestTryStartCompletedJobRefused(t *testing.T) {
	mgr, _ := newTestManager(t)

	job, _ := mgr.Create(TypeExecute, "ws-1", nil)
	mgr.TryStart(job.ID)
	mgr.Complete(job.ID, map[string]int{"count": 1})

	started, err := mgr.TryStart(job.ID)
	if err != nil {
		t.Fatalf("start completed job: %v", err)
	}
	if started {
		t.Fatalf("expected completed job not to restart")
	}
}

func TestProgressMonotonic(t *testing.T) {
	mgr, _ := newTestManager(t)

	job, _ := mgr.Create(TypeGenerate, "ws-1", nil)
	mgr.TryStart(job.ID)

	for _, p := range []int{10, 50, 30, 50, 80} {
		if err := mgr.Progress(job.ID, p); err != nil {
			t.Fatalf("progress %d: %v", p, err)
		}
	}

	got, _ := mgr.Get(job.ID)
	if got.Progress != 80 {
		t.Errorf("expected progress clamped to 80, got %d", got.Progress)
	}

	// Out-of-range reports are clamped into [0, 100]
	mgr.Progress(job.ID, 250)
	got, _ = mgr.Get(job.ID)
	if got.Progress != 100 {
		t.Errorf("expected progress capped at 100, got %d", got.Progress)
	}
}

func TestProgressConcurrentReporters(t *testing.T) {
	mgr, _ := newTestManager(t)

	job, _ := mgr.Create(TypeGenerate, "ws-1", nil)
	mgr.TryStart(job.ID)

	var wg sync.WaitGroup
	for p := 1; p <= 50; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_ = mgr.Progress(job.ID, p)
		}(p)
	}
	wg.Wait()

	got, _ := mgr.Get(job.ID)
	if got.Progress != 50 {
		t.Errorf("expected max progress 50 after concurrent reports, got %d", got.Progress)
	}
}

func TestCompleteJob(t *testing.T) {
	mgr, _ := newTestManager(t)

	job, _ := mgr.Create(TypeImport, "ws-1", nil)
	mgr.TryStart(job.ID)

	if err := mgr.Complete(job.ID, map[string]int{"imported_count": 42}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := mgr.Get(job.ID)
	if got.Status != string(StatusCompleted) || got.Progress != 100 {
		t.Fatalf("expected completed at 100, got %s/%d", got.Status, got.Progress)
	}
	if got.Result == nil || got.Error != nil {
		t.Fatalf("expected result without error")
	}

	// Completing again is a no-op
	if err := mgr.Complete(job.ID, map[string]int{"imported_count": 99}); err != nil {
		t.Fatalf("duplicate complete: %v", err)
	}
	got, _ = mgr.Get(job.ID)
	var result map[string]int
	json.Unmarshal([]byte(*got.Result), &result)
	if result["imported_count"] != 42 {
		t.Errorf("expected original result preserved, got %v", result)
	}
}

func TestFailFreezesProgress(t *testing.T) {
	mgr, _ := newTestManager(t)

	job, _ := mgr.Create(TypeGenerate, "ws-1", nil)
	mgr.TryStart(job.ID)
	mgr.Progress(job.ID, 65)

	if err := mgr.Fail(job.ID, "provider timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := mgr.Get(job.ID)
	if got.Status != string(StatusFailed) {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Progress != 65 {
		t.Errorf("expected progress frozen at 65, got %d", got.Progress)
	}
	if got.Error == nil || *got.Error != "provider timeout" {
		t.Errorf("expected error recorded, got %v", got.Error)
	}
}

func TestInvalidTransitions(t *testing.T) {
	mgr, _ := newTestManager(t)

	job, _ := mgr.Create(TypeMonitor, "ws-1", nil)

	if err := mgr.Complete(job.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for queued->completed, got %v", err)
	}
	if err := mgr.Fail(job.ID, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for queued->failed, got %v", err)
	}
	if err := mgr.UpdateStatus(job.ID, StatusQueued, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for ->queued, got %v", err)
	}
}

func TestMetadataAndLogs(t *testing.T) {
	mgr, _ := newTestManager(t)

	job, _ := mgr.Create(TypeGenerate, "ws-1", nil)
	mgr.TryStart(job.ID)

	if err := mgr.SetMetadata(job.ID, "batch_size", 4); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if err := mgr.AppendLog(job.ID, "extracting tasks"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	if err := mgr.AppendLog(job.ID, "generating candidates"); err != nil {
		t.Fatalf("append log: %v", err)
	}

	got, _ := mgr.Get(job.ID)
	var meta map[string]any
	if err := json.Unmarshal([]byte(got.Metadata), &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if meta["batch_size"] != float64(4) {
		t.Errorf("expected batch_size 4, got %v", meta["batch_size"])
	}
	logs, _ := meta["logs"].([]any)
	if len(logs) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(logs))
	}
}

func TestNotifierReceivesLifecycleEvents(t *testing.T) {
	mgr, _ := newTestManager(t)

	var mu sync.Mutex
	var kinds []EventKind
	mgr.SetNotifier(NotifierFunc(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	}))

	job, _ := mgr.Create(TypeExecute, "ws-1", nil)
	mgr.TryStart(job.ID)
	mgr.Progress(job.ID, 50)
	mgr.AppendLog(job.ID, "halfway")
	mgr.Complete(job.ID, nil)

	mu.Lock()
	defer mu.Unlock()
	want := []EventKind{EventProgress, EventProgress, EventLog, EventCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d events, got %d (%v)", len(want), len(kinds), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range Types {
		if _, err := ParseType(string(typ)); err != nil {
			t.Errorf("expected %q to parse, got %v", typ, err)
		}
	}
	if _, err := ParseType("reticulate"); err == nil {
		t.Errorf("expected unknown type to fail")
	}
}

func TestMessageCodec(t *testing.T) {
	msg := &Message{
		JobID:       "job-1",
		Type:        TypeGenerate,
		WorkspaceID: "ws-1",
		Payload:     json.RawMessage(`{"agent_id":"agent-1"}`),
		Attempt:     2,
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.JobID != "job-1" || decoded.Type != TypeGenerate || decoded.Attempt != 2 {
		t.Errorf("round trip mismatch: %+v", decoded)
	}

	// A missing attempt counter defaults to 1
	decoded, err = DecodeMessage([]byte(`{"job_id":"job-2","type":"import"}`))
	if err != nil {
		t.Fatalf("decode without attempt: %v", err)
	}
	if decoded.Attempt != 1 {
		t.Errorf("expected attempt default 1, got %d", decoded.Attempt)
	}

	if _, err := DecodeMessage([]byte(`{"type":"import"}`)); err == nil {
		t.Errorf("expected missing job_id to fail")
	}
}
