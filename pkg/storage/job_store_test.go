package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestJobStoreLifecycle(t *testing.T) {
	store := newTestStore(t)

	job := &Job{
		ID:          "job-1",
		WorkspaceID: "ws-1",
		Type:        "generate",
		Status:      "queued",
		Payload:     `{"agent_id":"agent-1"}`,
		CreatedAt:   time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	got, err := store.GetJob("job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got == nil || got.Status != "queued" || got.Progress != 0 {
		t.Fatalf("expected queued job at progress 0, got %+v", got)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatalf("expected no start/completion timestamps yet, got %+v", got)
	}

	now := time.Now()
	if err := store.UpdateJobStatus("job-1", "running", 25, &now); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = store.GetJob("job-1")
	if got.Status != "running" || got.Progress != 25 {
		t.Fatalf("expected running at 25, got %+v", got)
	}
	if got.StartedAt == nil {
		t.Fatalf("expected started_at to be set")
	}
	firstStart := *got.StartedAt

	// started_at must survive later status writes
	later := time.Now().Add(time.Hour)
	if err := store.UpdateJobStatus("job-1", "running", 50, &later); err != nil {
		t.Fatalf("second update: %v", err)
	}
	got, _ = store.GetJob("job-1")
	if !got.StartedAt.Equal(firstStart) {
		t.Errorf("started_at changed on second update: %v != %v", got.StartedAt, firstStart)
	}

	if err := store.CompleteJob("job-1", `{"eval_id":"eval-1"}`); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	got, _ = store.GetJob("job-1")
	if got.Status != "completed" || got.Progress != 100 {
		t.Fatalf("expected completed at 100, got %+v", got)
	}
	if got.Result == nil || got.Error != nil {
		t.Fatalf("expected result without error, got result=%v error=%v", got.Result, got.Error)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
}

func TestFailJobKeepsProgress(t *testing.T) {
	store := newTestStore(t)

	job := &Job{
		ID:          "job-2",
		WorkspaceID: "ws-1",
		Type:        "import",
		Status:      "queued",
		CreatedAt:   time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	now := time.Now()
	store.UpdateJobStatus("job-2", "running", 60, &now)

	if err := store.FailJob("job-2", "provider timeout"); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	got, _ := store.GetJob("job-2")
	if got.Status != "failed" {
		t.Errorf("expected failed status, got %q", got.Status)
	}
	if got.Progress != 60 {
		t.Errorf("expected progress frozen at 60, got %d", got.Progress)
	}
	if got.Error == nil || *got.Error != "provider timeout" {
		t.Errorf("expected error message, got %v", got.Error)
	}
}

func TestGetJobMissing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetJob("nope")
	if err != nil {
		t.Fatalf("get missing job: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing job, got %+v", got)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	for i := 0; i < 3; i++ {
		job := &Job{
			ID:          string(rune('a' + i)),
			WorkspaceID: "ws-1",
			Type:        "execute",
			Status:      "queued",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreateJob(job); err != nil {
			t.Fatalf("create job %d: %v", i, err)
		}
	}

	jobs, err := store.ListJobs("ws-1", 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "c" || jobs[2].ID != "a" {
		t.Errorf("expected newest first, got %s..%s", jobs[0].ID, jobs[2].ID)
	}
}

func TestStoreObserverReceivesJobEvents(t *testing.T) {
	store := newTestStore(t)

	events := make(chan Event, 4)
	store.AddObserver(ObserverFunc(func(e Event) {
		events <- e
	}))

	job := &Job{
		ID:          "job-3",
		WorkspaceID: "ws-1",
		Type:        "monitor",
		Status:      "queued",
		CreatedAt:   time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != EventJobCreated || e.EntityID != "job-3" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for job.created event")
	}
}
