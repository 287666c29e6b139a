package storage

import (
	"strings"
	"testing"
	"time"
)

func TestTraceStoreCRUD(t *testing.T) {
	store := newTestStore(t)

	longInput := strings.Repeat("x", 500)
	trace := &Trace{
		ID:          "trace-1",
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Input:       longInput,
		Output:      "short output",
		Steps:       `[{"role":"assistant","content":"hi"}]`,
		CreatedAt:   time.Now(),
	}
	if err := store.CreateTrace(trace); err != nil {
		t.Fatalf("create trace: %v", err)
	}
	if len(trace.InputPreview) != previewLength {
		t.Errorf("expected input preview truncated to %d, got %d", previewLength, len(trace.InputPreview))
	}
	if trace.OutputPreview != "short output" {
		t.Errorf("expected short output kept whole, got %q", trace.OutputPreview)
	}

	got, err := store.GetTrace("trace-1")
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	if got == nil || got.Input != longInput {
		t.Fatalf("expected full input round-tripped")
	}

	traces, err := store.ListTraces("agent-1", 10)
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("expected 1 trace, got %d", len(traces))
	}
}

func TestGetLabeledTraces(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	for i, id := range []string{"t1", "t2", "t3", "t4"} {
		trace := &Trace{
			ID:          id,
			WorkspaceID: "ws-1",
			AgentID:     "agent-1",
			Input:       "in",
			Output:      "out",
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateTrace(trace); err != nil {
			t.Fatalf("create trace %s: %v", id, err)
		}
	}

	// t1, t2 positive; t3 negative; t4 unlabeled
	ratings := map[string]string{"t1": "positive", "t2": "positive", "t3": "negative"}
	i := 0
	for traceID, rating := range ratings {
		fb := &Feedback{
			ID:        "fb-" + traceID,
			TraceID:   traceID,
			Rating:    rating,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateFeedback(fb); err != nil {
			t.Fatalf("create feedback for %s: %v", traceID, err)
		}
		i++
	}

	labeled, err := store.GetLabeledTraces("agent-1")
	if err != nil {
		t.Fatalf("get labeled traces: %v", err)
	}
	if len(labeled) != 3 {
		t.Fatalf("expected 3 labeled traces, got %d", len(labeled))
	}

	// Stable oldest-first order
	if labeled[0].ID != "t1" || labeled[1].ID != "t2" || labeled[2].ID != "t3" {
		t.Errorf("unexpected order: %s, %s, %s", labeled[0].ID, labeled[1].ID, labeled[2].ID)
	}

	positives := 0
	for _, lt := range labeled {
		if lt.Label {
			positives++
		}
	}
	if positives != 2 {
		t.Errorf("expected 2 positive labels, got %d", positives)
	}
}

func TestLabeledTraceUsesLatestFeedback(t *testing.T) {
	store := newTestStore(t)

	trace := &Trace{
		ID:          "t1",
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		CreatedAt:   time.Now(),
	}
	if err := store.CreateTrace(trace); err != nil {
		t.Fatalf("create trace: %v", err)
	}

	base := time.Now()
	first := &Feedback{ID: "fb-1", TraceID: "t1", Rating: "positive", CreatedAt: base}
	second := &Feedback{ID: "fb-2", TraceID: "t1", Rating: "negative", CreatedAt: base.Add(time.Minute)}
	if err := store.CreateFeedback(first); err != nil {
		t.Fatalf("create first feedback: %v", err)
	}
	if err := store.CreateFeedback(second); err != nil {
		t.Fatalf("create second feedback: %v", err)
	}

	labeled, err := store.GetLabeledTraces("agent-1")
	if err != nil {
		t.Fatalf("get labeled traces: %v", err)
	}
	if len(labeled) != 1 {
		t.Fatalf("expected 1 labeled trace, got %d", len(labeled))
	}
	if labeled[0].Label {
		t.Errorf("expected latest (negative) rating to win")
	}
}
