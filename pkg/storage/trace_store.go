package storage

import (
	"database/sql"
	"time"
)

// Trace is one recorded agent interaction used as ground truth for scoring.
type Trace struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspaceId"`
	AgentID       string    `json:"agentId"`
	Input         string    `json:"input"`
	Output        string    `json:"output"`
	Steps         string    `json:"steps,omitempty"`
	InputPreview  string    `json:"inputPreview,omitempty"`
	OutputPreview string    `json:"outputPreview,omitempty"`
	HasErrors     bool      `json:"hasErrors"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Feedback is an operator rating attached to a trace.
type Feedback struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"traceId"`
	Rating    string    `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// LabeledTrace is a trace joined with its most recent feedback rating.
type LabeledTrace struct {
	Trace
	Label bool `json:"label"` // true for a positive rating
}

const previewLength = 200

// CreateTrace inserts a new trace. Preview columns are derived from the
// full input/output when not provided.
func (s *Store) CreateTrace(trace *Trace) error {
	if trace.InputPreview == "" {
		trace.InputPreview = preview(trace.Input)
	}
	if trace.OutputPreview == "" {
		trace.OutputPreview = preview(trace.Output)
	}

	query := `
		INSERT INTO traces (id, workspace_id, agent_id, input, output, steps,
		                    input_preview, output_preview, has_errors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		trace.ID,
		trace.WorkspaceID,
		trace.AgentID,
		trace.Input,
		trace.Output,
		trace.Steps,
		trace.InputPreview,
		trace.OutputPreview,
		trace.HasErrors,
		trace.CreatedAt,
	)
	if err != nil {
		return err
	}

	clone := *trace
	s.notify(newEvent(EventTraceCreated, trace.WorkspaceID, trace.ID, clone))
	return nil
}

// GetTrace returns a trace by ID, or nil if it does not exist.
func (s *Store) GetTrace(id string) (*Trace, error) {
	query := `
		SELECT id, workspace_id, agent_id, COALESCE(input, ''), COALESCE(output, ''),
		       COALESCE(steps, ''), COALESCE(input_preview, ''), COALESCE(output_preview, ''),
		       has_errors, created_at
		FROM traces
		WHERE id = ?
	`
	var trace Trace
	err := s.db.QueryRow(query, id).Scan(
		&trace.ID,
		&trace.WorkspaceID,
		&trace.AgentID,
		&trace.Input,
		&trace.Output,
		&trace.Steps,
		&trace.InputPreview,
		&trace.OutputPreview,
		&trace.HasErrors,
		&trace.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trace, nil
}

// GetTraces returns the traces with the given IDs, in the order given.
// Missing IDs are skipped.
func (s *Store) GetTraces(ids []string) ([]Trace, error) {
	traces := make([]Trace, 0, len(ids))
	for _, id := range ids {
		trace, err := s.GetTrace(id)
		if err != nil {
			return nil, err
		}
		if trace != nil {
			traces = append(traces, *trace)
		}
	}
	return traces, nil
}

// ListTraces returns recent traces for an agent, newest first.
func (s *Store) ListTraces(agentID string, limit int) ([]Trace, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, workspace_id, agent_id, COALESCE(input, ''), COALESCE(output, ''),
		       COALESCE(steps, ''), COALESCE(input_preview, ''), COALESCE(output_preview, ''),
		       has_errors, created_at
		FROM traces
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	traces := make([]Trace, 0)
	for rows.Next() {
		var trace Trace
		if err := rows.Scan(
			&trace.ID,
			&trace.WorkspaceID,
			&trace.AgentID,
			&trace.Input,
			&trace.Output,
			&trace.Steps,
			&trace.InputPreview,
			&trace.OutputPreview,
			&trace.HasErrors,
			&trace.CreatedAt,
		); err != nil {
			return nil, err
		}
		traces = append(traces, trace)
	}
	return traces, rows.Err()
}

// CreateFeedback attaches a rating to a trace.
func (s *Store) CreateFeedback(fb *Feedback) error {
	query := `
		INSERT INTO feedback (id, trace_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, fb.ID, fb.TraceID, fb.Rating, fb.Comment, fb.CreatedAt)
	if err != nil {
		return err
	}

	clone := *fb
	s.notify(newEvent(EventFeedbackCreated, "", fb.ID, clone))
	return nil
}

// GetLabeledTraces returns an agent's traces that carry feedback, each
// labeled with its most recent rating. Ordered oldest first so callers
// see a stable order across runs.
func (s *Store) GetLabeledTraces(agentID string) ([]LabeledTrace, error) {
	query := `
		SELECT t.id, t.workspace_id, t.agent_id, COALESCE(t.input, ''), COALESCE(t.output, ''),
		       COALESCE(t.steps, ''), COALESCE(t.input_preview, ''), COALESCE(t.output_preview, ''),
		       t.has_errors, t.created_at, f.rating
		FROM traces t
		JOIN feedback f ON f.trace_id = t.id
		WHERE t.agent_id = ?
		  AND f.created_at = (SELECT MAX(f2.created_at) FROM feedback f2 WHERE f2.trace_id = t.id)
		ORDER BY t.created_at ASC
	`
	rows, err := s.db.Query(query, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	labeled := make([]LabeledTrace, 0)
	for rows.Next() {
		var lt LabeledTrace
		var rating string
		if err := rows.Scan(
			&lt.ID,
			&lt.WorkspaceID,
			&lt.AgentID,
			&lt.Input,
			&lt.Output,
			&lt.Steps,
			&lt.InputPreview,
			&lt.OutputPreview,
			&lt.HasErrors,
			&lt.CreatedAt,
			&rating,
		); err != nil {
			return nil, err
		}
		lt.Label = rating == "positive"
		labeled = append(labeled, lt)
	}
	return labeled, rows.Err()
}

func preview(s string) string {
	if len(s) <= previewLength {
		return s
	}
	return s[:previewLength]
}
