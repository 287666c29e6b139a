package storage

import (
	"time"
)

// EvalExecution is one immutable record of running an eval against a trace.
// Re-testing the same (eval, trace) pair appends a new row; consumers
// computing current accuracy use only the latest row per trace.
type EvalExecution struct {
	ID              string    `json:"id"`
	EvalID          string    `json:"evalId"`
	TraceID         string    `json:"traceId"`
	PredictedResult bool      `json:"predictedResult"`
	PredictedReason string    `json:"predictedReason,omitempty"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	ExecutedAt      time.Time `json:"executedAt"`
}

// CreateExecution appends an execution record.
func (s *Store) CreateExecution(exec *EvalExecution) error {
	query := `
		INSERT INTO eval_executions (id, eval_id, trace_id, predicted_result,
		                             predicted_reason, execution_time_ms, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		exec.ID,
		exec.EvalID,
		exec.TraceID,
		exec.PredictedResult,
		exec.PredictedReason,
		exec.ExecutionTimeMs,
		exec.ExecutedAt,
	)
	if err != nil {
		return err
	}

	clone := *exec
	s.notify(newEvent(EventExecutionCreated, "", exec.ID, clone))
	return nil
}

// LatestExecutions returns the most recent execution per trace for an eval.
func (s *Store) LatestExecutions(evalID string) ([]EvalExecution, error) {
	query := `
		SELECT e.id, e.eval_id, e.trace_id, e.predicted_result,
		       COALESCE(e.predicted_reason, ''), e.execution_time_ms, e.executed_at
		FROM eval_executions e
		WHERE e.eval_id = ?
		  AND e.executed_at = (
			SELECT MAX(e2.executed_at)
			FROM eval_executions e2
			WHERE e2.eval_id = e.eval_id AND e2.trace_id = e.trace_id
		  )
		GROUP BY e.trace_id
		ORDER BY e.trace_id
	`
	rows, err := s.db.Query(query, evalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	execs := make([]EvalExecution, 0)
	for rows.Next() {
		var exec EvalExecution
		if err := rows.Scan(
			&exec.ID,
			&exec.EvalID,
			&exec.TraceID,
			&exec.PredictedResult,
			&exec.PredictedReason,
			&exec.ExecutionTimeMs,
			&exec.ExecutedAt,
		); err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CountExecutions returns the total number of execution rows for an eval.
func (s *Store) CountExecutions(evalID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM eval_executions WHERE eval_id = ?`, evalID,
	).Scan(&count)
	return count, err
}
