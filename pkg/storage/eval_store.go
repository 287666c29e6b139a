package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Eval is a versioned, generated scoring function for one agent.
type Eval struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agentId"`
	Version         int        `json:"version"`
	Status          string     `json:"status"`
	Code            string     `json:"code"`
	Description     string     `json:"description,omitempty"`
	ModelUsed       string     `json:"modelUsed,omitempty"`
	Accuracy        *float64   `json:"accuracy,omitempty"`
	TraceIDs        string     `json:"traceIds,omitempty"`
	ConfusionMatrix string     `json:"confusionMatrix,omitempty"`
	PerTraceResults string     `json:"perTraceResults,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	ActivatedAt     *time.Time `json:"activatedAt,omitempty"`
}

// Agent is the owner of traces and evals within a workspace.
type Agent struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspaceId"`
	Name         string    `json:"name"`
	ActiveEvalID *string   `json:"activeEvalId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AgentTasks holds the task descriptions extracted for one agent.
type AgentTasks struct {
	AgentID   string    `json:"agentId"`
	Tasks     string    `json:"tasks"` // JSON array of task description strings
	ModelUsed string    `json:"modelUsed,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(agent *Agent) error {
	query := `
		INSERT INTO agents (id, workspace_id, name, created_at)
		VALUES (?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, agent.ID, agent.WorkspaceID, agent.Name, agent.CreatedAt)
	return err
}

// GetAgent returns an agent by ID, or nil if it does not exist.
func (s *Store) GetAgent(id string) (*Agent, error) {
	query := `
		SELECT id, workspace_id, name, active_eval_id, created_at
		FROM agents
		WHERE id = ?
	`
	var agent Agent
	err := s.db.QueryRow(query, id).Scan(
		&agent.ID,
		&agent.WorkspaceID,
		&agent.Name,
		&agent.ActiveEvalID,
		&agent.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// CreateEval inserts a new eval as the next version for its agent.
// Version assignment and insert run in one transaction so concurrent
// generation rounds never collide on (agent_id, version).
func (s *Store) CreateEval(eval *Eval) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(version), 0) + 1 FROM evals WHERE agent_id = ?`,
		eval.AgentID,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("next eval version: %w", err)
	}
	eval.Version = version

	_, err = tx.Exec(`
		INSERT INTO evals (id, agent_id, version, status, code, description, model_used,
		                   accuracy, trace_ids, confusion_matrix, per_trace_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		eval.ID,
		eval.AgentID,
		eval.Version,
		eval.Status,
		eval.Code,
		eval.Description,
		eval.ModelUsed,
		eval.Accuracy,
		eval.TraceIDs,
		eval.ConfusionMatrix,
		eval.PerTraceResults,
		eval.CreatedAt,
	)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	clone := *eval
	s.notify(newEvent(EventEvalCreated, "", eval.ID, clone))
	return nil
}

// GetEval returns an eval by ID, or nil if it does not exist.
func (s *Store) GetEval(id string) (*Eval, error) {
	query := `
		SELECT id, agent_id, version, status, code, COALESCE(description, ''),
		       COALESCE(model_used, ''), accuracy, COALESCE(trace_ids, ''),
		       COALESCE(confusion_matrix, ''), COALESCE(per_trace_results, ''),
		       created_at, activated_at
		FROM evals
		WHERE id = ?
	`
	var eval Eval
	err := s.db.QueryRow(query, id).Scan(
		&eval.ID,
		&eval.AgentID,
		&eval.Version,
		&eval.Status,
		&eval.Code,
		&eval.Description,
		&eval.ModelUsed,
		&eval.Accuracy,
		&eval.TraceIDs,
		&eval.ConfusionMatrix,
		&eval.PerTraceResults,
		&eval.CreatedAt,
		&eval.ActivatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &eval, nil
}

// GetActiveEval returns the agent's active eval, or nil if none is active.
func (s *Store) GetActiveEval(agentID string) (*Eval, error) {
	query := `SELECT id FROM evals WHERE agent_id = ? AND status = 'active' LIMIT 1`
	var id string
	err := s.db.QueryRow(query, agentID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetEval(id)
}

// ListEvals returns all evals for an agent, newest version first.
func (s *Store) ListEvals(agentID string) ([]Eval, error) {
	query := `
		SELECT id, agent_id, version, status, code, COALESCE(description, ''),
		       COALESCE(model_used, ''), accuracy, COALESCE(trace_ids, ''),
		       COALESCE(confusion_matrix, ''), COALESCE(per_trace_results, ''),
		       created_at, activated_at
		FROM evals
		WHERE agent_id = ?
		ORDER BY version DESC
	`
	rows, err := s.db.Query(query, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	evals := make([]Eval, 0)
	for rows.Next() {
		var eval Eval
		if err := rows.Scan(
			&eval.ID,
			&eval.AgentID,
			&eval.Version,
			&eval.Status,
			&eval.Code,
			&eval.Description,
			&eval.ModelUsed,
			&eval.Accuracy,
			&eval.TraceIDs,
			&eval.ConfusionMatrix,
			&eval.PerTraceResults,
			&eval.CreatedAt,
			&eval.ActivatedAt,
		); err != nil {
			return nil, err
		}
		evals = append(evals, eval)
	}
	return evals, rows.Err()
}

// ActivateEval promotes an eval to active, archiving any previously active
// eval for the same agent. At most one eval per agent is active at a time.
func (s *Store) ActivateEval(evalID string) error {
	eval, err := s.GetEval(evalID)
	if err != nil {
		return err
	}
	if eval == nil {
		return fmt.Errorf("eval %s not found", evalID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec(
		`UPDATE evals SET status = 'archived' WHERE agent_id = ? AND status = 'active' AND id != ?`,
		eval.AgentID, evalID,
	); err != nil {
		return fmt.Errorf("archive previous active eval: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE evals SET status = 'active', activated_at = ? WHERE id = ?`,
		now, evalID,
	); err != nil {
		return fmt.Errorf("activate eval: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE agents SET active_eval_id = ? WHERE id = ?`,
		evalID, eval.AgentID,
	); err != nil {
		return fmt.Errorf("update agent active eval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.notify(newEvent(EventEvalActivated, "", evalID, map[string]any{
		"agentId": eval.AgentID,
	}))
	return nil
}

// UpdateEvalAccuracy records a recomputed aggregate accuracy for an eval.
func (s *Store) UpdateEvalAccuracy(evalID string, accuracy float64) error {
	_, err := s.db.Exec(`UPDATE evals SET accuracy = ? WHERE id = ?`, accuracy, evalID)
	if err != nil {
		return err
	}

	s.notify(newEvent(EventEvalUpdated, "", evalID, map[string]any{
		"accuracy": accuracy,
	}))
	return nil
}

// UpdateEvalStatus sets an eval's status without touching activation state.
func (s *Store) UpdateEvalStatus(evalID, status string) error {
	_, err := s.db.Exec(`UPDATE evals SET status = ? WHERE id = ?`, status, evalID)
	return err
}

// SaveAgentTasks stores (or replaces) the extracted task list for an agent.
func (s *Store) SaveAgentTasks(tasks *AgentTasks) error {
	query := `
		INSERT INTO agent_tasks (agent_id, tasks, model_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			tasks = excluded.tasks,
			model_used = excluded.model_used,
			updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query,
		tasks.AgentID,
		tasks.Tasks,
		tasks.ModelUsed,
		tasks.CreatedAt,
		tasks.UpdatedAt,
	)
	return err
}

// GetAgentTasks returns the extracted task list for an agent, or nil if
// extraction has not run yet.
func (s *Store) GetAgentTasks(agentID string) (*AgentTasks, error) {
	query := `
		SELECT agent_id, tasks, COALESCE(model_used, ''), created_at, updated_at
		FROM agent_tasks
		WHERE agent_id = ?
	`
	var tasks AgentTasks
	err := s.db.QueryRow(query, agentID).Scan(
		&tasks.AgentID,
		&tasks.Tasks,
		&tasks.ModelUsed,
		&tasks.CreatedAt,
		&tasks.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tasks, nil
}
