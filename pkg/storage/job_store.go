package storage

import (
	"database/sql"
	"time"
)

// Job is the durable record of one asynchronous unit of work.
// Status and type are stored as plain strings; the job package owns the
// typed enums and the transition rules.
type Job struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Payload     string     `json:"payload,omitempty"`
	Result      *string    `json:"result,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// CreateJob inserts a new job record.
func (s *Store) CreateJob(job *Job) error {
	query := `
		INSERT INTO jobs (id, workspace_id, type, status, progress, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		job.ID,
		job.WorkspaceID,
		job.Type,
		job.Status,
		job.Progress,
		job.Payload,
		job.Metadata,
		job.CreatedAt,
	)
	if err != nil {
		return err
	}

	clone := *job
	s.notify(newEvent(EventJobCreated, job.WorkspaceID, job.ID, clone))
	return nil
}

// GetJob returns a job by ID, or nil if it does not exist.
func (s *Store) GetJob(id string) (*Job, error) {
	query := `
		SELECT id, workspace_id, type, status, progress, COALESCE(payload, ''),
		       result, error, COALESCE(metadata, ''), created_at, started_at, completed_at
		FROM jobs
		WHERE id = ?
	`
	var job Job
	err := s.db.QueryRow(query, id).Scan(
		&job.ID,
		&job.WorkspaceID,
		&job.Type,
		&job.Status,
		&job.Progress,
		&job.Payload,
		&job.Result,
		&job.Error,
		&job.Metadata,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJobStatus writes status and progress, setting started_at on the
// first transition into running.
func (s *Store) UpdateJobStatus(id, status string, progress int, startedAt *time.Time) error {
	query := `
		UPDATE jobs
		SET status = ?, progress = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ?
	`
	_, err := s.db.Exec(query, status, progress, startedAt, id)
	if err != nil {
		return err
	}

	s.notifyJobUpdated(id)
	return nil
}

// CompleteJob marks a job completed with a result payload, clearing any
// previously recorded error.
func (s *Store) CompleteJob(id, result string) error {
	query := `
		UPDATE jobs
		SET status = 'completed', progress = 100, result = ?, error = NULL, completed_at = ?
		WHERE id = ?
	`
	_, err := s.db.Exec(query, result, time.Now(), id)
	if err != nil {
		return err
	}

	s.notifyJobUpdated(id)
	return nil
}

// FailJob marks a job failed. Progress is left at its last reported value;
// it measures work done, not outcome.
func (s *Store) FailJob(id, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = 'failed', error = ?, completed_at = ?
		WHERE id = ?
	`
	_, err := s.db.Exec(query, errorMessage, time.Now(), id)
	if err != nil {
		return err
	}

	s.notifyJobUpdated(id)
	return nil
}

// SetJobMetadata replaces the job's metadata JSON blob.
func (s *Store) SetJobMetadata(id, metadata string) error {
	_, err := s.db.Exec(`UPDATE jobs SET metadata = ? WHERE id = ?`, metadata, id)
	return err
}

// ListJobs returns recent jobs for a workspace, newest first.
func (s *Store) ListJobs(workspaceID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, workspace_id, type, status, progress, COALESCE(payload, ''),
		       result, error, COALESCE(metadata, ''), created_at, started_at, completed_at
		FROM jobs
		WHERE workspace_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]Job, 0)
	for rows.Next() {
		var job Job
		if err := rows.Scan(
			&job.ID,
			&job.WorkspaceID,
			&job.Type,
			&job.Status,
			&job.Progress,
			&job.Payload,
			&job.Result,
			&job.Error,
			&job.Metadata,
			&job.CreatedAt,
			&job.StartedAt,
			&job.CompletedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) notifyJobUpdated(id string) {
	job, err := s.GetJob(id)
	if err != nil || job == nil {
		return
	}
	clone := *job
	s.notify(newEvent(EventJobUpdated, job.WorkspaceID, job.ID, clone))
}
