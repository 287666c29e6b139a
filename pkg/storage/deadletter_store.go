package storage

import (
	"time"
)

// DeadLetter is a durable record of a permanently failed queue message.
// The table is append-only; rows are kept for operator inspection.
type DeadLetter struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Message   string    `json:"message"` // original queue message, JSON
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateDeadLetter appends a dead letter record.
func (s *Store) CreateDeadLetter(dl *DeadLetter) error {
	query := `
		INSERT INTO dead_letters (id, job_id, message, error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		dl.ID,
		dl.JobID,
		dl.Message,
		dl.Error,
		dl.Attempts,
		dl.CreatedAt,
	)
	if err != nil {
		return err
	}

	clone := *dl
	s.notify(newEvent(EventDeadLetterCreated, "", dl.ID, clone))
	return nil
}

// ListDeadLetters returns recent dead letters, newest first.
func (s *Store) ListDeadLetters(limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, job_id, message, error, attempts, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	letters := make([]DeadLetter, 0)
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(
			&dl.ID,
			&dl.JobID,
			&dl.Message,
			&dl.Error,
			&dl.Attempts,
			&dl.CreatedAt,
		); err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}
