package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TaskRun tracks one chat task from creation to its terminal phase.
type TaskRun struct {
	TaskID     int        `json:"task_id"`
	AgentID    int        `json:"agent_id"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func scanTaskRun(scanner interface {
	Scan(dest ...any) error
}) (*TaskRun, error) {
	t := &TaskRun{}
	var finished sql.NullTime
	if err := scanner.Scan(&t.TaskID, &t.AgentID, &t.Title, &t.Status, &t.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		t.FinishedAt = &finished.Time
	}
	return t, nil
}

// RecordTaskStatus upserts a run. Terminal statuses stamp finished_at.
func (s *Store) RecordTaskStatus(ctx context.Context, agentID, taskID int, title, status string, terminal bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (task_id, agent_id, title, status, finished_at)
		VALUES (?, ?, ?, ?, CASE WHEN ? THEN CURRENT_TIMESTAMP END)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at`,
		taskID, agentID, title, status, terminal)
	if err != nil {
		return fmt.Errorf("record task status: %w", err)
	}
	return nil
}

func (s *Store) GetTaskRun(taskID int) (*TaskRun, error) {
	row := s.db.QueryRow(`
		SELECT task_id, agent_id, title, status, started_at, finished_at
		FROM task_runs WHERE task_id = ?`, taskID)
	t, err := scanTaskRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task run: %w", err)
	}
	return t, nil
}

// ListTaskRuns returns runs newest first, for one agent when agentID is
// non-zero.
func (s *Store) ListTaskRuns(agentID int, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT task_id, agent_id, title, status, started_at, finished_at
		FROM task_runs
		WHERE ? = 0 OR agent_id = ?
		ORDER BY started_at DESC, task_id DESC
		LIMIT ?`, agentID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		t, err := scanTaskRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		runs = append(runs, *t)
	}
	return runs, rows.Err()
}
