package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mtzanidakis/agentflow/internal/gateway"
)

// Agent is the last known name of a remote agent, kept so archived
// transcripts can be labelled when the service is unreachable.
type Agent struct {
	ID     int       `json:"id"`
	Name   string    `json:"name"`
	Role   string    `json:"role,omitempty"`
	Model  string    `json:"model,omitempty"`
	SeenAt time.Time `json:"seen_at"`
}

// SaveAgents upserts every agent of a registry listing.
func (s *Store) SaveAgents(agents []gateway.Agent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save agents: %w", err)
	}
	defer tx.Rollback()

	for _, a := range agents {
		var model string
		if a.Config != nil {
			model = a.Config.Model
		}
		_, err := tx.Exec(`
			INSERT INTO agents (id, name, role, model, seen_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				role = excluded.role,
				model = excluded.model,
				seen_at = CURRENT_TIMESTAMP`,
			a.ID, a.Name, a.Role, model)
		if err != nil {
			return fmt.Errorf("save agent %d: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetAgent(id int) (*Agent, error) {
	a := &Agent{}
	var role, model sql.NullString
	err := s.db.QueryRow(`SELECT id, name, role, model, seen_at FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &role, &model, &a.SeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.Role = role.String
	a.Model = model.String
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT id, name, role, model, seen_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var role, model sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &role, &model, &a.SeenAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Role = role.String
		a.Model = model.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(id int) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}
