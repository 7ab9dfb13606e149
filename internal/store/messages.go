package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Message struct {
	ID        int64     `json:"id"`
	AgentID   int       `json:"agent_id"`
	TaskID    int       `json:"task_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveMessage(msg *Message) error {
	var taskID sql.NullInt64
	if msg.TaskID != 0 {
		taskID = sql.NullInt64{Int64: int64(msg.TaskID), Valid: true}
	}
	result, err := s.db.Exec(`
		INSERT INTO messages (agent_id, task_id, role, content)
		VALUES (?, ?, ?, ?)`,
		msg.AgentID, taskID, msg.Role, msg.Content)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	msg.ID, _ = result.LastInsertId()
	return nil
}

// RecordMessage archives one transcript message.
func (s *Store) RecordMessage(ctx context.Context, agentID, taskID int, role, content string) error {
	return s.SaveMessage(&Message{AgentID: agentID, TaskID: taskID, Role: role, Content: content})
}

// GetMessages returns the latest limit messages for an agent, oldest first.
func (s *Store) GetMessages(agentID int, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, task_id, role, content, created_at
		FROM messages
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Store) GetRecentMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, task_id, role, content, created_at
		FROM messages
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var taskID sql.NullInt64
		if err := rows.Scan(&m.ID, &m.AgentID, &taskID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.TaskID = int(taskID.Int64)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

type AgentMessageStats struct {
	AgentID      int       `json:"agent_id"`
	MessageCount int       `json:"message_count"`
	LastActive   time.Time `json:"last_active"`
}

func (s *Store) GetAgentMessageStats() (map[int]AgentMessageStats, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, COUNT(*) as cnt, COALESCE(MAX(created_at), '') as last_active
		FROM messages
		GROUP BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("get agent message stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[int]AgentMessageStats)
	for rows.Next() {
		var st AgentMessageStats
		var lastActive string
		if err := rows.Scan(&st.AgentID, &st.MessageCount, &lastActive); err != nil {
			return nil, fmt.Errorf("scan agent stats: %w", err)
		}
		if lastActive != "" {
			st.LastActive, _ = time.Parse("2006-01-02 15:04:05", lastActive)
		}
		stats[st.AgentID] = st
	}
	return stats, rows.Err()
}
