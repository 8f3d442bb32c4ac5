package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AgentDecision is an append-only log row recorded by the scheduler each
// tick after it executes the LLM's tool calls.
type AgentDecision struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Iteration      int       `json:"iteration"`
	Decision       string    `json:"decision"`
	ActionsTaken   string    `json:"actionsTaken"`
	AccountValue   float64   `json:"accountValue"`
	PositionsCount int       `json:"positionsCount"`
}

type DecisionStore struct {
	db *sql.DB
}

func (s *DecisionStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			iteration INTEGER NOT NULL,
			decision TEXT NOT NULL,
			actions_taken TEXT NOT NULL DEFAULT '',
			account_value REAL NOT NULL DEFAULT 0,
			positions_count INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create agent_decisions table: %w", err)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_agent_decisions_timestamp ON agent_decisions(timestamp DESC)`); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Append writes a new AgentDecision row. The table is append-only; there is
// no update or delete path.
func (s *DecisionStore) Append(d *AgentDecision) error {
	d.Timestamp = time.Now()
	result, err := s.db.Exec(`
		INSERT INTO agent_decisions (timestamp, iteration, decision, actions_taken, account_value, positions_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.Timestamp.Format(time.RFC3339), d.Iteration, d.Decision, d.ActionsTaken, d.AccountValue, d.PositionsCount)
	if err != nil {
		return fmt.Errorf("failed to append agent decision: %w", err)
	}
	id, _ := result.LastInsertId()
	d.ID = id
	return nil
}

// Recent returns up to limit decisions, newest first, for GET /api/logs.
func (s *DecisionStore) Recent(limit int) ([]*AgentDecision, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, iteration, decision, actions_taken, account_value, positions_count
		FROM agent_decisions ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent decisions: %w", err)
	}
	defer rows.Close()

	var out []*AgentDecision
	for rows.Next() {
		var d AgentDecision
		var ts string
		if err := rows.Scan(&d.ID, &ts, &d.Iteration, &d.Decision, &d.ActionsTaken, &d.AccountValue, &d.PositionsCount); err != nil {
			return nil, err
		}
		d.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, &d)
	}
	return out, rows.Err()
}
