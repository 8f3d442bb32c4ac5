package store

import (
	"database/sql"
	"fmt"
	"time"
)

// InconsistentState is created when a write to the store fails after the
// exchange acknowledged the mutation. Its lifecycle terminates when the
// reconciler sets Resolved.
type InconsistentState struct {
	ID              int64      `json:"id"`
	Operation       string     `json:"operation"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	ExchangeOrderID string     `json:"exchangeOrderId"`
	CreatedAt       time.Time  `json:"createdAt"`
	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	FailureCount    int        `json:"failureCount"`
}

type InconsistentStore struct {
	db *sql.DB
}

func (s *InconsistentStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS inconsistent_states (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolved_at DATETIME,
			resolved_by TEXT NOT NULL DEFAULT '',
			failure_count INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create inconsistent_states table: %w", err)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_inconsistent_resolved ON inconsistent_states(resolved, created_at)`); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Create writes an InconsistentState row. This runs in its own transaction,
// independent of whatever store write just failed, per the split-state
// failure policy.
func (s *InconsistentStore) Create(state *InconsistentState) error {
	state.CreatedAt = time.Now()
	result, err := s.db.Exec(`
		INSERT INTO inconsistent_states (operation, symbol, side, exchange_order_id, created_at, resolved, failure_count)
		VALUES (?, ?, ?, ?, ?, 0, 0)
	`, state.Operation, state.Symbol, state.Side, state.ExchangeOrderID, state.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert inconsistent state: %w", err)
	}
	id, _ := result.LastInsertId()
	state.ID = id
	return nil
}

// Unresolved returns every unresolved row, ordered by CreatedAt ascending,
// the order the Reconciler is required to process them in.
func (s *InconsistentStore) Unresolved() ([]*InconsistentState, error) {
	rows, err := s.db.Query(`
		SELECT id, operation, symbol, side, exchange_order_id, created_at, resolved, resolved_at, resolved_by, failure_count
		FROM inconsistent_states WHERE resolved = 0 ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query inconsistent states: %w", err)
	}
	defer rows.Close()

	var out []*InconsistentState
	for rows.Next() {
		st, err := scanInconsistentState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// MarkResolved transitions the row to resolved, attributing the fix to who
// made it ("auto" for the reconciler).
func (s *InconsistentStore) MarkResolved(tx *sql.Tx, id int64, resolvedBy string) error {
	_, err := tx.Exec(`
		UPDATE inconsistent_states SET resolved = 1, resolved_at = ?, resolved_by = ? WHERE id = ?
	`, time.Now().Format(time.RFC3339), resolvedBy, id)
	return err
}

// IncrementFailureCount bumps the per-row failure counter; the reconciler
// raises its per-row WARNING alert from it (its CRITICAL alert counts
// unresolved rows instead).
func (s *InconsistentStore) IncrementFailureCount(id int64) (int, error) {
	_, err := s.db.Exec(`UPDATE inconsistent_states SET failure_count = failure_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRow(`SELECT failure_count FROM inconsistent_states WHERE id = ?`, id).Scan(&count)
	return count, err
}

func scanInconsistentState(rows *sql.Rows) (*InconsistentState, error) {
	var st InconsistentState
	var createdAt string
	var resolvedAt sql.NullString
	if err := rows.Scan(&st.ID, &st.Operation, &st.Symbol, &st.Side, &st.ExchangeOrderID,
		&createdAt, &st.Resolved, &resolvedAt, &st.ResolvedBy, &st.FailureCount); err != nil {
		return nil, err
	}
	st.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339, resolvedAt.String)
		st.ResolvedAt = &t
	}
	return &st, nil
}
