package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AccountHistorySnapshot is appended once per scheduler tick. The table is
// append-only and strictly monotonic in Timestamp; the oldest row anchors
// "initial balance" for the dashboard's return-percent calculation.
type AccountHistorySnapshot struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	TotalValue    float64   `json:"totalValue"`
	UnrealizedPnl float64   `json:"unrealizedPnl"`
	ReturnPercent float64   `json:"returnPercent"`
}

type AccountHistoryStore struct {
	db *sql.DB
}

func (s *AccountHistoryStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS account_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			total_value REAL NOT NULL,
			unrealized_pnl REAL NOT NULL,
			return_percent REAL NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create account_history table: %w", err)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_account_history_timestamp ON account_history(timestamp)`); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Append stamps snap.Timestamp with the current time and inserts it. The
// timestamp is stored at one-second (RFC3339) resolution and is not checked
// against earlier rows.
func (s *AccountHistoryStore) Append(snap *AccountHistorySnapshot) error {
	snap.Timestamp = time.Now()
	result, err := s.db.Exec(`
		INSERT INTO account_history (timestamp, total_value, unrealized_pnl, return_percent)
		VALUES (?, ?, ?, ?)
	`, snap.Timestamp.Format(time.RFC3339), snap.TotalValue, snap.UnrealizedPnl, snap.ReturnPercent)
	if err != nil {
		return fmt.Errorf("failed to append account history snapshot: %w", err)
	}
	id, _ := result.LastInsertId()
	snap.ID = id
	return nil
}

// Oldest returns the first recorded snapshot, which anchors "initial balance".
func (s *AccountHistoryStore) Oldest() (*AccountHistorySnapshot, error) {
	row := s.db.QueryRow(`
		SELECT id, timestamp, total_value, unrealized_pnl, return_percent
		FROM account_history ORDER BY timestamp ASC LIMIT 1
	`)
	snap, err := scanAccountHistory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

// Chronological returns up to limit snapshots, oldest-first, per GET /api/history.
func (s *AccountHistoryStore) Chronological(limit int) ([]*AccountHistorySnapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, total_value, unrealized_pnl, return_percent
		FROM account_history ORDER BY timestamp ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query account history: %w", err)
	}
	defer rows.Close()

	var out []*AccountHistorySnapshot
	for rows.Next() {
		snap, err := scanAccountHistoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanAccountHistory(row *sql.Row) (*AccountHistorySnapshot, error) {
	return scanAccountHistoryScanner(row)
}

func scanAccountHistoryRows(rows *sql.Rows) (*AccountHistorySnapshot, error) {
	return scanAccountHistoryScanner(rows)
}

func scanAccountHistoryScanner(sc rowScanner) (*AccountHistorySnapshot, error) {
	var snap AccountHistorySnapshot
	var ts string
	if err := sc.Scan(&snap.ID, &ts, &snap.TotalValue, &snap.UnrealizedPnl, &snap.ReturnPercent); err != nil {
		return nil, err
	}
	snap.Timestamp, _ = time.Parse(time.RFC3339, ts)
	return &snap, nil
}
