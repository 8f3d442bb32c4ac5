package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Close reasons written to PositionCloseEvent.CloseReason.
const (
	CloseReasonStopLoss        = "stop_loss"
	CloseReasonTakeProfit      = "take_profit_triggered"
	CloseReasonPartialClose    = "partial_close"
	CloseReasonTrendReversal   = "trend_reversal"
	CloseReasonPeakDrawdown    = "peak_drawdown"
	CloseReasonTimeCap         = "time_cap"
	CloseReasonManual          = "manual"
	CloseReasonSystemRecovered = "system_recovered"
)

// PositionCloseEvent is written by both the normal close path and the
// reconciler. Processed is set once the notifier has consumed it.
type PositionCloseEvent struct {
	ID          int64     `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	EntryPrice  float64   `json:"entryPrice"`
	ClosePrice  float64   `json:"closePrice"`
	Quantity    float64   `json:"quantity"`
	Leverage    int       `json:"leverage"`
	PnL         float64   `json:"pnl"`
	PnlPercent  float64   `json:"pnlPercent"`
	Fee         float64   `json:"fee"`
	CloseReason string    `json:"closeReason"`
	TriggerType string    `json:"triggerType"`
	OrderID     string    `json:"orderId"`
	CreatedAt   time.Time `json:"createdAt"`
	Processed   bool      `json:"processed"`
}

type CloseEventStore struct {
	db *sql.DB
}

func (s *CloseEventStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS position_close_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			close_price REAL NOT NULL,
			quantity REAL NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			pnl REAL NOT NULL,
			pnl_percent REAL NOT NULL,
			fee REAL NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL,
			trigger_type TEXT NOT NULL DEFAULT '',
			order_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			processed INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create position_close_events table: %w", err)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_close_events_processed ON position_close_events(processed, created_at)`); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Insert writes a PositionCloseEvent within tx.
func (s *CloseEventStore) Insert(tx *sql.Tx, e *PositionCloseEvent) error {
	e.CreatedAt = time.Now()
	result, err := tx.Exec(`
		INSERT INTO position_close_events (
			symbol, side, entry_price, close_price, quantity, leverage,
			pnl, pnl_percent, fee, close_reason, trigger_type, order_id, created_at, processed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, e.Symbol, e.Side, e.EntryPrice, e.ClosePrice, e.Quantity, e.Leverage,
		e.PnL, e.PnlPercent, e.Fee, e.CloseReason, e.TriggerType, e.OrderID,
		e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert close event: %w", err)
	}
	id, _ := result.LastInsertId()
	e.ID = id
	return nil
}

// Unprocessed returns close events the notifier hasn't consumed yet.
func (s *CloseEventStore) Unprocessed() ([]*PositionCloseEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, side, entry_price, close_price, quantity, leverage,
			pnl, pnl_percent, fee, close_reason, trigger_type, order_id, created_at, processed
		FROM position_close_events WHERE processed = 0 ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query close events: %w", err)
	}
	defer rows.Close()

	var out []*PositionCloseEvent
	for rows.Next() {
		e, err := scanCloseEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkProcessed flags a close event as consumed by the notifier.
func (s *CloseEventStore) MarkProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE position_close_events SET processed = 1 WHERE id = ?`, id)
	return err
}

// Recent returns up to limit close events for the completed-trades dashboard
// endpoint, newest first.
func (s *CloseEventStore) Recent(limit int) ([]*PositionCloseEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, side, entry_price, close_price, quantity, leverage,
			pnl, pnl_percent, fee, close_reason, trigger_type, order_id, created_at, processed
		FROM position_close_events ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query close events: %w", err)
	}
	defer rows.Close()

	var out []*PositionCloseEvent
	for rows.Next() {
		e, err := scanCloseEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanCloseEvent(rows *sql.Rows) (*PositionCloseEvent, error) {
	var e PositionCloseEvent
	var createdAt string
	if err := rows.Scan(&e.ID, &e.Symbol, &e.Side, &e.EntryPrice, &e.ClosePrice, &e.Quantity,
		&e.Leverage, &e.PnL, &e.PnlPercent, &e.Fee, &e.CloseReason, &e.TriggerType, &e.OrderID,
		&createdAt, &e.Processed); err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &e, nil
}
