package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Trade is an open or close row recording an executed order. A close row
// must be preceded by a same-(symbol, side) open row with a strictly
// smaller timestamp.
type Trade struct {
	ID        int64     `json:"id"`
	OrderID   string    `json:"orderId"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Type      string    `json:"type"` // open|close
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Leverage  int       `json:"leverage"`
	PnL       *float64  `json:"pnl,omitempty"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

type TradeStore struct {
	db *sql.DB
}

func (s *TradeStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			pnl REAL,
			fee REAL NOT NULL DEFAULT 0,
			timestamp DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'filled'
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create trades table: %w", err)
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_side ON trades(symbol, side, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp DESC)`,
	}
	for _, idx := range indices {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Insert writes a Trade row within tx (both open and close rows are written
// transactionally alongside their Position/PriceOrder/PositionCloseEvent
// counterparts).
func (s *TradeStore) Insert(tx *sql.Tx, t *Trade) error {
	result, err := tx.Exec(`
		INSERT INTO trades (order_id, symbol, side, type, price, quantity, leverage, pnl, fee, timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.OrderID, t.Symbol, t.Side, t.Type, t.Price, t.Quantity, t.Leverage, t.PnL, t.Fee,
		t.Timestamp.Format(time.RFC3339), t.Status)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	id, _ := result.LastInsertId()
	t.ID = id
	return nil
}

// LastOpenBefore returns the most recent open Trade for (symbol, side) with
// a timestamp strictly before `before`, used to validate the open/close
// ordering invariant and to compute PnL on close.
func (s *TradeStore) LastOpenBefore(symbol, side string, before time.Time) (*Trade, error) {
	row := s.db.QueryRow(`
		SELECT id, order_id, symbol, side, type, price, quantity, leverage, pnl, fee, timestamp, status
		FROM trades WHERE symbol = ? AND side = ? AND type = 'open' AND timestamp < ?
		ORDER BY timestamp DESC LIMIT 1
	`, symbol, side, before.Format(time.RFC3339))
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// Recent returns up to limit trades, newest first, optionally filtered by symbol.
func (s *TradeStore) Recent(limit int, symbol string) ([]*Trade, error) {
	var rows *sql.Rows
	var err error
	if symbol != "" {
		rows, err = s.db.Query(`
			SELECT id, order_id, symbol, side, type, price, quantity, leverage, pnl, fee, timestamp, status
			FROM trades WHERE symbol = ? ORDER BY timestamp DESC LIMIT ?
		`, symbol, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, order_id, symbol, side, type, price, quantity, leverage, pnl, fee, timestamp, status
			FROM trades ORDER BY timestamp DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []*Trade
	for rows.Next() {
		t, err := scanTradeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(row *sql.Row) (*Trade, error)   { return scanTradeScanner(row) }
func scanTradeRows(rows *sql.Rows) (*Trade, error) { return scanTradeScanner(rows) }

func scanTradeScanner(sc rowScanner) (*Trade, error) {
	var t Trade
	var ts string
	var pnl sql.NullFloat64
	if err := sc.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &t.Type, &t.Price, &t.Quantity,
		&t.Leverage, &pnl, &t.Fee, &ts, &t.Status); err != nil {
		return nil, err
	}
	if pnl.Valid {
		v := pnl.Float64
		t.PnL = &v
	}
	t.Timestamp, _ = time.Parse(time.RFC3339, ts)
	return &t, nil
}
