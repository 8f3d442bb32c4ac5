package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Position is the local mirror of an exchange position. Invariant: at most
// one Position row exists per (symbol, side); quantity must equal the
// absolute exchange position size after each reconcile pass.
type Position struct {
	ID                   int64     `json:"id"`
	Symbol               string    `json:"symbol"`
	Side                 string    `json:"side"` // long|short
	Quantity             float64   `json:"quantity"`
	Leverage             int       `json:"leverage"`
	EntryPrice           float64   `json:"entryPrice"`
	OpenedAt             time.Time `json:"openedAt"`
	StopLoss             *float64  `json:"stopLoss,omitempty"`
	TakeProfit           *float64  `json:"takeProfit,omitempty"`
	// StopDistance is the ATR-derived absolute price distance computed at
	// open time (risk.Engine.StopDistance); R-multiples are measured against
	// this, not a fixed config floor.
	StopDistance         float64   `json:"stopDistance"`
	PartialCloseFraction float64   `json:"partialCloseFraction"`
	WarningScore         float64   `json:"warningScore"`
	ReversalWarning      bool      `json:"reversalWarning"`
	PeakPnlPercent       float64   `json:"peakPnlPercent"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// PositionStore persists Position rows.
type PositionStore struct {
	db *sql.DB
}

func (s *PositionStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			entry_price REAL NOT NULL,
			opened_at DATETIME NOT NULL,
			stop_loss REAL,
			take_profit REAL,
			stop_distance REAL NOT NULL DEFAULT 0,
			partial_close_fraction REAL NOT NULL DEFAULT 0,
			warning_score REAL NOT NULL DEFAULT 0,
			reversal_warning INTEGER NOT NULL DEFAULT 0,
			peak_pnl_percent REAL NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(symbol, side)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create positions table: %w", err)
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol_side ON positions(symbol, side)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_opened ON positions(opened_at)`,
	}
	for _, idx := range indices {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Create inserts a new open Position. Use within the same transaction as the
// open Trade row and PriceOrder rows (see risk.Engine.PersistOpen).
func (s *PositionStore) Create(tx *sql.Tx, pos *Position) error {
	pos.UpdatedAt = time.Now()
	result, err := tx.Exec(`
		INSERT INTO positions (
			symbol, side, quantity, leverage, entry_price, opened_at,
			stop_loss, take_profit, stop_distance, partial_close_fraction,
			warning_score, reversal_warning, peak_pnl_percent, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		pos.Symbol, pos.Side, pos.Quantity, pos.Leverage, pos.EntryPrice,
		pos.OpenedAt.Format(time.RFC3339), pos.StopLoss, pos.TakeProfit, pos.StopDistance,
		pos.PartialCloseFraction, pos.WarningScore, pos.ReversalWarning,
		pos.PeakPnlPercent, pos.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}
	id, _ := result.LastInsertId()
	pos.ID = id
	return nil
}

// GetBySymbolSide fetches the Position for (symbol, side), or nil if none.
func (s *PositionStore) GetBySymbolSide(symbol, side string) (*Position, error) {
	row := s.db.QueryRow(`
		SELECT id, symbol, side, quantity, leverage, entry_price, opened_at,
			stop_loss, take_profit, stop_distance, partial_close_fraction,
			warning_score, reversal_warning, peak_pnl_percent, updated_at
		FROM positions WHERE symbol = ? AND side = ?
	`, symbol, side)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return pos, err
}

// GetAll fetches every open Position.
func (s *PositionStore) GetAll() ([]*Position, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, side, quantity, leverage, entry_price, opened_at,
			stop_loss, take_profit, stop_distance, partial_close_fraction,
			warning_score, reversal_warning, peak_pnl_percent, updated_at
		FROM positions ORDER BY opened_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		pos, err := scanPositionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// UpdateStops advances stop-loss/take-profit prices (trailing stop, partial
// take-profit) without touching the other fields.
func (s *PositionStore) UpdateStops(id int64, stopLoss, takeProfit *float64) error {
	_, err := s.db.Exec(`
		UPDATE positions SET stop_loss = ?, take_profit = ?, updated_at = ? WHERE id = ?
	`, stopLoss, takeProfit, time.Now().Format(time.RFC3339), id)
	return err
}

// UpdatePartialCloseFraction records how much of the position has been
// reduced by staged partial take-profit, and updates remaining quantity.
func (s *PositionStore) UpdatePartialCloseFraction(id int64, fraction, remainingQuantity float64) error {
	_, err := s.db.Exec(`
		UPDATE positions SET partial_close_fraction = ?, quantity = ?, updated_at = ? WHERE id = ?
	`, fraction, remainingQuantity, time.Now().Format(time.RFC3339), id)
	return err
}

// UpdateWarnings writes the Reversal Monitor's per-tick verdict.
func (s *PositionStore) UpdateWarnings(id int64, warningScore float64, reversalWarning bool) error {
	_, err := s.db.Exec(`
		UPDATE positions SET warning_score = ?, reversal_warning = ?, updated_at = ? WHERE id = ?
	`, warningScore, reversalWarning, time.Now().Format(time.RFC3339), id)
	return err
}

// UpdatePeakPnlPercent tracks the peak unrealized PnL percent since open,
// used by the peak-drawdown-protection rule.
func (s *PositionStore) UpdatePeakPnlPercent(id int64, peakPnlPercent float64) error {
	_, err := s.db.Exec(`
		UPDATE positions SET peak_pnl_percent = ?, updated_at = ? WHERE id = ?
	`, peakPnlPercent, time.Now().Format(time.RFC3339), id)
	return err
}

// Delete removes the Position row. Call within the same transaction as the
// close Trade row and PositionCloseEvent row.
func (s *PositionStore) Delete(tx *sql.Tx, id int64) error {
	_, err := tx.Exec(`DELETE FROM positions WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row *sql.Row) (*Position, error) {
	return scanPositionScanner(row)
}

func scanPositionRows(rows *sql.Rows) (*Position, error) {
	return scanPositionScanner(rows)
}

func scanPositionScanner(sc rowScanner) (*Position, error) {
	var pos Position
	var openedAt, updatedAt string
	var stopLoss, takeProfit sql.NullFloat64
	if err := sc.Scan(
		&pos.ID, &pos.Symbol, &pos.Side, &pos.Quantity, &pos.Leverage, &pos.EntryPrice,
		&openedAt, &stopLoss, &takeProfit, &pos.StopDistance, &pos.PartialCloseFraction,
		&pos.WarningScore, &pos.ReversalWarning, &pos.PeakPnlPercent, &updatedAt,
	); err != nil {
		return nil, err
	}
	if stopLoss.Valid {
		v := stopLoss.Float64
		pos.StopLoss = &v
	}
	if takeProfit.Valid {
		v := takeProfit.Float64
		pos.TakeProfit = &v
	}
	pos.OpenedAt, _ = time.Parse(time.RFC3339, openedAt)
	pos.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &pos, nil
}
