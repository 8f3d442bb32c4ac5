package store

import (
	"database/sql"
	"fmt"
)

// Trigger type constants for PriceOrder.Type.
const (
	TriggerStopLoss         = "stop_loss"
	TriggerTakeProfit       = "take_profit"
	TriggerExtremeTakeProfit = "extreme_take_profit"
)

// PriceOrder states.
const (
	PriceOrderActive    = "active"
	PriceOrderTriggered = "triggered"
	PriceOrderCancelled = "cancelled"
)

// PriceOrder is the local mirror of a server-side trigger order. Invariant:
// at most one active stop_loss and one active take_profit row exist per
// (symbol, side); PositionOrderID links the trigger to the open Trade.
type PriceOrder struct {
	ID              int64  `json:"id"`
	OrderID         string `json:"orderId"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Type            string `json:"type"`
	TriggerPrice    float64 `json:"triggerPrice"`
	OrderPrice      float64 `json:"orderPrice"`
	Quantity        float64 `json:"quantity"`
	Status          string `json:"status"`
	PositionOrderID string `json:"positionOrderId"`
}

type PriceOrderStore struct {
	db *sql.DB
}

func (s *PriceOrderStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS price_orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			trigger_price REAL NOT NULL,
			order_price REAL NOT NULL,
			quantity REAL NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			position_order_id TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create price_orders table: %w", err)
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_price_orders_symbol_side ON price_orders(symbol, side, status)`,
		`CREATE INDEX IF NOT EXISTS idx_price_orders_order ON price_orders(order_id)`,
	}
	for _, idx := range indices {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Insert writes a PriceOrder row within tx (stop-loss and extreme
// take-profit are inserted together with the open Trade and Position rows).
func (s *PriceOrderStore) Insert(tx *sql.Tx, po *PriceOrder) error {
	result, err := tx.Exec(`
		INSERT INTO price_orders (order_id, symbol, side, type, trigger_price, order_price, quantity, status, position_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, po.OrderID, po.Symbol, po.Side, po.Type, po.TriggerPrice, po.OrderPrice, po.Quantity, po.Status, po.PositionOrderID)
	if err != nil {
		return fmt.Errorf("failed to insert price order: %w", err)
	}
	id, _ := result.LastInsertId()
	po.ID = id
	return nil
}

// ActiveFor returns the active PriceOrder rows for (symbol, side).
func (s *PriceOrderStore) ActiveFor(symbol, side string) ([]*PriceOrder, error) {
	rows, err := s.db.Query(`
		SELECT id, order_id, symbol, side, type, trigger_price, order_price, quantity, status, position_order_id
		FROM price_orders WHERE symbol = ? AND side = ? AND status = ?
	`, symbol, side, PriceOrderActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query price orders: %w", err)
	}
	defer rows.Close()

	var out []*PriceOrder
	for rows.Next() {
		po, err := scanPriceOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

// AllActive returns every active trigger row, used by the dashboard's
// GET /api/price-orders and the reconciler's orphan sweep.
func (s *PriceOrderStore) AllActive() ([]*PriceOrder, error) {
	rows, err := s.db.Query(`
		SELECT id, order_id, symbol, side, type, trigger_price, order_price, quantity, status, position_order_id
		FROM price_orders WHERE status = ?
	`, PriceOrderActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active price orders: %w", err)
	}
	defer rows.Close()

	var out []*PriceOrder
	for rows.Next() {
		po, err := scanPriceOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

// UpdateTrigger moves an active trigger's prices (trailing stop advancement,
// partial take-profit advancement).
func (s *PriceOrderStore) UpdateTrigger(id int64, triggerPrice, orderPrice float64) error {
	_, err := s.db.Exec(`
		UPDATE price_orders SET trigger_price = ?, order_price = ? WHERE id = ? AND status = ?
	`, triggerPrice, orderPrice, id, PriceOrderActive)
	return err
}

// SetStatus transitions a trigger to triggered or cancelled.
func (s *PriceOrderStore) SetStatus(tx *sql.Tx, id int64, status string) error {
	_, err := tx.Exec(`UPDATE price_orders SET status = ? WHERE id = ?`, status, id)
	return err
}

// CancelAllFor marks every active trigger for (symbol, side) cancelled, used
// on close and by the reconciler's orphan sweep. Idempotent: calling it
// again when nothing is active is a no-op.
func (s *PriceOrderStore) CancelAllFor(tx *sql.Tx, symbol, side string) error {
	_, err := tx.Exec(`
		UPDATE price_orders SET status = ? WHERE symbol = ? AND side = ? AND status = ?
	`, PriceOrderCancelled, symbol, side, PriceOrderActive)
	return err
}

func scanPriceOrder(rows *sql.Rows) (*PriceOrder, error) {
	var po PriceOrder
	if err := rows.Scan(&po.ID, &po.OrderID, &po.Symbol, &po.Side, &po.Type,
		&po.TriggerPrice, &po.OrderPrice, &po.Quantity, &po.Status, &po.PositionOrderID); err != nil {
		return nil, err
	}
	return &po, nil
}
