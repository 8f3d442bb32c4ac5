// Package reconcile implements the Reconciler: a periodic sweep that closes
// the gap between local store state and exchange ground truth whenever a
// write is split by a crash or network failure between the two.
package reconcile

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"sentrypd/exchange"
	"sentrypd/logger"
	"sentrypd/store"
)

// legacyTakerFeeRate is the last-resort fee rate used for a reconciliation-
// synthesized close when no venue/network taker rate is configured.
const legacyTakerFeeRate = 0.001

// Notifier is the narrow alerting capability the Reconciler needs; it is
// satisfied by notify.Manager without importing that package directly.
type Notifier interface {
	Notify(level, title, message string)
}

// Config tunes the reconciler's cadence and alert thresholds.
type Config struct {
	Interval             time.Duration
	WarnFailureCount     int // consecutive failures on one row before a WARNING alert
	CriticalFailureCount int // distinct unresolved rows before a CRITICAL alert

	// TakerFeeRate is the configured venue/network taker fee, applied to
	// reconciliation-synthesized closes in place of the exchange fill's
	// reported fee when that fee is zero/unset. Zero means "not configured",
	// in which case legacyTakerFeeRate is used as a last resort.
	TakerFeeRate float64
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
	if c.WarnFailureCount == 0 {
		c.WarnFailureCount = 5
	}
	if c.CriticalFailureCount == 0 {
		c.CriticalFailureCount = 10
	}
	return c
}

// SweepStats captures the most recent reconcile pass's orphan-trigger and
// position-mismatch counts, surfaced by the Health Aggregator and the read
// API instead of each recomputing it independently.
type SweepStats struct {
	OrphanOrdersCancelled   int
	PositionsOnlyInExchange []string
	PositionsOnlyInDB       []string
}

// Reconciler periodically resolves InconsistentState rows against one
// exchange's ground truth and sweeps orphaned trigger orders.
type Reconciler struct {
	st       *store.Store
	ex       exchange.Exchange
	notifier Notifier
	cfg      Config

	statsMu sync.RWMutex
	stats   SweepStats

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Reconciler for one exchange adapter.
func New(st *store.Store, ex exchange.Exchange, notifier Notifier, cfg Config) *Reconciler {
	return &Reconciler{
		st:       st,
		ex:       ex,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic reconcile loop.
func (r *Reconciler) Start() {
	go r.run()
	logger.Infof("reconcile: started, interval=%s", r.cfg.Interval)
}

// Stop halts the loop and waits for any in-flight run to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
	logger.Infof("reconcile: stopped")
}

func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Run()
		}
	}
}

// Run executes one full reconcile pass: resolve unresolved InconsistentState
// rows oldest-first, sweep orphaned trigger orders, then compare local and
// exchange position sets for mismatches. Exported so callers (tests, a
// manual-trigger API endpoint) can invoke a pass synchronously.
func (r *Reconciler) Run() {
	if err := r.reconcileInconsistentStates(); err != nil {
		logger.Warnf("reconcile: inconsistent-state pass failed: %v", err)
	}

	cancelled, err := r.sweepOrphanTriggers()
	if err != nil {
		logger.Warnf("reconcile: orphan-trigger sweep failed: %v", err)
	}

	onlyExchange, onlyDB, err := r.comparePositions()
	if err != nil {
		logger.Warnf("reconcile: position mismatch comparison failed: %v", err)
	}

	r.statsMu.Lock()
	r.stats = SweepStats{
		OrphanOrdersCancelled:   cancelled,
		PositionsOnlyInExchange: onlyExchange,
		PositionsOnlyInDB:       onlyDB,
	}
	r.statsMu.Unlock()
}

// Stats returns the counts from the most recently completed reconcile pass.
func (r *Reconciler) Stats() SweepStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats
}

// comparePositions diffs local Position rows against the exchange's reported
// positions, returning the (symbol side) keys present on only one side.
func (r *Reconciler) comparePositions() (onlyExchange, onlyDB []string, err error) {
	localPositions, err := r.st.Position().GetAll()
	if err != nil {
		return nil, nil, fmt.Errorf("load local positions: %w", err)
	}
	exchangePositions, err := r.ex.GetPositions()
	if err != nil {
		return nil, nil, fmt.Errorf("get exchange positions: %w", err)
	}

	localKeys := make(map[string]bool, len(localPositions))
	for _, p := range localPositions {
		localKeys[p.Symbol+"_"+p.Side] = true
	}
	exchangeKeys := make(map[string]bool, len(exchangePositions))
	for _, p := range exchangePositions {
		if p.Quantity <= 0.0000001 {
			continue
		}
		exchangeKeys[p.Symbol+"_"+string(p.Side)] = true
	}

	for key := range exchangeKeys {
		if !localKeys[key] {
			onlyExchange = append(onlyExchange, key)
		}
	}
	for key := range localKeys {
		if !exchangeKeys[key] {
			onlyDB = append(onlyDB, key)
		}
	}
	return onlyExchange, onlyDB, nil
}

func (r *Reconciler) reconcileInconsistentStates() error {
	rows, err := r.st.Inconsistent().Unresolved()
	if err != nil {
		return fmt.Errorf("load unresolved inconsistent states: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	if len(rows) >= r.cfg.CriticalFailureCount {
		r.alert("CRITICAL", "reconcile backlog", fmt.Sprintf("%d unresolved inconsistent states pending", len(rows)))
	}

	for _, row := range rows {
		resolved, err := r.reconcileOne(row)
		if err != nil {
			logger.Warnf("reconcile: row %d (%s %s) failed: %v", row.ID, row.Symbol, row.Side, err)
		}
		if resolved {
			continue
		}

		count, ferr := r.st.Inconsistent().IncrementFailureCount(row.ID)
		if ferr != nil {
			logger.Warnf("reconcile: failed to bump failure count for row %d: %v", row.ID, ferr)
			continue
		}
		if count == r.cfg.WarnFailureCount {
			r.alert("WARNING", "reconcile stuck", fmt.Sprintf("row %d (%s %s) has failed to reconcile %d times", row.ID, row.Symbol, row.Side, count))
		}
	}
	return nil
}

// reconcileOne re-derives ground truth for a single InconsistentState row. If
// the exchange shows the position gone and a matching closing fill exists, it
// synthesizes the local close transactionally and marks the row resolved.
// Otherwise it leaves the row unresolved for the next pass.
func (r *Reconciler) reconcileOne(row *store.InconsistentState) (bool, error) {
	contract, err := r.ex.Normalize(row.Symbol)
	if err != nil {
		return false, fmt.Errorf("normalize %s: %w", row.Symbol, err)
	}

	exchangePositions, err := r.ex.GetPositions()
	if err != nil {
		return false, fmt.Errorf("get exchange positions: %w", err)
	}
	if hasExchangePosition(exchangePositions, row.Symbol, row.Side) {
		// Exchange still shows the position open; nothing to reconcile yet.
		return false, nil
	}

	localPos, err := r.st.Position().GetBySymbolSide(row.Symbol, row.Side)
	if err != nil {
		return false, fmt.Errorf("load local position: %w", err)
	}
	if localPos == nil {
		// No local position either; the split write resolved itself.
		return r.markResolved(row)
	}

	since := time.Now().Add(-24 * time.Hour)
	trades, err := r.ex.GetMyTrades(&contract, 200, &since)
	if err != nil {
		return false, fmt.Errorf("get recent trades: %w", err)
	}
	fill := findClosingFill(trades, row.Side, row.ExchangeOrderID)
	if fill == nil {
		// Position is gone on the exchange but we have no matching fill to
		// attribute the close to; defer to the next pass rather than guess.
		return false, nil
	}

	if err := r.synthesizeClose(localPos, contract, fill); err != nil {
		return false, fmt.Errorf("synthesize close: %w", err)
	}
	return r.markResolved(row)
}

func (r *Reconciler) markResolved(row *store.InconsistentState) (bool, error) {
	err := r.st.Transaction(func(tx *sql.Tx) error {
		return r.st.Inconsistent().MarkResolved(tx, row.ID, "auto")
	})
	if err != nil {
		return false, fmt.Errorf("mark inconsistent state %d resolved: %w", row.ID, err)
	}
	return true, nil
}

func hasExchangePosition(positions []exchange.ExchangePosition, symbol, side string) bool {
	for _, p := range positions {
		if p.Symbol == symbol && string(p.Side) == side && p.Quantity > 0.0000001 {
			return true
		}
	}
	return false
}

// findClosingFill locates the fill that closed this position: preferentially
// the one matching ExchangeOrderID, falling back to the most recent opposing
// fill for the symbol, mirroring the teacher's Binance-trades fallback path.
func findClosingFill(trades []exchange.TradeRecord, side, orderID string) *exchange.TradeRecord {
	if orderID != "" {
		for i := range trades {
			if trades[i].OrderID == orderID {
				return &trades[i]
			}
		}
	}

	closingSide := exchange.Short
	if side == string(exchange.Short) {
		closingSide = exchange.Long
	}
	for i := range trades {
		if trades[i].Side == closingSide {
			return &trades[i]
		}
	}
	return nil
}

// synthesizeClose mirrors risk.Engine's closePosition: cancel sibling
// triggers, write a close trade and a PositionCloseEvent flagged
// system-recovered, then delete the local position — all in one transaction.
func (r *Reconciler) synthesizeClose(pos *store.Position, contract exchange.Contract, fill *exchange.TradeRecord) error {
	if err := r.ex.CancelTriggerOrders(&contract); err != nil {
		logger.Warnf("reconcile: cancel triggers for %s %s failed (non-fatal): %v", pos.Symbol, pos.Side, err)
	}

	side := exchange.Long
	if pos.Side == string(exchange.Short) {
		side = exchange.Short
	}
	pnl := r.ex.CalculatePnL(pos.EntryPrice, fill.Price, pos.Quantity, side, contract)
	pnlPercent := 0.0
	if pos.EntryPrice > 0 && pos.Leverage > 0 {
		pnlPercent = pnl / (pos.EntryPrice * pos.Quantity / float64(pos.Leverage)) * 100
	}

	fee := r.synthesizedFee(fill, pos)

	return r.st.Transaction(func(tx *sql.Tx) error {
		if err := r.st.PriceOrder().CancelAllFor(tx, pos.Symbol, pos.Side); err != nil {
			return fmt.Errorf("cancel sibling triggers: %w", err)
		}
		if err := r.st.Trade().Insert(tx, &store.Trade{
			OrderID:   fill.OrderID,
			Symbol:    pos.Symbol,
			Side:      pos.Side,
			Type:      "close",
			Price:     fill.Price,
			Quantity:  pos.Quantity,
			Leverage:  pos.Leverage,
			PnL:       &pnl,
			Fee:       fee,
			Timestamp: fill.Timestamp,
			Status:    "filled",
		}); err != nil {
			return fmt.Errorf("insert close trade: %w", err)
		}
		if err := r.st.CloseEvent().Insert(tx, &store.PositionCloseEvent{
			Symbol:      pos.Symbol,
			Side:        pos.Side,
			EntryPrice:  pos.EntryPrice,
			ClosePrice:  fill.Price,
			Quantity:    pos.Quantity,
			Leverage:    pos.Leverage,
			PnL:         pnl,
			PnlPercent:  pnlPercent,
			Fee:         fee,
			CloseReason: store.CloseReasonSystemRecovered,
			TriggerType: "",
			OrderID:     fill.OrderID,
			CreatedAt:   time.Now(),
		}); err != nil {
			return fmt.Errorf("insert close event: %w", err)
		}
		if err := r.st.Position().Delete(tx, pos.ID); err != nil {
			return fmt.Errorf("delete local position: %w", err)
		}
		return nil
	})
}

// synthesizedFee returns the fee to record for a reconciliation-synthesized
// close: the exchange fill's own reported fee when it reports one, else the
// configured taker rate applied to notional, else legacyTakerFeeRate as a
// last resort (logged at WARN so a missing venue/network rate gets noticed).
func (r *Reconciler) synthesizedFee(fill *exchange.TradeRecord, pos *store.Position) float64 {
	if fill.Fee != 0 {
		return fill.Fee
	}

	rate := r.cfg.TakerFeeRate
	if rate == 0 {
		rate = legacyTakerFeeRate
		logger.WithField("legacy_fee_rate", rate).Warnf("reconcile: no taker fee rate configured for %s, falling back to flat rate", pos.Symbol)
	}
	return fill.Price * pos.Quantity * rate
}

// sweepOrphanTriggers cancels active PriceOrder rows whose (symbol, side) has
// neither a local Position nor a current exchange position — server-side
// triggers left behind by a split close that InconsistentState never caught.
func (r *Reconciler) sweepOrphanTriggers() (int, error) {
	active, err := r.st.PriceOrder().AllActive()
	if err != nil {
		return 0, fmt.Errorf("load active price orders: %w", err)
	}
	if len(active) == 0 {
		return 0, nil
	}

	localPositions, err := r.st.Position().GetAll()
	if err != nil {
		return 0, fmt.Errorf("load local positions: %w", err)
	}
	localKeys := make(map[string]bool, len(localPositions))
	for _, p := range localPositions {
		localKeys[p.Symbol+"_"+p.Side] = true
	}

	exchangePositions, err := r.ex.GetPositions()
	if err != nil {
		return 0, fmt.Errorf("get exchange positions: %w", err)
	}

	cancelled := 0
	seen := make(map[string]bool)
	for _, po := range active {
		key := po.Symbol + "_" + po.Side
		if localKeys[key] {
			continue
		}
		if hasExchangePosition(exchangePositions, po.Symbol, po.Side) {
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		contract, err := r.ex.Normalize(po.Symbol)
		if err != nil {
			logger.Warnf("reconcile: normalize %s for orphan sweep failed: %v", po.Symbol, err)
			continue
		}
		if err := r.ex.CancelTriggerOrders(&contract); err != nil {
			logger.Warnf("reconcile: cancel orphan triggers for %s %s failed: %v", po.Symbol, po.Side, err)
			continue
		}
		if err := r.st.Transaction(func(tx *sql.Tx) error {
			return r.st.PriceOrder().CancelAllFor(tx, po.Symbol, po.Side)
		}); err != nil {
			logger.Warnf("reconcile: mark orphan triggers cancelled for %s %s failed: %v", po.Symbol, po.Side, err)
			continue
		}
		cancelled++
		logger.Infof("reconcile: cancelled orphan triggers for %s %s", po.Symbol, po.Side)
	}
	return cancelled, nil
}

func (r *Reconciler) alert(level, title, message string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(level, title, message)
}
