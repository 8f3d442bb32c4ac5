// Package risk implements the Risk & Stop Engine: scientific stop-distance
// sizing on open, staged partial take-profit / peak-drawdown / trailing-stop
// management during a position's life, and trigger teardown on close.
package risk

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"sentrypd/exchange"
	"sentrypd/logger"
	"sentrypd/store"
)

// Notifier is the subset of notify.Notifier the risk engine depends on,
// kept narrow here to avoid an import cycle with the concrete notify package.
type Notifier interface {
	Notify(level, title, message string)
}

// PartialStage is one staged partial take-profit tier: at RMultiple, close
// Fraction of whatever quantity remains at that moment.
type PartialStage struct {
	RMultiple float64
	Fraction  float64
}

// TrailingTier moves the stop to StopRMultiple (in R units from entry, on
// the gain side) once PnL reaches RMultiple.
type TrailingTier struct {
	RMultiple     float64
	StopRMultiple float64
}

// Config tunes the engine's stop sizing and staged management. Zero values
// fall back to the spec's defaults in New.
type Config struct {
	ATRMultiplier        float64
	MinStopDistancePct   float64
	MaxStopDistancePct   float64
	ExtremeTakeProfitR   float64
	PartialStages        []PartialStage
	TrailingTiers        []TrailingTier
	PeakDrawdownFraction float64
	HardTimeCap          time.Duration
	EmergencyScoreFloor  float64
}

func (c Config) withDefaults() Config {
	if c.ATRMultiplier == 0 {
		c.ATRMultiplier = 2.0
	}
	if c.MinStopDistancePct == 0 {
		c.MinStopDistancePct = 0.005
	}
	if c.MaxStopDistancePct == 0 {
		c.MaxStopDistancePct = 0.05
	}
	if c.ExtremeTakeProfitR == 0 {
		c.ExtremeTakeProfitR = 5
	}
	if len(c.PartialStages) == 0 {
		c.PartialStages = []PartialStage{
			{RMultiple: 2, Fraction: 0.33},
			{RMultiple: 3, Fraction: 0.33},
			{RMultiple: 4, Fraction: 1.0},
		}
	}
	if len(c.TrailingTiers) == 0 {
		c.TrailingTiers = []TrailingTier{
			{RMultiple: 1, StopRMultiple: 0},
			{RMultiple: 2, StopRMultiple: 0.5},
			{RMultiple: 3, StopRMultiple: 1.5},
		}
	}
	if c.PeakDrawdownFraction == 0 {
		c.PeakDrawdownFraction = 0.4
	}
	if c.HardTimeCap == 0 {
		c.HardTimeCap = 36 * time.Hour
	}
	if c.EmergencyScoreFloor == 0 {
		c.EmergencyScoreFloor = 70
	}
	return c
}

// Engine applies stop sizing and lifecycle management for one exchange.
// A distinct Engine instance is expected per (venue) adapter; the caller is
// responsible for choosing the right one for a given position's venue.
type Engine struct {
	st       *store.Store
	ex       exchange.Exchange
	notifier Notifier
	cfg      Config
}

// New constructs a risk engine bound to one exchange adapter and store.
func New(st *store.Store, ex exchange.Exchange, notifier Notifier, cfg Config) *Engine {
	return &Engine{st: st, ex: ex, notifier: notifier, cfg: cfg.withDefaults()}
}

// StopDistance computes d = max(atrMultiplier*atr, structuralDistance),
// clamped to [minDistance, maxDistance] of entry, per spec.md §4.4 step 1.
func (e *Engine) StopDistance(entry, atr, structuralDistance float64) float64 {
	d := math.Max(e.cfg.ATRMultiplier*atr, structuralDistance)
	min := entry * e.cfg.MinStopDistancePct
	max := entry * e.cfg.MaxStopDistancePct
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	return d
}

// ATR14 computes a 14-period average true range over candles (oldest first).
// When fewer than 15 bars are available it averages the true range over the
// len(candles)-1 bars that have a previous close.
func ATR14(candles []exchange.Candle) float64 {
	const period = 14
	if len(candles) < 2 {
		return 0
	}
	n := period
	if n > len(candles)-1 {
		n = len(candles) - 1
	}
	start := len(candles) - n
	var sum float64
	for i := start; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		sum += tr
	}
	return sum / float64(n)
}

// OpenResult carries everything a successful OnOpen call needs persisted.
type OpenResult struct {
	StopLossOrderID   string
	TakeProfitOrderID string
	StopPrice         float64
	ExtremeTPPrice    float64
	// StopDistance is the absolute price distance between entry and
	// StopPrice, as computed by Engine.StopDistance at open time. Persisted
	// on the Position so later R-multiple math uses the position's actual
	// stop distance instead of the config floor.
	StopDistance float64
}

// OnOpen computes the stop distance, places server-side stop-loss and
// extreme take-profit triggers, and returns their order IDs/prices for the
// caller to persist inside the same store transaction as the open Trade and
// Position rows (spec.md §4.4 steps 1-5). The exchange calls happen before
// the transaction opens since they are not part of it.
func (e *Engine) OnOpen(contract exchange.Contract, side exchange.Side, entry, quantity, atr, structuralDistance float64) (*OpenResult, error) {
	d := e.StopDistance(entry, atr, structuralDistance)

	var stopPrice, extremePrice float64
	var stopRule, tpRule exchange.TriggerRule
	if side == exchange.Long {
		stopPrice = entry - d
		extremePrice = entry + e.cfg.ExtremeTakeProfitR*d
		stopRule = exchange.TriggerAtOrBelow
		tpRule = exchange.TriggerAtOrAbove
	} else {
		stopPrice = entry + d
		extremePrice = entry - e.cfg.ExtremeTakeProfitR*d
		stopRule = exchange.TriggerAtOrAbove
		tpRule = exchange.TriggerAtOrBelow
	}

	slResult, err := e.ex.PlaceTriggerOrder(exchange.TriggerOrderRequest{
		Contract:     contract,
		TriggerPrice: stopPrice,
		CloseSize:    quantity,
		Rule:         stopRule,
	})
	if err != nil {
		return nil, fmt.Errorf("place stop-loss trigger: %w", err)
	}

	tpResult, err := e.ex.PlaceTriggerOrder(exchange.TriggerOrderRequest{
		Contract:     contract,
		TriggerPrice: extremePrice,
		CloseSize:    quantity,
		Rule:         tpRule,
	})
	if err != nil {
		return nil, fmt.Errorf("place extreme take-profit trigger: %w", err)
	}

	return &OpenResult{
		StopLossOrderID:   slResult.ID,
		TakeProfitOrderID: tpResult.ID,
		StopPrice:         stopPrice,
		ExtremeTPPrice:    extremePrice,
		StopDistance:      d,
	}, nil
}

// recordInconsistency writes an InconsistentState row marking that an
// exchange-side mutation (identified by exchangeOrderID) succeeded but the
// follow-up store transaction did not, so the reconciler can reconcile the
// split state later. Per spec.md's split-write invariant, this write runs
// independently of the failed transaction and is best-effort: if it too
// fails, the failure is only logged, since there is nothing left to persist
// the second failure into.
func (e *Engine) recordInconsistency(operation, symbol, side, exchangeOrderID string, txErr error) error {
	state := &store.InconsistentState{
		Operation:       operation,
		Symbol:          symbol,
		Side:            side,
		ExchangeOrderID: exchangeOrderID,
	}
	if err := e.st.Inconsistent().Create(state); err != nil {
		logger.Warnf("risk: failed to record inconsistent state for %s %s %s after store error %v: %v", operation, symbol, side, txErr, err)
	}
	return txErr
}

// PersistOpen writes the PriceOrder rows, the open Trade row, and the
// Position row transactionally, per spec.md §4.4 step 5. If the transaction
// fails, the already-placed exchange triggers leave the position in a split
// state, recorded as an InconsistentState row for the reconciler to resolve.
func (e *Engine) PersistOpen(pos *store.Position, trade *store.Trade, open *OpenResult) error {
	stopLoss, takeProfit := open.StopPrice, open.ExtremeTPPrice
	pos.StopLoss = &stopLoss
	pos.TakeProfit = &takeProfit
	pos.StopDistance = open.StopDistance

	err := e.st.Transaction(func(tx *sql.Tx) error {
		if err := e.st.Position().Create(tx, pos); err != nil {
			return fmt.Errorf("create position: %w", err)
		}
		trade.Symbol, trade.Side = pos.Symbol, pos.Side
		if err := e.st.Trade().Insert(tx, trade); err != nil {
			return fmt.Errorf("insert open trade: %w", err)
		}
		sl := &store.PriceOrder{
			OrderID:      open.StopLossOrderID,
			Symbol:       pos.Symbol,
			Side:         pos.Side,
			Type:         store.TriggerStopLoss,
			TriggerPrice: open.StopPrice,
			OrderPrice:   open.StopPrice,
			Quantity:     pos.Quantity,
			Status:       store.PriceOrderActive,
		}
		tp := &store.PriceOrder{
			OrderID:      open.TakeProfitOrderID,
			Symbol:       pos.Symbol,
			Side:         pos.Side,
			Type:         store.TriggerExtremeTakeProfit,
			TriggerPrice: open.ExtremeTPPrice,
			OrderPrice:   open.ExtremeTPPrice,
			Quantity:     pos.Quantity,
			Status:       store.PriceOrderActive,
		}
		if err := e.st.PriceOrder().Insert(tx, sl); err != nil {
			return fmt.Errorf("insert stop-loss price order: %w", err)
		}
		if err := e.st.PriceOrder().Insert(tx, tp); err != nil {
			return fmt.Errorf("insert take-profit price order: %w", err)
		}
		return nil
	})
	if err != nil {
		return e.recordInconsistency("open", pos.Symbol, pos.Side, open.StopLossOrderID, err)
	}
	return nil
}

// Action names the lifecycle step Evaluate took on one scheduler or
// reversal-monitor tick; ActionNone when it took none.
type Action string

const (
	ActionNone           Action = "none"
	ActionEmergencyClose Action = "emergency_close"
	ActionPartialClose   Action = "partial_close"
	ActionTrailingStop   Action = "trailing_stop"
	ActionTimeCapClose   Action = "time_cap_close"
)

// Evaluate implements spec.md §4.4's during-life state machine: emergency
// close takes priority over everything else; then the hard time cap; then
// staged partial take-profit (at most one per tick); then peak-drawdown; then
// trailing stop (only when no partial executed this tick and no warning is
// active).
func (e *Engine) Evaluate(pos *store.Position, contract exchange.Contract, markPrice float64) (Action, error) {
	pnlPercent := pnlPercent(pos, markPrice, contract)

	if pos.WarningScore >= e.cfg.EmergencyScoreFloor || pos.ReversalWarning {
		reason := store.CloseReasonTrendReversal
		if pos.WarningScore >= e.cfg.EmergencyScoreFloor && !pos.ReversalWarning {
			reason = store.CloseReasonPeakDrawdown
		}
		if err := e.closePosition(pos, contract, markPrice, reason); err != nil {
			return ActionNone, err
		}
		return ActionEmergencyClose, nil
	}

	if time.Since(pos.OpenedAt) > e.cfg.HardTimeCap {
		if err := e.closePosition(pos, contract, markPrice, store.CloseReasonTimeCap); err != nil {
			return ActionNone, err
		}
		return ActionTimeCapClose, nil
	}

	// pnlPercent includes leverage; R is measured on the unleveraged price move.
	leverage := math.Max(float64(pos.Leverage), 1)
	rMultiple := pnlPercent / (e.stopDistancePct(pos) * 100 * leverage)

	if staged, err := e.maybePartialClose(pos, contract, markPrice, rMultiple); err != nil {
		return ActionNone, err
	} else if staged {
		return ActionPartialClose, nil
	}

	if pnlPercent > pos.PeakPnlPercent {
		if err := e.st.Position().UpdatePeakPnlPercent(pos.ID, pnlPercent); err != nil {
			return ActionNone, err
		}
		pos.PeakPnlPercent = pnlPercent
	} else if pos.PeakPnlPercent > 0 {
		retrace := (pos.PeakPnlPercent - pnlPercent) / pos.PeakPnlPercent
		if retrace > e.cfg.PeakDrawdownFraction {
			if err := e.closePosition(pos, contract, markPrice, store.CloseReasonPeakDrawdown); err != nil {
				return ActionNone, err
			}
			return ActionEmergencyClose, nil
		}
	}

	if moved, err := e.maybeAdvanceTrailingStop(pos, contract, rMultiple); err != nil {
		return ActionNone, err
	} else if moved {
		return ActionTrailingStop, nil
	}

	return ActionNone, nil
}

// stopDistancePct returns the position's actual ATR-derived stop distance,
// persisted at open time, expressed as a fraction of entry price. Positions
// opened before StopDistance was persisted fall back to the config floor.
func (e *Engine) stopDistancePct(pos *store.Position) float64 {
	if pos.StopDistance > 0 && pos.EntryPrice > 0 {
		return pos.StopDistance / pos.EntryPrice
	}
	return e.cfg.MinStopDistancePct
}

func pnlPercent(pos *store.Position, markPrice float64, contract exchange.Contract) float64 {
	if pos.EntryPrice == 0 {
		return 0
	}
	delta := markPrice - pos.EntryPrice
	if pos.Side == "short" {
		delta = pos.EntryPrice - markPrice
	}
	return (delta / pos.EntryPrice) * 100 * float64(pos.Leverage)
}

// maybePartialClose reduces the position by the next staged fraction once
// its R-multiple threshold is crossed, advancing the stop to lock in gains.
// Re-entry within the same tick is forbidden by returning after the first
// stage fires.
func (e *Engine) maybePartialClose(pos *store.Position, contract exchange.Contract, markPrice, rMultiple float64) (bool, error) {
	for _, stage := range e.cfg.PartialStages {
		if rMultiple < stage.RMultiple {
			continue
		}
		alreadyDone := pos.PartialCloseFraction >= fractionAtOrAbove(e.cfg.PartialStages, stage.RMultiple)
		if alreadyDone {
			continue
		}

		closeQty := pos.Quantity * stage.Fraction
		side := exchange.Long
		if pos.Side == "short" {
			side = exchange.Short
		}
		reduceSide := -closeQty
		if side == exchange.Short {
			reduceSide = closeQty
		}
		if _, err := e.ex.PlaceOrder(exchange.OrderRequest{Contract: contract, Size: reduceSide, ReduceOnly: true}); err != nil {
			return false, fmt.Errorf("partial close order: %w", err)
		}

		newFraction := pos.PartialCloseFraction + stage.Fraction*(1-pos.PartialCloseFraction)
		remaining := pos.Quantity - closeQty
		if err := e.st.Position().UpdatePartialCloseFraction(pos.ID, newFraction, remaining); err != nil {
			return false, err
		}
		pos.PartialCloseFraction = newFraction
		pos.Quantity = remaining

		newStop := lockInStop(pos, markPrice)
		if err := e.advanceStop(pos, contract, newStop); err != nil {
			return false, err
		}
		logger.Infof("risk: partial close fired for %s %s at %.2fR, fraction now %.2f", pos.Symbol, pos.Side, stage.RMultiple, newFraction)
		return true, nil
	}
	return false, nil
}

func fractionAtOrAbove(stages []PartialStage, rMultiple float64) float64 {
	var cumulative float64
	for _, s := range stages {
		if s.RMultiple > rMultiple {
			break
		}
		cumulative = cumulative + s.Fraction*(1-cumulative)
	}
	return cumulative
}

func lockInStop(pos *store.Position, markPrice float64) float64 {
	breakEven := pos.EntryPrice
	if pos.Side == "long" {
		if pos.StopLoss == nil || breakEven > *pos.StopLoss {
			return breakEven
		}
		return *pos.StopLoss
	}
	if pos.StopLoss == nil || breakEven < *pos.StopLoss {
		return breakEven
	}
	return *pos.StopLoss
}

// maybeAdvanceTrailingStop moves the stop to the tier's level once PnL
// crosses a configured R-multiple tier, never in the loss direction.
func (e *Engine) maybeAdvanceTrailingStop(pos *store.Position, contract exchange.Contract, rMultiple float64) (bool, error) {
	if pos.ReversalWarning || pos.WarningScore >= e.cfg.EmergencyScoreFloor {
		return false, nil
	}

	stopDistance := pos.EntryPrice * e.stopDistancePct(pos)
	var target float64
	moved := false
	for _, tier := range e.cfg.TrailingTiers {
		if rMultiple < tier.RMultiple {
			continue
		}
		if pos.Side == "long" {
			target = pos.EntryPrice + tier.StopRMultiple*stopDistance
		} else {
			target = pos.EntryPrice - tier.StopRMultiple*stopDistance
		}
		moved = true
	}
	if !moved {
		return false, nil
	}

	if pos.StopLoss != nil {
		if pos.Side == "long" && target <= *pos.StopLoss {
			return false, nil
		}
		if pos.Side == "short" && target >= *pos.StopLoss {
			return false, nil
		}
	}

	if err := e.advanceStop(pos, contract, target); err != nil {
		return false, err
	}
	return true, nil
}

// advanceStop cancels the existing stop-loss trigger and places a new one at
// newStop, updating the Position row to match.
func (e *Engine) advanceStop(pos *store.Position, contract exchange.Contract, newStop float64) error {
	rule := exchange.TriggerAtOrBelow
	if pos.Side == "short" {
		rule = exchange.TriggerAtOrAbove
	}

	result, err := e.ex.PlaceTriggerOrder(exchange.TriggerOrderRequest{
		Contract:     contract,
		TriggerPrice: newStop,
		CloseSize:    pos.Quantity,
		Rule:         rule,
	})
	if err != nil {
		return fmt.Errorf("advance stop trigger: %w", err)
	}

	err = e.st.Transaction(func(tx *sql.Tx) error {
		if err := e.st.PriceOrder().CancelAllFor(tx, pos.Symbol, pos.Side); err != nil {
			return err
		}
		po := &store.PriceOrder{
			OrderID:      result.ID,
			Symbol:       pos.Symbol,
			Side:         pos.Side,
			Type:         store.TriggerStopLoss,
			TriggerPrice: newStop,
			OrderPrice:   newStop,
			Quantity:     pos.Quantity,
			Status:       store.PriceOrderActive,
		}
		return e.st.PriceOrder().Insert(tx, po)
	})
	if err == nil {
		// UpdateStops runs on the pool, not tx: with sqlite's single connection
		// a pool call inside the transaction would wait on tx forever.
		err = e.st.Position().UpdateStops(pos.ID, &newStop, pos.TakeProfit)
	}
	if err != nil {
		return e.recordInconsistency("advance_stop", pos.Symbol, pos.Side, result.ID, err)
	}
	return nil
}

// EmergencyClose closes pos immediately at markPrice with reason
// trend_reversal, used by the Reversal Monitor independently of Evaluate.
func (e *Engine) EmergencyClose(pos *store.Position, contract exchange.Contract, markPrice float64) error {
	return e.closePosition(pos, contract, markPrice, store.CloseReasonTrendReversal)
}

// ManualClose closes pos at the scheduler's request (the closePosition tool
// call), recorded with reason manual rather than one of the automatic
// lifecycle reasons.
func (e *Engine) ManualClose(pos *store.Position, contract exchange.Contract, markPrice float64) error {
	return e.closePosition(pos, contract, markPrice, store.CloseReasonManual)
}

// ManualPartialClose reduces pos by fraction at the scheduler's request (the
// executePartialTakeProfit tool call), advancing the stop to lock in gains
// exactly as the automatic staged partial-close path does.
func (e *Engine) ManualPartialClose(pos *store.Position, contract exchange.Contract, markPrice, fraction float64) error {
	if fraction <= 0 || fraction > 1 {
		return fmt.Errorf("invalid partial close fraction: %.4f", fraction)
	}

	closeQty := pos.Quantity * fraction
	reduceSide := -closeQty
	if pos.Side == "short" {
		reduceSide = closeQty
	}
	if _, err := e.ex.PlaceOrder(exchange.OrderRequest{Contract: contract, Size: reduceSide, ReduceOnly: true}); err != nil {
		return fmt.Errorf("manual partial close order: %w", err)
	}

	newFraction := pos.PartialCloseFraction + fraction*(1-pos.PartialCloseFraction)
	remaining := pos.Quantity - closeQty
	if err := e.st.Position().UpdatePartialCloseFraction(pos.ID, newFraction, remaining); err != nil {
		return err
	}
	pos.PartialCloseFraction = newFraction
	pos.Quantity = remaining

	return e.advanceStop(pos, contract, lockInStop(pos, markPrice))
}

// ManualUpdateStop moves pos's stop-loss trigger to newStop at the
// scheduler's request (the updateTrailingStop tool call). Unlike the
// automatic trailing-stop tier logic, this never refuses a move in the loss
// direction: the operator-directed call is trusted as-is.
func (e *Engine) ManualUpdateStop(pos *store.Position, contract exchange.Contract, newStop float64) error {
	return e.advanceStop(pos, contract, newStop)
}

// closePosition cancels all active triggers, writes the close Trade row and
// the PositionCloseEvent, and deletes the Position row, all in one
// transaction, per spec.md §4.4's "on close" rule.
func (e *Engine) closePosition(pos *store.Position, contract exchange.Contract, markPrice float64, reason string) error {
	if err := e.ex.CancelTriggerOrders(&contract); err != nil {
		logger.Warnf("risk: cancel triggers for %s %s failed during close: %v", pos.Symbol, pos.Side, err)
	}

	side := exchange.Long
	if pos.Side == "short" {
		side = exchange.Short
	}
	closeSize := -pos.Quantity
	if side == exchange.Short {
		closeSize = pos.Quantity
	}
	result, err := e.ex.PlaceOrder(exchange.OrderRequest{Contract: contract, Size: closeSize, ReduceOnly: true})
	if err != nil {
		return fmt.Errorf("close position order: %w", err)
	}

	pnl := e.ex.CalculatePnL(pos.EntryPrice, markPrice, pos.Quantity, side, contract)
	pnlPct := pnlPercent(pos, markPrice, contract)

	err = e.st.Transaction(func(tx *sql.Tx) error {
		if err := e.st.PriceOrder().CancelAllFor(tx, pos.Symbol, pos.Side); err != nil {
			return err
		}
		closeTrade := &store.Trade{
			OrderID:   result.ID,
			Symbol:    pos.Symbol,
			Side:      pos.Side,
			Type:      "close",
			Price:     markPrice,
			Quantity:  pos.Quantity,
			Leverage:  pos.Leverage,
			PnL:       &pnl,
			Status:    result.Status,
			Timestamp: time.Now(),
		}
		if err := e.st.Trade().Insert(tx, closeTrade); err != nil {
			return err
		}
		event := &store.PositionCloseEvent{
			Symbol:      pos.Symbol,
			Side:        pos.Side,
			EntryPrice:  pos.EntryPrice,
			ClosePrice:  markPrice,
			Quantity:    pos.Quantity,
			Leverage:    pos.Leverage,
			PnL:         pnl,
			PnlPercent:  pnlPct,
			CloseReason: reason,
			OrderID:     result.ID,
			CreatedAt:   time.Now(),
		}
		if err := e.st.CloseEvent().Insert(tx, event); err != nil {
			return err
		}
		return e.st.Position().Delete(tx, pos.ID)
	})
	if err != nil {
		return e.recordInconsistency("close", pos.Symbol, pos.Side, result.ID, err)
	}
	return nil
}
