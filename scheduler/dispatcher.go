package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"sentrypd/exchange"
	"sentrypd/logger"
	"sentrypd/risk"
	"sentrypd/store"
)

// Dispatcher executes the LLM collaborator's tool calls against one
// exchange's risk engine and store, enforcing the policy gate of spec.md
// §4.5 step 6: an openPosition must be preceded in the same tick by a
// qualifying analyzeOpeningOpportunities for the same symbol.
type Dispatcher struct {
	st         *store.Store
	ex         exchange.Exchange
	riskEngine *risk.Engine
	scoreFloor float64
	analyzed   map[string]float64
	actionsLog []string
}

// NewDispatcher constructs a Dispatcher for one tick. scoreFloor is the
// minimum analyzeOpeningOpportunities score an openPosition call must clear.
func NewDispatcher(st *store.Store, ex exchange.Exchange, riskEngine *risk.Engine, scoreFloor float64) *Dispatcher {
	return &Dispatcher{
		st:         st,
		ex:         ex,
		riskEngine: riskEngine,
		scoreFloor: scoreFloor,
		analyzed:   make(map[string]float64),
	}
}

// ActionsTaken returns a newline-joined summary of every tool call this
// Dispatcher executed, for the AgentDecision row's actionsTaken field.
func (d *Dispatcher) ActionsTaken() string {
	summary := ""
	for i, a := range d.actionsLog {
		if i > 0 {
			summary += "\n"
		}
		summary += a
	}
	return summary
}

// Execute runs calls in order, per spec.md §4.5 step 6.
func (d *Dispatcher) Execute(calls []ToolCall) error {
	for _, call := range calls {
		if err := d.dispatch(call); err != nil {
			logger.Warnf("scheduler: tool call %s(%s) failed: %v", call.Name, call.Symbol, err)
			d.actionsLog = append(d.actionsLog, fmt.Sprintf("%s(%s): error: %v", call.Name, call.Symbol, err))
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(call ToolCall) error {
	switch call.Name {
	case ToolAnalyzeOpeningOpportunities:
		return d.analyzeOpeningOpportunities(call)
	case ToolOpenPosition:
		return d.openPosition(call)
	case ToolClosePosition:
		return d.closePosition(call)
	case ToolCheckPartialTakeProfit:
		return d.checkPartialTakeProfit(call)
	case ToolExecutePartialTakeProfit:
		return d.executePartialTakeProfit(call)
	case ToolUpdateTrailingStop:
		return d.updateTrailingStop(call)
	default:
		return fmt.Errorf("unknown tool call: %s", call.Name)
	}
}

func (d *Dispatcher) analyzeOpeningOpportunities(call ToolCall) error {
	var args AnalyzeOpeningArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return fmt.Errorf("decode analyzeOpeningOpportunities args: %w", err)
	}
	var result AnalyzeOpeningResult
	if err := json.Unmarshal(call.Args, &result); err != nil {
		return fmt.Errorf("decode analyzeOpeningOpportunities score: %w", err)
	}
	d.analyzed[args.Symbol] = result.Score
	d.actionsLog = append(d.actionsLog, fmt.Sprintf("analyzeOpeningOpportunities(%s): score=%.1f", args.Symbol, result.Score))
	return nil
}

// openPosition refuses to act (policy violation, logged) unless a prior
// analyzeOpeningOpportunities in this same tick scored the symbol at or
// above scoreFloor.
func (d *Dispatcher) openPosition(call ToolCall) error {
	var args OpenPositionArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return fmt.Errorf("decode openPosition args: %w", err)
	}

	score, analyzed := d.analyzed[args.Symbol]
	if !analyzed || score < d.scoreFloor {
		d.actionsLog = append(d.actionsLog, fmt.Sprintf("openPosition(%s): REFUSED, policy violation (missing/under-floor analyzeOpeningOpportunities)", args.Symbol))
		return fmt.Errorf("openPosition refused: %s requires an analyzeOpeningOpportunities score >= %.1f, got %.1f (analyzed=%v)", args.Symbol, d.scoreFloor, score, analyzed)
	}
	if args.Leverage <= 0 || args.PositionSizeUSD <= 0 {
		return fmt.Errorf("invalid openPosition parameters for %s", args.Symbol)
	}

	contract, err := d.ex.Normalize(args.Symbol)
	if err != nil {
		return fmt.Errorf("normalize %s: %w", args.Symbol, err)
	}
	ticker, err := d.ex.GetTicker(args.Symbol, false)
	if err != nil {
		return fmt.Errorf("get ticker %s: %w", args.Symbol, err)
	}
	if err := d.ex.SetLeverage(contract, args.Leverage); err != nil {
		logger.Warnf("scheduler: set leverage for %s failed (non-fatal): %v", args.Symbol, err)
	}

	quantity := d.ex.CalculateQuantity(args.PositionSizeUSD, ticker.Last, args.Leverage, contract)
	side := exchange.Long
	orderSize := quantity
	if args.Side == "short" {
		side = exchange.Short
		orderSize = -quantity
	}

	result, err := d.ex.PlaceOrder(exchange.OrderRequest{Contract: contract, Size: orderSize})
	if err != nil {
		return fmt.Errorf("place opening order for %s: %w", args.Symbol, err)
	}

	candles, err := d.ex.GetCandles(args.Symbol, exchange.Interval5m, 20)
	if err != nil {
		return fmt.Errorf("get candles for stop sizing %s: %w", args.Symbol, err)
	}
	atr := risk.ATR14(candles)

	open, err := d.riskEngine.OnOpen(contract, side, ticker.Last, quantity, atr, 0)
	if err != nil {
		return fmt.Errorf("size stops for %s: %w", args.Symbol, err)
	}

	// StopLoss, TakeProfit, and StopDistance are set on pos by PersistOpen
	// from open, the single source of truth for what was actually placed
	// on the exchange.
	pos := &store.Position{
		Symbol:     args.Symbol,
		Side:       args.Side,
		Quantity:   quantity,
		Leverage:   args.Leverage,
		EntryPrice: ticker.Last,
		OpenedAt:   time.Now(),
	}
	trade := &store.Trade{
		OrderID:   result.ID,
		Type:      "open",
		Price:     ticker.Last,
		Quantity:  quantity,
		Leverage:  args.Leverage,
		Status:    result.Status,
		Timestamp: time.Now(),
	}
	if err := d.riskEngine.PersistOpen(pos, trade, open); err != nil {
		return fmt.Errorf("persist open for %s: %w", args.Symbol, err)
	}

	d.actionsLog = append(d.actionsLog, fmt.Sprintf("openPosition(%s %s): qty=%.6f leverage=%dx reasoning=%q", args.Symbol, args.Side, quantity, args.Leverage, args.Reasoning))
	return nil
}

func (d *Dispatcher) closePosition(call ToolCall) error {
	var args ClosePositionArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return fmt.Errorf("decode closePosition args: %w", err)
	}

	pos, err := d.st.Position().GetBySymbolSide(args.Symbol, args.Side)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("no open position for %s %s", args.Symbol, args.Side)
	}
	contract, err := d.ex.Normalize(args.Symbol)
	if err != nil {
		return err
	}
	ticker, err := d.ex.GetTicker(args.Symbol, false)
	if err != nil {
		return err
	}

	if err := d.riskEngine.ManualClose(pos, contract, ticker.Last); err != nil {
		return fmt.Errorf("close %s %s: %w", args.Symbol, args.Side, err)
	}
	d.actionsLog = append(d.actionsLog, fmt.Sprintf("closePosition(%s %s): reasoning=%q", args.Symbol, args.Side, args.Reasoning))
	return nil
}

func (d *Dispatcher) checkPartialTakeProfit(call ToolCall) error {
	var args CheckPartialTakeProfitArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return fmt.Errorf("decode checkPartialTakeProfitOpportunity args: %w", err)
	}
	d.actionsLog = append(d.actionsLog, fmt.Sprintf("checkPartialTakeProfitOpportunity(%s %s): advisory, no state change", args.Symbol, args.Side))
	return nil
}

func (d *Dispatcher) executePartialTakeProfit(call ToolCall) error {
	var args ExecutePartialTakeProfitArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return fmt.Errorf("decode executePartialTakeProfit args: %w", err)
	}
	pos, err := d.st.Position().GetBySymbolSide(args.Symbol, args.Side)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("no open position for %s %s", args.Symbol, args.Side)
	}
	contract, err := d.ex.Normalize(args.Symbol)
	if err != nil {
		return err
	}
	ticker, err := d.ex.GetTicker(args.Symbol, false)
	if err != nil {
		return err
	}

	if err := d.riskEngine.ManualPartialClose(pos, contract, ticker.Last, args.Fraction); err != nil {
		return fmt.Errorf("partial close %s %s: %w", args.Symbol, args.Side, err)
	}
	d.actionsLog = append(d.actionsLog, fmt.Sprintf("executePartialTakeProfit(%s %s): fraction=%.2f", args.Symbol, args.Side, args.Fraction))
	return nil
}

func (d *Dispatcher) updateTrailingStop(call ToolCall) error {
	var args UpdateTrailingStopArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return fmt.Errorf("decode updateTrailingStop args: %w", err)
	}
	pos, err := d.st.Position().GetBySymbolSide(args.Symbol, args.Side)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("no open position for %s %s", args.Symbol, args.Side)
	}
	contract, err := d.ex.Normalize(args.Symbol)
	if err != nil {
		return err
	}
	if err := d.riskEngine.ManualUpdateStop(pos, contract, args.StopPrice); err != nil {
		return fmt.Errorf("update trailing stop %s %s: %w", args.Symbol, args.Side, err)
	}
	d.actionsLog = append(d.actionsLog, fmt.Sprintf("updateTrailingStop(%s %s): stopPrice=%.4f", args.Symbol, args.Side, args.StopPrice))
	return nil
}
