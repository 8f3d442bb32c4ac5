// Package bybit adapts Bybit's inverse (coin-margined) perpetual contracts to
// the exchange.Exchange capability interface. It is the system's inverse
// venue, paired with exchange/binance's linear venue.
package bybit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"sentrypd/exchange"
	"sentrypd/logger"
)

const category = "inverse"

// headerRoundTripper tags outgoing requests with a referrer ID, the same way
// the legacy linear trader did for fee-split attribution.
type headerRoundTripper struct {
	base      http.RoundTripper
	refererID string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Referer", h.refererID)
	return h.base.RoundTrip(req)
}

// Adapter wraps *bybit.Client with a session-length contract metadata cache.
type Adapter struct {
	client *bybit.Client

	contractsMu sync.RWMutex
	contracts   map[string]exchange.Contract
}

// New creates an inverse-contract adapter. testnet selects Bybit's testnet
// base URL.
func New(apiKey, apiSecret string, testnet bool) *Adapter {
	baseURL := bybit.MAINNET
	if testnet {
		baseURL = bybit.TESTNET
	}
	client := bybit.NewBybitHttpClient(apiKey, apiSecret, bybit.WithBaseURL(baseURL))

	if client != nil && client.HTTPClient != nil {
		base := client.HTTPClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client.HTTPClient.Transport = &headerRoundTripper{base: base, refererID: "sentrypd"}
	}

	return &Adapter{client: client, contracts: make(map[string]exchange.Contract)}
}

func (a *Adapter) ContractType() exchange.ContractType { return exchange.Inverse }

func toBybitSymbol(symbol string) string {
	if strings.HasSuffix(symbol, "USD") {
		return symbol
	}
	return symbol + "USD"
}

func (a *Adapter) do(params map[string]interface{}, call func(svc *bybit.UtaBybitService) (*bybit.ServerResponse, error)) (map[string]interface{}, error) {
	svc := a.client.NewUtaBybitServiceWithParams(params)
	resp, err := call(svc)
	if err != nil {
		return nil, exchange.Transient("bybit", "request failed", err)
	}
	if resp.RetCode != 0 {
		if resp.RetCode == 110043 || resp.RetCode == 110026 {
			return nil, nil // already at target state, treated as success
		}
		return nil, exchange.Validation("bybit", fmt.Sprintf("retCode=%d retMsg=%s", resp.RetCode, resp.RetMsg), nil)
	}
	data, _ := resp.Result.(map[string]interface{})
	return data, nil
}

// Normalize resolves a canonical symbol (e.g. "BTC") to Bybit's {BASE}USD
// inverse naming and caches instruments-info metadata.
func (a *Adapter) Normalize(symbol string) (exchange.Contract, error) {
	bybitSymbol := toBybitSymbol(symbol)

	a.contractsMu.RLock()
	if c, ok := a.contracts[bybitSymbol]; ok {
		a.contractsMu.RUnlock()
		return c, nil
	}
	a.contractsMu.RUnlock()

	data, err := a.do(map[string]interface{}{"category": category, "symbol": bybitSymbol}, func(svc *bybit.UtaBybitService) (*bybit.ServerResponse, error) {
		return svc.GetInstrumentInfo(context.Background())
	})
	if err != nil {
		return exchange.Contract{}, err
	}

	list, _ := data["list"].([]interface{})
	if len(list) == 0 {
		return exchange.Contract{}, exchange.Validation("normalize", fmt.Sprintf("unknown symbol %s", bybitSymbol), nil)
	}
	inst, _ := list[0].(map[string]interface{})

	lotFilter, _ := inst["lotSizeFilter"].(map[string]interface{})
	priceFilter, _ := inst["priceFilter"].(map[string]interface{})

	c := exchange.Contract{
		Symbol:           bybitSymbol,
		Type:             exchange.Inverse,
		QuantoMultiplier: floatField(inst, "contractSize", 1),
		OrderSizeMin:     floatField(lotFilter, "minOrderQty", 1),
		OrderSizeMax:     floatField(lotFilter, "maxOrderQty", math.MaxFloat64),
		OrderPriceRound:  floatField(priceFilter, "tickSize", 0.5),
		MarkPriceRound:   floatField(priceFilter, "tickSize", 0.5),
	}

	a.contractsMu.Lock()
	a.contracts[bybitSymbol] = c
	a.contractsMu.Unlock()
	return c, nil
}

func floatField(m map[string]interface{}, key string, fallback float64) float64 {
	if m == nil {
		return fallback
	}
	s, ok := m[key].(string)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v == 0 {
		return fallback
	}
	return v
}

func (a *Adapter) GetTicker(symbol string, includeMark bool) (*exchange.Ticker, error) {
	bybitSymbol := toBybitSymbol(symbol)
	data, err := a.do(map[string]interface{}{"category": category, "symbol": bybitSymbol}, func(svc *bybit.UtaBybitService) (*bybit.ServerResponse, error) {
		return svc.GetMarketTickers(context.Background())
	})
	if err != nil {
		return nil, err
	}
	list, _ := data["list"].([]interface{})
	if len(list) == 0 {
		return nil, exchange.Validation("getTicker", "no ticker returned", nil)
	}
	row, _ := list[0].(map[string]interface{})

	ticker := &exchange.Ticker{
		Symbol: symbol,
		Last:   floatField(row, "lastPrice", 0),
	}
	if includeMark {
		ticker.MarkPrice = floatField(row, "markPrice", ticker.Last)
		ticker.IndexPrice = floatField(row, "indexPrice", ticker.Last)
	}
	return ticker, nil
}

var bybitIntervals = map[exchange.Interval]string{
	exchange.Interval1m:  "1",
	exchange.Interval5m:  "5",
	exchange.Interval15m: "15",
	exchange.Interval30m: "30",
	exchange.Interval1h:  "60",
	exchange.Interval4h:  "240",
	exchange.Interval1d:  "D",
}

func (a *Adapter) GetCandles(symbol string, interval exchange.Interval, limit int) ([]exchange.Candle, error) {
	bybitInterval, ok := bybitIntervals[interval]
	if !ok {
		return nil, exchange.Validation("getCandles", fmt.Sprintf("unsupported interval %s", interval), nil)
	}

	data, err := a.do(map[string]interface{}{
		"category": category,
		"symbol":   toBybitSymbol(symbol),
		"interval": bybitInterval,
		"limit":    limit,
	}, func(svc *bybit.UtaBybitService) (*bybit.ServerResponse, error) {
		return svc.GetMarketKline(context.Background())
	})
	if err != nil {
		return nil, err
	}

	rows, _ := data["list"].([]interface{})
	candles := make([]exchange.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- { // Bybit returns newest-first
		row, ok := rows[i].([]interface{})
		if !ok || len(row) < 6 {
			continue
		}
		openMs, _ := strconv.ParseInt(fmt.Sprintf("%v", row[0]), 10, 64)
		candles = append(candles, exchange.Candle{
			OpenTime: time.UnixMilli(openMs),
			Open:     parseAny(row[1]),
			High:     parseAny(row[2]),
			Low:      parseAny(row[3]),
			Close:    parseAny(row[4]),
			Volume:   parseAny(row[5]),
		})
	}
	return candles, nil
}

func parseAny(v interface{}) float64 {
	f, _ := strconv.ParseFloat(fmt.Sprintf("%v", v), 64)
	return f
}

func (a *Adapter) GetAccount() (*exchange.Account, error) {
	data, err := a.do(map[string]interface{}{"accountType": "UNIFIED"}, func(svc *bybit.UtaBybitService) (*bybit.ServerResponse, error) {
		return svc.GetAccountWallet(context.Background())
	})
	if err != nil {
		return nil, err
	}

	list, _ := data["list"].([]interface{})
	if len(list) == 0 {
		return &exchange.Account{}, nil
	}
	acc, _ := list[0].(map[string]interface{})

	return &exchange.Account{
		Total:         floatField(acc, "totalWalletBalance", 0),
		Available:     floatField(acc, "totalAvailableBalance", 0),
		UnrealizedPnl: floatField(acc, "totalPerpUPL", 0),
	}, nil
}

func (a *Adapter) GetPositions() ([]exchange.ExchangePosition, error) {
	data, err := a.do(map[string]interface{}{"category": category, "settleCoin": "USD"}, func(svc *bybit.UtaBybitService) (*bybit.ServerResponse, error) {
		return svc.GetPositionList(context.Background())
	})
	if err != nil {
		return nil, err
	}

	list, _ := data["list"].([]interface{})
	var out []exchange.ExchangePosition
	for _, item := range list {
		pos, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		size := floatField(pos, "size", 0)
		if size == 0 {
			continue
		}
		side := exchange.Long
		if s, _ := pos["side"].(string); s == "Sell" {
			side = exchange.Short
		}
		leverage, _ := strconv.Atoi(fmt.Sprintf("%v", pos["leverage"]))
		out = append(out, exchange.ExchangePosition{
			Symbol:           fmt.Sprintf("%v", pos["symbol"]),
			Side:             side,
			Quantity:         size,
			EntryPrice:       floatField(pos, "avgPrice", 0),
			MarkPrice:        floatField(pos, "markPrice", 0),
			UnrealizedPnl:    floatField(pos, "unrealisedPnl", 0),
			LiquidationPrice: floatField(pos, "liqPrice", 0),
			Leverage:         leverage,
		})
	}
	return out, nil
}

func (a *Adapter) PlaceOrder(req exchange.OrderRequest) (*exchange.OrderResult, error) {
	ticker, err := a.GetTicker(req.Contract.Symbol, true)
	if err != nil {
		return nil, err
	}

	side := "Buy"
	if req.Size < 0 {
		side = "Sell"
	}

	size := exchange.ClampSize(math.Abs(req.Size), req.Contract.OrderSizeMin, req.Contract.OrderSizeMax)

	params := map[string]interface{}{
		"category":    category,
		"symbol":      req.Contract.Symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         formatStep(size, req.Contract.OrderSizeMin),
		"positionIdx": 0,
	}
	if req.Price != 0 {
		params["orderType"] = "Limit"
		params["price"] = formatStep(exchange.ClampDeviation(req.Price, ticker.MarkPrice), req.Contract.OrderPriceRound)
		params["timeInForce"] = "GTC"
		if req.TIF == exchange.TIFIOC {
			params["timeInForce"] = "IOC"
		}
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}

	data, err := a.do(params, func(svc *bybit.UtaBybitService) (*bybit.ServerResponse, error) {
		return svc.PlaceOrder(context.Background())
	})
	if err != nil {
		return nil, err
	}
	orderID, _ := data["orderId"].(string)
	return &exchange.OrderResult{ID: orderID, Status: "NEW"}, nil
}

func (a *Adapter) PlaceTriggerOrder(req exchange.TriggerOrderRequest) (*exchange.OrderResult, error) {
	ticker, err := a.GetTicker(req.Contract.Symbol, true)
	if err != nil {
		return nil, err
	}
	triggerPrice := exchange.SafeTriggerDistance(req.TriggerPrice, ticker.MarkPrice, req.Rule)

	side := "Sell"
	triggerDirection := 1
	if req.Rule == exchange.TriggerAtOrBelow {
		side = "Buy"
		triggerDirection = 2
	}

	params := map[string]interface{}{
		"category":         category,
		"symbol":           req.Contract.Symbol,
		"side":             side,
		"orderType":        "Market",
		"qty":              formatStep(req.CloseSize, req.Contract.OrderSizeMin),
		"triggerPrice":     fmt.Sprintf("%v", triggerPrice),
		"triggerDirection": triggerDirection,
		"triggerBy":        "LastPrice",
		"reduceOnly":       true,
	}

	data, err := a.do(params, func(svc *bybit.UtaBybitService) (*bybit.ServerResponse, error) {
		return svc.PlaceOrder(context.Background())
	})
	if err != nil {
		return nil, err
	}
	orderID, _ := data["orderId"].(string)
	return &exchange.OrderResult{ID: orderID, Status: "NEW"}, nil
}

func (a *Adapter) CancelTriggerOrders(contract *exchange.Contract) error {
	symbol := ""
	if contract != nil {
		symbol = contract.Symbol
	}
	params := map[string]interface{}{"category": category}
	if symbol != "" {
		params["symbol"] = symbol
	}
	_, err := a.do(params, func(svc *bybit.UtaBybitService) (*bybit.ServerResponse, error) {
		return svc.CancelAllOrders(context.Background())
	})
	if err != nil {
		logger.Warnf("cancelTriggerOrders %s: %v", symbol, err)
	}
	return err
}

func (a *Adapter) GetMyTrades(contract *exchange.Contract, limit int, startTime *time.Time) ([]exchange.TradeRecord, error) {
	if contract == nil {
		return nil, exchange.Validation("getMyTrades", "contract is required", nil)
	}
	params := map[string]interface{}{
		"category": category,
		"symbol":   contract.Symbol,
		"limit":    limit,
	}
	if startTime != nil {
		params["startTime"] = startTime.UnixMilli()
	}

	data, err := a.do(params, func(svc *bybit.UtaBybitService) (*bybit.ServerResponse, error) {
		return svc.GetExecutionList(context.Background())
	})
	if err != nil {
		return nil, err
	}

	list, _ := data["list"].([]interface{})
	out := make([]exchange.TradeRecord, 0, len(list))
	for _, item := range list {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		side := exchange.Long
		if s, _ := row["side"].(string); s == "Sell" {
			side = exchange.Short
		}
		execMs, _ := strconv.ParseInt(fmt.Sprintf("%v", row["execTime"]), 10, 64)
		out = append(out, exchange.TradeRecord{
			OrderID:   fmt.Sprintf("%v", row["orderId"]),
			Symbol:    contract.Symbol,
			Side:      side,
			Price:     floatField(row, "execPrice", 0),
			Quantity:  floatField(row, "execQty", 0),
			Fee:       floatField(row, "execFee", 0),
			Timestamp: time.UnixMilli(execMs),
		})
	}
	return out, nil
}

func (a *Adapter) SetLeverage(contract exchange.Contract, leverage int) error {
	params := map[string]interface{}{
		"category":     category,
		"symbol":       contract.Symbol,
		"buyLeverage":  fmt.Sprintf("%d", leverage),
		"sellLeverage": fmt.Sprintf("%d", leverage),
	}
	_, err := a.do(params, func(svc *bybit.UtaBybitService) (*bybit.ServerResponse, error) {
		return svc.SetPositionLeverage(context.Background())
	})
	if err != nil {
		logger.Warnf("setLeverage %s to %dx failed (likely already set or open position): %v", contract.Symbol, leverage, err)
		return nil
	}
	return nil
}

// CalculateQuantity converts a USDT notional into inverse contract units:
// floor((usdt*leverage)/(multiplier*price)).
func (a *Adapter) CalculateQuantity(usdt float64, price float64, leverage int, contract exchange.Contract) float64 {
	if price == 0 || contract.QuantoMultiplier == 0 {
		return 0
	}
	qty := math.Floor((usdt * float64(leverage)) / (contract.QuantoMultiplier * price))
	return exchange.ClampSize(qty, contract.OrderSizeMin, contract.OrderSizeMax)
}

// CalculatePnL computes inverse realized PnL: (exit-entry or entry-exit) *
// qty * multiplier, settled in the base coin.
func (a *Adapter) CalculatePnL(entry, exit, qty float64, side exchange.Side, contract exchange.Contract) float64 {
	delta := exit - entry
	if side == exchange.Short {
		delta = entry - exit
	}
	return delta * qty * contract.QuantoMultiplier
}

func formatStep(value, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	aligned := math.Floor(value/step) * step
	decimals := 0
	if step < 1 {
		s := strconv.FormatFloat(step, 'f', -1, 64)
		if idx := strings.Index(s, "."); idx >= 0 {
			decimals = len(s) - idx - 1
		}
	}
	return strconv.FormatFloat(aligned, 'f', decimals, 64)
}
