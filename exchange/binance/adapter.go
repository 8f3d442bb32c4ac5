// Package binance adapts Binance USDT-margined futures to the exchange.Exchange
// capability interface. It is the system's linear-contract venue.
package binance

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"sentrypd/exchange"
	"sentrypd/logger"
)

// Adapter wraps a futures.Client with the session-length metadata cache the
// rest of the control plane expects (contract tick/size rounding rarely
// changes within a run).
type Adapter struct {
	client *futures.Client

	contractsMu sync.RWMutex
	contracts   map[string]exchange.Contract
}

// New creates a linear-contract adapter. testnet selects Binance's futures
// testnet base URL.
func New(apiKey, apiSecret string, testnet bool) *Adapter {
	futures.UseTestnet = testnet
	client := futures.NewClient(apiKey, apiSecret)
	return &Adapter{
		client:    client,
		contracts: make(map[string]exchange.Contract),
	}
}

func (a *Adapter) ContractType() exchange.ContractType { return exchange.Linear }

// Normalize resolves a canonical symbol (e.g. "BTC") to Binance's
// {BASE}USDT naming and caches the exchangeInfo-derived tick/step metadata.
func (a *Adapter) Normalize(symbol string) (exchange.Contract, error) {
	binSymbol := toBinanceSymbol(symbol)

	a.contractsMu.RLock()
	if c, ok := a.contracts[binSymbol]; ok {
		a.contractsMu.RUnlock()
		return c, nil
	}
	a.contractsMu.RUnlock()

	info, err := a.client.NewExchangeInfoService().Do(context.Background())
	if err != nil {
		return exchange.Contract{}, exchange.Transient("normalize", "exchangeInfo request failed", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != binSymbol {
			continue
		}
		c := exchange.Contract{
			Symbol:           binSymbol,
			Type:             exchange.Linear,
			QuantoMultiplier: 1,
			OrderPriceRound:  tickFromFilters(s.Filters, "PRICE_FILTER", "tickSize"),
			OrderSizeMin:     tickFromFilters(s.Filters, "LOT_SIZE", "minQty"),
			OrderSizeMax:     tickFromFilters(s.Filters, "LOT_SIZE", "maxQty"),
			MarkPriceRound:   tickFromFilters(s.Filters, "PRICE_FILTER", "tickSize"),
		}
		a.contractsMu.Lock()
		a.contracts[binSymbol] = c
		a.contractsMu.Unlock()
		return c, nil
	}

	return exchange.Contract{}, exchange.Validation("normalize", fmt.Sprintf("unknown symbol %s", binSymbol), nil)
}

func tickFromFilters(filters []map[string]interface{}, filterType, key string) float64 {
	for _, f := range filters {
		if f["filterType"] != filterType {
			continue
		}
		if v, ok := f[key].(string); ok {
			n, _ := strconv.ParseFloat(v, 64)
			return n
		}
	}
	return 0
}

func toBinanceSymbol(symbol string) string {
	if len(symbol) > 4 && symbol[len(symbol)-4:] == "USDT" {
		return symbol
	}
	return symbol + "USDT"
}

func (a *Adapter) GetTicker(symbol string, includeMark bool) (*exchange.Ticker, error) {
	binSymbol := toBinanceSymbol(symbol)

	prices, err := a.client.NewListPricesService().Symbol(binSymbol).Do(context.Background())
	if err != nil {
		return nil, exchange.Transient("getTicker", "price request failed", err)
	}
	if len(prices) == 0 {
		return nil, exchange.Validation("getTicker", "no price returned", nil)
	}
	last, _ := strconv.ParseFloat(prices[0].Price, 64)
	ticker := &exchange.Ticker{Symbol: symbol, Last: last}

	if includeMark {
		marks, err := a.client.NewPremiumIndexService().Symbol(binSymbol).Do(context.Background())
		if err != nil {
			return nil, exchange.Transient("getTicker", "mark price request failed", err)
		}
		if len(marks) > 0 {
			ticker.MarkPrice, _ = strconv.ParseFloat(marks[0].MarkPrice, 64)
			ticker.IndexPrice, _ = strconv.ParseFloat(marks[0].IndexPrice, 64)
		}
	}
	return ticker, nil
}

var binanceIntervals = map[exchange.Interval]string{
	exchange.Interval1m:  "1m",
	exchange.Interval5m:  "5m",
	exchange.Interval15m: "15m",
	exchange.Interval30m: "30m",
	exchange.Interval1h:  "1h",
	exchange.Interval4h:  "4h",
	exchange.Interval1d:  "1d",
}

func (a *Adapter) GetCandles(symbol string, interval exchange.Interval, limit int) ([]exchange.Candle, error) {
	binInterval, ok := binanceIntervals[interval]
	if !ok {
		return nil, exchange.Validation("getCandles", fmt.Sprintf("unsupported interval %s", interval), nil)
	}

	klines, err := a.client.NewKlinesService().
		Symbol(toBinanceSymbol(symbol)).
		Interval(binInterval).
		Limit(limit).
		Do(context.Background())
	if err != nil {
		return nil, exchange.Transient("getCandles", "klines request failed", err)
	}

	candles := make([]exchange.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, exchange.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
		})
	}
	return candles, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (a *Adapter) GetAccount() (*exchange.Account, error) {
	acc, err := a.client.NewGetAccountService().Do(context.Background())
	if err != nil {
		return nil, exchange.Transient("getAccount", "account request failed", err)
	}

	total := parseFloat(acc.TotalWalletBalance)
	avail := parseFloat(acc.AvailableBalance)
	margin := parseFloat(acc.TotalPositionInitialMargin)
	upnl := parseFloat(acc.TotalUnrealizedProfit)

	return &exchange.Account{
		Total:          total,
		Available:      avail,
		PositionMargin: margin,
		UnrealizedPnl:  upnl,
	}, nil
}

func (a *Adapter) GetPositions() ([]exchange.ExchangePosition, error) {
	risks, err := a.client.NewGetPositionRiskService().Do(context.Background())
	if err != nil {
		return nil, exchange.Transient("getPositions", "positionRisk request failed", err)
	}

	var out []exchange.ExchangePosition
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := exchange.Long
		if amt < 0 {
			side = exchange.Short
			amt = -amt
		}
		leverage, _ := strconv.Atoi(r.Leverage)
		out = append(out, exchange.ExchangePosition{
			Symbol:           r.Symbol,
			Side:             side,
			Quantity:         amt,
			EntryPrice:       parseFloat(r.EntryPrice),
			MarkPrice:        parseFloat(r.MarkPrice),
			UnrealizedPnl:    parseFloat(r.UnRealizedProfit),
			LiquidationPrice: parseFloat(r.LiquidationPrice),
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

	side := futures.SideTypeBuy
	positionSide := futures.PositionSideTypeLong
	if req.Size < 0 {
		side = futures.SideTypeSell
		positionSide = futures.PositionSideTypeShort
	}

	size := exchange.ClampSize(math.Abs(req.Size), req.Contract.OrderSizeMin, req.Contract.OrderSizeMax)
	qtyStr := roundToStep(size, req.Contract.OrderSizeMin)

	svc := a.client.NewCreateOrderService().
		Symbol(req.Contract.Symbol).
		Side(side).
		PositionSide(positionSide).
		NewClientOrderID(getBrOrderID()).
		Quantity(qtyStr)

	if req.Price == 0 {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		price := exchange.ClampDeviation(req.Price, ticker.MarkPrice)
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(roundToStep(price, req.Contract.OrderPriceRound))
		if req.TIF == exchange.TIFIOC {
			svc = svc.TimeInForce(futures.TimeInForceTypeIOC)
		}
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	order, err := svc.Do(context.Background())
	if err != nil {
		return nil, classifyOrderError("placeOrder", err)
	}
	return &exchange.OrderResult{ID: strconv.FormatInt(order.OrderID, 10), Status: string(order.Status)}, nil
}

func (a *Adapter) PlaceTriggerOrder(req exchange.TriggerOrderRequest) (*exchange.OrderResult, error) {
	ticker, err := a.GetTicker(req.Contract.Symbol, true)
	if err != nil {
		return nil, err
	}

	triggerPrice := exchange.SafeTriggerDistance(req.TriggerPrice, ticker.MarkPrice, req.Rule)

	side := futures.SideTypeSell
	positionSide := futures.PositionSideTypeLong
	if req.Rule == exchange.TriggerAtOrAbove {
		side = futures.SideTypeSell
	} else {
		side = futures.SideTypeBuy
		positionSide = futures.PositionSideTypeShort
	}

	orderType := futures.OrderTypeStopMarket
	if req.Rule == exchange.TriggerAtOrAbove {
		orderType = futures.OrderTypeTakeProfitMarket
	}

	order, err := a.client.NewCreateOrderService().
		Symbol(req.Contract.Symbol).
		Side(side).
		PositionSide(positionSide).
		Type(orderType).
		StopPrice(roundToStep(triggerPrice, req.Contract.OrderPriceRound)).
		ClosePosition(true).
		NewClientOrderID(getBrOrderID()).
		Do(context.Background())
	if err != nil {
		return nil, classifyOrderError("placeTriggerOrder", err)
	}
	return &exchange.OrderResult{ID: strconv.FormatInt(order.OrderID, 10), Status: string(order.Status)}, nil
}

func (a *Adapter) CancelTriggerOrders(contract *exchange.Contract) error {
	symbol := ""
	if contract != nil {
		symbol = contract.Symbol
	}
	if symbol == "" {
		return exchange.Validation("cancelTriggerOrders", "symbol is required for binance cancel-all", nil)
	}
	_, err := a.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(context.Background())
	if err != nil {
		logger.Warnf("cancelTriggerOrders %s: %v", symbol, err)
		return exchange.Transient("cancelTriggerOrders", "cancel request failed", err)
	}
	return nil
}

func (a *Adapter) GetMyTrades(contract *exchange.Contract, limit int, startTime *time.Time) ([]exchange.TradeRecord, error) {
	if contract == nil {
		return nil, exchange.Validation("getMyTrades", "contract is required", nil)
	}
	svc := a.client.NewAccountTradeListService().Symbol(contract.Symbol).Limit(limit)
	if startTime != nil {
		svc = svc.StartTime(startTime.UnixMilli())
	}
	trades, err := svc.Do(context.Background())
	if err != nil {
		return nil, exchange.Transient("getMyTrades", "trade list request failed", err)
	}

	out := make([]exchange.TradeRecord, 0, len(trades))
	for _, t := range trades {
		side := exchange.Long
		if !t.Buyer {
			side = exchange.Short
		}
		out = append(out, exchange.TradeRecord{
			OrderID:   strconv.FormatInt(t.OrderID, 10),
			Symbol:    t.Symbol,
			Side:      side,
			Price:     parseFloat(t.Price),
			Quantity:  parseFloat(t.Quantity),
			Fee:       parseFloat(t.Commission),
			Timestamp: time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

func (a *Adapter) SetLeverage(contract exchange.Contract, leverage int) error {
	_, err := a.client.NewChangeLeverageService().Symbol(contract.Symbol).Leverage(leverage).Do(context.Background())
	if err != nil {
		logger.Warnf("setLeverage %s to %dx failed (likely already set or open position): %v", contract.Symbol, leverage, err)
		return nil
	}
	return nil
}

// CalculateQuantity converts a USDT notional into coin-denominated contract
// units for a linear (USDT-margined) contract.
func (a *Adapter) CalculateQuantity(usdt float64, price float64, leverage int, contract exchange.Contract) float64 {
	if price == 0 {
		return 0
	}
	qty := (usdt * float64(leverage)) / price
	return exchange.ClampSize(qty, contract.OrderSizeMin, contract.OrderSizeMax)
}

// CalculatePnL computes linear realized PnL: (exit - entry) * qty, sign
// flipped for shorts.
func (a *Adapter) CalculatePnL(entry, exit, qty float64, side exchange.Side, contract exchange.Contract) float64 {
	delta := exit - entry
	if side == exchange.Short {
		delta = entry - exit
	}
	return delta * qty
}

func roundToStep(value, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	rounded := math.Round(value/step) * step
	decimals := decimalsForStep(step)
	return strconv.FormatFloat(rounded, 'f', decimals, 64)
}

func decimalsForStep(step float64) int {
	for i := 0; i < 8; i++ {
		if step == math.Trunc(step*math.Pow10(i))/math.Pow10(i) {
			return i
		}
	}
	return 8
}

// classifyOrderError maps Binance's -2019 (margin insufficient) and -1021/-1022
// auth codes to the typed Kind the risk engine branches on.
func classifyOrderError(op string, err error) error {
	if apiErr, ok := err.(*futures.APIError); ok {
		switch apiErr.Code {
		case -2019:
			return exchange.InsufficientFunds(op, apiErr.Message, err)
		case -1021, -1022, -2015:
			return exchange.Permission(op, apiErr.Message, err)
		}
	}
	return exchange.Transient(op, "order request failed", err)
}

var brOrderSeq uint64

// getBrOrderID generates a Binance-compliant (<=32 char) broker client order
// ID, matching the broker tag the teacher's FuturesTrader embeds.
func getBrOrderID() string {
	brOrderSeq++
	return fmt.Sprintf("x-KzrpZaP9%d%d", time.Now().UnixNano()%1_000_000, brOrderSeq%1000)
}
