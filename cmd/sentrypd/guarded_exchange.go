package main

import (
	"time"

	"sentrypd/cache"
	"sentrypd/coordinator"
	"sentrypd/exchange"
)

// guardedExchange decorates one venue adapter with the Request Coordinator's
// admission control and the TTL Cache Layer's degraded-serving fallback, per
// spec.md §2's control flow: Exchange Interface → Request Coordinator →
// Cache. Read calls admit through the coordinator, call the inner adapter,
// store successful results in the cache, and fall back to the last-known-good
// cached value when the coordinator rejects the call or the inner call fails;
// write calls only admit, since there is nothing to serve degraded for a
// mutation.
type guardedExchange struct {
	inner exchange.Exchange
	co    *coordinator.Coordinator
	ca    *cache.Cache
}

func newGuardedExchange(inner exchange.Exchange, co *coordinator.Coordinator, ca *cache.Cache) *guardedExchange {
	return &guardedExchange{inner: inner, co: co, ca: ca}
}

func (g *guardedExchange) GetTicker(symbol string, includeMark bool) (*exchange.Ticker, error) {
	if err := g.co.Admit("GetTicker"); err != nil {
		if cached, ok := g.ca.GetDegraded(cache.CategoryTicker, symbol); ok {
			return cached.(*exchange.Ticker), nil
		}
		return nil, err
	}
	ticker, err := g.inner.GetTicker(symbol, includeMark)
	g.record(err)
	if err != nil {
		if cached, ok := g.ca.GetDegraded(cache.CategoryTicker, symbol); ok {
			return cached.(*exchange.Ticker), nil
		}
		return nil, err
	}
	g.ca.Set(cache.CategoryTicker, symbol, ticker)
	return ticker, nil
}

func (g *guardedExchange) GetCandles(symbol string, interval exchange.Interval, limit int) ([]exchange.Candle, error) {
	key := symbol + ":" + string(interval)
	if err := g.co.Admit("GetCandles"); err != nil {
		if cached, ok := g.ca.GetDegraded(cache.CategoryCandles, key); ok {
			return cached.([]exchange.Candle), nil
		}
		return nil, err
	}
	candles, err := g.inner.GetCandles(symbol, interval, limit)
	g.record(err)
	if err != nil {
		if cached, ok := g.ca.GetDegraded(cache.CategoryCandles, key); ok {
			return cached.([]exchange.Candle), nil
		}
		return nil, err
	}
	g.ca.Set(cache.CategoryCandles, key, candles)
	return candles, nil
}

func (g *guardedExchange) GetAccount() (*exchange.Account, error) {
	const key = "account"
	if err := g.co.Admit("GetAccount"); err != nil {
		if cached, ok := g.ca.GetDegraded(cache.CategoryAccount, key); ok {
			return cached.(*exchange.Account), nil
		}
		return nil, err
	}
	account, err := g.inner.GetAccount()
	g.record(err)
	if err != nil {
		if cached, ok := g.ca.GetDegraded(cache.CategoryAccount, key); ok {
			return cached.(*exchange.Account), nil
		}
		return nil, err
	}
	g.ca.Set(cache.CategoryAccount, key, account)
	return account, nil
}

func (g *guardedExchange) GetPositions() ([]exchange.ExchangePosition, error) {
	const key = "positions"
	if err := g.co.Admit("GetPositions"); err != nil {
		if cached, ok := g.ca.GetDegraded(cache.CategoryPosition, key); ok {
			return cached.([]exchange.ExchangePosition), nil
		}
		return nil, err
	}
	positions, err := g.inner.GetPositions()
	g.record(err)
	if err != nil {
		if cached, ok := g.ca.GetDegraded(cache.CategoryPosition, key); ok {
			return cached.([]exchange.ExchangePosition), nil
		}
		return nil, err
	}
	g.ca.Set(cache.CategoryPosition, key, positions)
	return positions, nil
}

func (g *guardedExchange) PlaceOrder(req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if err := g.co.Admit("PlaceOrder"); err != nil {
		return nil, err
	}
	result, err := g.inner.PlaceOrder(req)
	g.record(err)
	return result, err
}

func (g *guardedExchange) PlaceTriggerOrder(req exchange.TriggerOrderRequest) (*exchange.OrderResult, error) {
	if err := g.co.Admit("PlaceTriggerOrder"); err != nil {
		return nil, err
	}
	result, err := g.inner.PlaceTriggerOrder(req)
	g.record(err)
	return result, err
}

func (g *guardedExchange) CancelTriggerOrders(contract *exchange.Contract) error {
	if err := g.co.Admit("CancelTriggerOrders"); err != nil {
		return err
	}
	err := g.inner.CancelTriggerOrders(contract)
	g.record(err)
	return err
}

func (g *guardedExchange) GetMyTrades(contract *exchange.Contract, limit int, startTime *time.Time) ([]exchange.TradeRecord, error) {
	if err := g.co.Admit("GetMyTrades"); err != nil {
		return nil, err
	}
	trades, err := g.inner.GetMyTrades(contract, limit, startTime)
	g.record(err)
	return trades, err
}

func (g *guardedExchange) SetLeverage(contract exchange.Contract, leverage int) error {
	if err := g.co.Admit("SetLeverage"); err != nil {
		return err
	}
	err := g.inner.SetLeverage(contract, leverage)
	g.record(err)
	return err
}

func (g *guardedExchange) ContractType() exchange.ContractType {
	return g.inner.ContractType()
}

// Normalize is contract metadata, cached for the session lifetime per
// cache.CategoryContract, and not subject to admission control: it is
// usually served from the adapter's own in-memory contract map rather than a
// network call.
func (g *guardedExchange) Normalize(symbol string) (exchange.Contract, error) {
	if cached, ok := g.ca.Get(cache.CategoryContract, symbol); ok {
		return cached.(exchange.Contract), nil
	}
	contract, err := g.inner.Normalize(symbol)
	if err != nil {
		return exchange.Contract{}, err
	}
	g.ca.Set(cache.CategoryContract, symbol, contract)
	return contract, nil
}

func (g *guardedExchange) CalculateQuantity(usdt, price float64, leverage int, contract exchange.Contract) float64 {
	return g.inner.CalculateQuantity(usdt, price, leverage, contract)
}

func (g *guardedExchange) CalculatePnL(entry, exit, qty float64, side exchange.Side, contract exchange.Contract) float64 {
	return g.inner.CalculatePnL(entry, exit, qty, side, contract)
}

func (g *guardedExchange) record(err error) {
	if err != nil {
		g.co.RecordFailure()
		return
	}
	g.co.RecordSuccess()
}
