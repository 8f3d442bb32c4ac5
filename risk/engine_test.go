package risk

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentrypd/exchange"
	"sentrypd/store"
)

type fakeExchange struct {
	orders        []exchange.OrderRequest
	triggers      []exchange.TriggerOrderRequest
	cancelled     int
	placeOrderErr error
	triggerErr    error
	nextOrderID   int
}

func (f *fakeExchange) GetTicker(symbol string, includeMark bool) (*exchange.Ticker, error) {
	return &exchange.Ticker{Symbol: symbol}, nil
}
func (f *fakeExchange) GetCandles(symbol string, interval exchange.Interval, limit int) ([]exchange.Candle, error) {
	return nil, nil
}
func (f *fakeExchange) GetAccount() (*exchange.Account, error) { return &exchange.Account{}, nil }
func (f *fakeExchange) GetPositions() ([]exchange.ExchangePosition, error) {
	return nil, nil
}
func (f *fakeExchange) PlaceOrder(req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if f.placeOrderErr != nil {
		return nil, f.placeOrderErr
	}
	f.orders = append(f.orders, req)
	f.nextOrderID++
	return &exchange.OrderResult{ID: "order-fake", Status: "filled"}, nil
}
func (f *fakeExchange) PlaceTriggerOrder(req exchange.TriggerOrderRequest) (*exchange.OrderResult, error) {
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	f.triggers = append(f.triggers, req)
	f.nextOrderID++
	return &exchange.OrderResult{ID: "trigger-fake", Status: "new"}, nil
}
func (f *fakeExchange) CancelTriggerOrders(contract *exchange.Contract) error {
	f.cancelled++
	return nil
}
func (f *fakeExchange) GetMyTrades(contract *exchange.Contract, limit int, startTime *time.Time) ([]exchange.TradeRecord, error) {
	return nil, nil
}
func (f *fakeExchange) SetLeverage(contract exchange.Contract, leverage int) error { return nil }
func (f *fakeExchange) ContractType() exchange.ContractType                        { return exchange.Linear }
func (f *fakeExchange) Normalize(symbol string) (exchange.Contract, error) {
	return testContract(), nil
}
func (f *fakeExchange) CalculateQuantity(usdt, price float64, leverage int, contract exchange.Contract) float64 {
	return usdt * float64(leverage) / price
}
func (f *fakeExchange) CalculatePnL(entry, exit, qty float64, side exchange.Side, contract exchange.Contract) float64 {
	if side == exchange.Short {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

func testContract() exchange.Contract {
	return exchange.Contract{
		Symbol:           "BTCUSDT",
		Type:             exchange.Linear,
		QuantoMultiplier: 1,
		OrderSizeMin:     0.001,
		OrderSizeMax:     1000,
		OrderPriceRound:  0.1,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStopDistance_UsesATRAndClamps(t *testing.T) {
	e := New(nil, &fakeExchange{}, nil, Config{})
	d := e.StopDistance(100, 1.0, 0.5) // atr*2=2, structural=0.5 -> 2, clamp to [0.5,5] -> 2
	assert.Equal(t, 2.0, d)
}

func TestStopDistance_ClampsToMax(t *testing.T) {
	e := New(nil, &fakeExchange{}, nil, Config{})
	d := e.StopDistance(100, 100.0, 0) // atr huge -> clamp to max 5%
	assert.Equal(t, 5.0, d)
}

func TestStopDistance_ClampsToMin(t *testing.T) {
	e := New(nil, &fakeExchange{}, nil, Config{})
	d := e.StopDistance(100, 0.01, 0) // tiny atr -> clamp to min 0.5%
	assert.Equal(t, 0.5, d)
}

func TestATR14_FallsBackWithFewCandles(t *testing.T) {
	candles := []exchange.Candle{
		{High: 101, Low: 99, Close: 100},
		{High: 103, Low: 98, Close: 102},
	}
	atr := ATR14(candles)
	assert.Greater(t, atr, 0.0)
}

func TestOnOpen_PlacesStopAndExtremeTakeProfitForLong(t *testing.T) {
	fx := &fakeExchange{}
	e := New(nil, fx, nil, Config{})

	result, err := e.OnOpen(testContract(), exchange.Long, 100, 1, 1.0, 0)
	require.NoError(t, err)
	require.Len(t, fx.triggers, 2)

	assert.Equal(t, 98.0, result.StopPrice) // d=2, entry-d
	assert.Equal(t, 110.0, result.ExtremeTPPrice) // entry + 5R*d
	assert.Equal(t, exchange.TriggerAtOrBelow, fx.triggers[0].Rule)
	assert.Equal(t, exchange.TriggerAtOrAbove, fx.triggers[1].Rule)
}

func TestOnOpen_PlacesStopAndExtremeTakeProfitForShort(t *testing.T) {
	fx := &fakeExchange{}
	e := New(nil, fx, nil, Config{})

	result, err := e.OnOpen(testContract(), exchange.Short, 100, 1, 1.0, 0)
	require.NoError(t, err)

	assert.Equal(t, 102.0, result.StopPrice)
	assert.Equal(t, 90.0, result.ExtremeTPPrice)
	assert.Equal(t, exchange.TriggerAtOrAbove, fx.triggers[0].Rule)
	assert.Equal(t, exchange.TriggerAtOrBelow, fx.triggers[1].Rule)
}

func TestPersistOpen_WritesPositionTradeAndPriceOrders(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{}
	e := New(s, fx, nil, Config{})

	pos := &store.Position{Symbol: "BTC", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()}
	trade := &store.Trade{OrderID: "open-1", Type: "open", Price: 100, Quantity: 1, Leverage: 5, Status: "filled", Timestamp: time.Now()}
	open := &OpenResult{StopLossOrderID: "sl-1", TakeProfitOrderID: "tp-1", StopPrice: 98, ExtremeTPPrice: 110}

	err := e.PersistOpen(pos, trade, open)
	require.NoError(t, err)

	got, err := s.Position().GetBySymbolSide("BTC", "long")
	require.NoError(t, err)
	require.NotNil(t, got)

	active, err := s.PriceOrder().ActiveFor("BTC", "long")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestEvaluate_EmergencyCloseOnHighWarningScore(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{}
	e := New(s, fx, nil, Config{})

	pos := &store.Position{Symbol: "BTC", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now(), WarningScore: 75}
	err := e.PersistOpen(pos, &store.Trade{OrderID: "o1", Type: "open", Price: 100, Quantity: 1, Timestamp: time.Now(), Status: "filled"},
		&OpenResult{StopLossOrderID: "sl", TakeProfitOrderID: "tp", StopPrice: 98, ExtremeTPPrice: 110})
	require.NoError(t, err)

	action, err := e.Evaluate(pos, testContract(), 99)
	require.NoError(t, err)
	assert.Equal(t, ActionEmergencyClose, action)
	assert.Equal(t, 1, fx.cancelled)

	remaining, err := s.Position().GetBySymbolSide("BTC", "long")
	require.NoError(t, err)
	assert.Nil(t, remaining)
}

func TestEvaluate_TimeCapClosesAfterHardLimit(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{}
	e := New(s, fx, nil, Config{HardTimeCap: time.Millisecond})

	pos := &store.Position{Symbol: "BTC", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now().Add(-time.Hour)}
	err := e.PersistOpen(pos, &store.Trade{OrderID: "o1", Type: "open", Price: 100, Quantity: 1, Timestamp: time.Now(), Status: "filled"},
		&OpenResult{StopLossOrderID: "sl", TakeProfitOrderID: "tp", StopPrice: 98, ExtremeTPPrice: 110})
	require.NoError(t, err)

	action, err := e.Evaluate(pos, testContract(), 101)
	require.NoError(t, err)
	assert.Equal(t, ActionTimeCapClose, action)
}

func TestEvaluate_NoActionWhenFlat(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{}
	e := New(s, fx, nil, Config{})

	pos := &store.Position{Symbol: "BTC", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()}
	err := e.PersistOpen(pos, &store.Trade{OrderID: "o1", Type: "open", Price: 100, Quantity: 1, Timestamp: time.Now(), Status: "filled"},
		&OpenResult{StopLossOrderID: "sl", TakeProfitOrderID: "tp", StopPrice: 98, ExtremeTPPrice: 110})
	require.NoError(t, err)

	action, err := e.Evaluate(pos, testContract(), 100.1)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)
}

func TestOnOpen_SetsStopDistanceOnResult(t *testing.T) {
	fx := &fakeExchange{}
	e := New(nil, fx, nil, Config{})

	result, err := e.OnOpen(testContract(), exchange.Long, 100, 1, 1.0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, result.StopDistance)
}

func TestEvaluate_RMultipleUsesPersistedStopDistanceNotConfigFloor(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{}
	// MinStopDistancePct floor is 0.5%, but this position's actual stop
	// distance (persisted at open) is 5% of entry -- 2R of PnL should read
	// as 2R, not 20R as it would if Evaluate fell back to the config floor.
	e := New(s, fx, nil, Config{PartialStages: []PartialStage{{RMultiple: 2, Fraction: 0.5}}})

	pos := &store.Position{Symbol: "BTC", Side: "long", Quantity: 1, Leverage: 1, EntryPrice: 100, OpenedAt: time.Now()}
	err := e.PersistOpen(pos, &store.Trade{OrderID: "o1", Type: "open", Price: 100, Quantity: 1, Timestamp: time.Now(), Status: "filled"},
		&OpenResult{StopLossOrderID: "sl", TakeProfitOrderID: "tp", StopPrice: 95, ExtremeTPPrice: 130, StopDistance: 5})
	require.NoError(t, err)
	assert.Equal(t, 5.0, pos.StopDistance)

	// 10% gain = 2R against a 5% stop distance; the partial stage at 2R fires.
	action, err := e.Evaluate(pos, testContract(), 110)
	require.NoError(t, err)
	assert.Equal(t, ActionPartialClose, action)
}

func TestPersistOpen_RecordsInconsistencyWhenTransactionFails(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{}
	e := New(s, fx, nil, Config{})

	existing := &store.Position{Symbol: "BTC", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()}
	require.NoError(t, s.Transaction(func(tx *sql.Tx) error {
		return s.Position().Create(tx, existing)
	}))

	pos := &store.Position{Symbol: "BTC", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()}
	trade := &store.Trade{OrderID: "open-2", Type: "open", Price: 100, Quantity: 1, Timestamp: time.Now(), Status: "filled"}
	open := &OpenResult{StopLossOrderID: "sl-2", TakeProfitOrderID: "tp-2", StopPrice: 98, ExtremeTPPrice: 110}

	err := e.PersistOpen(pos, trade, open)
	require.Error(t, err, "duplicate (symbol, side) should violate the positions UNIQUE constraint")

	rows, ierr := s.Inconsistent().Unresolved()
	require.NoError(t, ierr)
	require.Len(t, rows, 1)
	assert.Equal(t, "open", rows[0].Operation)
	assert.Equal(t, "sl-2", rows[0].ExchangeOrderID)
}

func TestFractionAtOrAbove_AccumulatesUpToThreshold(t *testing.T) {
	stages := []PartialStage{
		{RMultiple: 2, Fraction: 0.33},
		{RMultiple: 3, Fraction: 0.33},
		{RMultiple: 4, Fraction: 1.0},
	}
	f := fractionAtOrAbove(stages, 2.5)
	assert.InDelta(t, 0.33, f, 0.001)
}
