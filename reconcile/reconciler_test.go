package reconcile

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
	contract        exchange.Contract
	positions       []exchange.ExchangePosition
	trades          []exchange.TradeRecord
	cancelCallCount int
}

func (f *fakeExchange) GetTicker(symbol string, includeMark bool) (*exchange.Ticker, error) {
	return &exchange.Ticker{Symbol: symbol, Last: 100}, nil
}
func (f *fakeExchange) GetCandles(symbol string, interval exchange.Interval, limit int) ([]exchange.Candle, error) {
	return nil, nil
}
func (f *fakeExchange) GetAccount() (*exchange.Account, error) { return &exchange.Account{Total: 1000}, nil }
func (f *fakeExchange) GetPositions() ([]exchange.ExchangePosition, error) {
	return f.positions, nil
}
func (f *fakeExchange) PlaceOrder(req exchange.OrderRequest) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{ID: "order-1", Status: "filled"}, nil
}
func (f *fakeExchange) PlaceTriggerOrder(req exchange.TriggerOrderRequest) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{ID: "trigger-1", Status: "new"}, nil
}
func (f *fakeExchange) CancelTriggerOrders(contract *exchange.Contract) error {
	f.cancelCallCount++
	return nil
}
func (f *fakeExchange) GetMyTrades(contract *exchange.Contract, limit int, startTime *time.Time) ([]exchange.TradeRecord, error) {
	return f.trades, nil
}
func (f *fakeExchange) SetLeverage(contract exchange.Contract, leverage int) error { return nil }
func (f *fakeExchange) ContractType() exchange.ContractType                       { return exchange.Linear }
func (f *fakeExchange) Normalize(symbol string) (exchange.Contract, error)        { return f.contract, nil }
func (f *fakeExchange) CalculateQuantity(usdt, price float64, leverage int, contract exchange.Contract) float64 {
	return usdt * float64(leverage) / price
}
func (f *fakeExchange) CalculatePnL(entry, exit, qty float64, side exchange.Side, contract exchange.Contract) float64 {
	if side == exchange.Short {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

type fakeNotifier struct {
	alerts []string
}

func (n *fakeNotifier) Notify(level, title, message string) {
	n.alerts = append(n.alerts, level+": "+title)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testContract() exchange.Contract {
	return exchange.Contract{Symbol: "BTCUSDT", Type: exchange.Linear, QuantoMultiplier: 1, OrderSizeMin: 0.001, OrderSizeMax: 1000}
}

func TestReconcileOne_SynthesizesCloseWhenPositionGoneWithMatchingFill(t *testing.T) {
	s := newTestStore(t)
	var posID int64
	err := s.Transaction(func(tx *sql.Tx) error {
		pos := &store.Position{Symbol: "BTCUSDT", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()}
		if err := s.Position().Create(tx, pos); err != nil {
			return err
		}
		posID = pos.ID
		return nil
	})
	require.NoError(t, err)

	fx := &fakeExchange{
		contract:  testContract(),
		positions: nil, // exchange shows the position gone
		trades: []exchange.TradeRecord{
			{OrderID: "fill-1", Symbol: "BTCUSDT", Side: exchange.Short, Price: 110, Quantity: 1, Fee: 0.1, Timestamp: time.Now()},
		},
	}
	notifier := &fakeNotifier{}
	r := New(s, fx, notifier, Config{})

	row := &store.InconsistentState{Operation: "close", Symbol: "BTCUSDT", Side: "long"}
	require.NoError(t, s.Inconsistent().Create(row))

	resolved, err := r.reconcileOne(row)
	require.NoError(t, err)
	assert.True(t, resolved)

	remaining, err := s.Position().GetBySymbolSide("BTCUSDT", "long")
	require.NoError(t, err)
	assert.Nil(t, remaining, "local position should be deleted once reconciled")

	_ = posID
}

func TestReconcileOne_LeavesRowUnresolvedWhenExchangeStillShowsPosition(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{
		contract: testContract(),
		positions: []exchange.ExchangePosition{
			{Symbol: "BTCUSDT", Side: exchange.Long, Quantity: 1},
		},
	}
	r := New(s, fx, nil, Config{})

	row := &store.InconsistentState{Operation: "close", Symbol: "BTCUSDT", Side: "long"}
	require.NoError(t, s.Inconsistent().Create(row))

	resolved, err := r.reconcileOne(row)
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestReconcileOne_LeavesRowUnresolvedWithoutMatchingFill(t *testing.T) {
	s := newTestStore(t)
	err := s.Transaction(func(tx *sql.Tx) error {
		pos := &store.Position{Symbol: "BTCUSDT", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()}
		return s.Position().Create(tx, pos)
	})
	require.NoError(t, err)

	fx := &fakeExchange{contract: testContract(), positions: nil, trades: nil}
	r := New(s, fx, nil, Config{})

	row := &store.InconsistentState{Operation: "close", Symbol: "BTCUSDT", Side: "long"}
	require.NoError(t, s.Inconsistent().Create(row))

	resolved, err := r.reconcileOne(row)
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestReconcileInconsistentStates_CriticalAlertOnBacklog(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{
		contract: testContract(),
		positions: []exchange.ExchangePosition{
			{Symbol: "BTCUSDT", Side: exchange.Long, Quantity: 1},
		},
	}
	notifier := &fakeNotifier{}
	r := New(s, fx, notifier, Config{CriticalFailureCount: 2})

	for i := 0; i < 2; i++ {
		row := &store.InconsistentState{Operation: "close", Symbol: "BTCUSDT", Side: "long"}
		require.NoError(t, s.Inconsistent().Create(row))
	}

	require.NoError(t, r.reconcileInconsistentStates())
	assert.Contains(t, notifier.alerts, "CRITICAL: reconcile backlog")
}

func TestReconcileInconsistentStates_WarnsAfterThresholdFailures(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{
		contract: testContract(),
		positions: []exchange.ExchangePosition{
			{Symbol: "BTCUSDT", Side: exchange.Long, Quantity: 1},
		},
	}
	notifier := &fakeNotifier{}
	r := New(s, fx, notifier, Config{WarnFailureCount: 3, CriticalFailureCount: 100})

	row := &store.InconsistentState{Operation: "close", Symbol: "BTCUSDT", Side: "long"}
	require.NoError(t, s.Inconsistent().Create(row))

	for i := 0; i < 3; i++ {
		require.NoError(t, r.reconcileInconsistentStates())
	}
	assert.Contains(t, notifier.alerts, "WARNING: reconcile stuck")
}

func TestSweepOrphanTriggers_CancelsTriggersWithNoLocalOrExchangePosition(t *testing.T) {
	s := newTestStore(t)
	err := s.Transaction(func(tx *sql.Tx) error {
		return s.PriceOrder().Insert(tx, &store.PriceOrder{
			OrderID:      "trig-1",
			Symbol:       "BTCUSDT",
			Side:         "long",
			Type:         store.TriggerStopLoss,
			TriggerPrice: 90,
			OrderPrice:   90,
			Quantity:     1,
			Status:       store.PriceOrderActive,
		})
	})
	require.NoError(t, err)

	fx := &fakeExchange{contract: testContract(), positions: nil}
	r := New(s, fx, nil, Config{})

	cancelled, err := r.sweepOrphanTriggers()
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 1, fx.cancelCallCount)

	active, err := s.PriceOrder().AllActive()
	require.NoError(t, err)
	assert.Empty(t, active, "orphan trigger should have been cancelled locally")
}

func TestSweepOrphanTriggers_SkipsTriggersBackedByLocalPosition(t *testing.T) {
	s := newTestStore(t)
	err := s.Transaction(func(tx *sql.Tx) error {
		if err := s.Position().Create(tx, &store.Position{Symbol: "BTCUSDT", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()}); err != nil {
			return err
		}
		return s.PriceOrder().Insert(tx, &store.PriceOrder{
			OrderID:      "trig-1",
			Symbol:       "BTCUSDT",
			Side:         "long",
			Type:         store.TriggerStopLoss,
			TriggerPrice: 90,
			OrderPrice:   90,
			Quantity:     1,
			Status:       store.PriceOrderActive,
		})
	})
	require.NoError(t, err)

	fx := &fakeExchange{contract: testContract(), positions: nil}
	r := New(s, fx, nil, Config{})

	cancelled, err := r.sweepOrphanTriggers()
	require.NoError(t, err)
	assert.Equal(t, 0, cancelled)
	assert.Equal(t, 0, fx.cancelCallCount)

	active, err := s.PriceOrder().AllActive()
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSynthesizeClose_UsesFillFeeWhenPresent(t *testing.T) {
	s := newTestStore(t)
	var posID int64
	err := s.Transaction(func(tx *sql.Tx) error {
		pos := &store.Position{Symbol: "BTCUSDT", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()}
		if err := s.Position().Create(tx, pos); err != nil {
			return err
		}
		posID = pos.ID
		return nil
	})
	require.NoError(t, err)
	pos, err := s.Position().GetBySymbolSide("BTCUSDT", "long")
	require.NoError(t, err)

	fx := &fakeExchange{contract: testContract()}
	r := New(s, fx, nil, Config{})

	fill := &exchange.TradeRecord{OrderID: "fill-1", Price: 110, Quantity: 1, Fee: 0.25, Timestamp: time.Now()}
	require.NoError(t, r.synthesizeClose(pos, testContract(), fill))

	trades, err := s.Trade().Recent(10, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 0.25, trades[0].Fee)
	_ = posID
}

func TestSynthesizeClose_FallsBackToConfiguredTakerRateWhenFillFeeIsZero(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Transaction(func(tx *sql.Tx) error {
		return s.Position().Create(tx, &store.Position{Symbol: "BTCUSDT", Side: "long", Quantity: 2, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()})
	}))
	pos, err := s.Position().GetBySymbolSide("BTCUSDT", "long")
	require.NoError(t, err)

	fx := &fakeExchange{contract: testContract()}
	r := New(s, fx, nil, Config{TakerFeeRate: 0.0004})

	fill := &exchange.TradeRecord{OrderID: "fill-1", Price: 100, Quantity: 2, Fee: 0, Timestamp: time.Now()}
	require.NoError(t, r.synthesizeClose(pos, testContract(), fill))

	trades, err := s.Trade().Recent(10, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 100*2*0.0004, trades[0].Fee, 0.0000001)
}

func TestSynthesizeClose_FallsBackToLegacyRateWhenNothingIsConfigured(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Transaction(func(tx *sql.Tx) error {
		return s.Position().Create(tx, &store.Position{Symbol: "BTCUSDT", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()})
	}))
	pos, err := s.Position().GetBySymbolSide("BTCUSDT", "long")
	require.NoError(t, err)

	fx := &fakeExchange{contract: testContract()}
	r := New(s, fx, nil, Config{})

	fill := &exchange.TradeRecord{OrderID: "fill-1", Price: 100, Quantity: 1, Fee: 0, Timestamp: time.Now()}
	require.NoError(t, r.synthesizeClose(pos, testContract(), fill))

	trades, err := s.Trade().Recent(10, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 100*1*legacyTakerFeeRate, trades[0].Fee, 0.0000001)
}

func TestRun_PopulatesStatsFromSweepAndMismatchPasses(t *testing.T) {
	s := newTestStore(t)
	err := s.Transaction(func(tx *sql.Tx) error {
		if err := s.Position().Create(tx, &store.Position{Symbol: "BTCUSDT", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()}); err != nil {
			return err
		}
		return s.PriceOrder().Insert(tx, &store.PriceOrder{
			OrderID: "trig-orphan", Symbol: "ETHUSDT", Side: "long", Type: store.TriggerStopLoss,
			TriggerPrice: 90, OrderPrice: 90, Quantity: 1, Status: store.PriceOrderActive,
		})
	})
	require.NoError(t, err)

	fx := &fakeExchange{
		contract: testContract(),
		positions: []exchange.ExchangePosition{
			{Symbol: "SOLUSDT", Side: exchange.Long, Quantity: 1},
		},
	}
	r := New(s, fx, nil, Config{})

	r.Run()

	stats := r.Stats()
	assert.Equal(t, 1, stats.OrphanOrdersCancelled)
	assert.Contains(t, stats.PositionsOnlyInExchange, "SOLUSDT_long")
	assert.Contains(t, stats.PositionsOnlyInDB, "BTCUSDT_long")
}
