package health

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentrypd/coordinator"
	"sentrypd/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheck_HealthyWhenNothingIsWrong(t *testing.T) {
	s := newTestStore(t)
	c := coordinator.New("binance-linear", coordinator.Config{})
	a := New(s, nil, c)

	report := a.Check()
	assert.Equal(t, VerdictHealthy, report.Verdict)
	assert.Empty(t, report.Reasons)
	assert.Len(t, report.Coordinators, 1)
}

func TestCheck_CachedDegradedDuringBackoff(t *testing.T) {
	s := newTestStore(t)
	c := coordinator.New("binance-linear", coordinator.Config{})
	c.Handle429()
	a := New(s, nil, c)

	report := a.Check()
	assert.Equal(t, VerdictCachedDegraded, report.Verdict)
	assert.NotEmpty(t, report.Reasons)
}

// A tripped circuit breaker or IP ban still serves reads from cache, so it
// degrades the verdict rather than marking the system unhealthy.
func TestCheck_CachedDegradedOnCircuitOpen(t *testing.T) {
	s := newTestStore(t)
	c := coordinator.New("binance-linear", coordinator.Config{CircuitThreshold: 1})
	c.RecordFailure()
	a := New(s, nil, c)

	report := a.Check()
	assert.Equal(t, VerdictCachedDegraded, report.Verdict)
}

func TestCheck_DegradedWhenReconcileBacklogExists(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Inconsistent().Create(&store.InconsistentState{Operation: "close", Symbol: "BTCUSDT", Side: "long"}))
	a := New(s, nil)

	report := a.Check()
	assert.Equal(t, VerdictCachedDegraded, report.Verdict)
	assert.Equal(t, 1, report.UnresolvedRows)
}

func TestCheck_ReportsOpenPositionsAndTriggers(t *testing.T) {
	s := newTestStore(t)
	err := s.Transaction(func(tx *sql.Tx) error {
		if err := s.Position().Create(tx, &store.Position{Symbol: "BTCUSDT", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()}); err != nil {
			return err
		}
		return s.PriceOrder().Insert(tx, &store.PriceOrder{
			OrderID: "trig-1", Symbol: "BTCUSDT", Side: "long", Type: store.TriggerStopLoss,
			TriggerPrice: 90, OrderPrice: 90, Quantity: 1, Status: store.PriceOrderActive,
		})
	})
	require.NoError(t, err)

	a := New(s, nil)
	report := a.Check()
	assert.Equal(t, 1, report.OpenPositions)
	assert.Equal(t, 1, report.ActiveTriggers)
}
