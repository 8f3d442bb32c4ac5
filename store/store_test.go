package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPositionStore_UniquePerSymbolSide(t *testing.T) {
	s := newTestStore(t)

	pos := &Position{Symbol: "BTC", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 100, OpenedAt: time.Now()}
	err := s.Transaction(func(tx *sql.Tx) error {
		return s.Position().Create(tx, pos)
	})
	require.NoError(t, err)
	assert.NotZero(t, pos.ID)

	got, err := s.Position().GetBySymbolSide("BTC", "long")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 100.0, got.EntryPrice)

	dup := &Position{Symbol: "BTC", Side: "long", Quantity: 1, Leverage: 5, EntryPrice: 101, OpenedAt: time.Now()}
	err = s.Transaction(func(tx *sql.Tx) error {
		return s.Position().Create(tx, dup)
	})
	assert.Error(t, err, "duplicate (symbol, side) must violate the UNIQUE constraint")
}

func TestAccountHistoryStore_AppendOnly(t *testing.T) {
	s := newTestStore(t)

	first := &AccountHistorySnapshot{TotalValue: 1000, UnrealizedPnl: 0, ReturnPercent: 0}
	require.NoError(t, s.AccountHistory().Append(first))

	time.Sleep(2 * time.Millisecond)
	second := &AccountHistorySnapshot{TotalValue: 1010, UnrealizedPnl: 10, ReturnPercent: 1}
	require.NoError(t, s.AccountHistory().Append(second))

	oldest, err := s.AccountHistory().Oldest()
	require.NoError(t, err)
	assert.Equal(t, first.ID, oldest.ID)

	all, err := s.AccountHistory().Chronological(10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Timestamp.Before(all[1].Timestamp) || all[0].Timestamp.Equal(all[1].Timestamp))
}

func TestInconsistentStore_UnresolvedOrderedByCreatedAt(t *testing.T) {
	s := newTestStore(t)

	first := &InconsistentState{Operation: "close", Symbol: "ETH", Side: "short", ExchangeOrderID: "1"}
	require.NoError(t, s.Inconsistent().Create(first))
	time.Sleep(2 * time.Millisecond)
	second := &InconsistentState{Operation: "close", Symbol: "SOL", Side: "long", ExchangeOrderID: "2"}
	require.NoError(t, s.Inconsistent().Create(second))

	rows, err := s.Inconsistent().Unresolved()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, first.ID, rows[0].ID)
	assert.Equal(t, second.ID, rows[1].ID)

	err = s.Transaction(func(tx *sql.Tx) error {
		return s.Inconsistent().MarkResolved(tx, first.ID, "auto")
	})
	require.NoError(t, err)

	rows, err = s.Inconsistent().Unresolved()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, second.ID, rows[0].ID)
}
