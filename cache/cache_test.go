package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet_RoundTrips(t *testing.T) {
	c := New(nil)
	c.Set(CategoryTicker, "BTC", 50000.0)

	v, ok := c.Get(CategoryTicker, "BTC")
	require.True(t, ok)
	assert.Equal(t, 50000.0, v)
}

func TestGet_ExpiresAfterTTL(t *testing.T) {
	c := New(map[Category]time.Duration{CategoryTicker: 10 * time.Millisecond})
	c.Set(CategoryTicker, "BTC", 50000.0)

	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get(CategoryTicker, "BTC")
	assert.False(t, ok)
}

func TestContractMetadata_NeverExpires(t *testing.T) {
	c := New(nil)
	c.Set(CategoryContract, "BTC", "contract-meta")

	time.Sleep(5 * time.Millisecond)
	v, ok := c.Get(CategoryContract, "BTC")
	require.True(t, ok)
	assert.Equal(t, "contract-meta", v)
}

func TestGetDegraded_ServesStaleValueAndMarksDegraded(t *testing.T) {
	c := New(map[Category]time.Duration{CategoryTicker: 10 * time.Millisecond})
	c.Set(CategoryTicker, "BTC", 50000.0)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get(CategoryTicker, "BTC")
	require.False(t, ok, "a plain Get must still honor TTL")

	v, ok := c.GetDegraded(CategoryTicker, "BTC")
	require.True(t, ok)
	assert.Equal(t, 50000.0, v)
	assert.True(t, c.IsDegraded(CategoryTicker, "BTC"))
}

func TestGetDegraded_MissingKey(t *testing.T) {
	c := New(nil)
	_, ok := c.GetDegraded(CategoryAccount, "missing")
	assert.False(t, ok)
}
