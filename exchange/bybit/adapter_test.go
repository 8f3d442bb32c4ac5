package bybit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sentrypd/exchange"
)

func TestAdapter_ContractType(t *testing.T) {
	a := New("k", "s", true)
	assert.Equal(t, exchange.Inverse, a.ContractType())
}

func TestToBybitSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSD", toBybitSymbol("BTC"))
	assert.Equal(t, "BTCUSD", toBybitSymbol("BTCUSD"))
}

func TestAdapter_CalculateQuantity(t *testing.T) {
	a := New("k", "s", true)
	contract := exchange.Contract{
		Symbol:           "BTCUSD",
		Type:             exchange.Inverse,
		QuantoMultiplier: 1,
		OrderSizeMin:     1,
		OrderSizeMax:     1_000_000,
	}

	qty := a.CalculateQuantity(1000, 50000, 10, contract)
	assert.Equal(t, 0.0, qty-float64(int(qty)), "inverse quantity must be a whole contract count")
	assert.InDelta(t, 1, qty, 0.0001) // floor((1000*10)/(1*50000)) = 0, clamped up to OrderSizeMin = 1
}

func TestAdapter_CalculatePnL_Inverse(t *testing.T) {
	a := New("k", "s", true)
	contract := exchange.Contract{QuantoMultiplier: 1}

	long := a.CalculatePnL(50000, 51000, 100, exchange.Long, contract)
	assert.InDelta(t, 100000, long, 0.0001)

	short := a.CalculatePnL(50000, 49000, 100, exchange.Short, contract)
	assert.InDelta(t, 100000, short, 0.0001)
}

func TestFormatStep(t *testing.T) {
	assert.Equal(t, "10", formatStep(10.7, 1))
	assert.Equal(t, "10.5", formatStep(10.56, 0.5))
}
