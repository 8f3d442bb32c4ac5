package binance

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentrypd/exchange"
)

func newMockAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a := New("test-key", "test-secret", true)
	a.client.BaseURL = server.URL
	a.client.HTTPClient = server.Client()
	return a, server
}

func TestAdapter_ContractType(t *testing.T) {
	a := New("k", "s", true)
	assert.Equal(t, "linear", string(a.ContractType()))
}

func TestAdapter_GetTicker(t *testing.T) {
	a, _ := newMockAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/ticker/price":
			json.NewEncoder(w).Encode([]map[string]string{{"symbol": "BTCUSDT", "price": "50000.00"}})
		case "/fapi/v1/premiumIndex":
			json.NewEncoder(w).Encode([]map[string]string{{"symbol": "BTCUSDT", "markPrice": "50010.00", "indexPrice": "50005.00"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ticker, err := a.GetTicker("BTC", true)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, ticker.Last)
	assert.Equal(t, 50010.0, ticker.MarkPrice)
}

func TestAdapter_CalculateQuantity(t *testing.T) {
	a := New("k", "s", true)
	contract := contractFixture()

	qty := a.CalculateQuantity(200, 50000, 10, contract)
	assert.InDelta(t, 0.04, qty, 0.0001)
}

func TestAdapter_CalculatePnL_Long(t *testing.T) {
	a := New("k", "s", true)
	pnl := a.CalculatePnL(50000, 51000, 0.04, "long", contractFixture())
	assert.InDelta(t, 40, pnl, 0.0001)
}

func TestAdapter_CalculatePnL_Short(t *testing.T) {
	a := New("k", "s", true)
	pnl := a.CalculatePnL(50000, 49000, 0.04, "short", contractFixture())
	assert.InDelta(t, 40, pnl, 0.0001)
}

func TestToBinanceSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", toBinanceSymbol("BTC"))
	assert.Equal(t, "BTCUSDT", toBinanceSymbol("BTCUSDT"))
}

func contractFixture() exchange.Contract {
	return exchange.Contract{
		Symbol:           "BTCUSDT",
		Type:             exchange.Linear,
		QuantoMultiplier: 1,
		OrderSizeMin:     0.001,
		OrderSizeMax:     1000,
		OrderPriceRound:  0.1,
	}
}
