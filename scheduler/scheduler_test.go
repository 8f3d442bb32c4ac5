package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentrypd/exchange"
	"sentrypd/risk"
	"sentrypd/store"
)

type fakeExchange struct {
	contract exchange.Contract
	ticker   *exchange.Ticker
	account  *exchange.Account
	orders   []exchange.OrderRequest
}

func (f *fakeExchange) GetTicker(symbol string, includeMark bool) (*exchange.Ticker, error) {
	return f.ticker, nil
}
func (f *fakeExchange) GetCandles(symbol string, interval exchange.Interval, limit int) ([]exchange.Candle, error) {
	return []exchange.Candle{{Open: 100, High: 101, Low: 99, Close: 100}, {Open: 100, High: 101, Low: 99, Close: 101}}, nil
}
func (f *fakeExchange) GetAccount() (*exchange.Account, error) { return f.account, nil }
func (f *fakeExchange) GetPositions() ([]exchange.ExchangePosition, error) {
	return nil, nil
}
func (f *fakeExchange) PlaceOrder(req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.orders = append(f.orders, req)
	return &exchange.OrderResult{ID: "order-1", Status: "filled"}, nil
}
func (f *fakeExchange) PlaceTriggerOrder(req exchange.TriggerOrderRequest) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{ID: "trigger-1", Status: "new"}, nil
}
func (f *fakeExchange) CancelTriggerOrders(contract *exchange.Contract) error { return nil }
func (f *fakeExchange) GetMyTrades(contract *exchange.Contract, limit int, startTime *time.Time) ([]exchange.TradeRecord, error) {
	return nil, nil
}
func (f *fakeExchange) SetLeverage(contract exchange.Contract, leverage int) error { return nil }
func (f *fakeExchange) ContractType() exchange.ContractType                        { return exchange.Linear }
func (f *fakeExchange) Normalize(symbol string) (exchange.Contract, error)         { return f.contract, nil }
func (f *fakeExchange) CalculateQuantity(usdt, price float64, leverage int, contract exchange.Contract) float64 {
	return usdt * float64(leverage) / price
}
func (f *fakeExchange) CalculatePnL(entry, exit, qty float64, side exchange.Side, contract exchange.Contract) float64 {
	return (exit - entry) * qty
}

type fakeLLM struct {
	response string
}

func (f *fakeLLM) CallWithMessages(systemPrompt, userPrompt string) (string, error) {
	return f.response, nil
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

func TestParseResponse_ExtractsFencedJSON(t *testing.T) {
	raw := "Some preamble.\n```json\n{\"reasoning\":\"ok\",\"toolCalls\":[]}\n```\nTrailer."
	resp, err := parseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Reasoning)
	assert.Empty(t, resp.ToolCalls)
}

func TestParseResponse_ParsesBareJSON(t *testing.T) {
	resp, err := parseResponse(`{"reasoning":"bare","toolCalls":[]}`)
	require.NoError(t, err)
	assert.Equal(t, "bare", resp.Reasoning)
}

func TestTick_OpenPositionRefusedWithoutAnalysis(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{
		contract: testContract(),
		ticker:   &exchange.Ticker{Symbol: "BTC", Last: 100, MarkPrice: 100},
		account:  &exchange.Account{Total: 1000},
	}
	re := risk.New(s, fx, nil, risk.Config{})

	calls := []ToolCall{
		{Name: ToolOpenPosition, Symbol: "BTC", Args: mustJSON(t, OpenPositionArgs{Symbol: "BTC", Side: "long", Leverage: 5, PositionSizeUSD: 100})},
	}
	d := NewDispatcher(s, fx, re, 60)
	d.Execute(calls)

	pos, err := s.Position().GetBySymbolSide("BTC", "long")
	require.NoError(t, err)
	assert.Nil(t, pos, "openPosition must be refused without a qualifying analyzeOpeningOpportunities")
	assert.Contains(t, d.ActionsTaken(), "REFUSED")
}

func TestTick_OpenPositionSucceedsAfterQualifyingAnalysis(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{
		contract: testContract(),
		ticker:   &exchange.Ticker{Symbol: "BTC", Last: 100, MarkPrice: 100},
		account:  &exchange.Account{Total: 1000},
	}
	re := risk.New(s, fx, nil, risk.Config{})

	calls := []ToolCall{
		{Name: ToolAnalyzeOpeningOpportunities, Symbol: "BTC", Args: mustJSON(t, AnalyzeOpeningResult{Symbol: "BTC", Score: 80})},
		{Name: ToolOpenPosition, Symbol: "BTC", Args: mustJSON(t, OpenPositionArgs{Symbol: "BTC", Side: "long", Leverage: 5, PositionSizeUSD: 100})},
	}
	d := NewDispatcher(s, fx, re, 60)
	d.Execute(calls)

	pos, err := s.Position().GetBySymbolSide("BTC", "long")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 5, pos.Leverage)
}

func TestScheduler_FullTickExecutesOpenPosition(t *testing.T) {
	s := newTestStore(t)
	fx := &fakeExchange{
		contract: testContract(),
		ticker:   &exchange.Ticker{Symbol: "BTC", Last: 100, MarkPrice: 100},
		account:  &exchange.Account{Total: 1000},
	}
	re := risk.New(s, fx, nil, risk.Config{})

	responsePayload, _ := json.Marshal(Response{
		Reasoning: "opening BTC long",
		ToolCalls: []ToolCall{
			{Name: ToolAnalyzeOpeningOpportunities, Symbol: "BTC", Args: mustJSON(t, AnalyzeOpeningResult{Symbol: "BTC", Score: 90})},
			{Name: ToolOpenPosition, Symbol: "BTC", Args: mustJSON(t, OpenPositionArgs{Symbol: "BTC", Side: "long", Leverage: 3, PositionSizeUSD: 50})},
		},
	})
	llmClient := &fakeLLM{response: string(responsePayload)}

	sched := New(s, fx, re, llmClient, Config{Symbols: []string{"BTC"}})
	err := sched.tick()
	require.NoError(t, err)

	pos, err := s.Position().GetBySymbolSide("BTC", "long")
	require.NoError(t, err)
	require.NotNil(t, pos)

	decisions, err := s.Decision().Recent(10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "opening BTC long", decisions[0].Decision)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
