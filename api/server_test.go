package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentrypd/auth"
	"sentrypd/cache"
	"sentrypd/coordinator"
	"sentrypd/exchange"
	"sentrypd/health"
	"sentrypd/reconcile"
	"sentrypd/risk"
	"sentrypd/scheduler"
	"sentrypd/store"
)

type fakeExchange struct {
	contract exchange.Contract
	ticker   *exchange.Ticker
	account  *exchange.Account
}

func (f *fakeExchange) GetTicker(symbol string, includeMark bool) (*exchange.Ticker, error) {
	return f.ticker, nil
}
func (f *fakeExchange) GetCandles(symbol string, interval exchange.Interval, limit int) ([]exchange.Candle, error) {
	return nil, nil
}
func (f *fakeExchange) GetAccount() (*exchange.Account, error) { return f.account, nil }
func (f *fakeExchange) GetPositions() ([]exchange.ExchangePosition, error) {
	return nil, nil
}
func (f *fakeExchange) PlaceOrder(req exchange.OrderRequest) (*exchange.OrderResult, error) {
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

type fakeLLM struct{}

func (f *fakeLLM) CallWithMessages(systemPrompt, userPrompt string) (string, error) {
	return "", nil
}

func newTestServer(t *testing.T) (*Server, *store.Store, *fakeExchange) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ex := &fakeExchange{
		contract: exchange.Contract{Symbol: "BTCUSDT", Type: exchange.Linear, QuantoMultiplier: 1, OrderSizeMin: 0.001, OrderSizeMax: 1000},
		ticker:   &exchange.Ticker{Symbol: "BTCUSDT", Last: 50000},
		account:  &exchange.Account{Total: 10000, Available: 9000, PositionMargin: 1000, UnrealizedPnl: 50},
	}

	priceCache := cache.New(nil)
	riskEngine := risk.New(st, ex, nil, risk.Config{})
	sched := scheduler.New(st, ex, riskEngine, &fakeLLM{}, scheduler.Config{Symbols: []string{"BTCUSDT"}})
	reconciler := reconcile.New(st, ex, nil, reconcile.Config{})
	co := coordinator.New("test-exchange", coordinator.Config{})
	healthAgg := health.New(st, reconciler, co)
	authMgr := auth.New("test-jwt-secret", time.Hour)

	passwordHash, err := auth.HashPassword("operator-password")
	require.NoError(t, err)
	otpSecret, err := auth.GenerateOTPSecret("sentrypd", "operator")
	require.NoError(t, err)

	srv := NewServer(st, ex, priceCache, riskEngine, sched, reconciler, healthAgg, authMgr, passwordHash, otpSecret, 0)
	return srv, st, ex
}

func doRequest(srv *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleAccount_ReturnsExchangeSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/account", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 10000.0, body["totalBalance"])
	assert.Equal(t, 9000.0, body["availableBalance"])
}

func TestHandlePositions_EmptyStoreReturnsEmptyList(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/positions", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0.0, body["count"])
}

func TestHandlePrices_RequiresSymbolsParam(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/prices", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePrices_ReturnsLastPriceAndCachesIt(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/prices?symbols=BTCUSDT", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 50000.0, body["prices"]["BTCUSDT"])

	cached, ok := srv.priceCache.Get(cache.CategoryTicker, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50000.0, cached.(*exchange.Ticker).Last)
}

func TestHandleHealth_ReportsHealthyWithNoIssues(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])
}

func TestAdminEndpoints_RejectMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/admin/scheduler/start", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_WrongPasswordRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)

	payload, _ := json.Marshal(map[string]string{"password": "wrong", "otpCode": "000000"})
	rec := doRequest(srv, http.MethodPost, "/api/login", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_ThenAdminEndpointSucceedsWithToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	code, err := totpCodeForTest(srv)
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{"password": "operator-password", "otpCode": code})
	loginRec := doRequest(srv, http.MethodPost, "/api/login", payload, nil)
	require.Equal(t, http.StatusOK, loginRec.Code)

	var loginBody map[string]string
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &loginBody))
	token := loginBody["token"]
	require.NotEmpty(t, token)

	rec := doRequest(srv, http.MethodPut, "/api/admin/symbols", mustJSON(t, map[string][]string{"symbols": {"ETHUSDT"}}),
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ETHUSDT"}, srv.sched.Symbols())
}

func TestLogout_BlacklistsTokenForFutureRequests(t *testing.T) {
	srv, _, _ := newTestServer(t)

	code, err := totpCodeForTest(srv)
	require.NoError(t, err)
	payload, _ := json.Marshal(map[string]string{"password": "operator-password", "otpCode": code})
	loginRec := doRequest(srv, http.MethodPost, "/api/login", payload, nil)
	var loginBody map[string]string
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &loginBody))
	token := loginBody["token"]

	logoutRec := doRequest(srv, http.MethodPost, "/api/admin/logout", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, logoutRec.Code)

	rec := doRequest(srv, http.MethodPost, "/api/admin/scheduler/start", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func totpCodeForTest(srv *Server) (string, error) {
	return totp.GenerateCode(srv.adminOTPSecret, time.Now())
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
