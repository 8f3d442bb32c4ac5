// Package api implements the HTTP Read API: public read-only endpoints for
// the dashboard plus a small set of auth-gated admin endpoints used to
// operate the decision loop.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sentrypd/auth"
	"sentrypd/cache"
	"sentrypd/exchange"
	"sentrypd/health"
	"sentrypd/logger"
	"sentrypd/reconcile"
	"sentrypd/risk"
	"sentrypd/scheduler"
	"sentrypd/store"
)

// Server is the HTTP Read API server for one exchange adapter instance.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	port       int

	st         *store.Store
	ex         exchange.Exchange
	priceCache *cache.Cache
	riskEngine *risk.Engine
	sched      *scheduler.Scheduler
	reconciler *reconcile.Reconciler
	healthAgg  *health.Aggregator
	authMgr    *auth.Manager

	adminPasswordHash string
	adminOTPSecret    string
}

// NewServer constructs a Server wired to one exchange's components.
func NewServer(st *store.Store, ex exchange.Exchange, priceCache *cache.Cache, riskEngine *risk.Engine,
	sched *scheduler.Scheduler, reconciler *reconcile.Reconciler, healthAgg *health.Aggregator,
	authMgr *auth.Manager, adminPasswordHash, adminOTPSecret string, port int) *Server {

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:            router,
		port:              port,
		st:                st,
		ex:                ex,
		priceCache:        priceCache,
		riskEngine:        riskEngine,
		sched:             sched,
		reconciler:        reconciler,
		healthAgg:         healthAgg,
		authMgr:           authMgr,
		adminPasswordHash: adminPasswordHash,
		adminOTPSecret:    adminOTPSecret,
	}
	s.setupRoutes()
	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handlePositions)
		api.GET("/history", s.handleHistory)
		api.GET("/trades", s.handleTrades)
		api.GET("/completed-trades", s.handleCompletedTrades)
		api.GET("/logs", s.handleLogs)
		api.GET("/stats", s.handleStats)
		api.GET("/prices", s.handlePrices)
		api.GET("/price-orders", s.handlePriceOrders)
		api.GET("/health", s.handleHealth)

		api.POST("/login", s.handleLogin)

		admin := api.Group("/admin", s.authMiddleware())
		{
			admin.POST("/logout", s.handleLogout)
			admin.POST("/scheduler/start", s.handleSchedulerStart)
			admin.POST("/scheduler/stop", s.handleSchedulerStop)
			admin.PUT("/symbols", s.handleUpdateSymbols)
			admin.POST("/positions/close", s.handleManualClose)
			admin.POST("/positions/partial-close", s.handleManualPartialClose)
			admin.POST("/positions/trailing-stop", s.handleManualTrailingStop)
			admin.POST("/reconcile/run", s.handleReconcileRun)
		}
	}
}

// handleAccount implements GET /api/account per spec.md §6.
func (s *Server) handleAccount(c *gin.Context) {
	account, err := s.ex.GetAccount()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	initialBalance := account.Total
	returnPercent := 0.0
	if oldest, err := s.st.AccountHistory().Oldest(); err == nil && oldest != nil && oldest.TotalValue != 0 {
		initialBalance = oldest.TotalValue
		returnPercent = (account.Total - oldest.TotalValue) / oldest.TotalValue * 100
	}

	c.JSON(http.StatusOK, gin.H{
		"totalBalance":     account.Total,
		"availableBalance": account.Available,
		"positionMargin":   account.PositionMargin,
		"unrealisedPnl":    account.UnrealizedPnl,
		"returnPercent":    returnPercent,
		"initialBalance":   initialBalance,
		"timestamp":        time.Now(),
	})
}

// handlePositions implements GET /api/positions per spec.md §6.
func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.st.Position().GetAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

// handleHistory implements GET /api/history[?limit=N] per spec.md §6.
func (s *Server) handleHistory(c *gin.Context) {
	limit := queryInt(c, "limit", 200)
	snapshots, err := s.st.AccountHistory().Chronological(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshots)
}

// handleTrades implements GET /api/trades?limit&symbol? per spec.md §6.
func (s *Server) handleTrades(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	symbol := c.Query("symbol")
	trades, err := s.st.Trade().Recent(limit, symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// handleCompletedTrades implements GET /api/completed-trades?limit: the
// open/close join with holding time, total fee, and close reason.
func (s *Server) handleCompletedTrades(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	events, err := s.st.CloseEvent().Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(events))
	for _, e := range events {
		openTrade, err := s.st.Trade().LastOpenBefore(e.Symbol, e.Side, e.CreatedAt)
		holdingMinutes := 0.0
		if err == nil && openTrade != nil {
			holdingMinutes = e.CreatedAt.Sub(openTrade.Timestamp).Minutes()
		}
		out = append(out, gin.H{
			"symbol":         e.Symbol,
			"side":           e.Side,
			"entryPrice":     e.EntryPrice,
			"closePrice":     e.ClosePrice,
			"quantity":       e.Quantity,
			"leverage":       e.Leverage,
			"pnl":            e.PnL,
			"pnlPercent":     e.PnlPercent,
			"fee":            e.Fee,
			"closeReason":    e.CloseReason,
			"holdingMinutes": holdingMinutes,
			"closedAt":       e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": out})
}

// handleLogs implements GET /api/logs?limit: the decision log.
func (s *Server) handleLogs(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	decisions, err := s.st.Decision().Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

// handleStats implements GET /api/stats: totals, win rate, maxWin, maxLoss,
// totalPnl, derived from position_close_events.
func (s *Server) handleStats(c *gin.Context) {
	events, err := s.st.CloseEvent().Recent(100000)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var totalPnl, maxWin, maxLoss float64
	wins := 0
	for _, e := range events {
		totalPnl += e.PnL
		if e.PnL > maxWin {
			maxWin = e.PnL
		}
		if e.PnL < maxLoss {
			maxLoss = e.PnL
		}
		if e.PnL > 0 {
			wins++
		}
	}
	winRate := 0.0
	if len(events) > 0 {
		winRate = float64(wins) / float64(len(events)) * 100
	}

	c.JSON(http.StatusOK, gin.H{
		"totalTrades": len(events),
		"winRate":     winRate,
		"maxWin":      maxWin,
		"maxLoss":     maxLoss,
		"totalPnl":    totalPnl,
	})
}

// handlePrices implements GET /api/prices?symbols=CSV, 5-second
// server-side cache per spec.md §6 (layered over the Ticker TTL Cache).
func (s *Server) handlePrices(c *gin.Context) {
	symbolsParam := c.Query("symbols")
	if symbolsParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbols query parameter is required"})
		return
	}

	prices := make(map[string]float64)
	for _, symbol := range strings.Split(symbolsParam, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		if cached, ok := s.priceCache.Get(cache.CategoryTicker, symbol); ok && s.priceCache.Age(cache.CategoryTicker, symbol) <= 5*time.Second {
			if ticker, ok := cached.(*exchange.Ticker); ok {
				prices[symbol] = ticker.Last
				continue
			}
		}
		ticker, err := s.ex.GetTicker(symbol, false)
		if err != nil {
			logger.Warnf("api: failed to fetch price for %s: %v", symbol, err)
			continue
		}
		s.priceCache.Set(cache.CategoryTicker, symbol, ticker)
		prices[symbol] = ticker.Last
	}

	c.JSON(http.StatusOK, gin.H{"prices": prices})
}

// handlePriceOrders implements GET /api/price-orders: active triggers only.
func (s *Server) handlePriceOrders(c *gin.Context) {
	orders, err := s.st.PriceOrder().AllActive()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"priceOrders": orders})
}

// handleHealth implements GET /api/health per spec.md §6's shape, fused
// from the Health Aggregator's internal Report.
func (s *Server) handleHealth(c *gin.Context) {
	report := s.healthAgg.Check()

	// Cached-degraded (circuit open, IP banned, in backoff) still serves
	// reads from cache, so only unhealthy flips the top-level flag.
	healthy := report.Verdict != health.VerdictUnhealthy
	circuitBreaker := gin.H{"isOpen": false}
	for _, co := range report.Coordinators {
		if co.CircuitOpen || co.IPBanned || co.Backoff {
			reason := "backoff"
			if co.IPBanned {
				reason = "ip_banned"
			} else if co.CircuitOpen {
				reason = "circuit_open"
			}
			circuitBreaker = gin.H{
				"isOpen":           true,
				"reason":           reason,
				"remainingSeconds": co.RemainingSeconds,
			}
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"healthy":   healthy,
		"issues":    report.Reasons,
		"warnings":  []string{},
		"timestamp": report.Timestamp,
		"details": gin.H{
			"orphanOrders":       report.OrphanOrdersCancelled,
			"inconsistentStates": report.UnresolvedRows,
			"positionMismatches": gin.H{
				"onlyInExchange": orEmpty(report.PositionsOnlyInExchange),
				"onlyInDB":       orEmpty(report.PositionsOnlyInDB),
			},
		},
		"circuitBreaker": circuitBreaker,
	})
}

// orEmpty renders a nil slice as an empty JSON array instead of null, since
// "no mismatches" and "field not computed" are different states for a caller
// to tell apart.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// handleLogin authenticates the single operator with password + TOTP.
func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
		OTPCode  string `json:"otpCode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !auth.CheckPassword(req.Password, s.adminPasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if !auth.VerifyOTP(s.adminOTPSecret, req.OTPCode) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid OTP code"})
		return
	}

	token, expiresAt, err := s.authMgr.GenerateJWT("operator")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expiresAt})
}

func (s *Server) handleLogout(c *gin.Context) {
	tokenString := bearerToken(c)
	claims, err := s.authMgr.ValidateJWT(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	expiresAt := time.Now().Add(24 * time.Hour)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	s.authMgr.BlacklistToken(tokenString, expiresAt)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// authMiddleware gates admin-mutating endpoints behind a valid, unrevoked
// bearer token, per SPEC_FULL.md §4.10.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			c.Abort()
			return
		}
		if _, err := s.authMgr.ValidateJWT(tokenString); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token: " + err.Error()})
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// handleSchedulerStart starts the decision loop, admin-gated since it
// begins placing live orders.
func (s *Server) handleSchedulerStart(c *gin.Context) {
	s.sched.Start()
	c.JSON(http.StatusOK, gin.H{"message": "scheduler started"})
}

func (s *Server) handleSchedulerStop(c *gin.Context) {
	s.sched.Stop()
	c.JSON(http.StatusOK, gin.H{"message": "scheduler stopped"})
}

// handleUpdateSymbols edits the symbol set the scheduler operates on. Not
// in spec.md's endpoint table, but required to operate the system per
// SPEC_FULL.md §4.10.
func (s *Server) handleUpdateSymbols(c *gin.Context) {
	var req struct {
		Symbols []string `json:"symbols" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.sched.SetSymbols(req.Symbols)
	c.JSON(http.StatusOK, gin.H{"symbols": req.Symbols})
}

func (s *Server) handleManualClose(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
		Side   string `json:"side" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pos, contract, ticker, err := s.loadPositionAndTicker(req.Symbol, req.Side)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := s.riskEngine.ManualClose(pos, contract, ticker.Last); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("closed %s %s", req.Symbol, req.Side)})
}

func (s *Server) handleManualPartialClose(c *gin.Context) {
	var req struct {
		Symbol   string  `json:"symbol" binding:"required"`
		Side     string  `json:"side" binding:"required"`
		Fraction float64 `json:"fraction" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pos, contract, ticker, err := s.loadPositionAndTicker(req.Symbol, req.Side)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := s.riskEngine.ManualPartialClose(pos, contract, ticker.Last, req.Fraction); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("partially closed %s %s (%.0f%%)", req.Symbol, req.Side, req.Fraction*100)})
}

func (s *Server) handleManualTrailingStop(c *gin.Context) {
	var req struct {
		Symbol    string  `json:"symbol" binding:"required"`
		Side      string  `json:"side" binding:"required"`
		StopPrice float64 `json:"stopPrice" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pos, contract, _, err := s.loadPositionAndTicker(req.Symbol, req.Side)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := s.riskEngine.ManualUpdateStop(pos, contract, req.StopPrice); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("updated stop for %s %s", req.Symbol, req.Side)})
}

// handleReconcileRun triggers one synchronous reconciler pass, for an
// operator who wants to resolve a known split-state incident immediately
// rather than wait for the next scheduled pass.
func (s *Server) handleReconcileRun(c *gin.Context) {
	s.reconciler.Run()
	c.JSON(http.StatusOK, gin.H{"message": "reconcile pass complete"})
}

func (s *Server) loadPositionAndTicker(symbol, side string) (*store.Position, exchange.Contract, *exchange.Ticker, error) {
	pos, err := s.st.Position().GetBySymbolSide(symbol, side)
	if err != nil {
		return nil, exchange.Contract{}, nil, err
	}
	if pos == nil {
		return nil, exchange.Contract{}, nil, fmt.Errorf("no open position for %s %s", symbol, side)
	}
	contract, err := s.ex.Normalize(symbol)
	if err != nil {
		return nil, exchange.Contract{}, nil, err
	}
	ticker, err := s.ex.GetTicker(symbol, false)
	if err != nil {
		return nil, exchange.Contract{}, nil, err
	}
	return pos, contract, ticker, nil
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Start launches the HTTP server in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	logger.Infof("api: listening on :%d", s.port)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warnf("api: server error: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully drains in-flight requests before closing the listener.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
