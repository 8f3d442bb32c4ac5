// Package scheduler implements the Decision Loop Scheduler: a single-writer
// periodic task that snapshots account/position state, invokes the LLM
// collaborator, and dispatches its tool calls through the policy gate.
package scheduler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"sentrypd/exchange"
	"sentrypd/llm"
	"sentrypd/logger"
	"sentrypd/risk"
	"sentrypd/store"
)

var reJSONFence = regexp.MustCompile(`(?s)` + "```json\\s*(\\{.*\\})\\s*```")

// Config tunes the scheduler's cadence and policy.
type Config struct {
	Interval       time.Duration
	Symbols        []string
	OpenScoreFloor float64
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 15 * time.Minute
	}
	if c.OpenScoreFloor == 0 {
		c.OpenScoreFloor = 60
	}
	return c
}

// Scheduler runs the decision loop against one exchange adapter.
type Scheduler struct {
	st         *store.Store
	ex         exchange.Exchange
	riskEngine *risk.Engine
	llmClient  llm.Client
	cfg        Config

	ticking   int32 // atomic: 1 while a tick is in flight, single-writer guard
	iteration int

	symbolsMu sync.RWMutex // guards cfg.Symbols against concurrent admin edits

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler for one exchange adapter.
func New(st *store.Store, ex exchange.Exchange, riskEngine *risk.Engine, llmClient llm.Client, cfg Config) *Scheduler {
	return &Scheduler{
		st:         st,
		ex:         ex,
		riskEngine: riskEngine,
		llmClient:  llmClient,
		cfg:        cfg.withDefaults(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the periodic tick loop.
func (s *Scheduler) Start() {
	go s.run()
	logger.Infof("scheduler: started, interval=%s, symbols=%v", s.cfg.Interval, s.Symbols())
}

// Stop halts the tick loop and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	logger.Infof("scheduler: stopped")
}

// Symbols returns the symbol set the decision loop currently operates on.
func (s *Scheduler) Symbols() []string {
	s.symbolsMu.RLock()
	defer s.symbolsMu.RUnlock()
	out := make([]string, len(s.cfg.Symbols))
	copy(out, s.cfg.Symbols)
	return out
}

// SetSymbols replaces the symbol set the decision loop operates on, taking
// effect from the next tick onward.
func (s *Scheduler) SetSymbols(symbols []string) {
	s.symbolsMu.Lock()
	defer s.symbolsMu.Unlock()
	s.cfg.Symbols = symbols
	logger.Infof("scheduler: symbol set updated to %v", symbols)
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.maybeTick()
		}
	}
}

// maybeTick drops an overlapping tick with a warning, per spec.md §4.5's
// "only one decision loop may be in flight at a time" rule.
func (s *Scheduler) maybeTick() {
	if !atomic.CompareAndSwapInt32(&s.ticking, 0, 1) {
		logger.Warnf("scheduler: tick dropped, previous tick still in flight")
		return
	}
	defer atomic.StoreInt32(&s.ticking, 0)

	if err := s.tick(); err != nil {
		logger.Warnf("scheduler: tick failed: %v", err)
	}
}

// tick runs one full decision loop iteration per spec.md §4.5 steps 1-7.
func (s *Scheduler) tick() error {
	s.iteration++

	account, err := s.ex.GetAccount()
	if err != nil {
		return fmt.Errorf("snapshot account: %w", err)
	}
	positions, err := s.st.Position().GetAll()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	s.evaluatePositions(positions)

	// Evaluate may have closed or resized positions; reload before building
	// the LLM context so the collaborator sees post-evaluation state.
	positions, err = s.st.Position().GetAll()
	if err != nil {
		return fmt.Errorf("reload positions after evaluation: %w", err)
	}

	ctx, err := s.buildContext(account, positions)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	if err := s.st.AccountHistory().Append(&store.AccountHistorySnapshot{
		TotalValue:    account.Total,
		UnrealizedPnl: account.UnrealizedPnl,
		ReturnPercent: returnPercent(s.st, account.Total),
	}); err != nil {
		logger.Warnf("scheduler: failed to append account history snapshot: %v", err)
	}

	systemPrompt := buildSystemPrompt()
	userPrompt, err := buildUserPrompt(ctx)
	if err != nil {
		return fmt.Errorf("build user prompt: %w", err)
	}

	aiResponse, err := s.llmClient.CallWithMessages(systemPrompt, userPrompt)
	if err != nil {
		return fmt.Errorf("call LLM collaborator: %w", err)
	}

	response, err := parseResponse(aiResponse)
	if err != nil {
		return fmt.Errorf("parse LLM response: %w", err)
	}

	dispatcher := NewDispatcher(s.st, s.ex, s.riskEngine, s.cfg.OpenScoreFloor)
	if err := dispatcher.Execute(response.ToolCalls); err != nil {
		return fmt.Errorf("execute tool calls: %w", err)
	}

	if err := s.st.Decision().Append(&store.AgentDecision{
		Iteration:      s.iteration,
		Decision:       response.Reasoning,
		ActionsTaken:   dispatcher.ActionsTaken(),
		AccountValue:   account.Total,
		PositionsCount: len(positions),
	}); err != nil {
		logger.Warnf("scheduler: failed to append agent decision: %v", err)
	}

	return nil
}

// evaluatePositions runs the risk engine's during-life state machine against
// every open position once per tick, per spec.md §4.4/§4.5. Failures are
// logged and skipped rather than aborting the tick, since one bad ticker
// fetch should not block lifecycle management of the other positions.
func (s *Scheduler) evaluatePositions(positions []*store.Position) {
	for _, pos := range positions {
		contract, err := s.ex.Normalize(pos.Symbol)
		if err != nil {
			logger.Warnf("scheduler: failed to normalize %s for risk evaluation: %v", pos.Symbol, err)
			continue
		}
		ticker, err := s.ex.GetTicker(pos.Symbol, false)
		if err != nil {
			logger.Warnf("scheduler: failed to fetch ticker for risk evaluation of %s: %v", pos.Symbol, err)
			continue
		}
		action, err := s.riskEngine.Evaluate(pos, contract, ticker.Last)
		if err != nil {
			logger.Warnf("scheduler: risk evaluation failed for %s %s: %v", pos.Symbol, pos.Side, err)
			continue
		}
		if action != risk.ActionNone {
			logger.Infof("scheduler: risk evaluation for %s %s took action %s", pos.Symbol, pos.Side, action)
		}
	}
}

func returnPercent(st *store.Store, currentTotal float64) float64 {
	oldest, err := st.AccountHistory().Oldest()
	if err != nil || oldest == nil || oldest.TotalValue == 0 {
		return 0
	}
	return (currentTotal - oldest.TotalValue) / oldest.TotalValue * 100
}

// buildContext assembles the compact per-tick context: per-position PnL,
// holding time, and reversal-monitor flags, plus a fresh candidate read for
// every configured symbol.
func (s *Scheduler) buildContext(account *exchange.Account, positions []*store.Position) (*Context, error) {
	ctx := &Context{
		Timestamp:      time.Now(),
		AccountTotal:   account.Total,
		AccountPnl:     account.UnrealizedPnl,
		OpenScoreFloor: s.cfg.OpenScoreFloor,
	}

	for _, pos := range positions {
		ticker, err := s.ex.GetTicker(pos.Symbol, false)
		if err != nil {
			logger.Warnf("scheduler: failed to fetch ticker for position %s: %v", pos.Symbol, err)
			continue
		}
		ctx.Positions = append(ctx.Positions, buildPositionSnapshot(pos, ticker.Last))
	}

	for _, symbol := range s.Symbols() {
		if _, err := s.ex.GetCandles(symbol, exchange.Interval5m, 1); err != nil {
			logger.Warnf("scheduler: failed to refresh candles for %s: %v", symbol, err)
		}
		ticker, err := s.ex.GetTicker(symbol, true)
		if err != nil {
			logger.Warnf("scheduler: failed to fetch ticker for candidate %s: %v", symbol, err)
			continue
		}
		ctx.Candidates = append(ctx.Candidates, CandidateSnapshot{Symbol: symbol, LastPrice: ticker.Last, MarkPrice: ticker.MarkPrice})
	}

	return ctx, nil
}

func buildSystemPrompt() string {
	return "You are the trading collaborator for an autonomous perpetual-futures control plane. " +
		"Respond with a JSON object {\"reasoning\": string, \"toolCalls\": [...]} using only the tool " +
		"names analyzeOpeningOpportunities, openPosition, closePosition, checkPartialTakeProfitOpportunity, " +
		"executePartialTakeProfit, updateTrailingStop. An openPosition call is refused unless preceded in " +
		"the same response by an analyzeOpeningOpportunities call for the same symbol scoring at or above " +
		"the provided openScoreFloor."
}

func buildUserPrompt(ctx *Context) (string, error) {
	payload, err := json.Marshal(ctx)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// parseResponse extracts the tool-call JSON object from the LLM's raw text,
// tolerating a ```json fenced block around it.
func parseResponse(raw string) (*Response, error) {
	body := raw
	if m := reJSONFence.FindStringSubmatch(raw); len(m) == 2 {
		body = m[1]
	}

	var response Response
	if err := json.Unmarshal([]byte(body), &response); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &response, nil
}
