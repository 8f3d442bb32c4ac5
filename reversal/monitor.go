// Package reversal implements the Reversal Monitor: a periodic task that
// scores each open position's recent price action, momentum, and volume for
// signs of trend reversal, independently of the decision loop.
package reversal

import (
	"math"
	"sync"
	"time"

	"sentrypd/exchange"
	"sentrypd/logger"
	"sentrypd/risk"
	"sentrypd/store"
)

// Config tunes the monitor's interval and scoring weights.
type Config struct {
	Interval            time.Duration
	EmergencyScoreFloor float64
	RSIPeriod           int
	VolatilityPeriod    int
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 3 * time.Minute
	}
	if c.EmergencyScoreFloor == 0 {
		c.EmergencyScoreFloor = 70
	}
	if c.RSIPeriod == 0 {
		c.RSIPeriod = 14
	}
	if c.VolatilityPeriod == 0 {
		c.VolatilityPeriod = 20
	}
	return c
}

// Closer is the subset of risk.Engine the monitor needs, kept narrow to
// avoid depending on the whole engine. Evaluate lets the monitor route its
// warning/reversal flags through the same during-life state machine the
// scheduler uses instead of only ever short-circuiting straight to
// EmergencyClose.
type Closer interface {
	Evaluate(pos *store.Position, contract exchange.Contract, markPrice float64) (risk.Action, error)
	EmergencyClose(pos *store.Position, contract exchange.Contract, markPrice float64) error
}

// Monitor runs the reversal-scoring tick against every open position for one
// exchange adapter.
type Monitor struct {
	st     *store.Store
	ex     exchange.Exchange
	closer Closer
	cfg    Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Monitor bound to one exchange adapter's positions.
func New(st *store.Store, ex exchange.Exchange, closer Closer, cfg Config) *Monitor {
	return &Monitor{st: st, ex: ex, closer: closer, cfg: cfg.withDefaults(), stopCh: make(chan struct{})}
}

// Start launches the periodic scan loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	logger.Infof("reversal monitor: started, interval=%s", m.cfg.Interval)
}

// Stop halts the scan loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	logger.Infof("reversal monitor: stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

// scan evaluates every open Position, writing its warning/reversal flags and
// firing an emergency close when the reversal score crosses the floor.
func (m *Monitor) scan() {
	positions, err := m.st.Position().GetAll()
	if err != nil {
		logger.Warnf("reversal monitor: failed to load positions: %v", err)
		return
	}

	for _, pos := range positions {
		if err := m.scanOne(pos); err != nil {
			logger.Warnf("reversal monitor: %s %s: %v", pos.Symbol, pos.Side, err)
		}
	}
}

func (m *Monitor) scanOne(pos *store.Position) error {
	contract, err := m.ex.Normalize(pos.Symbol)
	if err != nil {
		return err
	}

	candles, err := m.ex.GetCandles(pos.Symbol, exchange.Interval5m, 60)
	if err != nil {
		return err
	}
	if len(candles) < m.cfg.RSIPeriod+1 {
		return nil
	}

	score, warning := m.score(candles, pos)
	if err := m.st.Position().UpdateWarnings(pos.ID, score, warning); err != nil {
		return err
	}
	pos.WarningScore = score
	pos.ReversalWarning = warning

	ticker, err := m.ex.GetTicker(pos.Symbol, false)
	if err != nil {
		return err
	}

	action, err := m.closer.Evaluate(pos, contract, ticker.Last)
	if err != nil {
		return err
	}
	if action != risk.ActionNone {
		logger.Infof("reversal monitor: risk evaluation for %s %s took action %s, score=%.1f", pos.Symbol, pos.Side, action, score)
		return nil
	}

	if score >= m.cfg.EmergencyScoreFloor {
		logger.Warnf("reversal monitor: emergency close for %s %s, score=%.1f", pos.Symbol, pos.Side, score)
		return m.closer.EmergencyClose(pos, contract, ticker.Last)
	}
	return nil
}

// score computes a 0-100 reversal score from RSI divergence against the
// position's direction, volume expansion, and short-horizon volatility.
// A long position scores high when momentum has flipped bearish (RSI low,
// recent price decline) on elevated volume; symmetric for short.
func (m *Monitor) score(candles []exchange.Candle, pos *store.Position) (score float64, warning bool) {
	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	rsi := calculateRSI(closes, m.cfg.RSIPeriod)
	volatility := calculateVolatility(closes, m.cfg.VolatilityPeriod)
	volumeRatio := volumeRatio5(volumes)
	priceChange := 0.0
	if len(closes) >= 2 {
		priceChange = (closes[len(closes)-1] - closes[len(closes)-2]) / closes[len(closes)-2]
	}

	var momentumScore float64
	if pos.Side == "long" {
		momentumScore = clamp((50-rsi)*2, 0, 100)
		if priceChange < 0 {
			momentumScore += clamp(-priceChange*1000, 0, 30)
		}
	} else {
		momentumScore = clamp((rsi-50)*2, 0, 100)
		if priceChange > 0 {
			momentumScore += clamp(priceChange*1000, 0, 30)
		}
	}

	volumeScore := clamp((volumeRatio-1)*25, 0, 25)
	volatilityScore := clamp(volatility*500, 0, 15)

	score = clamp(momentumScore*0.6+volumeScore+volatilityScore, 0, 100)
	warning = score >= m.cfg.EmergencyScoreFloor*0.6
	return score, warning
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func volumeRatio5(volumes []float64) float64 {
	if len(volumes) < 6 {
		return 1
	}
	current := volumes[len(volumes)-1]
	avg := average(volumes[len(volumes)-6 : len(volumes)-1])
	if avg == 0 {
		return 1
	}
	return current / avg
}

func calculateRSI(prices []float64, period int) float64 {
	if len(prices) <= period {
		return 50
	}

	var gains, losses []float64
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	if len(gains) > period {
		gains = gains[len(gains)-period:]
		losses = losses[len(losses)-period:]
	}

	avgGain := average(gains)
	avgLoss := average(losses)
	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func calculateVolatility(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}
	window := prices[len(prices)-period:]
	mean := average(window)
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, p := range window {
		variance += math.Pow(p-mean, 2)
	}
	variance /= float64(len(window))

	return math.Sqrt(variance) / mean
}
