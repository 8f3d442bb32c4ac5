package scheduler

import (
	"time"

	"sentrypd/store"
)

// PositionSnapshot is the per-position view handed to the LLM collaborator
// each tick: current PnL, holding time, and the Reversal Monitor's latest
// verdict, plus the partial-stage badge so the model never re-proposes a
// partial that already fired.
type PositionSnapshot struct {
	Symbol               string  `json:"symbol"`
	Side                 string  `json:"side"`
	Quantity             float64 `json:"quantity"`
	EntryPrice           float64 `json:"entryPrice"`
	MarkPrice            float64 `json:"markPrice"`
	PnlPercent           float64 `json:"pnlPercent"`
	HoldingMinutes       float64 `json:"holdingMinutes"`
	WarningScore         float64 `json:"warningScore"`
	ReversalWarning      bool    `json:"reversalWarning"`
	PartialCloseFraction float64 `json:"partialCloseFraction"`
}

// CandidateSnapshot is one configured symbol's current market read, built
// fresh each tick from the cache-tolerant candle/ticker fetch.
type CandidateSnapshot struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"lastPrice"`
	MarkPrice float64 `json:"markPrice"`
}

// Context is the compact object serialized into the LLM collaborator's user
// prompt every tick.
type Context struct {
	Timestamp      time.Time           `json:"timestamp"`
	AccountTotal   float64             `json:"accountTotal"`
	AccountPnl     float64             `json:"accountUnrealizedPnl"`
	Positions      []PositionSnapshot  `json:"positions"`
	Candidates     []CandidateSnapshot `json:"candidates"`
	OpenScoreFloor float64             `json:"openScoreFloor"`
}

func holdingMinutes(openedAt time.Time) float64 {
	return time.Since(openedAt).Minutes()
}

func positionPnlPercent(pos *store.Position, markPrice float64) float64 {
	if pos.EntryPrice == 0 {
		return 0
	}
	delta := markPrice - pos.EntryPrice
	if pos.Side == "short" {
		delta = pos.EntryPrice - markPrice
	}
	return (delta / pos.EntryPrice) * 100 * float64(pos.Leverage)
}

func buildPositionSnapshot(pos *store.Position, markPrice float64) PositionSnapshot {
	return PositionSnapshot{
		Symbol:               pos.Symbol,
		Side:                 pos.Side,
		Quantity:             pos.Quantity,
		EntryPrice:           pos.EntryPrice,
		MarkPrice:            markPrice,
		PnlPercent:           positionPnlPercent(pos, markPrice),
		HoldingMinutes:       holdingMinutes(pos.OpenedAt),
		WarningScore:         pos.WarningScore,
		ReversalWarning:      pos.ReversalWarning,
		PartialCloseFraction: pos.PartialCloseFraction,
	}
}
