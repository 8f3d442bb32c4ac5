// Package health implements the Health Aggregator: fuses admission-gate,
// store, and reconciler state into one JSON-renderable verdict for
// operators and the read API.
package health

import (
	"time"

	"sentrypd/coordinator"
	"sentrypd/reconcile"
	"sentrypd/store"
)

// Verdict classifies overall system health.
type Verdict string

const (
	VerdictHealthy        Verdict = "healthy"
	VerdictCachedDegraded Verdict = "cached-degraded"
	VerdictUnhealthy      Verdict = "unhealthy"
)

// CoordinatorReport mirrors one exchange's admission-gate status.
type CoordinatorReport struct {
	Name                string  `json:"name"`
	CircuitOpen         bool    `json:"circuitOpen"`
	IPBanned            bool    `json:"ipBanned"`
	Backoff             bool    `json:"backoff"`
	RemainingSeconds    float64 `json:"remainingSeconds,omitempty"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	RequestsLastMinute  int     `json:"requestsLastMinute"`
}

// Report is the full health verdict returned by Check.
type Report struct {
	Verdict                 Verdict             `json:"verdict"`
	Timestamp               time.Time           `json:"timestamp"`
	Coordinators            []CoordinatorReport `json:"coordinators"`
	OpenPositions           int                 `json:"openPositions"`
	ActiveTriggers          int                 `json:"activeTriggers"`
	UnresolvedRows          int                 `json:"unresolvedInconsistentStates"`
	OrphanOrdersCancelled   int                 `json:"orphanOrdersCancelled"`
	PositionsOnlyInExchange []string            `json:"positionsOnlyInExchange"`
	PositionsOnlyInDB       []string            `json:"positionsOnlyInDB"`
	Reasons                 []string            `json:"reasons,omitempty"`
}

// Aggregator computes a point-in-time Report from live subsystem state.
type Aggregator struct {
	st           *store.Store
	coordinators []*coordinator.Coordinator
	reconciler   *reconcile.Reconciler
}

// New constructs an Aggregator over one store, every exchange's Coordinator,
// and the Reconciler whose sweep stats feed the orphan-order/position-
// mismatch fields.
func New(st *store.Store, reconciler *reconcile.Reconciler, coordinators ...*coordinator.Coordinator) *Aggregator {
	return &Aggregator{st: st, coordinators: coordinators, reconciler: reconciler}
}

// Check runs one fused health evaluation. It never errors: store read
// failures degrade the verdict instead of failing the caller, since health
// must stay servable even when a subsystem is unwell.
func (a *Aggregator) Check() Report {
	report := Report{
		Verdict:   VerdictHealthy,
		Timestamp: time.Now(),
	}

	for _, c := range a.coordinators {
		st := c.Status()
		report.Coordinators = append(report.Coordinators, CoordinatorReport{
			Name:                st.Name,
			CircuitOpen:         st.CircuitOpen,
			IPBanned:            st.IPBanned,
			Backoff:             st.Backoff,
			RemainingSeconds:    st.RemainingSeconds,
			ConsecutiveFailures: st.ConsecutiveFailures,
			RequestsLastMinute:  st.RequestsLastMinute,
		})
		switch {
		case st.IPBanned || st.CircuitOpen:
			report.Reasons = append(report.Reasons, st.Name+": circuit open or IP banned, serving cached data")
			report.Verdict = worse(report.Verdict, VerdictCachedDegraded)
		case st.Backoff:
			report.Reasons = append(report.Reasons, st.Name+": in backoff, serving cached data")
			report.Verdict = worse(report.Verdict, VerdictCachedDegraded)
		}
	}

	if positions, err := a.st.Position().GetAll(); err == nil {
		report.OpenPositions = len(positions)
	} else {
		report.Reasons = append(report.Reasons, "failed to read open positions: "+err.Error())
		report.Verdict = worse(report.Verdict, VerdictUnhealthy)
	}

	if triggers, err := a.st.PriceOrder().AllActive(); err == nil {
		report.ActiveTriggers = len(triggers)
	} else {
		report.Reasons = append(report.Reasons, "failed to read active triggers: "+err.Error())
		report.Verdict = worse(report.Verdict, VerdictUnhealthy)
	}

	if rows, err := a.st.Inconsistent().Unresolved(); err == nil {
		report.UnresolvedRows = len(rows)
		if len(rows) > 0 {
			report.Reasons = append(report.Reasons, "reconciler has unresolved inconsistent states")
			report.Verdict = worse(report.Verdict, VerdictCachedDegraded)
		}
	} else {
		report.Reasons = append(report.Reasons, "failed to read inconsistent states: "+err.Error())
		report.Verdict = worse(report.Verdict, VerdictUnhealthy)
	}

	if a.reconciler != nil {
		stats := a.reconciler.Stats()
		report.OrphanOrdersCancelled = stats.OrphanOrdersCancelled
		report.PositionsOnlyInExchange = stats.PositionsOnlyInExchange
		report.PositionsOnlyInDB = stats.PositionsOnlyInDB
		if len(stats.PositionsOnlyInExchange) > 0 || len(stats.PositionsOnlyInDB) > 0 {
			report.Reasons = append(report.Reasons, "reconciler found position mismatches between store and exchange")
			report.Verdict = worse(report.Verdict, VerdictCachedDegraded)
		}
	}

	return report
}

// worse returns the more severe of two verdicts; unhealthy dominates
// cached-degraded, which dominates healthy.
func worse(a, b Verdict) Verdict {
	rank := map[Verdict]int{VerdictHealthy: 0, VerdictCachedDegraded: 1, VerdictUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
