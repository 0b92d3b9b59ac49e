package engine

import (
	"math"
	"sync"
	"time"

	"github.com/avrilquant/regime-core/internal/fsm"
	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/portfolio"
	"github.com/avrilquant/regime-core/internal/riskcore"
	"github.com/avrilquant/regime-core/internal/systemstate"
)

// correlationGroupThreshold is the absolute return-correlation above
// which two symbols count as one exposure group.
const correlationGroupThreshold = 0.7

// actionTracker records the timestamp of every allowed signal so RiskCore's
// Behavioral invariant group can evaluate actions-per-hour/24h caps without
// a dedicated time-series store.
type actionTracker struct {
	mu          sync.Mutex
	timestamps  []time.Time
	lastAction  time.Time
	lastLossAt  time.Time
}

func newActionTracker() *actionTracker {
	return &actionTracker{}
}

// ActionTracker is actionTracker's exported name, for composition roots
// that build the Gatekeeper's RiskCore validator (via NewRiskDataSource)
// before the SignalGenerator exists and need to hand the same instance to
// both.
type ActionTracker = actionTracker

// NewActionTracker builds an empty ActionTracker.
func NewActionTracker() *ActionTracker {
	return newActionTracker()
}

// RecordAction appends now to the window and prunes anything older than 24h.
func (t *actionTracker) RecordAction(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timestamps = append(t.timestamps, now)
	t.lastAction = now
	cutoff := now.Add(-24 * time.Hour)
	pruned := t.timestamps[:0]
	for _, ts := range t.timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	t.timestamps = pruned
}

// RecordLoss marks now as the most recent losing close, for the loss-retry
// cooldown check.
func (t *actionTracker) RecordLoss(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastLossAt = now
}

func (t *actionTracker) counts(now time.Time) (lastHour, last24h int, lastAction, lastLoss time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hourCutoff := now.Add(-time.Hour)
	for _, ts := range t.timestamps {
		last24h++
		if ts.After(hourCutoff) {
			lastHour++
		}
	}
	return lastHour, last24h, t.lastAction, t.lastLossAt
}

// riskDataAdapter builds the narrow riskcore.Data view a signal needs from
// SystemState, the portfolio ledger, the action tracker, and the FSM,
// implementing gatekeeper.RiskDataSource.
type riskDataAdapter struct {
	state     *systemstate.SystemState
	portfolio *portfolio.Manager
	machine   *fsm.FSM
	actions   *actionTracker
	loss      *riskcore.LossTracker
	now       func() time.Time
}

func newRiskDataAdapter(state *systemstate.SystemState, p *portfolio.Manager, machine *fsm.FSM, actions *actionTracker) *riskDataAdapter {
	return &riskDataAdapter{state: state, portfolio: p, machine: machine, actions: actions, loss: riskcore.NewLossTracker(), now: time.Now}
}

// NewRiskDataSource builds the gatekeeper.RiskDataSource the RiskCore
// validator stage needs, over the same actions tracker the composition
// root passes to engine.Deps.Actions so both sides observe one action
// history.
func NewRiskDataSource(state *systemstate.SystemState, p *portfolio.Manager, machine *fsm.FSM, actions *ActionTracker) gatekeeper.RiskDataSource {
	return newRiskDataAdapter(state, p, machine, actions)
}

func (a *riskDataAdapter) RiskData(req *gatekeeper.Request) riskcore.Data {
	now := a.now()
	agg := a.portfolio.Aggregate()
	capitalBase := a.portfolio.CapitalBase()
	nav := a.portfolio.GetNAV()

	cumulativeLossPct := 0.0
	if capitalBase.IsPositive() {
		drawdown := capitalBase.Sub(nav)
		if drawdown.IsPositive() {
			v, _ := drawdown.Div(capitalBase).Float64()
			cumulativeLossPct = v * 100
		}
	}

	navFloat, _ := nav.Float64()
	a.loss.Record(now, navFloat)
	loss24hPct := a.loss.Loss24hPct(now, navFloat)
	loss7dPct := a.loss.Loss7dPct(now, navFloat)

	singlePositionPct := 0.0
	if capitalBase.IsPositive() {
		if notional, ok := agg.ExposureBySymbol[req.Symbol]; ok {
			v, _ := notional.Div(capitalBase).Float64()
			singlePositionPct = v * 100
		}
	}
	aggregateExposurePct := 0.0
	if capitalBase.IsPositive() {
		v, _ := agg.TotalExposure.Div(capitalBase).Float64()
		aggregateExposurePct = v * 100
	}

	// The correlated group for a candidate signal is its own exposure plus
	// every open symbol whose return correlation with it clears the
	// grouping threshold. The map carries exposure as a percentage of
	// capital base — the same unit MaxCorrelatedGroupPct caps — never the
	// raw correlation coefficient.
	correlatedGroup := map[string]float64{}
	if capitalBase.IsPositive() {
		groupPct := singlePositionPct
		grouped := false
		for symbol, notional := range agg.ExposureBySymbol {
			if symbol == req.Symbol {
				continue
			}
			corr, ok := a.state.Correlation(req.Symbol, symbol)
			if !ok || math.Abs(corr) < correlationGroupThreshold {
				continue
			}
			v, _ := notional.Div(capitalBase).Float64()
			groupPct += v * 100
			grouped = true
		}
		if grouped {
			correlatedGroup[req.Symbol] = groupPct
		}
	}

	lastHour, last24h, lastAction, lastLoss := a.actions.counts(now)
	health := a.state.Health()

	return riskcore.Data{
		CumulativeLossPct:         cumulativeLossPct,
		Loss24hPct:                loss24hPct,
		Loss7dPct:                 loss7dPct,
		SinglePositionExposurePct: singlePositionPct,
		AggregateExposurePct:      aggregateExposurePct,
		CorrelatedGroupExposure:   correlatedGroup,
		ActionsLastHour:           lastHour,
		Actions24h:                last24h,
		LastActionAt:              lastAction,
		LastLossAt:                lastLoss,
		Now:                       now,
		RuntimeHealthy:            health.IsRunning,
		CriticalModulesUp:         a.machine.State() == fsm.Running,
		ConsecutiveErrors:         health.ConsecutiveErrors,
		SafeMode:                  health.SafeMode,
	}
}
