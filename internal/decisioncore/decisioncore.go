// Package decisioncore implements DecisionCore, stage 4 of the validator
// chain: it reads SystemState and synthesizes the per-instrument verdict
// (can_trade, risk_level, max_position_size, max_leverage,
// recommendations). It owns no state itself — its single write is
// SystemState.can_trade.
package decisioncore

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/regime"
	"github.com/avrilquant/regime-core/internal/systemstate"
)

// Config bounds the size/leverage recommendations DecisionCore may emit.
type Config struct {
	MaxPositionSizeUSD decimal.Decimal
	MaxLeverage        decimal.Decimal
}

// Verdict is DecisionCore's per-instrument synthesis, exposed for callers
// that want the richer result beyond the chain's StageResult (e.g. the
// observer API's /should_i_trade command).
type Verdict struct {
	CanTrade           bool
	RiskLevel          regime.RiskLevel
	MaxPositionSizeUSD decimal.Decimal
	MaxLeverage        decimal.Decimal
	Recommendations    []string
}

// DecisionCore holds no slice of SystemState; it only reads and, via
// SetCanTrade, performs its single permitted write.
type DecisionCore struct {
	cfg   Config
	state *systemstate.SystemState
}

// New builds a DecisionCore.
func New(cfg Config, state *systemstate.SystemState) *DecisionCore {
	return &DecisionCore{cfg: cfg, state: state}
}

func (d *DecisionCore) Name() string { return "decision_core" }

// Synthesize computes the per-instrument verdict without mutating
// SystemState — used both by Validate and by read-only callers.
func (d *DecisionCore) Synthesize(req *gatekeeper.Request) Verdict {
	snap := req.Snapshot
	health := d.state.Health()

	canTrade := snap.RiskLevel != regime.RiskHigh && !health.SafeMode && !health.TradingPaused

	leverage := snap.RecommendedLeverage
	if d.cfg.MaxLeverage.IsPositive() && leverage.GreaterThan(d.cfg.MaxLeverage) {
		leverage = d.cfg.MaxLeverage
	}

	maxSize := d.cfg.MaxPositionSizeUSD

	var recs []string
	switch snap.RiskLevel {
	case regime.RiskHigh:
		recs = append(recs, "risk level HIGH: no new entries")
	case regime.RiskMedium:
		recs = append(recs, "risk level MEDIUM: favor reduced size")
	}

	return Verdict{
		CanTrade:           canTrade,
		RiskLevel:          snap.RiskLevel,
		MaxPositionSizeUSD: maxSize,
		MaxLeverage:        leverage,
		Recommendations:    recs,
	}
}

// Validate implements gatekeeper.Validator.
func (d *DecisionCore) Validate(ctx context.Context, req *gatekeeper.Request) (result gatekeeper.StageResult) {
	defer func() {
		if r := recover(); r != nil {
			d.state.SetCanTrade(false)
			result = gatekeeper.StageResult{Source: d.Name(), Allow: false, BlockLevel: gatekeeper.BlockHard, Reason: "decision_core panicked"}
		}
	}()

	verdict := d.Synthesize(req)
	d.state.SetCanTrade(verdict.CanTrade)

	if !verdict.CanTrade {
		return gatekeeper.StageResult{Source: d.Name(), Allow: false, BlockLevel: gatekeeper.BlockHard, Reason: "decision core: trading not permitted for this instrument"}
	}

	if req.PositionSizeUSD.GreaterThan(verdict.MaxPositionSizeUSD) && verdict.MaxPositionSizeUSD.IsPositive() {
		req.PositionSizeUSD = verdict.MaxPositionSizeUSD
	}

	return gatekeeper.StageResult{Source: d.Name(), Allow: true}
}
