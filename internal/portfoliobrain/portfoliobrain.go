// Package portfoliobrain implements PortfolioBrain, stage 5 of the
// validator chain: it weighs the incoming snapshot against the current
// book of positions and answers ALLOW, BLOCK, SCALE_DOWN, or REDUCE.
package portfoliobrain

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/portfolio"
	"github.com/avrilquant/regime-core/internal/snapshot"
	"github.com/avrilquant/regime-core/internal/systemstate"
)

// Config names every threshold and multiplier PortfolioBrain evaluates.
type Config struct {
	EntropyBlockThreshold           float64
	DominantStateBlockFraction      float64
	DominantStateScaleDownFraction  float64
	ConfidenceBlockThreshold        float64
	HighCorrelationThreshold        float64
	ScaleDownCorrelationMultiplier  float64
	ScaleDownReinforcementMultiplier float64
	ConfidenceGapForScaleDown       float64
	NearBudgetFraction              float64
	ReduceMultiplier                float64
	AttractiveScoreFraction         float64
}

// DefaultConfig is the production threshold set, with the scale-down
// multiplier at the midpoint of its 0.5-0.7 band.
func DefaultConfig() Config {
	return Config{
		EntropyBlockThreshold:            0.75,
		DominantStateBlockFraction:       0.60,
		DominantStateScaleDownFraction:   0.45,
		ConfidenceBlockThreshold:         0.40,
		HighCorrelationThreshold:         0.70,
		ScaleDownCorrelationMultiplier:   0.6,
		ScaleDownReinforcementMultiplier: 0.6,
		ConfidenceGapForScaleDown:        0.25,
		NearBudgetFraction:               0.90,
		ReduceMultiplier:                 0.3,
		AttractiveScoreFraction:          0.70,
	}
}

// PortfolioBrain reads the current book and the correlation matrix; it
// mutates neither.
type PortfolioBrain struct {
	cfg       Config
	portfolio *portfolio.Manager
	state     *systemstate.SystemState
}

// New builds a PortfolioBrain.
func New(cfg Config, p *portfolio.Manager, state *systemstate.SystemState) *PortfolioBrain {
	return &PortfolioBrain{cfg: cfg, portfolio: p, state: state}
}

func (p *PortfolioBrain) Name() string { return "portfolio_brain" }

// Validate implements gatekeeper.Validator.
func (p *PortfolioBrain) Validate(ctx context.Context, req *gatekeeper.Request) (result gatekeeper.StageResult) {
	defer func() {
		if r := recover(); r != nil {
			result = gatekeeper.StageResult{Source: p.Name(), Allow: false, BlockLevel: gatekeeper.BlockHard, Reason: "portfolio_brain panicked"}
		}
	}()

	snap := req.Snapshot
	positions := p.portfolio.GetAllPositions()
	agg := p.portfolio.Aggregate()

	if entropy := weightedAvgEntropy(positions, agg); entropy > p.cfg.EntropyBlockThreshold {
		return p.block("portfolio entropy too high")
	}

	dominantState, dominantFraction := dominantState(agg)
	reinforces := reinforcesState(snap, dominantState)

	if dominantFraction >= p.cfg.DominantStateBlockFraction && reinforces {
		return p.block(fmt.Sprintf("reinforces dominant state %s", dominantState))
	}
	if agg.RiskBudget.IsPositive() && agg.TotalExposure.GreaterThan(agg.RiskBudget) {
		return p.block("total exposure exceeds risk budget")
	}
	if snap.Confidence < p.cfg.ConfidenceBlockThreshold {
		return p.block("snapshot confidence below threshold")
	}

	if corr := p.highestCorrelation(req.Symbol, positions); corr > p.cfg.HighCorrelationThreshold {
		return p.scaleDown(p.cfg.ScaleDownCorrelationMultiplier, "high portfolio correlation")
	}
	if dominantFraction >= p.cfg.DominantStateScaleDownFraction && reinforces {
		return p.scaleDown(p.cfg.ScaleDownReinforcementMultiplier, "reinforces overloaded state")
	}
	avgConfidence := weightedAvgConfidence(positions, agg)
	if avgConfidence-snap.Confidence > p.cfg.ConfidenceGapForScaleDown {
		return p.scaleDown(p.cfg.ScaleDownCorrelationMultiplier, "confidence well below portfolio average")
	}

	nearBudget := agg.RiskBudget.IsPositive() &&
		agg.TotalExposure.GreaterThanOrEqual(agg.RiskBudget.Mul(decimal.NewFromFloat(p.cfg.NearBudgetFraction)))
	attractive := snap.ScoreMax > 0 && float64(snap.Score) >= float64(snap.ScoreMax)*p.cfg.AttractiveScoreFraction
	if nearBudget && attractive {
		return p.reduce("near risk budget but signal strategically attractive")
	}

	return gatekeeper.StageResult{Source: p.Name(), Allow: true, SizeMultiplier: 1.0}
}

func (p *PortfolioBrain) block(reason string) gatekeeper.StageResult {
	return gatekeeper.StageResult{Source: p.Name(), Allow: false, BlockLevel: gatekeeper.BlockHard, Reason: reason}
}

func (p *PortfolioBrain) scaleDown(multiplier float64, reason string) gatekeeper.StageResult {
	return gatekeeper.StageResult{Source: p.Name(), Allow: true, SizeMultiplier: multiplier, Reason: reason}
}

func (p *PortfolioBrain) reduce(reason string) gatekeeper.StageResult {
	return gatekeeper.StageResult{Source: p.Name(), Allow: true, SizeMultiplier: p.cfg.ReduceMultiplier, Reason: reason}
}

// highestCorrelation returns the strongest correlation between symbol and
// any currently-held position's symbol, or 0 if none is known.
func (p *PortfolioBrain) highestCorrelation(symbol string, positions map[string]portfolio.Position) float64 {
	highest := 0.0
	for other := range positions {
		if other == symbol {
			continue
		}
		if v, ok := p.state.Correlation(symbol, other); ok && v > highest {
			highest = v
		}
	}
	return highest
}

// weightedAvgEntropy weights each position's entry-time entropy by its
// share of total notional exposure.
func weightedAvgEntropy(positions map[string]portfolio.Position, agg portfolio.Aggregate) float64 {
	if agg.TotalExposure.IsZero() {
		return 0
	}
	total, _ := agg.TotalExposure.Float64()
	sum := 0.0
	for _, pos := range positions {
		notional, _ := pos.CurrentNotional.Abs().Float64()
		sum += notional / total * pos.EntropyAtEntry
	}
	return sum
}

// weightedAvgConfidence mirrors weightedAvgEntropy for confidence.
func weightedAvgConfidence(positions map[string]portfolio.Position, agg portfolio.Aggregate) float64 {
	if agg.TotalExposure.IsZero() {
		return 0
	}
	total, _ := agg.TotalExposure.Float64()
	sum := 0.0
	for _, pos := range positions {
		notional, _ := pos.CurrentNotional.Abs().Float64()
		sum += notional / total * pos.ConfidenceAtEntry
	}
	return sum
}

// dominantState returns the MarketState label carrying the largest share
// of total exposure, and that share as a fraction of total.
func dominantState(agg portfolio.Aggregate) (string, float64) {
	if agg.TotalExposure.IsZero() {
		return "", 0
	}
	var topState string
	top := decimal.Zero
	for state, notional := range agg.ExposureByState {
		if notional.GreaterThan(top) {
			top = notional
			topState = state
		}
	}
	fraction, _ := top.Div(agg.TotalExposure).Float64()
	return topState, fraction
}

// reinforcesState reports whether snap's anchor-timeframe state matches
// dominantState.
func reinforcesState(snap *snapshot.Snapshot, dominantState string) bool {
	if dominantState == "" {
		return false
	}
	s, ok := snap.States().Get(snap.AnchorTimeframe)
	if !ok {
		return false
	}
	return s.String() == dominantState
}
