// Package sizer implements PositionSizer, the final stage of the
// validator chain and the last writer of position_size:
// final_risk = base_risk x clamped confidence x clamped (1 - entropy) x
// available risk ratio. Below a minimum threshold the stage blocks
// instead of sizing.
package sizer

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/portfolio"
)

// Config names the base risk percentage, the minimum viable risk
// threshold, and the clamp bounds the formula applies to confidence and
// entropy.
type Config struct {
	BaseRiskPct          float64
	MinThresholdPct      float64
	ConfidenceClampMin   float64
	ConfidenceClampMax   float64
	EntropyComplementMin float64
	EntropyComplementMax float64
}

// DefaultConfig: confidence clamped to [0.2,1.0], (1-entropy) clamped to
// [0.1,1.0], minimum threshold 0.5% of balance.
func DefaultConfig() Config {
	return Config{
		BaseRiskPct:          2.0,
		MinThresholdPct:      0.5,
		ConfidenceClampMin:   0.2,
		ConfidenceClampMax:   1.0,
		EntropyComplementMin: 0.1,
		EntropyComplementMax: 1.0,
	}
}

// PositionSizer computes the final position size. It is the last stage to
// write req.PositionSizeUSD.
type PositionSizer struct {
	cfg       Config
	portfolio *portfolio.Manager
}

// New builds a PositionSizer.
func New(cfg Config, p *portfolio.Manager) *PositionSizer {
	return &PositionSizer{cfg: cfg, portfolio: p}
}

func (s *PositionSizer) Name() string { return "position_sizer" }

// Validate implements gatekeeper.Validator.
func (s *PositionSizer) Validate(ctx context.Context, req *gatekeeper.Request) (result gatekeeper.StageResult) {
	defer func() {
		if r := recover(); r != nil {
			result = gatekeeper.StageResult{Source: s.Name(), Allow: false, BlockLevel: gatekeeper.BlockHard, Reason: "position_sizer panicked"}
		}
	}()

	snap := req.Snapshot
	agg := s.portfolio.Aggregate()

	confidenceFactor := clamp(snap.Confidence, s.cfg.ConfidenceClampMin, s.cfg.ConfidenceClampMax)
	entropyFactor := clamp(1.0-snap.Entropy, s.cfg.EntropyComplementMin, s.cfg.EntropyComplementMax)
	availableRiskRatio := availableRiskRatio(agg)

	finalRisk := s.cfg.BaseRiskPct * confidenceFactor * entropyFactor * availableRiskRatio

	if finalRisk < s.cfg.MinThresholdPct {
		return gatekeeper.StageResult{Source: s.Name(), Allow: false, BlockLevel: gatekeeper.BlockSoft, Reason: "final risk below minimum threshold"}
	}

	sizeUSD := req.BalanceUSD.Mul(decimal.NewFromFloat(finalRisk / 100.0))
	req.PositionSizeUSD = sizeUSD

	return gatekeeper.StageResult{Source: s.Name(), Allow: true}
}

// availableRiskRatio is 1 - used/budget, clamped to [0,1]; an unset (zero)
// risk budget means no constraint has been configured yet, so the full
// ratio is available.
func availableRiskRatio(agg portfolio.Aggregate) float64 {
	if !agg.RiskBudget.IsPositive() {
		return 1.0
	}
	used, _ := agg.UsedRisk.Float64()
	budget, _ := agg.RiskBudget.Float64()
	ratio := 1.0 - used/budget
	return clamp(ratio, 0, 1)
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
