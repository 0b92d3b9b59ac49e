// Package cognitive computes confidence and entropy: meta-estimates of the
// system's own conviction in a snapshot, not market quantities. Both are
// fixed weighted sums over fields of an already-built snapshot, clamped
// to [0,1].
package cognitive

import (
	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/regime"
	"github.com/avrilquant/regime-core/internal/snapshot"
)

// scoreHighThreshold encodes the fixed conflict rule: score >= 70 with
// risk HIGH is a strong conflict.
const scoreHighThreshold = 70

// Confidence computes snapshot confidence:
// 0.30*state_consistency + 0.25*score_ratio + 0.20*decision_risk_alignment +
// 0.15*(1-conflicts) + 0.10*regime_volatility_bonus, clamped to [0,1].
func Confidence(s *snapshot.Snapshot) float64 {
	c := 0.0
	c += stateConsistency(s.States()) * 0.30
	c += scoreRatio(s) * 0.25
	c += decisionRiskAlignment(s) * 0.20
	c += (1 - conflictPenalty(s)) * 0.15
	c += regimeVolatilityBonus(s) * 0.10
	return clamp01(c)
}

// Entropy computes snapshot entropy:
// 0.40*state_dispersion + 0.30*score_decision_conflict + 0.20*volatility_term
// + 0.10*regime_uncertainty, clamped to [0,1].
func Entropy(s *snapshot.Snapshot) float64 {
	e := 0.0
	e += stateDispersion(s.States()) * 0.40
	e += conflictPenalty(s) * 0.30
	e += volatilityTerm(s) * 0.20
	e += regimeUncertainty(s) * 0.10
	return clamp01(e)
}

// stateConsistency is 1 - (unique_states-1)/3: 1.0 when every classified
// timeframe agrees, down to 0.0 when all four states are present.
func stateConsistency(states marketstate.Map) float64 {
	unique := len(states.Unique())
	if unique <= 1 {
		return 1.0
	}
	return clamp01(1.0 - float64(unique-1)/3.0)
}

// stateDispersion is the complement of stateConsistency.
func stateDispersion(s marketstate.Map) float64 {
	return 1.0 - stateConsistency(s)
}

func scoreRatio(s *snapshot.Snapshot) float64 {
	if s.ScoreMax <= 0 {
		return 0
	}
	return clamp01(float64(s.Score) / float64(s.ScoreMax))
}

// decisionRiskAlignment rewards a decision consistent with its risk level:
// ENTER with LOW/MEDIUM risk, or SKIP/BLOCK with HIGH risk, is aligned.
func decisionRiskAlignment(s *snapshot.Snapshot) float64 {
	switch s.Decision {
	case snapshot.DecisionEnter:
		if s.RiskLevel == regime.RiskHigh {
			return 0.0
		}
		return 1.0
	case snapshot.DecisionSkip, snapshot.DecisionBlock:
		if s.RiskLevel == regime.RiskHigh {
			return 1.0
		}
		return 0.5
	default:
		return 0.5
	}
}

// conflictPenalty is the fixed conflict rule: a high
// score paired with HIGH risk is a strong conflict. Used both as an entropy
// contributor directly and as (1-conflictPenalty) inside Confidence.
func conflictPenalty(s *snapshot.Snapshot) float64 {
	if s.Score >= scoreHighThreshold && s.RiskLevel == regime.RiskHigh {
		return 1.0
	}
	if s.Decision == snapshot.DecisionEnter && s.RiskLevel == regime.RiskHigh {
		return 0.6
	}
	return 0.0
}

// regimeVolatilityBonus rewards a confident, low-volatility regime read.
func regimeVolatilityBonus(s *snapshot.Snapshot) float64 {
	bonus := s.Regime.Confidence
	if s.Volatility == regime.VolatilityHigh {
		bonus *= 0.5
	}
	return clamp01(bonus)
}

// volatilityTerm feeds entropy directly: high volatility is itself
// uncertainty, independent of the regime's own confidence in that read.
func volatilityTerm(s *snapshot.Snapshot) float64 {
	switch s.Volatility {
	case regime.VolatilityHigh:
		return 1.0
	case regime.VolatilityMedium:
		return 0.5
	case regime.VolatilityLow:
		return 0.1
	default:
		return 0.75
	}
}

// regimeUncertainty is the complement of the aggregated regime's own
// confidence in its read.
func regimeUncertainty(s *snapshot.Snapshot) float64 {
	return clamp01(1.0 - s.Regime.Confidence)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
