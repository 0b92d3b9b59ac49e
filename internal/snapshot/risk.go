package snapshot

import (
	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/regime"
)

// StopDistanceResult is the outcome of validating a proposed stop against
// entry price and 15m ATR. internal/riskcore.ValidateStopDistance produces
// it and AggregateRiskLevel consumes it, so the type lives here to avoid a
// riskcore<->snapshot import cycle.
type StopDistanceResult struct {
	DistancePct float64
	DistanceATR float64
	Valid       bool
	RiskLevel   regime.RiskLevel
}

// MomentumExtreme carries the subset of indicator output that feeds
// AggregateRiskLevel. Indicator computation itself happens outside this
// package; this is only the already-classified extremes.
type MomentumExtreme struct {
	ADXWeak          bool
	RSIExtreme       bool
	BollingerExtreme bool
}

// VolumeRead is the already-classified volume context AggregateRiskLevel
// folds in.
type VolumeRead struct {
	Low   bool
	Ratio float64
}

// AggregateRiskLevel derives the per-signal risk tier: a base conflict
// score from timeframe agreement and
// 4h-trend conflict, escalated by stop validity, volume, momentum extremes,
// and volatility. It never returns regime.RiskUnknown; absent inputs simply
// contribute nothing to the score.
func AggregateRiskLevel(states marketstate.Map, dir4h, dir30m Direction, stop StopDistanceResult, volume *VolumeRead, momentum *MomentumExtreme, atrPct float64) regime.RiskLevel {
	if _, have1h := states.Get("1h"); !have1h {
		return regime.RiskHigh
	}

	score := 0

	state30m, have30m := states.Get("30m")
	state15m, have15m := states.Get("15m")
	if have30m && have15m && state30m != state15m {
		score++
	}
	if have15m && have30m && state15m == marketstate.D && state30m == marketstate.A {
		score++
	}
	if dir4h != DirectionFlat && dir30m != DirectionFlat && dir4h != dir30m {
		score += 2
	}

	base := baseFromScore(score)
	if base == regime.RiskHigh {
		return regime.RiskHigh
	}

	if !stop.Valid {
		return regime.RiskHigh
	}
	extra := 0
	switch stop.RiskLevel {
	case regime.RiskHigh:
		extra += 2
	case regime.RiskMedium:
		extra++
	}

	if volume != nil {
		switch {
		case volume.Low && volume.Ratio < 0.5:
			extra += 2
		case volume.Low:
			extra++
		}
	}

	if momentum != nil {
		if momentum.ADXWeak {
			extra++
		}
		if momentum.RSIExtreme {
			extra++
		}
		if momentum.BollingerExtreme {
			extra++
		}
	}

	switch {
	case atrPct > 5.0:
		extra += 2
	case atrPct > 3.0:
		extra++
	}

	switch {
	case base == regime.RiskLow && extra == 0:
		return regime.RiskLow
	case base == regime.RiskLow && extra <= 1:
		return regime.RiskMedium
	case base == regime.RiskMedium || (extra >= 2 && extra < 4):
		return regime.RiskMedium
	case extra >= 4:
		return regime.RiskHigh
	default:
		return regime.RiskMedium
	}
}

func baseFromScore(score int) regime.RiskLevel {
	switch {
	case score == 0:
		return regime.RiskLow
	case score == 1:
		return regime.RiskMedium
	case score >= 3:
		return regime.RiskHigh
	default:
		return regime.RiskMedium
	}
}
