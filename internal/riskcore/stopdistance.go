package riskcore

import (
	"math"

	"github.com/avrilquant/regime-core/internal/regime"
	"github.com/avrilquant/regime-core/internal/snapshot"
)

// ValidateStopDistance checks a proposed stop is neither
// implausibly tight nor implausibly wide relative to entry price and 15m
// ATR, and classifies the stop's own risk contribution. The engine feeds
// the result into snapshot.AggregateRiskLevel, where an invalid stop makes
// the signal's risk level HIGH; no RiskCore invariant group reads it.
func ValidateStopDistance(entry, stop, atr15m float64) snapshot.StopDistanceResult {
	if entry == 0 || stop == 0 {
		return snapshot.StopDistanceResult{Valid: false, RiskLevel: regime.RiskHigh}
	}

	distance := math.Abs(entry - stop)
	distancePct := (distance / entry) * 100

	var distanceATR float64
	if atr15m > 0 {
		distanceATR = distance / atr15m
	}

	switch {
	case distancePct < 0.3 || distanceATR < 0.5:
		return snapshot.StopDistanceResult{
			DistancePct: distancePct, DistanceATR: distanceATR,
			Valid: false, RiskLevel: regime.RiskHigh,
		}
	case distancePct < 0.5 || distanceATR < 1.0:
		return snapshot.StopDistanceResult{
			DistancePct: distancePct, DistanceATR: distanceATR,
			Valid: true, RiskLevel: regime.RiskMedium,
		}
	case distancePct <= 2.0 && distanceATR <= 3.0:
		return snapshot.StopDistanceResult{
			DistancePct: distancePct, DistanceATR: distanceATR,
			Valid: true, RiskLevel: regime.RiskLow,
		}
	default:
		return snapshot.StopDistanceResult{
			DistancePct: distancePct, DistanceATR: distanceATR,
			Valid: true, RiskLevel: regime.RiskMedium,
		}
	}
}
