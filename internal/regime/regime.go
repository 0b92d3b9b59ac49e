// Package regime holds the aggregated, system-wide market regime picture —
// distinct from marketstate.State, which is a single timeframe's tag.
package regime

// TrendType classifies the dominant directional character of the market.
type TrendType int8

const (
	TrendUnknown TrendType = iota
	TrendRanging
	TrendTrending
)

func (t TrendType) String() string {
	switch t {
	case TrendRanging:
		return "ranging"
	case TrendTrending:
		return "trending"
	default:
		return "unknown"
	}
}

// VolatilityLevel is a coarse, three-tier volatility classification plus an
// explicit "unknown" for when there isn't enough data to classify at all
// (an empty candle set classifies as UNKNOWN, never a guessed tier).
type VolatilityLevel int8

const (
	VolatilityUnknown VolatilityLevel = iota
	VolatilityLow
	VolatilityMedium
	VolatilityHigh
)

func (v VolatilityLevel) String() string {
	switch v {
	case VolatilityLow:
		return "LOW"
	case VolatilityMedium:
		return "MEDIUM"
	case VolatilityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// RiskSentiment is the macro risk-on/risk-off read of the aggregated regime.
type RiskSentiment int8

const (
	SentimentNeutral RiskSentiment = iota
	SentimentRiskOn
	SentimentRiskOff
)

func (s RiskSentiment) String() string {
	switch s {
	case SentimentRiskOn:
		return "risk_on"
	case SentimentRiskOff:
		return "risk_off"
	default:
		return "neutral"
	}
}

// RiskLevel is the per-signal risk classification produced by
// AggregateRiskLevel and consumed by RiskCore and PositionSizer.
type RiskLevel int8

const (
	RiskUnknown RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// MarketRegime is the aggregated, system-wide regime read, distinct from any
// single instrument's per-timeframe MarketState.
type MarketRegime struct {
	Trend      TrendType
	Volatility VolatilityLevel
	Sentiment  RiskSentiment
	// MacroPressure is an external, opaque score in [-1,1]: negative means
	// macro headwinds, positive means tailwinds. It is supplied by an
	// out-of-scope collaborator (correlation/macro analysis) and carried
	// through unchanged.
	MacroPressure float64
	// Confidence is this regime read's own confidence in [0,1], distinct
	// from the per-signal cognitive Confidence computed in internal/cognitive.
	Confidence float64
}
