package snapshot

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/regime"
)

// DTO is the JSON-serializable projection of a Snapshot, used at the one
// IO boundary a Snapshot legitimately crosses: the durable signal archive
// (internal/trace) and the offline replay engine (internal/replay) that
// reads it back. States and DirectionByTF are plain maps here since JSON
// has no notion of marketstate.Map's constructor invariant; ToSnapshot
// re-validates everything through NewSnapshot on the way back in, so a
// corrupt or hand-edited archive entry fails the same way a live signal
// with bad data would.
type DTO struct {
	Timestamp           time.Time         `json:"timestamp"`
	InstrumentID        string            `json:"instrument_id"`
	AnchorTimeframe     string            `json:"anchor_timeframe"`
	States              map[string]string `json:"states"`
	Trend               string            `json:"trend"`
	RegimeVolatility    string            `json:"regime_volatility"`
	Sentiment           string            `json:"sentiment"`
	MacroPressure       float64           `json:"macro_pressure"`
	RegimeConfidence    float64           `json:"regime_confidence"`
	Volatility          string            `json:"volatility"`
	CorrelationToMarket float64           `json:"correlation_to_market"`
	Score               int               `json:"score"`
	ScoreMax            int               `json:"score_max"`
	Confidence          float64           `json:"confidence"`
	Entropy             float64           `json:"entropy"`
	RiskLevel           string            `json:"risk_level"`
	RecommendedLeverage string            `json:"recommended_leverage"`
	Entry               string            `json:"entry"`
	TP                  string            `json:"tp"`
	SL                  string            `json:"sl"`
	Decision            string            `json:"decision"`
	Reason              string            `json:"reason"`
	DirectionByTF       map[string]string `json:"direction_by_tf"`
	Details             []string          `json:"details,omitempty"`
	Reasons             []string          `json:"reasons,omitempty"`
}

// ToDTO projects s into its serializable form.
func (s *Snapshot) ToDTO() DTO {
	states := make(map[string]string, s.states.Len())
	for _, tf := range s.states.Timeframes() {
		st, _ := s.states.Get(tf)
		states[tf] = st.String()
	}
	directions := make(map[string]string, len(s.directionByTF))
	for tf, d := range s.directionByTF {
		directions[tf] = d.String()
	}
	return DTO{
		Timestamp:           s.Timestamp,
		InstrumentID:        s.InstrumentID,
		AnchorTimeframe:     s.AnchorTimeframe,
		States:              states,
		Trend:               s.Regime.Trend.String(),
		RegimeVolatility:    s.Regime.Volatility.String(),
		Sentiment:           s.Regime.Sentiment.String(),
		MacroPressure:       s.Regime.MacroPressure,
		RegimeConfidence:    s.Regime.Confidence,
		Volatility:          s.Volatility.String(),
		CorrelationToMarket: s.CorrelationToMarket,
		Score:               s.Score,
		ScoreMax:            s.ScoreMax,
		Confidence:          s.Confidence,
		Entropy:             s.Entropy,
		RiskLevel:           s.RiskLevel.String(),
		RecommendedLeverage: s.RecommendedLeverage.String(),
		Entry:               s.Entry.String(),
		TP:                  s.TP.String(),
		SL:                  s.SL.String(),
		Decision:            s.Decision.String(),
		Reason:              s.Reason,
		DirectionByTF:       directions,
		Details:             append([]string(nil), s.Details...),
		Reasons:             append([]string(nil), s.Reasons...),
	}
}

// ToSnapshot reconstructs a Snapshot from d, re-running every NewSnapshot
// invariant. An archive entry that no longer satisfies those invariants
// (corruption, a hand edit, a schema the reader predates) is rejected
// rather than silently accepted.
func (d DTO) ToSnapshot() (*Snapshot, error) {
	states := make(map[string]marketstate.State, len(d.States))
	for tf, v := range d.States {
		st, ok := marketstate.Parse(v)
		if !ok {
			return nil, fmt.Errorf("%w: unknown market state %q for timeframe %s", ErrInvalidSnapshot, v, tf)
		}
		states[tf] = st
	}
	directions := make(map[string]Direction, len(d.DirectionByTF))
	for tf, v := range d.DirectionByTF {
		directions[tf] = parseDirection(v)
	}

	recommendedLeverage, err := decimal.NewFromString(zeroIfEmpty(d.RecommendedLeverage))
	if err != nil {
		return nil, fmt.Errorf("%w: recommended_leverage %q: %v", ErrInvalidSnapshot, d.RecommendedLeverage, err)
	}
	entry, err := decimal.NewFromString(zeroIfEmpty(d.Entry))
	if err != nil {
		return nil, fmt.Errorf("%w: entry %q: %v", ErrInvalidSnapshot, d.Entry, err)
	}
	tp, err := decimal.NewFromString(zeroIfEmpty(d.TP))
	if err != nil {
		return nil, fmt.Errorf("%w: tp %q: %v", ErrInvalidSnapshot, d.TP, err)
	}
	sl, err := decimal.NewFromString(zeroIfEmpty(d.SL))
	if err != nil {
		return nil, fmt.Errorf("%w: sl %q: %v", ErrInvalidSnapshot, d.SL, err)
	}

	decision, ok := parseDecisionKind(d.Decision)
	if !ok {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidSnapshot, d.Decision)
	}

	return NewSnapshot(Params{
		Timestamp:       d.Timestamp,
		InstrumentID:    d.InstrumentID,
		AnchorTimeframe: d.AnchorTimeframe,
		States:          marketstate.NewMap(states),
		Regime: regime.MarketRegime{
			Trend:         parseTrendType(d.Trend),
			Volatility:    parseVolatilityLevel(d.RegimeVolatility),
			Sentiment:     parseRiskSentiment(d.Sentiment),
			MacroPressure: d.MacroPressure,
			Confidence:    d.RegimeConfidence,
		},
		Volatility:          parseVolatilityLevel(d.Volatility),
		CorrelationToMarket: d.CorrelationToMarket,
		Score:               d.Score,
		ScoreMax:            d.ScoreMax,
		Confidence:          d.Confidence,
		Entropy:             d.Entropy,
		RiskLevel:           parseRiskLevel(d.RiskLevel),
		RecommendedLeverage: recommendedLeverage,
		Entry:               entry,
		TP:                  tp,
		SL:                  sl,
		Decision:            decision,
		Reason:              d.Reason,
		DirectionByTF:       directions,
		Details:             append([]string(nil), d.Details...),
		Reasons:             append([]string(nil), d.Reasons...),
	})
}

func zeroIfEmpty(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

func parseDirection(v string) Direction {
	switch v {
	case "LONG":
		return DirectionLong
	case "SHORT":
		return DirectionShort
	default:
		return DirectionFlat
	}
}

func parseDecisionKind(v string) (DecisionKind, bool) {
	switch v {
	case "ENTER":
		return DecisionEnter, true
	case "SKIP":
		return DecisionSkip, true
	case "OBSERVE":
		return DecisionObserve, true
	case "BLOCK":
		return DecisionBlock, true
	case "UNKNOWN":
		return DecisionUnknown, true
	default:
		return DecisionUnknown, false
	}
}

func parseTrendType(v string) regime.TrendType {
	switch v {
	case "ranging":
		return regime.TrendRanging
	case "trending":
		return regime.TrendTrending
	default:
		return regime.TrendUnknown
	}
}

func parseVolatilityLevel(v string) regime.VolatilityLevel {
	switch v {
	case "LOW":
		return regime.VolatilityLow
	case "MEDIUM":
		return regime.VolatilityMedium
	case "HIGH":
		return regime.VolatilityHigh
	default:
		return regime.VolatilityUnknown
	}
}

func parseRiskSentiment(v string) regime.RiskSentiment {
	switch v {
	case "risk_on":
		return regime.SentimentRiskOn
	case "risk_off":
		return regime.SentimentRiskOff
	default:
		return regime.SentimentNeutral
	}
}

func parseRiskLevel(v string) regime.RiskLevel {
	switch v {
	case "LOW":
		return regime.RiskLow
	case "MEDIUM":
		return regime.RiskMedium
	case "HIGH":
		return regime.RiskHigh
	default:
		return regime.RiskUnknown
	}
}
