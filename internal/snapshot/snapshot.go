// Package snapshot holds SignalSnapshot: the single immutable value the
// validator chain passes hand to hand. Everything downstream of signal
// generation — RiskCore, the brains, the sizer, the trace store — reads a
// Snapshot, never the raw candles/indicators that produced it.
package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/regime"
)

// ErrInvalidSnapshot is the sentinel every NewSnapshot invariant violation
// wraps. Callers use errors.Is(err, ErrInvalidSnapshot) to classify without
// string matching.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// DecisionKind is the snapshot's terminal recommendation, before the
// validator chain has had a chance to veto or scale it.
type DecisionKind int8

const (
	DecisionUnknown DecisionKind = iota
	DecisionEnter
	DecisionSkip
	DecisionObserve
	DecisionBlock
)

func (d DecisionKind) String() string {
	switch d {
	case DecisionEnter:
		return "ENTER"
	case DecisionSkip:
		return "SKIP"
	case DecisionObserve:
		return "OBSERVE"
	case DecisionBlock:
		return "BLOCK"
	default:
		return "UNKNOWN"
	}
}

// Direction is the per-timeframe directional read feeding timeframe-conflict
// risk scoring.
type Direction int8

const (
	DirectionFlat Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Snapshot is the immutable, constructor-validated picture of one
// instrument at one point in time. Every field is set once, at
// construction; there is no exported mutator.
type Snapshot struct {
	Timestamp           time.Time
	InstrumentID        string
	AnchorTimeframe     string
	states              marketstate.Map
	Regime              regime.MarketRegime
	Volatility          regime.VolatilityLevel
	CorrelationToMarket float64
	Score, ScoreMax     int
	Confidence, Entropy float64
	RiskLevel           regime.RiskLevel
	RecommendedLeverage decimal.Decimal
	Entry, TP, SL       decimal.Decimal
	Decision            DecisionKind
	Reason              string
	directionByTF       map[string]Direction
	Details, Reasons    []string
}

// States returns the per-timeframe classification map backing this
// snapshot. It is the same immutable value given to NewSnapshot.
func (s *Snapshot) States() marketstate.Map {
	return s.states
}

// DirectionByTF returns the per-timeframe direction read for tf, if any.
func (s *Snapshot) DirectionByTF(tf string) (Direction, bool) {
	d, ok := s.directionByTF[tf]
	return d, ok
}

// Params bundles NewSnapshot's inputs so the constructor signature does not
// grow unbounded as fields are added.
type Params struct {
	Timestamp           time.Time
	InstrumentID        string
	AnchorTimeframe     string
	States              marketstate.Map
	Regime              regime.MarketRegime
	Volatility          regime.VolatilityLevel
	CorrelationToMarket float64
	Score, ScoreMax     int
	Confidence, Entropy float64
	RiskLevel           regime.RiskLevel
	RecommendedLeverage decimal.Decimal
	Entry, TP, SL       decimal.Decimal
	Decision            DecisionKind
	Reason              string
	DirectionByTF       map[string]Direction
	Details, Reasons    []string
}

// NewSnapshot validates p against every construction invariant and
// returns a Snapshot, or a wrapped ErrInvalidSnapshot. It never returns a
// zero-value Snapshot on error.
func NewSnapshot(p Params) (*Snapshot, error) {
	if p.InstrumentID == "" {
		return nil, fmt.Errorf("%w: empty instrument id", ErrInvalidSnapshot)
	}
	if p.AnchorTimeframe == "" {
		return nil, fmt.Errorf("%w: empty anchor timeframe", ErrInvalidSnapshot)
	}
	if p.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: zero timestamp", ErrInvalidSnapshot)
	}
	if p.ScoreMax <= 0 {
		return nil, fmt.Errorf("%w: score_max must be positive, got %d", ErrInvalidSnapshot, p.ScoreMax)
	}
	if p.Score < 0 || p.Score > p.ScoreMax {
		return nil, fmt.Errorf("%w: score %d out of range [0,%d]", ErrInvalidSnapshot, p.Score, p.ScoreMax)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %f out of [0,1]", ErrInvalidSnapshot, p.Confidence)
	}
	if p.Entropy < 0 || p.Entropy > 1 {
		return nil, fmt.Errorf("%w: entropy %f out of [0,1]", ErrInvalidSnapshot, p.Entropy)
	}
	if p.CorrelationToMarket < 0 || p.CorrelationToMarket > 1 {
		return nil, fmt.Errorf("%w: correlation_to_market %f out of [0,1]", ErrInvalidSnapshot, p.CorrelationToMarket)
	}
	for name, v := range map[string]decimal.Decimal{"entry": p.Entry, "tp": p.TP, "sl": p.SL, "recommended_leverage": p.RecommendedLeverage} {
		if !v.IsZero() && !v.IsPositive() {
			return nil, fmt.Errorf("%w: %s must be positive when present, got %s", ErrInvalidSnapshot, name, v)
		}
	}
	if p.Decision == DecisionEnter {
		if p.Entry.IsZero() || p.SL.IsZero() {
			return nil, fmt.Errorf("%w: ENTER decision requires non-zero entry and stop", ErrInvalidSnapshot)
		}
		if !p.RecommendedLeverage.IsPositive() {
			return nil, fmt.Errorf("%w: ENTER decision requires positive leverage", ErrInvalidSnapshot)
		}
	}

	directions := make(map[string]Direction, len(p.DirectionByTF))
	for tf, d := range p.DirectionByTF {
		directions[tf] = d
	}

	return &Snapshot{
		Timestamp:           p.Timestamp,
		InstrumentID:        p.InstrumentID,
		AnchorTimeframe:     p.AnchorTimeframe,
		states:              p.States,
		Regime:              p.Regime,
		Volatility:          p.Volatility,
		CorrelationToMarket: p.CorrelationToMarket,
		Score:               p.Score,
		ScoreMax:            p.ScoreMax,
		Confidence:          p.Confidence,
		Entropy:             p.Entropy,
		RiskLevel:           p.RiskLevel,
		RecommendedLeverage: p.RecommendedLeverage,
		Entry:               p.Entry,
		TP:                  p.TP,
		SL:                  p.SL,
		Decision:            p.Decision,
		Reason:              p.Reason,
		directionByTF:       directions,
		Details:             append([]string(nil), p.Details...),
		Reasons:             append([]string(nil), p.Reasons...),
	}, nil
}

// RRRatio derives the reward:risk ratio from Entry/SL/TP. Direction is
// inferred from TP relative to Entry: TP > Entry means long, TP < Entry
// means short. Returns (0, false) when Entry or SL is zero (no stop, no
// ratio) or when TP == Entry (no reward leg to measure).
func (s *Snapshot) RRRatio() (decimal.Decimal, bool) {
	if s.Entry.IsZero() || s.SL.IsZero() || s.TP.Equal(s.Entry) {
		return decimal.Zero, false
	}
	risk := s.Entry.Sub(s.SL).Abs()
	if risk.IsZero() {
		return decimal.Zero, false
	}
	reward := s.TP.Sub(s.Entry).Abs()
	return reward.Div(risk), true
}
