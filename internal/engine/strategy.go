// Package engine implements SignalGenerator, the per-cycle orchestrator
// that drives candle fetch, per-brain analysis, and the validator chain for
// every configured symbol, on a fetch -> classify -> validate -> emit
// cycle.
package engine

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/ports"
	"github.com/avrilquant/regime-core/internal/snapshot"
)

// SymbolAnalysis is one symbol's fully-classified read for one cycle: the
// per-timeframe MarketState map, directional reads, the raw score feeding
// cognitive metrics, and a draft entry/stop/target. The per-timeframe
// classifier and indicator math live outside the pipeline; Strategy is
// the seam a real technical-analysis library sits behind.
type SymbolAnalysis struct {
	States              marketstate.Map
	DirectionByTF       map[string]snapshot.Direction
	Score, ScoreMax     int
	Decision            snapshot.DecisionKind
	Entry, TP, SL       decimal.Decimal
	RecommendedLeverage decimal.Decimal
	Reason              string
	Details             []string
}

// Strategy classifies one symbol's multi-timeframe candle history into a
// SymbolAnalysis. The per-timeframe classifier and indicator math live
// behind this seam — the pipeline only consumes its output.
type Strategy interface {
	Analyze(ctx context.Context, symbol string, candlesByTF map[string][]ports.Candle) (SymbolAnalysis, error)
}

// DefaultStrategy is a deterministic, dependency-free stand-in for the real
// classifier: a candle's body-to-range ratio and its alignment with the
// preceding run of candles place it into impulse/acceptance/loss-of-control/
// rejection. Suitable for local development, demos, and tests; production
// deployments wire in a real indicator-backed Strategy.
type DefaultStrategy struct {
	AnchorTimeframe string
}

// NewDefaultStrategy builds a DefaultStrategy anchored on anchorTF.
func NewDefaultStrategy(anchorTF string) *DefaultStrategy {
	return &DefaultStrategy{AnchorTimeframe: anchorTF}
}

func (s *DefaultStrategy) Analyze(_ context.Context, symbol string, candlesByTF map[string][]ports.Candle) (SymbolAnalysis, error) {
	states := make(map[string]marketstate.State, len(candlesByTF))
	directions := make(map[string]snapshot.Direction, len(candlesByTF))

	for tf, candles := range candlesByTF {
		state, dir := classifyTimeframe(candles)
		if marketstate.Valid(state) {
			states[tf] = state
		}
		directions[tf] = dir
	}

	stateMap := marketstate.NewMap(states)
	anchorState, haveAnchor := stateMap.Get(s.AnchorTimeframe)

	score, scoreMax := scoreFromStates(stateMap)
	decision, reason := decisionFromState(anchorState, haveAnchor, score, scoreMax)

	var entry, tp, sl, leverage decimal.Decimal
	if decision == snapshot.DecisionEnter {
		last := lastClose(candlesByTF[s.AnchorTimeframe])
		atr := estimateATR(candlesByTF[s.AnchorTimeframe])
		entry = decimal.NewFromFloat(last)
		dir := directions[s.AnchorTimeframe]
		stopDist := math.Max(atr*1.5, last*0.005)
		switch dir {
		case snapshot.DirectionShort:
			sl = decimal.NewFromFloat(last + stopDist)
			tp = decimal.NewFromFloat(last - stopDist*2)
		default:
			sl = decimal.NewFromFloat(last - stopDist)
			tp = decimal.NewFromFloat(last + stopDist*2)
		}
		leverage = decimal.NewFromFloat(2.0)
	}

	return SymbolAnalysis{
		States:              stateMap,
		DirectionByTF:       directions,
		Score:               score,
		ScoreMax:            scoreMax,
		Decision:            decision,
		Entry:               entry,
		TP:                  tp,
		SL:                  sl,
		RecommendedLeverage: leverage,
		Reason:              reason,
		Details:             []string{"symbol: " + symbol},
	}, nil
}

// classifyTimeframe reduces a candle slice (oldest first) to a single
// MarketState and directional read using the last few bars' body/range
// ratio and agreement with the preceding trend.
func classifyTimeframe(candles []ports.Candle) (marketstate.State, snapshot.Direction) {
	n := len(candles)
	if n < 5 {
		return 0, snapshot.DirectionFlat
	}

	last := candles[n-1]
	open, _ := last.Open.Float64()
	closeP, _ := last.Close.Float64()
	high, _ := last.High.Float64()
	low, _ := last.Low.Float64()

	rng := high - low
	body := math.Abs(closeP - open)
	bodyRatio := 0.0
	if rng > 0 {
		bodyRatio = body / rng
	}

	trendSum := 0.0
	lookback := 5
	if n-1 < lookback {
		lookback = n - 1
	}
	for i := n - lookback; i < n; i++ {
		c := candles[i]
		o, _ := c.Open.Float64()
		cl, _ := c.Close.Float64()
		trendSum += cl - o
	}

	dir := snapshot.DirectionFlat
	switch {
	case closeP > open:
		dir = snapshot.DirectionLong
	case closeP < open:
		dir = snapshot.DirectionShort
	}

	candleUp := closeP > open
	trendUp := trendSum > 0
	aligned := candleUp == trendUp

	switch {
	case bodyRatio >= 0.6 && aligned:
		return marketstate.A, dir // impulse: strong move with the trend
	case bodyRatio >= 0.6 && !aligned:
		return marketstate.D, dir // rejection: strong move against the trend
	case bodyRatio < 0.25:
		return marketstate.C, dir // loss of control: wide wicks, no conviction
	default:
		return marketstate.B, dir // acceptance: consolidation
	}
}

// scoreFromStates derives a 0-100 conviction score from how many
// timeframes agree with the most common state.
func scoreFromStates(states marketstate.Map) (score, max int) {
	max = 100
	if states.Len() == 0 {
		return 0, max
	}
	counts := map[marketstate.State]int{}
	for _, tf := range states.Timeframes() {
		s, _ := states.Get(tf)
		counts[s]++
	}
	best := 0
	for _, c := range counts {
		if c > best {
			best = c
		}
	}
	score = int(float64(best) / float64(states.Len()) * float64(max))
	return score, max
}

func decisionFromState(anchor marketstate.State, haveAnchor bool, score, scoreMax int) (snapshot.DecisionKind, string) {
	if !haveAnchor {
		return snapshot.DecisionSkip, "anchor timeframe not classified"
	}
	ratio := 0.0
	if scoreMax > 0 {
		ratio = float64(score) / float64(scoreMax)
	}
	switch {
	case anchor == marketstate.A && ratio >= 0.6:
		return snapshot.DecisionEnter, "impulse state with strong timeframe agreement"
	case anchor == marketstate.C:
		return snapshot.DecisionSkip, "loss-of-control state"
	case ratio < 0.4:
		return snapshot.DecisionObserve, "low timeframe agreement"
	default:
		return snapshot.DecisionObserve, "insufficient conviction for entry"
	}
}

func lastClose(candles []ports.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	v, _ := candles[len(candles)-1].Close.Float64()
	return v
}

// estimateATR computes a simple average true range over the last 14
// candles (or fewer, if unavailable), treating high-low as the range proxy
// since we don't carry the prior close across the boundary here.
func estimateATR(candles []ports.Candle) float64 {
	n := len(candles)
	if n == 0 {
		return 0
	}
	period := 14
	if n < period {
		period = n
	}
	sum := 0.0
	for i := n - period; i < n; i++ {
		h, _ := candles[i].High.Float64()
		l, _ := candles[i].Low.Float64()
		sum += h - l
	}
	return sum / float64(period)
}
