package engine

import (
	"context"
	"math"

	"github.com/avrilquant/regime-core/internal/ports"
	"github.com/avrilquant/regime-core/internal/regime"
)

// RegimeAnalyzer produces the aggregated, system-wide MarketRegime read
// from the latest candle sets across every tracked symbol. Macro analysis
// lives behind this seam; the pipeline only consumes its output via
// SystemState.SetRegime.
type RegimeAnalyzer interface {
	Analyze(ctx context.Context, candlesBySymbol map[string][]ports.Candle) (regime.MarketRegime, error)
}

// DefaultRegimeAnalyzer derives volatility from recent true-range spread
// and trend from net directional drift across every tracked symbol. A
// best-effort stand-in for a dedicated macro/volatility service.
type DefaultRegimeAnalyzer struct {
	AnchorTimeframe string
}

func (a *DefaultRegimeAnalyzer) Analyze(_ context.Context, candlesBySymbol map[string][]ports.Candle) (regime.MarketRegime, error) {
	if len(candlesBySymbol) == 0 {
		return regime.MarketRegime{Trend: regime.TrendUnknown, Volatility: regime.VolatilityUnknown}, nil
	}

	var volSum, driftSum float64
	count := 0
	for _, candles := range candlesBySymbol {
		if len(candles) < 2 {
			continue
		}
		vol := estimateATR(candles)
		last := lastClose(candles)
		if last > 0 {
			volSum += vol / last
		}
		first, _ := candles[0].Close.Float64()
		if first > 0 {
			driftSum += (last - first) / first
		}
		count++
	}
	if count == 0 {
		return regime.MarketRegime{Trend: regime.TrendUnknown, Volatility: regime.VolatilityUnknown}, nil
	}

	avgVolPct := volSum / float64(count) * 100
	avgDrift := driftSum / float64(count)

	var vol regime.VolatilityLevel
	switch {
	case avgVolPct > 3.0:
		vol = regime.VolatilityHigh
	case avgVolPct > 1.0:
		vol = regime.VolatilityMedium
	default:
		vol = regime.VolatilityLow
	}

	trend := regime.TrendRanging
	if math.Abs(avgDrift) > 0.01 {
		trend = regime.TrendTrending
	}

	sentiment := regime.SentimentNeutral
	switch {
	case avgDrift > 0.02:
		sentiment = regime.SentimentRiskOn
	case avgDrift < -0.02:
		sentiment = regime.SentimentRiskOff
	}

	confidence := 1.0 - math.Min(avgVolPct/10.0, 0.8)

	return regime.MarketRegime{
		Trend:         trend,
		Volatility:    vol,
		Sentiment:     sentiment,
		MacroPressure: math.Max(-1, math.Min(1, avgDrift*10)),
		Confidence:    confidence,
	}, nil
}

// CorrelationAnalyzer computes pairwise return correlation across tracked
// symbols, feeding PortfolioBrain's correlated-exposure check. Best-effort:
// a failure here never blocks a cycle, only leaves the prior matrix stale.
type CorrelationAnalyzer interface {
	Correlate(ctx context.Context, candlesBySymbol map[string][]ports.Candle) (map[string]map[string]float64, error)
}

// DefaultCorrelationAnalyzer computes Pearson correlation of close-to-close
// returns between every symbol pair.
type DefaultCorrelationAnalyzer struct{}

func (a *DefaultCorrelationAnalyzer) Correlate(_ context.Context, candlesBySymbol map[string][]ports.Candle) (map[string]map[string]float64, error) {
	returns := make(map[string][]float64, len(candlesBySymbol))
	for symbol, candles := range candlesBySymbol {
		returns[symbol] = closeReturns(candles)
	}

	out := make(map[string]map[string]float64, len(returns))
	for a, ra := range returns {
		out[a] = make(map[string]float64, len(returns))
		for b, rb := range returns {
			if a == b {
				continue
			}
			out[a][b] = pearson(ra, rb)
		}
	}
	return out, nil
}

func closeReturns(candles []ports.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	prev := 0.0
	for i, c := range candles {
		v, _ := c.Close.Float64()
		if i > 0 && prev != 0 {
			out = append(out, (v-prev)/prev)
		}
		prev = v
	}
	return out
}

func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
