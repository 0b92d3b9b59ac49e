package cognitive

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/regime"
	"github.com/avrilquant/regime-core/internal/snapshot"
)

func buildSnapshot(t *testing.T, p snapshot.Params) *snapshot.Snapshot {
	t.Helper()
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	if p.InstrumentID == "" {
		p.InstrumentID = "BTCUSDT"
	}
	if p.AnchorTimeframe == "" {
		p.AnchorTimeframe = "15m"
	}
	if p.ScoreMax == 0 {
		p.ScoreMax = 100
	}
	snap, err := snapshot.NewSnapshot(p)
	require.NoError(t, err)
	return snap
}

func TestConfidenceHighOnConsistentLowRiskEnter(t *testing.T) {
	snap := buildSnapshot(t, snapshot.Params{
		States: marketstate.NewMap(map[string]marketstate.State{
			"5m": marketstate.D, "15m": marketstate.D, "30m": marketstate.D,
		}),
		Score:     90,
		RiskLevel: regime.RiskLow,
		Decision:  snapshot.DecisionEnter,
		Regime:    regime.MarketRegime{Confidence: 0.9},
		Volatility: regime.VolatilityLow,
		Entry:               decimal.NewFromInt(100),
		SL:                  decimal.NewFromInt(95),
		RecommendedLeverage: decimal.NewFromInt(1),
	})

	c := Confidence(snap)
	assert.Greater(t, c, 0.7)
	assert.LessOrEqual(t, c, 1.0)
}

func TestConfidenceLowOnDispersedStatesAndConflict(t *testing.T) {
	snap := buildSnapshot(t, snapshot.Params{
		States: marketstate.NewMap(map[string]marketstate.State{
			"5m": marketstate.A, "15m": marketstate.B, "30m": marketstate.C, "1h": marketstate.D,
		}),
		Score:     85,
		RiskLevel: regime.RiskHigh,
		Decision:  snapshot.DecisionEnter,
		Regime:    regime.MarketRegime{Confidence: 0.2},
		Volatility: regime.VolatilityHigh,
		Entry:               decimal.NewFromInt(100),
		SL:                  decimal.NewFromInt(95),
		RecommendedLeverage: decimal.NewFromInt(1),
	})

	c := Confidence(snap)
	assert.Less(t, c, 0.4)
}

func TestEntropyHighOnDispersionAndConflict(t *testing.T) {
	snap := buildSnapshot(t, snapshot.Params{
		States: marketstate.NewMap(map[string]marketstate.State{
			"5m": marketstate.A, "15m": marketstate.B, "30m": marketstate.C, "1h": marketstate.D,
		}),
		Score:      90,
		RiskLevel:  regime.RiskHigh,
		Decision:   snapshot.DecisionEnter,
		Regime:     regime.MarketRegime{Confidence: 0.1},
		Volatility: regime.VolatilityHigh,
		Entry:               decimal.NewFromInt(100),
		SL:                  decimal.NewFromInt(95),
		RecommendedLeverage: decimal.NewFromInt(1),
	})

	e := Entropy(snap)
	assert.Greater(t, e, 0.6)
}

func TestEntropyLowOnConsistentQuietMarket(t *testing.T) {
	snap := buildSnapshot(t, snapshot.Params{
		States: marketstate.NewMap(map[string]marketstate.State{
			"5m": marketstate.D, "15m": marketstate.D,
		}),
		Score:      50,
		RiskLevel:  regime.RiskLow,
		Decision:   snapshot.DecisionObserve,
		Regime:     regime.MarketRegime{Confidence: 0.9},
		Volatility: regime.VolatilityLow,
	})

	e := Entropy(snap)
	assert.Less(t, e, 0.3)
}

func TestScoreRatioZeroScoreMaxNeverPanics(t *testing.T) {
	assert.Equal(t, 0.0, scoreRatio(&snapshot.Snapshot{ScoreMax: 0}))
}

func TestConflictPenaltyStrongOnHighScoreHighRisk(t *testing.T) {
	snap := buildSnapshot(t, snapshot.Params{
		Score:     75,
		RiskLevel: regime.RiskHigh,
		Decision:  snapshot.DecisionObserve,
		Entry:     decimal.Zero,
	})
	assert.Equal(t, 1.0, conflictPenalty(snap))
}
