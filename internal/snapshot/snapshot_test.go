package snapshot

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/regime"
)

func validParams() Params {
	return Params{
		Timestamp:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		InstrumentID:    "BTC-PERP",
		AnchorTimeframe: "15m",
		States:          marketstate.NewMap(map[string]marketstate.State{"15m": marketstate.A}),
		Score:           2,
		ScoreMax:        5,
		Confidence:      0.5,
		Entropy:         0.2,
		Decision:        DecisionObserve,
	}
}

func TestNewSnapshotValid(t *testing.T) {
	s, err := NewSnapshot(validParams())
	require.NoError(t, err)
	assert.Equal(t, "BTC-PERP", s.InstrumentID)
	assert.Equal(t, 1, s.States().Len())
}

func TestNewSnapshotRejectsEmptyInstrument(t *testing.T) {
	p := validParams()
	p.InstrumentID = ""
	_, err := NewSnapshot(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSnapshot))
}

func TestNewSnapshotRejectsScoreOutOfRange(t *testing.T) {
	p := validParams()
	p.Score = 10
	p.ScoreMax = 5
	_, err := NewSnapshot(p)
	require.Error(t, err)
}

func TestNewSnapshotRejectsConfidenceOutOfRange(t *testing.T) {
	p := validParams()
	p.Confidence = 1.5
	_, err := NewSnapshot(p)
	require.Error(t, err)
}

func TestNewSnapshotEnterRequiresEntryAndStop(t *testing.T) {
	p := validParams()
	p.Decision = DecisionEnter
	p.RecommendedLeverage = decimal.NewFromInt(2)
	_, err := NewSnapshot(p)
	require.Error(t, err)

	p.Entry = decimal.NewFromInt(100)
	p.SL = decimal.NewFromInt(95)
	s, err := NewSnapshot(p)
	require.NoError(t, err)
	assert.Equal(t, DecisionEnter, s.Decision)
}

func TestRRRatio(t *testing.T) {
	p := validParams()
	p.Decision = DecisionEnter
	p.Entry = decimal.NewFromInt(100)
	p.SL = decimal.NewFromInt(95)
	p.TP = decimal.NewFromInt(110)
	p.RecommendedLeverage = decimal.NewFromInt(1)
	s, err := NewSnapshot(p)
	require.NoError(t, err)

	rr, ok := s.RRRatio()
	require.True(t, ok)
	assert.True(t, rr.Equal(decimal.NewFromInt(2)))
}

func TestRRRatioAbsentStop(t *testing.T) {
	p := validParams()
	s, err := NewSnapshot(p)
	require.NoError(t, err)
	_, ok := s.RRRatio()
	assert.False(t, ok)
}

func TestDirectionByTF(t *testing.T) {
	p := validParams()
	p.DirectionByTF = map[string]Direction{"4h": DirectionLong}
	s, err := NewSnapshot(p)
	require.NoError(t, err)

	d, ok := s.DirectionByTF("4h")
	require.True(t, ok)
	assert.Equal(t, DirectionLong, d)

	_, ok = s.DirectionByTF("1d")
	assert.False(t, ok)
}

func TestAggregateRiskLevelMissing1hIsHigh(t *testing.T) {
	states := marketstate.NewMap(map[string]marketstate.State{"15m": marketstate.A})
	got := AggregateRiskLevel(states, DirectionFlat, DirectionFlat, StopDistanceResult{Valid: true}, nil, nil, 0)
	assert.Equal(t, regime.RiskHigh, got)
}

func TestAggregateRiskLevelCleanIsLow(t *testing.T) {
	states := marketstate.NewMap(map[string]marketstate.State{
		"1h": marketstate.A, "30m": marketstate.A, "15m": marketstate.A,
	})
	stop := StopDistanceResult{Valid: true, RiskLevel: regime.RiskLow}
	got := AggregateRiskLevel(states, DirectionFlat, DirectionFlat, stop, nil, nil, 1.0)
	assert.Equal(t, regime.RiskLow, got)
}

func TestAggregateRiskLevelInvalidStopIsHigh(t *testing.T) {
	states := marketstate.NewMap(map[string]marketstate.State{
		"1h": marketstate.A, "30m": marketstate.A, "15m": marketstate.A,
	})
	stop := StopDistanceResult{Valid: false}
	got := AggregateRiskLevel(states, DirectionFlat, DirectionFlat, stop, nil, nil, 0)
	assert.Equal(t, regime.RiskHigh, got)
}
