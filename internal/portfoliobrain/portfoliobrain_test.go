package portfoliobrain

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/portfolio"
	"github.com/avrilquant/regime-core/internal/snapshot"
	"github.com/avrilquant/regime-core/internal/systemstate"
)

func newManager(t *testing.T, riskBudget decimal.Decimal) *portfolio.Manager {
	t.Helper()
	path := t.TempDir() + "/portfolio.json"
	m := portfolio.NewManager(path, decimal.NewFromInt(10000), riskBudget)
	require.NoError(t, m.Load())
	return m
}

func newSnapshot(t *testing.T, anchorState marketstate.State, confidence float64, score, scoreMax int) *snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.NewSnapshot(snapshot.Params{
		Timestamp:       time.Now(),
		InstrumentID:    "ETHUSDT",
		AnchorTimeframe: "15m",
		States:          marketstate.NewMap(map[string]marketstate.State{"15m": anchorState}),
		ScoreMax:        scoreMax,
		Score:           score,
		Confidence:      confidence,
		Entropy:         0.2,
		Decision:        snapshot.DecisionObserve,
	})
	require.NoError(t, err)
	return snap
}

func TestValidateBlocksWhenReinforcingDominantState(t *testing.T) {
	m := newManager(t, decimal.NewFromInt(100000))
	require.NoError(t, m.OpenOrAdd("AAA", snapshot.DirectionLong, decimal.NewFromInt(10), decimal.NewFromInt(100), time.Now(), marketstate.A, 0.8, 0.2))
	require.NoError(t, m.OpenOrAdd("BBB", snapshot.DirectionLong, decimal.NewFromInt(10), decimal.NewFromInt(100), time.Now(), marketstate.A, 0.8, 0.2))

	state := systemstate.New()
	brain := New(DefaultConfig(), m, state)
	req := &gatekeeper.Request{Symbol: "ETHUSDT", Snapshot: newSnapshot(t, marketstate.A, 0.8, 50, 100)}

	res := brain.Validate(context.Background(), req)
	assert.False(t, res.Allow)
	assert.Equal(t, gatekeeper.BlockHard, res.BlockLevel)
}

func TestValidateBlocksOnLowConfidence(t *testing.T) {
	m := newManager(t, decimal.NewFromInt(100000))
	state := systemstate.New()
	brain := New(DefaultConfig(), m, state)
	req := &gatekeeper.Request{Symbol: "ETHUSDT", Snapshot: newSnapshot(t, marketstate.D, 0.3, 50, 100)}

	res := brain.Validate(context.Background(), req)
	assert.False(t, res.Allow)
}

func TestValidateScalesDownOnHighCorrelation(t *testing.T) {
	m := newManager(t, decimal.NewFromInt(100000))
	require.NoError(t, m.OpenOrAdd("BTCUSDT", snapshot.DirectionLong, decimal.NewFromInt(10), decimal.NewFromInt(100), time.Now(), marketstate.B, 0.8, 0.2))

	state := systemstate.New()
	state.SetCorrelation("ETHUSDT", "BTCUSDT", 0.9)
	brain := New(DefaultConfig(), m, state)
	req := &gatekeeper.Request{Symbol: "ETHUSDT", Snapshot: newSnapshot(t, marketstate.D, 0.8, 50, 100)}

	res := brain.Validate(context.Background(), req)
	require.True(t, res.Allow)
	assert.Less(t, res.SizeMultiplier, 1.0)
}

func TestValidateAllowsEmptyPortfolio(t *testing.T) {
	m := newManager(t, decimal.NewFromInt(100000))
	state := systemstate.New()
	brain := New(DefaultConfig(), m, state)
	req := &gatekeeper.Request{Symbol: "ETHUSDT", Snapshot: newSnapshot(t, marketstate.D, 0.8, 50, 100)}

	res := brain.Validate(context.Background(), req)
	assert.True(t, res.Allow)
	assert.Equal(t, 1.0, res.SizeMultiplier)
}
