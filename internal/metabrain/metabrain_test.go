package metabrain

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/snapshot"
	"github.com/avrilquant/regime-core/internal/systemstate"
)

type stubOutcomes struct{ outcomes []bool }

func (s stubOutcomes) RecentOutcomes(symbol string) []bool { return s.outcomes }

type stubClock struct{ eos bool }

func (s stubClock) EndOfSession(now time.Time) bool { return s.eos }

func newSnapshot(t *testing.T, confidence, entropy float64) *snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.NewSnapshot(snapshot.Params{
		Timestamp:       time.Now(),
		InstrumentID:    "BTCUSDT",
		AnchorTimeframe: "15m",
		ScoreMax:        100,
		Score:           50,
		Confidence:      confidence,
		Entropy:         entropy,
		Decision:        snapshot.DecisionObserve,
	})
	require.NoError(t, err)
	return snap
}

func TestValidateHardBlocksHighEntropyLowConfidence(t *testing.T) {
	state := systemstate.New()
	b := New(DefaultConfig(), state, nil, nil, nil, nil)
	req := &gatekeeper.Request{Symbol: "BTCUSDT", Snapshot: newSnapshot(t, 0.3, 0.8), PositionSizeUSD: decimal.NewFromInt(100)}

	res := b.Validate(context.Background(), req)
	assert.False(t, res.Allow)
	assert.Equal(t, gatekeeper.BlockHard, res.BlockLevel)
}

func TestValidateHardBlocksOverExposure(t *testing.T) {
	state := systemstate.New()
	state.SetRisk(systemstate.RiskExposure{TotalExposurePct: 0.9})
	b := New(DefaultConfig(), state, nil, nil, nil, nil)
	req := &gatekeeper.Request{Symbol: "BTCUSDT", Snapshot: newSnapshot(t, 0.8, 0.1)}

	res := b.Validate(context.Background(), req)
	assert.False(t, res.Allow)
	assert.Equal(t, gatekeeper.BlockHard, res.BlockLevel)
}

func TestValidateHardBlocksDegradedSystem(t *testing.T) {
	state := systemstate.New()
	state.SetHealth(true, true)
	b := New(DefaultConfig(), state, nil, nil, nil, nil)
	req := &gatekeeper.Request{Symbol: "BTCUSDT", Snapshot: newSnapshot(t, 0.8, 0.1)}

	res := b.Validate(context.Background(), req)
	assert.False(t, res.Allow)
	assert.Equal(t, gatekeeper.BlockHard, res.BlockLevel)
}

func TestValidateSoftBlocksLosingStreak(t *testing.T) {
	state := systemstate.New()
	outcomes := stubOutcomes{outcomes: []bool{true, false, false, false}}
	b := New(DefaultConfig(), state, outcomes, nil, nil, nil)
	req := &gatekeeper.Request{Symbol: "BTCUSDT", Snapshot: newSnapshot(t, 0.8, 0.1)}

	res := b.Validate(context.Background(), req)
	assert.False(t, res.Allow)
	assert.Equal(t, gatekeeper.BlockSoft, res.BlockLevel)
	assert.False(t, res.CooldownUntil.IsZero())
}

func TestValidateSoftBlocksEndOfSessionHighEntropy(t *testing.T) {
	state := systemstate.New()
	b := New(DefaultConfig(), state, nil, stubClock{eos: true}, nil, nil)
	req := &gatekeeper.Request{Symbol: "BTCUSDT", Snapshot: newSnapshot(t, 0.8, 0.65)}

	res := b.Validate(context.Background(), req)
	assert.False(t, res.Allow)
	assert.Equal(t, gatekeeper.BlockSoft, res.BlockLevel)
}

func TestValidateAllowsHealthyState(t *testing.T) {
	state := systemstate.New()
	b := New(DefaultConfig(), state, nil, nil, nil, nil)
	req := &gatekeeper.Request{Symbol: "BTCUSDT", Snapshot: newSnapshot(t, 0.8, 0.1)}

	res := b.Validate(context.Background(), req)
	assert.True(t, res.Allow)
}

func snapshotAt(t *testing.T, at time.Time) *snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.NewSnapshot(snapshot.Params{
		Timestamp:       at,
		InstrumentID:    "BTCUSDT",
		AnchorTimeframe: "15m",
		ScoreMax:        100,
		Score:           50,
		Confidence:      0.8,
		Entropy:         0.1,
		Decision:        snapshot.DecisionObserve,
	})
	require.NoError(t, err)
	return snap
}

func TestValidateSoftBlocksOvertradingCadence(t *testing.T) {
	now := time.Now().UTC()
	state := systemstate.New()
	for i := 0; i < 13; i++ {
		state.RecordSignal(snapshotAt(t, now.Add(-time.Duration(i)*time.Minute)))
	}
	b := New(DefaultConfig(), state, nil, nil, nil, func() time.Time { return now })
	req := &gatekeeper.Request{Symbol: "BTCUSDT", Snapshot: newSnapshot(t, 0.8, 0.1)}

	res := b.Validate(context.Background(), req)
	assert.False(t, res.Allow)
	assert.Equal(t, gatekeeper.BlockSoft, res.BlockLevel)
	assert.Equal(t, "over-trading cadence", res.Reason)
}

func TestValidateCadenceIgnoresSignalsOlderThanAnHour(t *testing.T) {
	now := time.Now().UTC()
	state := systemstate.New()
	for i := 0; i < 13; i++ {
		state.RecordSignal(snapshotAt(t, now.Add(-2*time.Hour)))
	}
	b := New(DefaultConfig(), state, nil, nil, nil, func() time.Time { return now })
	req := &gatekeeper.Request{Symbol: "BTCUSDT", Snapshot: newSnapshot(t, 0.8, 0.1)}

	res := b.Validate(context.Background(), req)
	assert.True(t, res.Allow, "stale signals must not count toward cadence")
}

func TestHardBlockCarriesCooldown(t *testing.T) {
	now := time.Now().UTC()
	state := systemstate.New()
	b := New(DefaultConfig(), state, nil, nil, nil, func() time.Time { return now })
	req := &gatekeeper.Request{Symbol: "BTCUSDT", Snapshot: newSnapshot(t, 0.3, 0.8)}

	res := b.Validate(context.Background(), req)
	assert.Equal(t, gatekeeper.BlockHard, res.BlockLevel)
	assert.Equal(t, now.Add(30*time.Minute), res.CooldownUntil)
}

func TestSoftCooldownStaysInsideConfiguredBand(t *testing.T) {
	now := time.Now().UTC()
	state := systemstate.New()
	outcomes := stubOutcomes{outcomes: []bool{false, false, false}}
	b := New(DefaultConfig(), state, outcomes, nil, nil, func() time.Time { return now })
	req := &gatekeeper.Request{Symbol: "BTCUSDT", Snapshot: newSnapshot(t, 0.8, 0.1)}

	res := b.Validate(context.Background(), req)
	require.Equal(t, gatekeeper.BlockSoft, res.BlockLevel)
	cooldown := res.CooldownUntil.Sub(now)
	assert.GreaterOrEqual(t, cooldown, 5*time.Minute)
	assert.LessOrEqual(t, cooldown, 30*time.Minute)
}
