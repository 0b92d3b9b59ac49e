package sizer

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
)

func newManager(t *testing.T, riskBudget, usedExposure decimal.Decimal) *portfolio.Manager {
	t.Helper()
	path := t.TempDir() + "/portfolio.json"
	m := portfolio.NewManager(path, decimal.NewFromInt(10000), riskBudget)
	require.NoError(t, m.Load())
	if usedExposure.IsPositive() {
		require.NoError(t, m.OpenOrAdd("BTCUSDT", snapshot.DirectionLong, decimal.NewFromInt(1), usedExposure, time.Now(), marketstate.A, 0.8, 0.2))
	}
	return m
}

func newSnapshot(t *testing.T, confidence, entropy float64) *snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.NewSnapshot(snapshot.Params{
		Timestamp:       time.Now(),
		InstrumentID:    "ETHUSDT",
		AnchorTimeframe: "15m",
		ScoreMax:        100,
		Score:           60,
		Confidence:      confidence,
		Entropy:         entropy,
		Decision:        snapshot.DecisionObserve,
	})
	require.NoError(t, err)
	return snap
}

func TestValidateComputesSizeFromFinalRisk(t *testing.T) {
	m := newManager(t, decimal.Zero, decimal.Zero)
	s := New(DefaultConfig(), m)
	req := &gatekeeper.Request{Snapshot: newSnapshot(t, 1.0, 0.0), BalanceUSD: decimal.NewFromInt(10000)}

	res := s.Validate(context.Background(), req)
	require.True(t, res.Allow)
	assert.True(t, req.PositionSizeUSD.Equal(decimal.NewFromInt(200)))
}

func TestValidateDeniesWhenFinalRiskBelowThreshold(t *testing.T) {
	m := newManager(t, decimal.Zero, decimal.Zero)
	s := New(DefaultConfig(), m)
	req := &gatekeeper.Request{Snapshot: newSnapshot(t, 0.2, 0.95), BalanceUSD: decimal.NewFromInt(10000)}

	res := s.Validate(context.Background(), req)
	assert.False(t, res.Allow)
	assert.Equal(t, gatekeeper.BlockSoft, res.BlockLevel)
}

func TestValidateScalesDownWithUsedRiskBudget(t *testing.T) {
	budget := decimal.NewFromInt(1000)
	used := decimal.NewFromInt(800)
	m := newManager(t, budget, used)
	s := New(DefaultConfig(), m)
	req := &gatekeeper.Request{Snapshot: newSnapshot(t, 1.0, 0.0), BalanceUSD: decimal.NewFromInt(10000)}

	res := s.Validate(context.Background(), req)
	assert.False(t, res.Allow)
}

func TestValidateFullRiskBudgetAllowsFullSize(t *testing.T) {
	budget := decimal.NewFromInt(1000)
	m := newManager(t, budget, decimal.Zero)
	s := New(DefaultConfig(), m)
	req := &gatekeeper.Request{Snapshot: newSnapshot(t, 1.0, 0.0), BalanceUSD: decimal.NewFromInt(10000)}

	res := s.Validate(context.Background(), req)
	require.True(t, res.Allow)
	assert.True(t, req.PositionSizeUSD.Equal(decimal.NewFromInt(200)))
}

func TestClampBounds(t *testing.T) {
	assert.Equal(t, 0.2, clamp(0.0, 0.2, 1.0))
	assert.Equal(t, 1.0, clamp(1.5, 0.2, 1.0))
	assert.Equal(t, 0.5, clamp(0.5, 0.2, 1.0))
}
