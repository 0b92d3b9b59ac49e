package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrilquant/regime-core/internal/config"
	"github.com/avrilquant/regime-core/internal/faults"
	"github.com/avrilquant/regime-core/internal/fsm"
	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/portfolio"
	"github.com/avrilquant/regime-core/internal/ports"
	"github.com/avrilquant/regime-core/internal/snapshot"
	"github.com/avrilquant/regime-core/internal/systemstate"
)

func testConfig() config.Engine {
	return config.Engine{
		Symbols:              []string{"BTCUSDT", "ETHUSDT"},
		Timeframes:           []string{"1h", "15m"},
		AnchorTimeframe:      "15m",
		CycleIntervalSeconds: 60,
		HeartbeatSeconds:     60,
		CandleLookback:       50,
		CandleFetchTimeoutS:  10,
		BrainTimeoutSeconds:  2,
		CorrelationTimeoutS:  2,
		SignalTimeoutSeconds: 10,
		SnapshotEveryNCycles: 100,
	}
}

func testDeps(t *testing.T, state *systemstate.SystemState, machine *fsm.FSM) Deps {
	t.Helper()
	pm := portfolio.NewManager(filepath.Join(t.TempDir(), "portfolio.json"), decimal.NewFromInt(100000), decimal.NewFromInt(50000))
	require.NoError(t, pm.Load())
	return Deps{
		Candles:        ports.NewStubCandleFetcher(1),
		Strategy:       NewDefaultStrategy("15m"),
		RegimeAnalyzer: &DefaultRegimeAnalyzer{AnchorTimeframe: "15m"},
		Correlation:    &DefaultCorrelationAnalyzer{},
		State:          state,
		Chain:          gatekeeper.New(state, nil),
		Portfolio:      pm,
		Sink:           &ports.StubMessageSink{},
		Machine:        machine,
		Faults:         faults.None(),
	}
}

func TestRunCyclePublishesOpportunities(t *testing.T) {
	state := systemstate.New()
	machine := fsm.New(fsm.Config{})
	machine.AttachSyncTarget(state)

	gen := New(testConfig(), testDeps(t, state, machine))
	gen.RunCycle(context.Background())

	opps := state.AllOpportunities()
	assert.Contains(t, opps, "BTCUSDT")
	assert.Contains(t, opps, "ETHUSDT")
	assert.Equal(t, fsm.Running, machine.State())
}

func TestRunCycleSkipsSymbolsWhilePaused(t *testing.T) {
	state := systemstate.New()
	machine := fsm.New(fsm.Config{})
	machine.AttachSyncTarget(state)
	require.NoError(t, machine.TransitionTo(fsm.SafeMode, "halt", "test", nil))

	gen := New(testConfig(), testDeps(t, state, machine))
	gen.RunCycle(context.Background())

	assert.Empty(t, state.AllOpportunities())
}

func TestRunCycleUpdatesRiskSlice(t *testing.T) {
	state := systemstate.New()
	machine := fsm.New(fsm.Config{})
	machine.AttachSyncTarget(state)

	gen := New(testConfig(), testDeps(t, state, machine))
	gen.RunCycle(context.Background())

	risk := state.Risk()
	assert.Equal(t, 1.0, risk.AvailableRiskRatio, "empty book leaves the full risk budget available")
}

func TestActionTrackerCountsWindows(t *testing.T) {
	tracker := newActionTracker()
	now := time.Now().UTC()

	tracker.RecordAction(now.Add(-25 * time.Hour)) // outside 24h, pruned on next record
	tracker.RecordAction(now.Add(-2 * time.Hour))
	tracker.RecordAction(now.Add(-10 * time.Minute))

	lastHour, last24h, lastAction, _ := tracker.counts(now)
	assert.Equal(t, 1, lastHour)
	assert.Equal(t, 2, last24h)
	assert.Equal(t, now.Add(-10*time.Minute), lastAction)
}

func TestRiskDataAdapterReflectsMachineState(t *testing.T) {
	state := systemstate.New()
	machine := fsm.New(fsm.Config{})
	machine.AttachSyncTarget(state)
	pm := portfolio.NewManager(filepath.Join(t.TempDir(), "portfolio.json"), decimal.NewFromInt(100000), decimal.NewFromInt(50000))
	require.NoError(t, pm.Load())

	source := NewRiskDataSource(state, pm, machine, NewActionTracker())
	req := &gatekeeper.Request{Symbol: "BTCUSDT"}

	data := source.RiskData(req)
	assert.True(t, data.RuntimeHealthy)
	assert.True(t, data.CriticalModulesUp)
	assert.False(t, data.SafeMode)

	require.NoError(t, machine.TransitionTo(fsm.SafeMode, "halt", "test", nil))
	data = source.RiskData(req)
	assert.False(t, data.CriticalModulesUp)
	assert.True(t, data.SafeMode)
}

func TestRiskDataGroupsCorrelatedExposureAsPct(t *testing.T) {
	state := systemstate.New()
	machine := fsm.New(fsm.Config{})
	machine.AttachSyncTarget(state)
	pm := portfolio.NewManager(filepath.Join(t.TempDir(), "portfolio.json"), decimal.NewFromInt(100000), decimal.NewFromInt(50000))
	require.NoError(t, pm.Load())
	require.NoError(t, pm.OpenOrAdd("ETHUSDT", snapshot.DirectionLong, decimal.NewFromInt(10), decimal.NewFromInt(3000), time.Now().UTC(), marketstate.A, 0.7, 0.3))

	source := NewRiskDataSource(state, pm, machine, NewActionTracker())
	req := &gatekeeper.Request{Symbol: "BTCUSDT"}

	state.SetCorrelation("BTCUSDT", "ETHUSDT", 0.9)
	data := source.RiskData(req)
	group, ok := data.CorrelatedGroupExposure["BTCUSDT"]
	require.True(t, ok)
	assert.InDelta(t, 30.0, group, 0.01, "10 ETH at 3000 against 100k capital is 30 percent")

	state.SetCorrelation("BTCUSDT", "ETHUSDT", 0.3)
	data = source.RiskData(req)
	assert.Empty(t, data.CorrelatedGroupExposure, "weakly correlated symbols form no group")
}
