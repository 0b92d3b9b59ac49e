package replay

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/snapshot"
	"github.com/avrilquant/regime-core/internal/systemstate"
)

type stubStage struct {
	name  string
	allow bool
}

func (s stubStage) Name() string { return s.name }

func (s stubStage) Validate(_ context.Context, _ *gatekeeper.Request) gatekeeper.StageResult {
	return gatekeeper.StageResult{Source: s.name, Allow: s.allow}
}

func newSnapshot(t *testing.T, symbol string, at time.Time) *snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.NewSnapshot(snapshot.Params{
		Timestamp:       at,
		InstrumentID:    symbol,
		AnchorTimeframe: "15m",
		States:          marketstate.NewMap(map[string]marketstate.State{"15m": marketstate.A}),
		ScoreMax:        100,
		Score:           60,
		Confidence:      0.7,
		Entropy:         0.3,
		Decision:        snapshot.DecisionObserve,
	})
	require.NoError(t, err)
	return snap
}

func TestRunReplaysInTimestampOrder(t *testing.T) {
	base := time.Now().UTC()
	later := newSnapshot(t, "BTCUSDT", base.Add(time.Hour))
	earlier := newSnapshot(t, "BTCUSDT", base)

	state := systemstate.New()
	chain := gatekeeper.New(state, nil, stubStage{name: "s", allow: true})
	engine := New(chain)

	report := engine.Run(context.Background(), []*snapshot.Snapshot{later, earlier}, decimal.NewFromInt(100), decimal.NewFromInt(1000), nil)

	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, earlier.Timestamp, report.Outcomes[0].Timestamp)
	assert.Equal(t, later.Timestamp, report.Outcomes[1].Timestamp)
}

func TestRunTalliesAllowedAndBlocked(t *testing.T) {
	now := time.Now().UTC()
	allowSnap := newSnapshot(t, "ETHUSDT", now)
	blockSnap := newSnapshot(t, "SOLUSDT", now.Add(time.Minute))

	state := systemstate.New()
	chain := gatekeeper.New(state, nil, stubStage{name: "gate", allow: true})
	engine := New(chain)

	report := engine.Run(context.Background(), []*snapshot.Snapshot{allowSnap}, decimal.NewFromInt(100), decimal.NewFromInt(1000), nil)
	assert.Equal(t, 1, report.TotalAllowed)
	assert.Equal(t, 0, report.TotalBlocked)

	blockingChain := gatekeeper.New(systemstate.New(), nil, stubStage{name: "gate", allow: false})
	blockingEngine := New(blockingChain)
	blockedReport := blockingEngine.Run(context.Background(), []*snapshot.Snapshot{blockSnap}, decimal.NewFromInt(100), decimal.NewFromInt(1000), nil)
	assert.Equal(t, 0, blockedReport.TotalAllowed)
	assert.Equal(t, 1, blockedReport.TotalBlocked)
	assert.Equal(t, 1, blockedReport.BlockedByStage["gate"])
}

func TestRunFlagsDivergenceFromRecordedDecision(t *testing.T) {
	at := time.Now().UTC()
	snap := newSnapshot(t, "BTCUSDT", at)

	state := systemstate.New()
	chain := gatekeeper.New(state, nil, stubStage{name: "gate", allow: true})
	engine := New(chain)

	recorded := map[string]Recorded{
		Key("BTCUSDT", at): {Symbol: "BTCUSDT", Timestamp: at, Allowed: false, BlockedBy: "riskcore"},
	}

	report := engine.Run(context.Background(), []*snapshot.Snapshot{snap}, decimal.NewFromInt(100), decimal.NewFromInt(1000), recorded)

	require.Len(t, report.Outcomes, 1)
	assert.True(t, report.Outcomes[0].Diverged)
	assert.Equal(t, 1, report.TotalDiverged)
}

func TestRecordedFromTraceKeysBySymbolAndTimestamp(t *testing.T) {
	at := time.Now().UTC()
	entries := []gatekeeper.TraceEntry{
		{Symbol: "BTCUSDT", Timestamp: at, Allowed: true, FinalSizeUSD: decimal.NewFromInt(500)},
	}

	recorded := RecordedFromTrace(entries)

	r, ok := recorded[Key("BTCUSDT", at)]
	require.True(t, ok)
	assert.True(t, r.Allowed)
	assert.True(t, decimal.NewFromInt(500).Equal(r.FinalSizeUSD))
}
