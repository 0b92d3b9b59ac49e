package drift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/snapshot"
)

func snapAt(t *testing.T, at time.Time, confidence, entropy float64) *snapshot.Snapshot {
	t.Helper()
	s, err := snapshot.NewSnapshot(snapshot.Params{
		Timestamp:       at,
		InstrumentID:    "BTCUSDT",
		AnchorTimeframe: "15m",
		States:          marketstate.NewMap(map[string]marketstate.State{"15m": marketstate.B}),
		ScoreMax:        100,
		Score:           50,
		Confidence:      confidence,
		Entropy:         entropy,
		Decision:        snapshot.DecisionObserve,
	})
	require.NoError(t, err)
	return s
}

// series generates count snapshots, step apart, ending just before `end`.
func series(t *testing.T, end time.Time, count int, step time.Duration, confidence, entropy float64) []*snapshot.Snapshot {
	t.Helper()
	out := make([]*snapshot.Snapshot, 0, count)
	for i := count; i > 0; i-- {
		out = append(out, snapAt(t, end.Add(-time.Duration(i)*step), confidence, entropy))
	}
	return out
}

func TestDetectNoDriftOnStableSeries(t *testing.T) {
	now := time.Now().UTC()
	var snaps []*snapshot.Snapshot
	snaps = append(snaps, series(t, now.Add(-24*time.Hour), 50, 3*time.Hour, 0.6, 0.4)...)
	snaps = append(snaps, series(t, now, 20, time.Hour, 0.6, 0.4)...)

	state, ok := NewDetector().Detect(snaps, now)
	require.True(t, ok)
	assert.False(t, state.OverallDetected)
	assert.False(t, state.HasAnyDrift())
}

func TestDetectFlagsConfidenceCollapse(t *testing.T) {
	now := time.Now().UTC()
	var snaps []*snapshot.Snapshot
	snaps = append(snaps, series(t, now.Add(-24*time.Hour), 50, 3*time.Hour, 0.8, 0.3)...)
	snaps = append(snaps, series(t, now, 20, time.Hour, 0.4, 0.3)...)

	state, ok := NewDetector().Detect(snaps, now)
	require.True(t, ok)
	assert.True(t, state.OverallDetected)
	assert.True(t, state.Confidence.Detected)
	assert.Equal(t, SeverityHigh, state.Confidence.Severity)
}

func TestDetectInsufficientData(t *testing.T) {
	now := time.Now().UTC()
	_, ok := NewDetector().Detect([]*snapshot.Snapshot{snapAt(t, now.Add(-time.Hour), 0.5, 0.5)}, now)
	assert.False(t, ok)
}

type sliceSource struct {
	snaps []*snapshot.Snapshot
}

func (s sliceSource) RecentSignals(int) []*snapshot.Snapshot { return s.snaps }

func TestTrackerDriftFactor(t *testing.T) {
	now := time.Now().UTC()
	var snaps []*snapshot.Snapshot
	snaps = append(snaps, series(t, now.Add(-24*time.Hour), 50, 3*time.Hour, 0.8, 0.3)...)
	snaps = append(snaps, series(t, now, 20, time.Hour, 0.4, 0.3)...)

	tracker := NewTracker(sliceSource{snaps: snaps}, 1000)
	assert.Zero(t, tracker.DriftFactor(), "no factor before the first refresh")

	tracker.Refresh(now)
	assert.Greater(t, tracker.DriftFactor(), 0.5)
}
