package riskcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLossTrackerReportsZeroBeforeAnyRecord(t *testing.T) {
	lt := NewLossTracker()
	now := time.Now()
	assert.Equal(t, 0.0, lt.Loss24hPct(now, 100))
	assert.Equal(t, 0.0, lt.Loss7dPct(now, 100))
}

func TestLossTrackerComputesRolling24hLoss(t *testing.T) {
	lt := NewLossTracker()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	lt.Record(start, 1000)
	lt.Record(start.Add(12*time.Hour), 950)
	now := start.Add(24 * time.Hour)
	lt.Record(now, 900)

	loss := lt.Loss24hPct(now, 900)
	assert.InDelta(t, 10.0, loss, 0.001)
}

func TestLossTrackerNeverReportsNegativeLossOnRecovery(t *testing.T) {
	lt := NewLossTracker()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	lt.Record(start, 1000)
	now := start.Add(time.Hour)
	lt.Record(now, 1100)

	assert.Equal(t, 0.0, lt.Loss24hPct(now, 1100))
}

func TestLossTrackerPrunesSamplesOlderThanSevenDays(t *testing.T) {
	lt := NewLossTracker()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	lt.Record(start, 1000)
	later := start.Add(10 * 24 * time.Hour)
	lt.Record(later, 500)

	lt.mu.Lock()
	n := len(lt.samples)
	lt.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestLossTracker7dUsesOldestSampleWithinWindow(t *testing.T) {
	lt := NewLossTracker()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	lt.Record(start, 1000)
	day3 := start.Add(3 * 24 * time.Hour)
	lt.Record(day3, 800)
	day8 := start.Add(8 * 24 * time.Hour)

	// start (day 0) has aged out of a 7d window measured from day8; day3
	// is the oldest sample still inside [day8-7d, day8].
	loss := lt.Loss7dPct(day8, 400)
	assert.InDelta(t, 50.0, loss, 0.001)
}
