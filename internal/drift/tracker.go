package drift

import (
	"sync"
	"time"

	"github.com/avrilquant/regime-core/internal/snapshot"
)

// SignalSource supplies the recorded snapshots a Tracker detects drift
// over — systemstate.SystemState.RecentSignals satisfies this directly.
type SignalSource interface {
	RecentSignals(n int) []*snapshot.Snapshot
}

// Tracker runs a Detector on demand and caches the latest State behind a
// mutex, so it can be polled cheaply from both the engine cycle (to log
// drift state) and MetaDecisionBrain (to read DriftFactor) without
// re-running the detector on every signal. It satisfies
// internal/metabrain.DriftSource.
type Tracker struct {
	detector *Detector
	source   SignalSource
	lookback int

	mu    sync.Mutex
	last  *State
	valid bool
}

// NewTracker builds a Tracker pulling up to lookback recent signals from
// source on each Refresh.
func NewTracker(source SignalSource, lookback int) *Tracker {
	return &Tracker{detector: NewDetector(), source: source, lookback: lookback}
}

// Refresh re-runs drift detection against the current signal history. It
// is safe to call from the engine's periodic cycle; a detection with
// insufficient data simply leaves the prior cached State in place.
func (t *Tracker) Refresh(now time.Time) {
	snapshots := t.source.RecentSignals(t.lookback)
	state, ok := t.detector.Detect(snapshots, now)
	if !ok {
		return
	}
	t.mu.Lock()
	t.last, t.valid = state, true
	t.mu.Unlock()
}

// State returns the last computed State and whether one exists yet.
func (t *Tracker) State() (*State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.valid
}

// DriftFactor implements internal/metabrain.DriftSource.
func (t *Tracker) DriftFactor() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid {
		return 0
	}
	return t.last.Factor()
}
