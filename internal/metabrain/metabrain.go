// Package metabrain implements MetaDecisionBrain: the mission-level
// WHEN-NOT-TO-TRADE filter, stage 3 of the validator chain: hard blocks
// for conditions under which no signal should trade at all, soft blocks
// with a cooldown for conditions that should merely slow the system
// down.
package metabrain

import (
	"context"
	"time"

	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/systemstate"
)

// Config names every threshold MetaDecisionBrain evaluates.
type Config struct {
	HardEntropyThreshold     float64
	HardConfidenceThreshold  float64
	HardExposureThreshold    float64
	OvertradeSignalsPerHour  int
	MidConfidenceLow         float64
	MidConfidenceHigh        float64
	SoftHighExposureThreshold float64
	LosingStreakThreshold    int
	EndOfSessionEntropy      float64
	SoftCooldownMin          time.Duration
	SoftCooldownMax          time.Duration
	HardCooldown             time.Duration
	DriftFactorThreshold     float64
}

// DefaultConfig is the production threshold set.
func DefaultConfig() Config {
	return Config{
		HardEntropyThreshold:      0.7,
		HardConfidenceThreshold:   0.4,
		HardExposureThreshold:     0.8,
		OvertradeSignalsPerHour:   12,
		MidConfidenceLow:          0.4,
		MidConfidenceHigh:         0.6,
		SoftHighExposureThreshold: 0.6,
		LosingStreakThreshold:     3,
		EndOfSessionEntropy:       0.6,
		SoftCooldownMin:           5 * time.Minute,
		SoftCooldownMax:           30 * time.Minute,
		HardCooldown:              30 * time.Minute,
		DriftFactorThreshold:      0.5,
	}
}

// OutcomesSource reports recent trade outcomes for a symbol, most recent
// last. true means a winning close.
type OutcomesSource interface {
	RecentOutcomes(symbol string) []bool
}

// SessionClock tells MetaDecisionBrain whether now is end-of-session, an
// externally supplied predicate.
type SessionClock interface {
	EndOfSession(now time.Time) bool
}

// DriftSource reports internal/drift's latest advisory factor in [0,1],
// 0 meaning no detected drift. MetaDecisionBrain folds this in as a soft
// condition only; it never queries internal/drift directly, and a drift
// reading never hard-blocks — drift detection is advisory-only.
type DriftSource interface {
	DriftFactor() float64
}

// MetaDecisionBrain reads SystemState and recent-outcomes/session context;
// it owns no slice of SystemState itself.
type MetaDecisionBrain struct {
	cfg      Config
	state    *systemstate.SystemState
	outcomes OutcomesSource
	clock    SessionClock
	drift    DriftSource
	now      func() time.Time
}

// New builds a MetaDecisionBrain. now defaults to time.Now. drift may be
// nil, in which case drift is never considered.
func New(cfg Config, state *systemstate.SystemState, outcomes OutcomesSource, clock SessionClock, drift DriftSource, now func() time.Time) *MetaDecisionBrain {
	if now == nil {
		now = time.Now
	}
	return &MetaDecisionBrain{cfg: cfg, state: state, outcomes: outcomes, clock: clock, drift: drift, now: now}
}

func (m *MetaDecisionBrain) Name() string { return "meta_decision" }

// Validate implements gatekeeper.Validator.
func (m *MetaDecisionBrain) Validate(ctx context.Context, req *gatekeeper.Request) (result gatekeeper.StageResult) {
	defer func() {
		if r := recover(); r != nil {
			result = gatekeeper.StageResult{Source: m.Name(), Allow: false, BlockLevel: gatekeeper.BlockHard, Reason: "meta_decision_brain panicked"}
		}
	}()

	confidence := req.Snapshot.Confidence
	entropy := req.Snapshot.Entropy
	exposure := m.state.Risk().TotalExposurePct
	degraded := !m.state.Health().IsRunning || m.state.Health().SafeMode
	now := m.now()

	if entropy > m.cfg.HardEntropyThreshold && confidence < m.cfg.HardConfidenceThreshold {
		return m.hardBlock("high entropy with low confidence", now)
	}
	if exposure > m.cfg.HardExposureThreshold {
		return m.hardBlock("portfolio exposure over hard cap", now)
	}
	if degraded {
		return m.hardBlock("system degraded", now)
	}

	if m.signalsInLastHour(now) > m.cfg.OvertradeSignalsPerHour {
		return m.softBlock("over-trading cadence", now, 0.5)
	}
	if confidence >= m.cfg.MidConfidenceLow && confidence <= m.cfg.MidConfidenceHigh && exposure > m.cfg.SoftHighExposureThreshold {
		return m.softBlock("mid-range confidence with high exposure", now, 0.2)
	}
	if m.outcomes != nil && losingStreak(m.outcomes.RecentOutcomes(req.Symbol)) >= m.cfg.LosingStreakThreshold {
		return m.softBlock("losing streak", now, 0.6)
	}
	if m.clock != nil && m.clock.EndOfSession(now) && entropy > m.cfg.EndOfSessionEntropy {
		return m.softBlock("end of session with high entropy", now, 1.0)
	}
	if m.drift != nil && m.drift.DriftFactor() > m.cfg.DriftFactorThreshold {
		return m.softBlock("cognitive drift detected", now, 0.2)
	}

	return gatekeeper.StageResult{Source: m.Name(), Allow: true}
}

// signalsInLastHour counts recorded signals whose timestamp falls inside
// the rolling hour ending at now. The recent-signal ring is the cadence
// source; a lifetime counter would never decay and would eventually block
// every signal forever.
func (m *MetaDecisionBrain) signalsInLastHour(now time.Time) int {
	count := 0
	for _, s := range m.state.RecentSignals(0) {
		if now.Sub(s.Timestamp) <= time.Hour {
			count++
		}
	}
	return count
}

// cooldown interpolates the configured soft-cooldown band: frac 0 is the
// minimum, frac 1 the maximum.
func (m *MetaDecisionBrain) cooldown(frac float64) time.Duration {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return m.cfg.SoftCooldownMin + time.Duration(frac*float64(m.cfg.SoftCooldownMax-m.cfg.SoftCooldownMin))
}

func (m *MetaDecisionBrain) hardBlock(reason string, now time.Time) gatekeeper.StageResult {
	return gatekeeper.StageResult{
		Source:        m.Name(),
		Allow:         false,
		BlockLevel:    gatekeeper.BlockHard,
		Reason:        reason,
		CooldownUntil: now.Add(m.cfg.HardCooldown),
	}
}

func (m *MetaDecisionBrain) softBlock(reason string, now time.Time, frac float64) gatekeeper.StageResult {
	return gatekeeper.StageResult{
		Source:        m.Name(),
		Allow:         false,
		BlockLevel:    gatekeeper.BlockSoft,
		Reason:        reason,
		CooldownUntil: now.Add(m.cooldown(frac)),
	}
}

// losingStreak counts consecutive losses at the end of outcomes (most
// recent last).
func losingStreak(outcomes []bool) int {
	streak := 0
	for i := len(outcomes) - 1; i >= 0; i-- {
		if outcomes[i] {
			break
		}
		streak++
	}
	return streak
}
