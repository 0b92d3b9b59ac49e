package riskcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseThresholds() Thresholds {
	return Thresholds{
		MaxCumulativeLossPct:    20,
		Max24hLossPct:           5,
		Max7dLossPct:            10,
		MaxSinglePositionPct:    10,
		MaxAggregateExposurePct: 50,
		MaxCorrelatedGroupPct:   30,
		MaxActionsPerHour:       5,
		MaxActions24h:           20,
		LossRetryCooldown:       time.Minute,
		MinActionCooldown:       time.Second,
		MaxConsecutiveErrors:    5,
		LimitedSizeFactor:       0.5,
	}
}

func healthyData() Data {
	return Data{
		RuntimeHealthy:    true,
		CriticalModulesUp: true,
		Now:               time.Now(),
	}
}

func TestEvaluateAllowsHealthyState(t *testing.T) {
	report := Evaluate(healthyData(), baseThresholds(), DefaultInvariants())
	assert.Equal(t, Allow, report.Permission)
	assert.Equal(t, StateSafe, report.State)
	assert.Empty(t, report.Violations)
}

func TestEvaluateDeniesOnLossCap(t *testing.T) {
	d := healthyData()
	d.Loss24hPct = 6
	report := Evaluate(d, baseThresholds(), DefaultInvariants())
	assert.Equal(t, Deny, report.Permission)
	assert.Equal(t, StateLocked, report.State)
}

func TestEvaluateHaltsOnUnhealthyRuntime(t *testing.T) {
	d := healthyData()
	d.RuntimeHealthy = false
	report := Evaluate(d, baseThresholds(), DefaultInvariants())
	assert.Equal(t, Deny, report.Permission)
	assert.Equal(t, StateHalted, report.State)
}

func TestEvaluateAllowLimitedOnExposure(t *testing.T) {
	d := healthyData()
	d.SinglePositionExposurePct = 15
	report := Evaluate(d, baseThresholds(), DefaultInvariants())
	assert.Equal(t, AllowLimited, report.Permission)
	assert.Equal(t, StateLimited, report.State)
}

func TestEvaluateWorstViolationWins(t *testing.T) {
	d := healthyData()
	d.SinglePositionExposurePct = 15 // LIMITED
	d.Loss7dPct = 11                 // LOCKED, more severe
	report := Evaluate(d, baseThresholds(), DefaultInvariants())
	assert.Equal(t, Deny, report.Permission)
	assert.Equal(t, StateLocked, report.State)
	assert.Len(t, report.Violations, 2)
}

type panickyInvariant struct{}

func (panickyInvariant) Group() string { return "panicky" }
func (panickyInvariant) Evaluate(Data, Thresholds) Violation {
	panic("boom")
}

func TestEvaluateRecoversPanicAsHalted(t *testing.T) {
	report := Evaluate(healthyData(), baseThresholds(), []Invariant{panickyInvariant{}})
	assert.Equal(t, Deny, report.Permission)
	assert.Equal(t, StateHalted, report.State)
}

func TestValidateStopDistanceTooTight(t *testing.T) {
	r := ValidateStopDistance(100, 99.9, 1.0)
	assert.False(t, r.Valid)
}

func TestValidateStopDistanceNormal(t *testing.T) {
	r := ValidateStopDistance(100, 98, 1.0)
	assert.True(t, r.Valid)
}

func TestValidateStopDistanceZeroEntry(t *testing.T) {
	r := ValidateStopDistance(0, 98, 1.0)
	assert.False(t, r.Valid)
}

type stubAuth struct{ denyUser string }

func (s stubAuth) Authorize(userID, action string) error {
	if userID == s.denyUser {
		return assertErr
	}
	return nil
}

var assertErr = errTestAuth{}

type errTestAuth struct{}

func (errTestAuth) Error() string { return "not authorized" }

func TestManualOverrideRequiresTwoDistinctApprovers(t *testing.T) {
	m := NewManualOverride(stubAuth{})

	err := m.RequestHalt("alice", "spike")
	require.ErrorIs(t, err, ErrApprovalPending)
	assert.False(t, m.Halted())

	err = m.RequestHalt("alice", "spike")
	require.ErrorIs(t, err, ErrApprovalPending)
	assert.False(t, m.Halted())

	err = m.RequestHalt("bob", "spike")
	require.NoError(t, err)
	assert.True(t, m.Halted())
}

func TestManualOverrideUnauthorizedRejected(t *testing.T) {
	m := NewManualOverride(stubAuth{denyUser: "mallory"})
	err := m.RequestHalt("mallory", "spike")
	require.Error(t, err)
	assert.False(t, m.Halted())
}
