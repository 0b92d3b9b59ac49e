// Package riskcore is the pure policy-enforcement layer: four ordered
// invariant groups (Capital, Exposure, Behavioral, Systemic) that can veto
// or scale-limit any proposed signal. Every group is evaluated on every
// call and the worst severity observed wins.
package riskcore

import (
	"fmt"
	"time"

	"github.com/avrilquant/regime-core/internal/observ"
)

// TradingPermission is RiskCore's verdict on a proposed signal.
type TradingPermission int8

const (
	PermissionUnknown TradingPermission = iota
	Allow
	AllowLimited
	Deny
)

func (p TradingPermission) String() string {
	switch p {
	case Allow:
		return "ALLOW"
	case AllowLimited:
		return "ALLOW_LIMITED"
	case Deny:
		return "DENY"
	default:
		return "UNKNOWN"
	}
}

// RiskState is the severity-ordered label attached to a verdict.
type RiskState int8

const (
	StateUnknown RiskState = iota
	StateSafe
	StateLimited
	StateLocked
	StateHalted
)

// severity orders RiskState so the worst violation across every invariant
// group wins.
func (s RiskState) severity() int {
	switch s {
	case StateHalted:
		return 4
	case StateLocked:
		return 3
	case StateLimited:
		return 2
	case StateSafe:
		return 1
	default:
		return 0
	}
}

func (s RiskState) String() string {
	switch s {
	case StateSafe:
		return "SAFE"
	case StateLimited:
		return "LIMITED"
	case StateLocked:
		return "LOCKED"
	case StateHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// worse returns whichever of a, b is more severe; ties keep a.
func worse(a, b RiskState) RiskState {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// Data is the read-only view an Invariant evaluates against. It is
// deliberately narrower than SystemState: invariants see only what they
// need, never the whole process state.
type Data struct {
	CumulativeLossPct float64
	Loss24hPct        float64
	Loss7dPct         float64

	SinglePositionExposurePct float64
	AggregateExposurePct      float64
	CorrelatedGroupExposure   map[string]float64

	ActionsLastHour  int
	Actions24h       int
	LastActionAt     time.Time
	LastLossAt       time.Time
	Now              time.Time

	RuntimeHealthy       bool
	CriticalModulesUp    bool
	ConsecutiveErrors    int
	SafeMode             bool
}

// Thresholds configures every invariant group. A zero value disables that
// cap: every group checks a threshold only when it is positive.
type Thresholds struct {
	MaxCumulativeLossPct float64
	Max24hLossPct        float64
	Max7dLossPct         float64

	MaxSinglePositionPct   float64
	MaxAggregateExposurePct float64
	MaxCorrelatedGroupPct  float64

	MaxActionsPerHour   int
	MaxActions24h       int
	LossRetryCooldown   time.Duration
	MinActionCooldown   time.Duration

	MaxConsecutiveErrors int

	LimitedSizeFactor float64 // applied by the caller on AllowLimited, e.g. 0.5
}

// Violation is one invariant group's finding.
type Violation struct {
	Group   string
	State   RiskState
	Reason  string
}

// Report is the aggregate outcome of evaluating every invariant group.
type Report struct {
	Permission TradingPermission
	State      RiskState
	Violations []Violation
}

// Invariant is one named invariant group: a pure check over Data against
// Thresholds.
type Invariant interface {
	Group() string
	Evaluate(d Data, t Thresholds) Violation
}

// Evaluate runs every invariant group and folds their findings into a
// single Report. Any panic inside an Invariant is recovered and converted
// to HALTED+DENY — a policy layer that cannot evaluate must deny.
func Evaluate(d Data, t Thresholds, invariants []Invariant) (report Report) {
	report.State = StateSafe
	report.Permission = Allow

	for _, inv := range invariants {
		v := evaluateOne(inv, d, t)
		if v.State == StateUnknown || v.State == StateSafe {
			continue
		}
		report.Violations = append(report.Violations, v)
		report.State = worse(report.State, v.State)
	}

	report.Permission = permissionFor(report.State)
	return report
}

func evaluateOne(inv Invariant, d Data, t Thresholds) (v Violation) {
	defer func() {
		if r := recover(); r != nil {
			observ.Error("riskcore.invariant_panic", fmt.Errorf("%v", r), map[string]any{"group": inv.Group()})
			v = Violation{Group: inv.Group(), State: StateHalted, Reason: "invariant raised a runtime error"}
		}
	}()
	return inv.Evaluate(d, t)
}

func permissionFor(s RiskState) TradingPermission {
	switch s {
	case StateSafe:
		return Allow
	case StateLimited:
		return AllowLimited
	case StateLocked, StateHalted:
		return Deny
	default:
		return Deny
	}
}

// DefaultInvariants returns the four named groups wired with the standard
// ordering (Capital, Exposure, Behavioral, Systemic). Order does not affect
// the verdict (every group is evaluated; worst wins) but keeps traces
// readable.
func DefaultInvariants() []Invariant {
	return []Invariant{
		CapitalInvariant{},
		ExposureInvariant{},
		BehavioralInvariant{},
		SystemicInvariant{},
	}
}
