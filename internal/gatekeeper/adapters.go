package gatekeeper

import (
	"context"

	"github.com/avrilquant/regime-core/internal/guardian"
	"github.com/avrilquant/regime-core/internal/riskcore"
)

// guardianValidator adapts guardian.SystemGuardian.CanTrade into the
// Validator shape so Gatekeeper can drive it from the same loop as every
// other stage, rather than hand-wiring the global barrier check specially.
type guardianValidator struct {
	guardian *guardian.SystemGuardian
}

// NewGuardianValidator wraps g as stage 1 of the chain.
func NewGuardianValidator(g *guardian.SystemGuardian) Validator {
	return &guardianValidator{guardian: g}
}

func (v *guardianValidator) Name() string { return "system_guardian" }

func (v *guardianValidator) Validate(ctx context.Context, req *Request) StageResult {
	verdict := v.guardian.CanTrade(ctx)
	if !verdict.Allowed {
		return StageResult{Source: v.Name(), Allow: false, BlockLevel: BlockHard, Reason: verdict.Reason}
	}
	return StageResult{Source: v.Name(), Allow: true}
}

// RiskDataSource builds the narrow riskcore.Data view a signal needs from
// whatever broader state (SystemState, portfolio, clock) the composition
// root has wired in. Kept separate from riskCoreValidator so the adapter
// itself stays a thin wrapper.
type RiskDataSource interface {
	RiskData(req *Request) riskcore.Data
}

// riskCoreValidator adapts riskcore.Evaluate into the Validator shape.
type riskCoreValidator struct {
	source     RiskDataSource
	thresholds riskcore.Thresholds
	invariants []riskcore.Invariant
}

// NewRiskCoreValidator wraps RiskCore as stage 2 of the chain.
func NewRiskCoreValidator(source RiskDataSource, thresholds riskcore.Thresholds, invariants []riskcore.Invariant) Validator {
	return &riskCoreValidator{source: source, thresholds: thresholds, invariants: invariants}
}

func (v *riskCoreValidator) Name() string { return "risk_core" }

func (v *riskCoreValidator) Validate(ctx context.Context, req *Request) StageResult {
	data := v.source.RiskData(req)
	report := riskcore.Evaluate(data, v.thresholds, v.invariants)

	switch report.Permission {
	case riskcore.Deny:
		reason := "risk core denied"
		if len(report.Violations) > 0 {
			reason = report.Violations[0].Reason
		}
		return StageResult{Source: v.Name(), Allow: false, BlockLevel: BlockHard, Reason: reason}
	case riskcore.AllowLimited:
		factor := v.thresholds.LimitedSizeFactor
		if factor <= 0 {
			factor = 0.5
		}
		return StageResult{Source: v.Name(), Allow: true, SizeMultiplier: factor, Reason: "risk core limited size"}
	default:
		return StageResult{Source: v.Name(), Allow: true}
	}
}
