// Package gatekeeper defines Validator, the uniform shape every stage of
// the six-stage chain
// (SystemGuardian/RiskCore/MetaDecisionBrain/DecisionCore/PortfolioBrain/
// PositionSizer) presents to the orchestrator, and Gatekeeper, the single
// egress that drives them in order.
// SystemGuardian and RiskCore already expose richer, purpose-built APIs
// (internal/guardian.SystemGuardian.CanTrade, internal/riskcore.Evaluate);
// this package's guardianValidator/riskCoreValidator adapt them to the
// common shape so Gatekeeper.SendSignal can drive all six stages from one
// loop instead of hand-wiring each one specially.
package gatekeeper

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/snapshot"
)

// BlockLevel classifies why a stage vetoed a signal.
type BlockLevel int8

const (
	BlockNone BlockLevel = iota
	BlockSoft
	BlockHard
)

func (b BlockLevel) String() string {
	switch b {
	case BlockSoft:
		return "SOFT"
	case BlockHard:
		return "HARD"
	default:
		return "NONE"
	}
}

// Request is threaded through the validator chain. The engine seeds
// PositionSizeUSD at zero. RiskCore's ALLOW_LIMITED factor and
// PortfolioBrain's recommended multiplier scale whatever value it holds
// when their verdicts come back, DecisionCore caps it, and PositionSizer,
// the final stage, overwrites it with the size it computes from balance
// and risk; the final size does not carry the earlier multipliers.
type Request struct {
	Symbol          string
	Snapshot        *snapshot.Snapshot
	PositionSizeUSD decimal.Decimal
	BalanceUSD      decimal.Decimal
}

// StageResult is one chain stage's recorded verdict.
type StageResult struct {
	Source         string
	Allow          bool
	BlockLevel     BlockLevel
	Reason         string
	SizeMultiplier float64
	CooldownUntil  time.Time
}

// Validator is the uniform shape every chain stage presents to Gatekeeper.
// Validate never panics outward: implementations recover internally and
// return a fail-closed StageResult, with the failure recorded as the
// block reason.
type Validator interface {
	Name() string
	Validate(ctx context.Context, req *Request) StageResult
}
