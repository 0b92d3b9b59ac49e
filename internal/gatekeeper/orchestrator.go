package gatekeeper

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/observ"
	"github.com/avrilquant/regime-core/internal/systemstate"
)

// TraceEntry is one complete run of the validator chain against a single
// signal, the unit internal/trace persists so every decision and its
// reasoning stays auditable.
type TraceEntry struct {
	Timestamp       time.Time
	Symbol          string
	Allowed         bool
	BlockedBy       string
	FinalSizeUSD    decimal.Decimal
	Stages          []StageResult
}

// TraceRecorder persists a TraceEntry. internal/trace supplies the
// production JSONL-backed implementation; this package only depends on
// the narrow interface.
type TraceRecorder interface {
	Record(ctx context.Context, entry TraceEntry) error
}

// Verdict is Gatekeeper's final answer for one signal.
type Verdict struct {
	Allowed      bool
	BlockedBy    string
	Reason       string
	FinalSizeUSD decimal.Decimal
	Stages       []StageResult
}

// Gatekeeper runs every chain stage in strict sequential order and is the
// single egress point a signal passes through before it may be acted on:
// stages run in priority order, the first veto short-circuits, and the
// full trail is recorded regardless of outcome.
type Gatekeeper struct {
	stages []Validator
	state  *systemstate.SystemState
	trace  TraceRecorder
}

// New builds a Gatekeeper over stages, run in the order given. Callers are
// expected to pass SystemGuardian, RiskCore, MetaDecisionBrain,
// DecisionCore, PortfolioBrain, PositionSizer in that order.
func New(state *systemstate.SystemState, trace TraceRecorder, stages ...Validator) *Gatekeeper {
	return &Gatekeeper{stages: stages, state: state, trace: trace}
}

// SendSignal drives req through every stage in order, short-circuiting on
// the first veto. It is the sole writer of req.PositionSizeUSD's
// size-multiplier scaling beyond what individual stages already apply
// directly to the request.
func (g *Gatekeeper) SendSignal(ctx context.Context, req *Request) Verdict {
	anchorState, _ := req.Snapshot.States().Get(req.Snapshot.AnchorTimeframe)
	if !g.state.IsNewSignal(req.Symbol, anchorState) {
		return Verdict{Allowed: false, BlockedBy: "dedup", Reason: "duplicate signal for unchanged anchor state"}
	}
	g.state.RecordSignal(req.Snapshot)

	var stageResults []StageResult
	allowed := true
	blockedBy := ""
	reason := ""

	for _, stage := range g.stages {
		res := stage.Validate(ctx, req)
		stageResults = append(stageResults, res)

		if res.SizeMultiplier > 0 && res.SizeMultiplier != 1.0 {
			req.PositionSizeUSD = req.PositionSizeUSD.Mul(decimal.NewFromFloat(res.SizeMultiplier))
		}
		if !res.Allow {
			allowed = false
			blockedBy = stage.Name()
			reason = res.Reason
			break
		}
	}

	entry := TraceEntry{
		Timestamp:    time.Now().UTC(),
		Symbol:       req.Symbol,
		Allowed:      allowed,
		BlockedBy:    blockedBy,
		FinalSizeUSD: req.PositionSizeUSD,
		Stages:       stageResults,
	}
	if g.trace != nil {
		if err := g.trace.Record(ctx, entry); err != nil {
			observ.Error("gatekeeper.trace_record_failed", err, map[string]any{"symbol": req.Symbol})
		}
	}

	return Verdict{
		Allowed:      allowed,
		BlockedBy:    blockedBy,
		Reason:       reason,
		FinalSizeUSD: req.PositionSizeUSD,
		Stages:       stageResults,
	}
}
