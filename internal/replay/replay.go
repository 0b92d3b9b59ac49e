// Package replay drives previously recorded SignalSnapshots back through
// the current validator chain, offline, for audit and regression: did a
// change to RiskCore, MetaDecisionBrain, or any other stage alter what
// would have been allowed? It never fetches live candles and never
// touches the process's live SystemState — the composition root wires it
// to a chain built over a scratch SystemState/Portfolio instead, so a
// replay run cannot leak into production trading state.
package replay

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/snapshot"
)

// Recorded is the historical decision a replay outcome can be compared
// against, typically loaded from a decision_trace entry keyed to the same
// symbol and timestamp as the snapshot being replayed.
type Recorded struct {
	Symbol       string
	Timestamp    time.Time
	Allowed      bool
	BlockedBy    string
	FinalSizeUSD decimal.Decimal
}

// Outcome is one replayed snapshot's fresh verdict, with the historical
// decision attached when the caller supplied one.
type Outcome struct {
	Symbol    string
	Timestamp time.Time
	Verdict   gatekeeper.Verdict
	Recorded  *Recorded
	Diverged  bool
}

// Report summarizes a full replay run: every outcome plus the tallies a
// reviewer needs without re-scanning the whole list — how many snapshots
// were allowed, how many were blocked and by which stage, and how many
// diverged from their historical decision.
type Report struct {
	Outcomes       []Outcome
	TotalAllowed   int
	TotalBlocked   int
	BlockedByStage map[string]int
	TotalDiverged  int
}

// Engine replays snapshots through chain, a Gatekeeper the caller has
// already wired to scratch (non-live) state. Engine itself holds no
// mutable state of its own beyond chain.
type Engine struct {
	chain *gatekeeper.Gatekeeper
}

// New builds an Engine over chain.
func New(chain *gatekeeper.Gatekeeper) *Engine {
	return &Engine{chain: chain}
}

// Run replays snapshots in timestamp order, each as a standalone signal
// with the given position size and balance. recorded, if non-nil, maps a
// snapshot's symbol+timestamp key (see Key) to the historical decision
// made for it at the time, so Outcome.Diverged can flag logic drift
// between the run that produced recorded and this one.
func (e *Engine) Run(ctx context.Context, snapshots []*snapshot.Snapshot, positionSizeUSD, balanceUSD decimal.Decimal, recorded map[string]Recorded) Report {
	ordered := append([]*snapshot.Snapshot(nil), snapshots...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	report := Report{BlockedByStage: map[string]int{}}
	for _, snap := range ordered {
		req := &gatekeeper.Request{
			Symbol:          snap.InstrumentID,
			Snapshot:        snap,
			PositionSizeUSD: positionSizeUSD,
			BalanceUSD:      balanceUSD,
		}
		verdict := e.chain.SendSignal(ctx, req)

		outcome := Outcome{Symbol: snap.InstrumentID, Timestamp: snap.Timestamp, Verdict: verdict}
		if recorded != nil {
			if r, ok := recorded[Key(snap.InstrumentID, snap.Timestamp)]; ok {
				rec := r
				outcome.Recorded = &rec
				outcome.Diverged = rec.Allowed != verdict.Allowed || (!verdict.Allowed && rec.BlockedBy != verdict.BlockedBy)
			}
		}

		if verdict.Allowed {
			report.TotalAllowed++
		} else {
			report.TotalBlocked++
			report.BlockedByStage[verdict.BlockedBy]++
		}
		if outcome.Diverged {
			report.TotalDiverged++
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	return report
}

// Key derives the map key Run expects in its recorded parameter.
func Key(symbol string, timestamp time.Time) string {
	return symbol + "@" + timestamp.UTC().Format(time.RFC3339)
}

// RecordedFromTrace converts decision_trace entries into the keyed map Run
// consumes, matching each entry's symbol and timestamp via Key.
func RecordedFromTrace(entries []gatekeeper.TraceEntry) map[string]Recorded {
	out := make(map[string]Recorded, len(entries))
	for _, e := range entries {
		out[Key(e.Symbol, e.Timestamp)] = Recorded{
			Symbol:       e.Symbol,
			Timestamp:    e.Timestamp,
			Allowed:      e.Allowed,
			BlockedBy:    e.BlockedBy,
			FinalSizeUSD: e.FinalSizeUSD,
		}
	}
	return out
}
