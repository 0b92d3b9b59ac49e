// Command replay re-runs a recorded signal archive through the current
// validator chain, offline, and prints a JSON report of per-stage blocks
// and divergences against a historical decision trace. It builds its own
// scratch SystemState, portfolio ledger, and FSM, so a replay run can
// never write into live trading state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/decisioncore"
	"github.com/avrilquant/regime-core/internal/engine"
	"github.com/avrilquant/regime-core/internal/fsm"
	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/guardian"
	"github.com/avrilquant/regime-core/internal/metabrain"
	"github.com/avrilquant/regime-core/internal/portfolio"
	"github.com/avrilquant/regime-core/internal/portfoliobrain"
	"github.com/avrilquant/regime-core/internal/replay"
	"github.com/avrilquant/regime-core/internal/riskcore"
	"github.com/avrilquant/regime-core/internal/sizer"
	"github.com/avrilquant/regime-core/internal/systemstate"
	"github.com/avrilquant/regime-core/internal/trace"
)

func main() {
	var archivePath, tracePath string
	var balanceUSD float64
	var full bool
	flag.StringVar(&archivePath, "archive", "data/signals_archive.jsonl", "signal archive to replay")
	flag.StringVar(&tracePath, "trace", "", "decision trace to compare against (optional)")
	flag.Float64Var(&balanceUSD, "balance", 100000, "balance assumed for sizing")
	flag.BoolVar(&full, "full", false, "print every outcome, not just the summary")
	flag.Parse()

	signals, err := trace.NewSignalLog(archivePath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open archive: %v\n", err)
		os.Exit(2)
	}
	snapshots, err := signals.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load archive: %v\n", err)
		os.Exit(2)
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stderr, "archive is empty, nothing to replay")
		os.Exit(0)
	}

	var recorded map[string]replay.Recorded
	if tracePath != "" {
		store, err := trace.NewStore(tracePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open trace: %v\n", err)
			os.Exit(2)
		}
		entries, err := store.Recent(0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read trace: %v\n", err)
			os.Exit(2)
		}
		recorded = replay.RecordedFromTrace(entries)
	}

	chain := scratchChain(decimal.NewFromFloat(balanceUSD))
	report := replay.New(chain).Run(context.Background(), snapshots, decimal.Zero, decimal.NewFromFloat(balanceUSD), recorded)

	if !full {
		report.Outcomes = nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		os.Exit(2)
	}
}

// scratchChain builds the same six-stage chain cmd/decision runs, wired to
// throwaway state so SendSignal's writes land where nothing live reads.
func scratchChain(balance decimal.Decimal) *gatekeeper.Gatekeeper {
	state := systemstate.New()
	machine := fsm.New(fsm.Config{})
	machine.AttachSyncTarget(state)

	pm := portfolio.NewManager("", balance, balance.Div(decimal.NewFromInt(2)))

	registry := guardian.NewModuleRegistry()
	guard := guardian.New(registry, machine)

	actions := engine.NewActionTracker()
	riskSource := engine.NewRiskDataSource(state, pm, machine, actions)

	return gatekeeper.New(state, nil,
		gatekeeper.NewGuardianValidator(guard),
		gatekeeper.NewRiskCoreValidator(riskSource, riskcore.Thresholds{}, riskcore.DefaultInvariants()),
		metabrain.New(metabrain.DefaultConfig(), state, nil, nil, nil, nil),
		decisioncore.New(decisioncore.Config{}, state),
		portfoliobrain.New(portfoliobrain.DefaultConfig(), pm, state),
		sizer.New(sizer.DefaultConfig(), pm),
	)
}
