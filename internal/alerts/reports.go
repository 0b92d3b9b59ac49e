package alerts

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avrilquant/regime-core/internal/drift"
	"github.com/avrilquant/regime-core/internal/fsm"
	"github.com/avrilquant/regime-core/internal/guardian"
	"github.com/avrilquant/regime-core/internal/observ"
	"github.com/avrilquant/regime-core/internal/portfolio"
	"github.com/avrilquant/regime-core/internal/ports"
	"github.com/avrilquant/regime-core/internal/systemstate"
	"github.com/avrilquant/regime-core/internal/trace"
)

// CommandRouter answers every command-table entry by
// rendering the current, already-computed state of the collaborators it
// is wired to — it never re-runs a validator or opens a position, since
// the table is explicitly read-only ("no control commands are
// accepted"). It satisfies ports.CommandHandler and is the same
// implementation the observer API's /commands/{name} route and a chat
// command surface both delegate to. There is deliberately no
// interactive-control surface (halt buttons, size-reduction dropdowns):
// those actions have no read-only equivalent in this
// command table and belong to internal/riskcore.ManualOverride instead,
// reached through an operator channel this router never exposes.
type CommandRouter struct {
	rbac      *RBACManager
	state     *systemstate.SystemState
	portfolio *portfolio.Manager
	guardian  *guardian.SystemGuardian
	machine   *fsm.FSM
	trace     *trace.Store
	signals   *trace.SignalLog
	drift     *drift.Tracker
}

// NewCommandRouter builds a CommandRouter. rbac may be nil to skip
// authorization (useful for the observer API, which already sits behind
// its own network boundary); every other dependency is optional and
// renders a "not configured" message when absent.
func NewCommandRouter(
	rbac *RBACManager,
	state *systemstate.SystemState,
	mgr *portfolio.Manager,
	g *guardian.SystemGuardian,
	machine *fsm.FSM,
	tr *trace.Store,
	signals *trace.SignalLog,
	dr *drift.Tracker,
) *CommandRouter {
	return &CommandRouter{
		rbac:      rbac,
		state:     state,
		portfolio: mgr,
		guardian:  g,
		machine:   machine,
		trace:     tr,
		signals:   signals,
		drift:     dr,
	}
}

// Handle dispatches command, authorizing against args["user_id"] first
// when an RBACManager is configured.
func (r *CommandRouter) Handle(ctx context.Context, command string, args map[string]string) (ports.CommandResult, error) {
	if r.rbac != nil {
		userID := args["user_id"]
		if err := r.rbac.AuthorizeAction(userID, commandPermission(command), args["correlation_id"]); err != nil {
			return ports.CommandResult{OK: false, Message: fmt.Sprintf("unauthorized: %s", err)}, nil
		}
	}

	switch command {
	case "start", "help":
		return r.renderHelp(), nil
	case "should_i_trade":
		return r.renderShouldITrade(ctx, args["symbol"]), nil
	case "risk_status":
		return r.renderRiskStatus(), nil
	case "invest":
		return r.renderInvest(args["amount"]), nil
	case "market_regime":
		return r.renderMarketRegime(), nil
	case "risk_exposure":
		return r.renderRiskExposure(), nil
	case "cognitive":
		return r.renderCognitive(), nil
	case "opportunities":
		return r.renderOpportunities(), nil
	case "stats":
		return r.renderStats(args["days"]), nil
	case "status":
		return r.renderStatus(), nil
	case "trades":
		return r.renderTrades(), nil
	case "signals":
		return r.renderSignals(args["n"]), nil
	case "gatekeeper":
		return r.renderGatekeeper(args["n"]), nil
	default:
		return ports.CommandResult{OK: false, Message: fmt.Sprintf("unknown command %q", command)}, nil
	}
}

func (r *CommandRouter) renderHelp() ports.CommandResult {
	msg := strings.Join([]string{
		"*Available commands*",
		"`/should_i_trade [symbol]` - current trading decision",
		"`/risk_status` - risk exposure summary",
		"`/invest <amount>` - advisory sizing at current risk budget",
		"`/market_regime` `/risk_exposure` `/cognitive` `/opportunities` - brain snapshots",
		"`/stats [days]` `/status` `/trades` `/signals [n]` `/gatekeeper` - operational stats",
	}, "\n")
	return ports.CommandResult{OK: true, Message: msg}
}

func (r *CommandRouter) renderShouldITrade(ctx context.Context, symbol string) ports.CommandResult {
	if r.guardian == nil {
		return notConfiguredResult("guardian")
	}
	verdict := r.guardian.CanTrade(ctx)
	emoji := "✅"
	if !verdict.Allowed {
		emoji = "❌"
	}
	msg := fmt.Sprintf("%s *%s*: allowed=%t", emoji, symbolOrAll(symbol), verdict.Allowed)
	if verdict.Reason != "" {
		msg += fmt.Sprintf("\nreason: %s", verdict.Reason)
	}
	if verdict.BlockedBy != "" {
		msg += fmt.Sprintf("\nblocked by: %s", verdict.BlockedBy)
	}
	return ports.CommandResult{OK: true, Message: msg, Data: map[string]any{"verdict": verdict}}
}

func symbolOrAll(symbol string) string {
	if symbol == "" {
		return "all symbols"
	}
	return symbol
}

func (r *CommandRouter) renderRiskStatus() ports.CommandResult {
	if r.state == nil {
		return notConfiguredResult("system state")
	}
	risk := r.state.Risk()
	msg := fmt.Sprintf(
		"*Risk status*\nlevel: %s\ntotal exposure: %.2f%%\navailable risk ratio: %.2f\nupdated: %s",
		risk.Level, risk.TotalExposurePct, risk.AvailableRiskRatio, risk.UpdatedAt.Format(time.RFC3339),
	)
	return ports.CommandResult{OK: true, Message: msg, Data: map[string]any{"risk": risk}}
}

func (r *CommandRouter) renderInvest(amountStr string) ports.CommandResult {
	if r.portfolio == nil || r.state == nil {
		return notConfiguredResult("portfolio")
	}
	amount, err := strconv.ParseFloat(amountStr, 64)
	if err != nil || amount <= 0 {
		return ports.CommandResult{OK: false, Message: "usage: /invest <amount>"}
	}
	risk := r.state.Risk()
	advisory := amount * risk.AvailableRiskRatio
	msg := fmt.Sprintf(
		"*Advisory sizing*\nrequested: %.2f\navailable risk ratio: %.2f\nadvisory size at current budget: %.2f",
		amount, risk.AvailableRiskRatio, advisory,
	)
	return ports.CommandResult{OK: true, Message: msg, Data: map[string]any{"advisory_size": advisory}}
}

func (r *CommandRouter) renderMarketRegime() ports.CommandResult {
	if r.state == nil {
		return notConfiguredResult("system state")
	}
	reg := r.state.Regime()
	msg := fmt.Sprintf(
		"*Market regime*\ntrend: %s\nvolatility: %s\nsentiment: %s\nmacro pressure: %.2f\nconfidence: %.2f",
		reg.Trend, reg.Volatility, reg.Sentiment, reg.MacroPressure, reg.Confidence,
	)
	return ports.CommandResult{OK: true, Message: msg, Data: map[string]any{"regime": reg}}
}

func (r *CommandRouter) renderRiskExposure() ports.CommandResult {
	if r.portfolio == nil {
		return notConfiguredResult("portfolio")
	}
	agg := r.portfolio.Aggregate()
	msg := fmt.Sprintf(
		"*Risk exposure*\ntotal: %s\nlong: %s\nshort: %s\nnet: %s\nrisk budget: %s\nused risk: %s",
		agg.TotalExposure, agg.LongExposure, agg.ShortExposure, agg.NetExposure, agg.RiskBudget, agg.UsedRisk,
	)
	return ports.CommandResult{OK: true, Message: msg, Data: map[string]any{"aggregate": agg}}
}

func (r *CommandRouter) renderCognitive() ports.CommandResult {
	if r.state == nil {
		return notConfiguredResult("system state")
	}
	cog := r.state.Cognitive()
	msg := fmt.Sprintf(
		"*Cognitive state*\naverage confidence: %.3f\naverage entropy: %.3f\nupdated: %s",
		cog.AverageConfidence, cog.AverageEntropy, cog.UpdatedAt.Format(time.RFC3339),
	)
	return ports.CommandResult{OK: true, Message: msg, Data: map[string]any{"cognitive": cog}}
}

func (r *CommandRouter) renderOpportunities() ports.CommandResult {
	if r.state == nil {
		return notConfiguredResult("system state")
	}
	opps := r.state.AllOpportunities()
	if len(opps) == 0 {
		return ports.CommandResult{OK: true, Message: "no active opportunities"}
	}
	var b strings.Builder
	b.WriteString("*Opportunities*\n")
	for _, o := range opps {
		fmt.Fprintf(&b, "- %s: score=%d risk=%s\n", o.InstrumentID, o.Score, o.RiskLevel)
	}
	return ports.CommandResult{OK: true, Message: strings.TrimSpace(b.String()), Data: map[string]any{"opportunities": opps}}
}

func (r *CommandRouter) renderStats(daysStr string) ports.CommandResult {
	days := 1
	if v, err := strconv.Atoi(daysStr); err == nil && v > 0 {
		days = v
	}
	if r.state == nil {
		return notConfiguredResult("system state")
	}
	counters := r.state.Counters()
	msg := fmt.Sprintf("*Stats (counters since process start; %d-day window not applied)*\n", days)
	for k, v := range counters {
		msg += fmt.Sprintf("%s: %d\n", k, v)
	}
	return ports.CommandResult{OK: true, Message: strings.TrimSpace(msg), Data: map[string]any{"counters": counters}}
}

func (r *CommandRouter) renderStatus() ports.CommandResult {
	if r.machine == nil || r.state == nil {
		return notConfiguredResult("fsm/system state")
	}
	health := r.state.Health()
	msg := fmt.Sprintf(
		"*Status*\nfsm: %s\ntrading paused: %t\nrunning: %t\nsafe mode: %t\nconsecutive errors: %d\nlast heartbeat: %s",
		r.machine.State(), r.machine.TradingPaused(), health.IsRunning, health.SafeMode,
		health.ConsecutiveErrors, health.LastHeartbeat.Format(time.RFC3339),
	)
	return ports.CommandResult{OK: true, Message: msg, Data: map[string]any{"health": health}}
}

// renderTrades reports currently open positions. No closed-trade ledger
// is wired into this router (a relational trades table is a persistence
// concern behind ports.PersistenceStore), so this renders the live
// portfolio book rather than historical fills.
func (r *CommandRouter) renderTrades() ports.CommandResult {
	if r.portfolio == nil {
		return notConfiguredResult("portfolio")
	}
	positions := r.portfolio.GetAllPositions()
	if len(positions) == 0 {
		return ports.CommandResult{OK: true, Message: "no open positions"}
	}
	var b strings.Builder
	b.WriteString("*Open positions*\n")
	for symbol, p := range positions {
		fmt.Fprintf(&b, "- %s %s size=%s entry=%s unrealized=%s\n", symbol, p.Direction, p.Size, p.EntryPrice, p.UnrealizedPnL)
	}
	return ports.CommandResult{OK: true, Message: strings.TrimSpace(b.String()), Data: map[string]any{"positions": positions}}
}

func (r *CommandRouter) renderSignals(nStr string) ports.CommandResult {
	if r.signals == nil {
		return notConfiguredResult("signal log")
	}
	n := 10
	if v, err := strconv.Atoi(nStr); err == nil && v > 0 {
		n = v
	}
	snaps := r.signals.RecentSignals(n)
	if len(snaps) == 0 {
		return ports.CommandResult{OK: true, Message: "no recorded signals"}
	}
	var b strings.Builder
	b.WriteString("*Recent signals*\n")
	for _, s := range snaps {
		fmt.Fprintf(&b, "- %s %s decision=%s\n", s.Timestamp.UTC().Format(time.RFC3339), s.InstrumentID, s.Decision)
	}
	return ports.CommandResult{OK: true, Message: strings.TrimSpace(b.String())}
}

func (r *CommandRouter) renderGatekeeper(nStr string) ports.CommandResult {
	if r.trace == nil {
		return notConfiguredResult("trace store")
	}
	n := 10
	if v, err := strconv.Atoi(nStr); err == nil && v > 0 {
		n = v
	}
	entries, err := r.trace.Recent(n)
	if err != nil {
		observ.Error("alerts.gatekeeper_command_failed", err, nil)
		return ports.CommandResult{OK: false, Message: "failed to read gatekeeper trace"}
	}
	if len(entries) == 0 {
		return ports.CommandResult{OK: true, Message: "no recorded gatekeeper decisions"}
	}
	var b strings.Builder
	b.WriteString("*Recent gatekeeper decisions*\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s %s allowed=%t blocked_by=%s size=%s\n", e.Timestamp.UTC().Format(time.RFC3339), e.Symbol, e.Allowed, e.BlockedBy, e.FinalSizeUSD)
	}
	return ports.CommandResult{OK: true, Message: strings.TrimSpace(b.String()), Data: map[string]any{"entries": entries}}
}

func notConfiguredResult(what string) ports.CommandResult {
	return ports.CommandResult{OK: false, Message: fmt.Sprintf("%s not configured", what)}
}
