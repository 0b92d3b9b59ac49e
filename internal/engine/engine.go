package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/avrilquant/regime-core/internal/cognitive"
	"github.com/avrilquant/regime-core/internal/config"
	"github.com/avrilquant/regime-core/internal/drift"
	"github.com/avrilquant/regime-core/internal/faults"
	"github.com/avrilquant/regime-core/internal/fsm"
	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/observ"
	"github.com/avrilquant/regime-core/internal/portfolio"
	"github.com/avrilquant/regime-core/internal/ports"
	"github.com/avrilquant/regime-core/internal/regime"
	"github.com/avrilquant/regime-core/internal/riskcore"
	"github.com/avrilquant/regime-core/internal/snapshot"
	"github.com/avrilquant/regime-core/internal/systemstate"
	"github.com/avrilquant/regime-core/internal/trace"
)

// Heartbeater receives a liveness pulse once per cycle. internal/watchdog's
// ThreadWatchdog implements this; faulting it out lets tests drive the
// engine without a live watchdog.
type Heartbeater interface {
	Heartbeat()
}

// Deps bundles every collaborator SignalGenerator needs, built once by the
// composition root and handed to New — one struct of already-wired
// dependencies, no package-level globals.
type Deps struct {
	Candles         ports.CandleFetcher
	Strategy        Strategy
	RegimeAnalyzer  RegimeAnalyzer
	Correlation     CorrelationAnalyzer
	State           *systemstate.SystemState
	Chain           *gatekeeper.Gatekeeper
	Portfolio       *portfolio.Manager
	Sink            ports.MessageSink
	Persistence     ports.PersistenceStore
	Machine         *fsm.FSM
	Watchdog        Heartbeater
	Faults          *faults.Injector
	Drift           *drift.Tracker
	Signals         *trace.SignalLog
	// Actions, if set, is the ActionTracker the composition root already
	// handed to NewRiskDataSource when building the RiskCore validator
	// stage. Sharing one instance here means the Gatekeeper's behavioral
	// invariant sees the same action history the engine itself records
	// against. A nil value builds a fresh tracker, for tests and any
	// caller that does not run the RiskCore validator.
	Actions *ActionTracker
}

// SignalGenerator is the per-cycle orchestrator: fetch candles, run
// per-brain analysis, classify and score each symbol, and hand every
// candidate signal to Gatekeeper.
type SignalGenerator struct {
	cfg  config.Engine
	deps Deps

	actions      *actionTracker
	fetchLimiter *rate.Limiter

	cycleMu sync.Mutex
	cycle   int

	lastCandlesByTF sync.Map // symbol -> map[string][]ports.Candle
}

// New builds a SignalGenerator. Candle fetches are rate-limited to one
// burst of len(symbols)*len(timeframes)+1 per cycle interval.
func New(cfg config.Engine, deps Deps) *SignalGenerator {
	burst := len(cfg.Symbols)*len(cfg.Timeframes) + 1
	limit := rate.Limit(float64(burst) / float64(cfg.CycleIntervalSeconds))
	if limit <= 0 {
		limit = rate.Inf
	}
	actions := deps.Actions
	if actions == nil {
		actions = newActionTracker()
	}
	return &SignalGenerator{
		cfg:          cfg,
		deps:         deps,
		actions:      actions,
		fetchLimiter: rate.NewLimiter(limit, burst),
	}
}

// Run drives the cycle loop on a time.Ticker until ctx is cancelled.
func (g *SignalGenerator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(g.cfg.CycleIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RunCycle(ctx)
		}
	}
}

// RunCycle executes exactly one fetch/analyze/validate/emit pass. It never
// panics outward: a cycle-level panic is recovered and reported to the FSM
// as an observed error — a failure in one cycle never crashes the
// process.
func (g *SignalGenerator) RunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			observ.Error("engine.cycle_panicked", fmt.Errorf("%v", r), nil)
			g.deps.Machine.RecordError("signal generator cycle panicked")
		}
	}()

	g.cycleMu.Lock()
	g.cycle++
	cycleNum := g.cycle
	g.cycleMu.Unlock()

	if g.deps.Faults != nil && g.deps.Faults.LoopStall() {
		observ.Warn("engine.fault_loop_stall", map[string]any{"cycle": cycleNum})
	} else {
		g.deps.State.Heartbeat()
		if g.deps.Watchdog != nil {
			g.deps.Watchdog.Heartbeat()
		}
	}

	candlesBySymbol, err := g.fetchAll(ctx)
	if err != nil {
		observ.Error("engine.candle_fetch_failed", err, nil)
		g.deps.Machine.RecordError("candle fetch failed")
		return
	}

	g.runRegimeAnalysis(ctx, candlesBySymbol)
	g.runCorrelationAnalysis(ctx, candlesBySymbol)
	g.updateRiskExposure()
	g.updateCognitive()
	if g.deps.Drift != nil {
		g.deps.Drift.Refresh(time.Now().UTC())
	}

	health := g.deps.State.Health()
	if !health.IsRunning || health.TradingPaused {
		observ.Log("engine.cycle_skipped_paused", map[string]any{"cycle": cycleNum})
		g.deps.Machine.RecordErrorFreeCycle()
		return
	}

	for _, symbol := range g.cfg.Symbols {
		g.processSymbol(ctx, symbol, candlesBySymbol[symbol])
	}

	if g.deps.Persistence != nil && cycleNum%g.cfg.SnapshotEveryNCycles == 0 {
		g.saveSnapshot(ctx)
	}

	g.deps.Machine.RecordErrorFreeCycle()
}

// fetchAll pulls every configured timeframe for every configured symbol
// concurrently, bounded by errgroup and rate-limited, and returns the
// anchor-timeframe-keyed slice used by regime/correlation analysis
// alongside the full per-symbol, per-timeframe map processSymbol needs.
func (g *SignalGenerator) fetchAll(ctx context.Context) (map[string][]ports.Candle, error) {
	cctx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.CandleFetchTimeoutS)*time.Second)
	defer cancel()

	var mu sync.Mutex
	byTF := make(map[string]map[string][]ports.Candle, len(g.cfg.Symbols))
	for _, symbol := range g.cfg.Symbols {
		byTF[symbol] = make(map[string][]ports.Candle, len(g.cfg.Timeframes))
	}

	eg, egctx := errgroup.WithContext(cctx)
	for _, symbol := range g.cfg.Symbols {
		symbol := symbol
		for _, tf := range g.cfg.Timeframes {
			tf := tf
			eg.Go(func() error {
				if err := g.fetchLimiter.Wait(egctx); err != nil {
					return err
				}
				candles, err := g.deps.Candles.FetchCandles(egctx, symbol, tf, g.cfg.CandleLookback)
				if err != nil {
					observ.Warn("engine.candle_fetch_error", map[string]any{"symbol": symbol, "timeframe": tf, "error": err.Error()})
					return nil
				}
				mu.Lock()
				byTF[symbol][tf] = candles
				mu.Unlock()
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	flat := make(map[string][]ports.Candle, len(byTF))
	for symbol, tfs := range byTF {
		flat[symbol] = tfs[g.cfg.AnchorTimeframe]
		g.lastCandlesByTF.Store(symbol, tfs)
	}
	return flat, nil
}

func (g *SignalGenerator) candlesByTF(symbol string) map[string][]ports.Candle {
	v, ok := g.lastCandlesByTF.Load(symbol)
	if !ok {
		return nil
	}
	return v.(map[string][]ports.Candle)
}

func (g *SignalGenerator) runRegimeAnalysis(ctx context.Context, candlesBySymbol map[string][]ports.Candle) {
	if g.deps.RegimeAnalyzer == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.BrainTimeoutSeconds)*time.Second)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			observ.Warn("engine.regime_analysis_panicked", map[string]any{"error": fmt.Sprintf("%v", r)})
		}
	}()

	r, err := g.deps.RegimeAnalyzer.Analyze(cctx, candlesBySymbol)
	if err != nil {
		observ.Warn("engine.regime_analysis_failed", map[string]any{"error": err.Error()})
		return
	}
	g.deps.State.SetRegime(r)
}

func (g *SignalGenerator) runCorrelationAnalysis(ctx context.Context, candlesBySymbol map[string][]ports.Candle) {
	if g.deps.Correlation == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.CorrelationTimeoutS)*time.Second)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			observ.Warn("engine.correlation_analysis_panicked", map[string]any{"error": fmt.Sprintf("%v", r)})
		}
	}()

	matrix, err := g.deps.Correlation.Correlate(cctx, candlesBySymbol)
	if err != nil {
		observ.Warn("engine.correlation_analysis_failed", map[string]any{"error": err.Error()})
		return
	}
	for a, row := range matrix {
		for b, v := range row {
			g.deps.State.SetCorrelation(a, b, v)
		}
	}
}

func (g *SignalGenerator) updateRiskExposure() {
	agg := g.deps.Portfolio.Aggregate()
	nav := g.deps.Portfolio.GetNAV()

	exposurePct := 0.0
	if nav.IsPositive() {
		v, _ := agg.TotalExposure.Div(nav).Float64()
		exposurePct = v
	}
	availableRatio := 1.0
	if agg.RiskBudget.IsPositive() {
		used, _ := agg.UsedRisk.Float64()
		budget, _ := agg.RiskBudget.Float64()
		availableRatio = clampRange(1.0-used/budget, 0, 1)
	}

	level := regime.RiskLow
	switch {
	case exposurePct > 0.6:
		level = regime.RiskHigh
	case exposurePct > 0.3:
		level = regime.RiskMedium
	}

	g.deps.State.SetRisk(systemstate.RiskExposure{
		Level:              level,
		TotalExposurePct:   exposurePct,
		AvailableRiskRatio: availableRatio,
	})
}

func (g *SignalGenerator) updateCognitive() {
	recent := g.deps.State.RecentSignals(20)
	if len(recent) == 0 {
		return
	}
	var confSum, entSum float64
	for _, s := range recent {
		confSum += s.Confidence
		entSum += s.Entropy
	}
	g.deps.State.SetCognitive(systemstate.CognitiveState{
		AverageConfidence: confSum / float64(len(recent)),
		AverageEntropy:    entSum / float64(len(recent)),
	})
}

// processSymbol classifies one symbol, builds its SignalSnapshot, and hands
// it to Gatekeeper. A panic or error here is isolated to this symbol: it
// never aborts the rest of the cycle, but it is recorded against the FSM's
// error counter like any other observed fault.
func (g *SignalGenerator) processSymbol(ctx context.Context, symbol string, anchorCandles []ports.Candle) {
	defer func() {
		if r := recover(); r != nil {
			observ.Error("engine.symbol_panicked", fmt.Errorf("%v", r), map[string]any{"symbol": symbol})
			g.deps.Machine.RecordError("symbol processing panicked: " + symbol)
		}
	}()

	if g.deps.Faults != nil && g.deps.Faults.DecisionException() {
		panic("fault injection: decision exception")
	}

	candlesByTF := g.candlesByTF(symbol)
	if len(candlesByTF) == 0 {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.SignalTimeoutSeconds)*time.Second)
	defer cancel()

	analysis, err := g.deps.Strategy.Analyze(cctx, symbol, candlesByTF)
	if err != nil {
		observ.Warn("engine.strategy_failed", map[string]any{"symbol": symbol, "error": err.Error()})
		return
	}

	vol := g.deps.State.Regime().Volatility
	riskLevel := g.riskLevelFor(analysis, vol, anchorCandles)

	draft, err := snapshot.NewSnapshot(snapshot.Params{
		Timestamp:           time.Now().UTC(),
		InstrumentID:        symbol,
		AnchorTimeframe:      g.cfg.AnchorTimeframe,
		States:              analysis.States,
		Regime:              g.deps.State.Regime(),
		Volatility:          vol,
		CorrelationToMarket: 0,
		Score:               analysis.Score,
		ScoreMax:            analysis.ScoreMax,
		Confidence:          0,
		Entropy:             0,
		RiskLevel:           riskLevel,
		RecommendedLeverage: analysis.RecommendedLeverage,
		Entry:               analysis.Entry,
		TP:                  analysis.TP,
		SL:                  analysis.SL,
		Decision:            analysis.Decision,
		Reason:              analysis.Reason,
		DirectionByTF:       analysis.DirectionByTF,
		Details:             analysis.Details,
	})
	if err != nil {
		observ.Warn("engine.snapshot_invalid", map[string]any{"symbol": symbol, "error": err.Error()})
		return
	}

	confidence := cognitive.Confidence(draft)
	entropy := cognitive.Entropy(draft)

	final, err := snapshot.NewSnapshot(snapshot.Params{
		Timestamp:           draft.Timestamp,
		InstrumentID:        draft.InstrumentID,
		AnchorTimeframe:      draft.AnchorTimeframe,
		States:              draft.States(),
		Regime:              draft.Regime,
		Volatility:          draft.Volatility,
		CorrelationToMarket: draft.CorrelationToMarket,
		Score:               draft.Score,
		ScoreMax:            draft.ScoreMax,
		Confidence:          confidence,
		Entropy:             entropy,
		RiskLevel:           draft.RiskLevel,
		RecommendedLeverage: draft.RecommendedLeverage,
		Entry:               draft.Entry,
		TP:                  draft.TP,
		SL:                  draft.SL,
		Decision:            draft.Decision,
		Reason:              draft.Reason,
		DirectionByTF:       analysis.DirectionByTF,
		Details:             draft.Details,
		Reasons:             draft.Reasons,
	})
	if err != nil {
		observ.Warn("engine.final_snapshot_invalid", map[string]any{"symbol": symbol, "error": err.Error()})
		return
	}

	g.deps.State.SetOpportunity(systemstate.Opportunity{
		InstrumentID: symbol,
		Score:        final.Score,
		RiskLevel:    final.RiskLevel,
	})

	if g.deps.Signals != nil {
		if err := g.deps.Signals.Append(ctx, final); err != nil {
			observ.Warn("engine.signal_log_append_failed", map[string]any{"symbol": symbol, "error": err.Error()})
		}
	}

	if final.Decision != snapshot.DecisionEnter {
		return
	}

	nav := g.deps.Portfolio.GetNAV()
	req := &gatekeeper.Request{
		Symbol:          symbol,
		Snapshot:        final,
		PositionSizeUSD: decimal.Zero,
		BalanceUSD:      nav,
	}

	verdict := g.deps.Chain.SendSignal(ctx, req)
	observ.IncCounter("engine.signals_evaluated", map[string]string{"symbol": symbol, "allowed": fmt.Sprintf("%v", verdict.Allowed)})

	if !verdict.Allowed {
		observ.Log("engine.signal_blocked", map[string]any{"symbol": symbol, "blocked_by": verdict.BlockedBy, "reason": verdict.Reason})
		return
	}

	// The external message is sent first; only on success does a
	// paper-trade record get opened.
	channel := "#regime-signals"
	message := fmt.Sprintf("%s: ENTER dir=%s entry=%s sl=%s tp=%s size=%s confidence=%.2f",
		symbol, directionLabel(final), final.Entry, final.SL, final.TP, verdict.FinalSizeUSD, final.Confidence)

	if g.deps.Sink != nil {
		if err := g.deps.Sink.Send(ctx, channel, message); err != nil {
			observ.Error("engine.message_send_failed", err, map[string]any{"symbol": symbol})
			return
		}
	}

	g.openPaperPosition(symbol, final, verdict.FinalSizeUSD)
	g.actions.RecordAction(time.Now().UTC())
	g.deps.State.IncrCounter("signals_emitted_total", 1)
}

func (g *SignalGenerator) openPaperPosition(symbol string, final *snapshot.Snapshot, sizeUSD decimal.Decimal) {
	if sizeUSD.IsZero() || final.Entry.IsZero() {
		return
	}
	size := sizeUSD.Div(final.Entry)
	dir := snapshot.DirectionLong
	if d, ok := final.DirectionByTF(g.cfg.AnchorTimeframe); ok {
		dir = d
	}
	anchorState, _ := final.States().Get(g.cfg.AnchorTimeframe)
	if err := g.deps.Portfolio.OpenOrAdd(symbol, dir, size, final.Entry, time.Now().UTC(), anchorState, final.Confidence, final.Entropy); err != nil {
		observ.Warn("engine.open_position_failed", map[string]any{"symbol": symbol, "error": err.Error()})
		return
	}
	g.deps.State.SetPosition(systemstate.PositionRef{
		Symbol:       symbol,
		Direction:    dir,
		Size:         mustFloat(size),
		StateAtEntry: anchorState,
	})
}

func (g *SignalGenerator) riskLevelFor(analysis SymbolAnalysis, vol regime.VolatilityLevel, anchorCandles []ports.Candle) regime.RiskLevel {
	if analysis.Decision != snapshot.DecisionEnter {
		switch vol {
		case regime.VolatilityHigh:
			return regime.RiskHigh
		case regime.VolatilityMedium:
			return regime.RiskMedium
		default:
			return regime.RiskLow
		}
	}

	entry, _ := analysis.Entry.Float64()
	sl, _ := analysis.SL.Float64()
	atr := estimateATR(anchorCandles)
	stop := riskcore.ValidateStopDistance(entry, sl, atr)

	atrPct := 0.0
	if entry > 0 {
		atrPct = atr / entry * 100
	}

	dir4h, _ := analysis.DirectionByTF["4h"]
	dir30m, _ := analysis.DirectionByTF["30m"]

	return snapshot.AggregateRiskLevel(analysis.States, dir4h, dir30m, stop, nil, nil, atrPct)
}

func (g *SignalGenerator) saveSnapshot(ctx context.Context) {
	positions := g.deps.State.Positions()
	openPositions := make(map[string]decimal.Decimal, len(positions))
	for symbol := range positions {
		if pos, ok := g.deps.Portfolio.GetPosition(symbol); ok {
			openPositions[symbol] = pos.CurrentNotional
		}
	}

	recent := g.deps.State.RecentSignals(20)
	ids := make([]string, 0, len(recent))
	for _, s := range recent {
		ids = append(ids, s.InstrumentID+"@"+s.Timestamp.Format(time.RFC3339))
	}

	health := g.deps.State.Health()
	checkpoint := ports.SystemSnapshot{
		Timestamp:       time.Now().UTC(),
		OpenPositions:   openPositions,
		Counters:        g.deps.State.Counters(),
		IsRunning:       health.IsRunning,
		SafeMode:        health.SafeMode,
		TradingPaused:   health.TradingPaused,
		RecentSignalIDs: ids,
	}
	if err := g.deps.Persistence.SaveSnapshot(ctx, checkpoint); err != nil {
		observ.Error("engine.snapshot_save_failed", err, nil)
	}
}

func directionLabel(s *snapshot.Snapshot) string {
	d, _ := s.DirectionByTF(s.AnchorTimeframe)
	return d.String()
}

func mustFloat(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}

func clampRange(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
