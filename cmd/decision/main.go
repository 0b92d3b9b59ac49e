// Command decision runs the full decision pipeline: candle fetch, the
// per-cycle brains, the six-stage validator chain, and the liveness
// runtime (FSM dispatcher, ThreadWatchdog, FatalReaper) around them.
//
// Exit codes are platform-integration-significant: 0 graceful shutdown,
// 2 recoverable startup failure (restartable), 10 CRITICAL (emitted by
// the watchdog/reaper, never by this function), 77 configuration error
// (do not restart).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/alerts"
	"github.com/avrilquant/regime-core/internal/candles"
	"github.com/avrilquant/regime-core/internal/config"
	"github.com/avrilquant/regime-core/internal/decisioncore"
	"github.com/avrilquant/regime-core/internal/drift"
	"github.com/avrilquant/regime-core/internal/engine"
	"github.com/avrilquant/regime-core/internal/faults"
	"github.com/avrilquant/regime-core/internal/fsm"
	"github.com/avrilquant/regime-core/internal/gatekeeper"
	"github.com/avrilquant/regime-core/internal/guardian"
	"github.com/avrilquant/regime-core/internal/metabrain"
	"github.com/avrilquant/regime-core/internal/observ"
	"github.com/avrilquant/regime-core/internal/portfolio"
	"github.com/avrilquant/regime-core/internal/portfoliobrain"
	"github.com/avrilquant/regime-core/internal/ports"
	"github.com/avrilquant/regime-core/internal/riskcore"
	"github.com/avrilquant/regime-core/internal/sizer"
	"github.com/avrilquant/regime-core/internal/systemstate"
	"github.com/avrilquant/regime-core/internal/trace"
	"github.com/avrilquant/regime-core/internal/transport/observerapi"
	"github.com/avrilquant/regime-core/internal/watchdog"
)

const (
	exitOK          = 0
	exitRecoverable = 2
	exitConfigError = 77
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}
	defer observ.Sync()

	injector := faults.NewFromEnv()

	state := systemstate.New()
	machine := fsm.New(fsm.Config{
		SafeModeTTL:              cfg.FSM.SafeModeTTL(),
		MaxConsecutiveQueueDrops: cfg.FSM.MaxConsecutiveDrops,
		RecoveryCyclesRequired:   cfg.FSM.RecoveryCyclesRequired,
		DegradedErrorThreshold:   cfg.FSM.DegradedErrorThreshold,
		SafeModeErrorThreshold:   cfg.FSM.SafeModeErrorThreshold,
	})
	machine.AttachSyncTarget(state)

	pm := portfolio.NewManager(
		cfg.Portfolio.StateFilePath,
		decimal.NewFromFloat(cfg.Portfolio.CapitalUSD),
		decimal.NewFromFloat(cfg.Portfolio.RiskBudgetUSD),
	)
	if err := pm.Load(); err != nil {
		observ.Error("main.portfolio_load_failed", err, nil)
		return exitRecoverable
	}

	adapter, err := trace.NewPersistenceAdapter(cfg.Persistence.TraceLogPath, cfg.Persistence.SnapshotPath)
	if err != nil {
		observ.Error("main.persistence_init_failed", err, nil)
		return exitRecoverable
	}
	persistence := trace.WithFaultInjection(adapter, injector)

	signals, err := trace.NewSignalLog(cfg.Persistence.SignalArchivePath, cfg.Persistence.SignalLogPath)
	if err != nil {
		observ.Error("main.signal_log_init_failed", err, nil)
		return exitRecoverable
	}
	driftTracker := drift.NewTracker(signals, 5000)

	fetcher, err := buildFetcher(cfg.Candles)
	if err != nil {
		observ.Error("main.candle_fetcher_init_failed", err, nil)
		return exitRecoverable
	}

	var sink ports.MessageSink
	var chatSink *alerts.ChatSink
	if cfg.Messaging.Enabled {
		chatSink = alerts.NewChatSink(cfg.Messaging)
		sink = chatSink
	}

	dcore := decisioncore.New(decisioncore.Config{
		MaxPositionSizeUSD: decimal.NewFromFloat(cfg.Portfolio.RiskBudgetUSD),
		MaxLeverage:        decimal.NewFromInt(10),
	}, state)
	meta := metabrain.New(metabrain.DefaultConfig(), state, nil, nil, driftTracker, nil)
	pbrain := portfoliobrain.New(portfoliobrain.DefaultConfig(), pm, state)
	psizer := sizer.New(sizer.DefaultConfig(), pm)

	registry := guardian.NewModuleRegistry()
	registerModules(registry, cfg, machine, fetcher, dcore, meta, pbrain, psizer)

	// The operator halt/recovery surface is the one write path outside the
	// FSM: two distinct authorized operators must approve a halt, and the
	// engaged halt blocks the guardian until a recovery is approved the
	// same way. The chat command table stays read-only.
	guardInvariants := []guardian.CriticalInvariant{globalPauseInvariant{paused: cfg.GlobalPause}}
	var override *riskcore.ManualOverride
	var operatorServer *http.Server
	if cfg.Commands.Enabled {
		secret := os.Getenv(cfg.Commands.SigningSecretEnv)
		if secret == "" {
			fmt.Fprintf(os.Stderr, "operator surface enabled but %s is empty\n", cfg.Commands.SigningSecretEnv)
			return exitConfigError
		}
		rbac := alerts.NewRBACManager(secret, cfg.Commands.AuditLogPath)
		override = riskcore.NewManualOverride(rbac)
		guardInvariants = append(guardInvariants, manualHaltInvariant{override: override})
		operatorServer = newOperatorServer(cfg.Commands.OperatorAddr, rbac, override)
		go func() {
			if err := operatorServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				observ.Error("main.operator_server_failed", err, nil)
			}
		}()
	}
	guard := guardian.New(registry, machine, guardInvariants...)

	actions := engine.NewActionTracker()
	riskSource := engine.NewRiskDataSource(state, pm, machine, actions)
	chain := gatekeeper.New(state, persistence,
		gatekeeper.NewGuardianValidator(guard),
		gatekeeper.NewRiskCoreValidator(riskSource, riskThresholds(cfg.RiskCore), riskcore.DefaultInvariants()),
		meta,
		dcore,
		pbrain,
		psizer,
	)

	wd := watchdog.NewThreadWatchdog(machine, time.Duration(cfg.Engine.HeartbeatSeconds)*time.Second, cfg.FSM.WatchdogStaleFactor)
	reaper := watchdog.NewFatalReaper(machine)

	gen := engine.New(cfg.Engine, engine.Deps{
		Candles:        fetcher,
		Strategy:       engine.NewDefaultStrategy(cfg.Engine.AnchorTimeframe),
		RegimeAnalyzer: &engine.DefaultRegimeAnalyzer{AnchorTimeframe: cfg.Engine.AnchorTimeframe},
		Correlation:    &engine.DefaultCorrelationAnalyzer{},
		State:          state,
		Chain:          chain,
		Portfolio:      pm,
		Sink:           sink,
		Persistence:    persistence,
		Machine:        machine,
		Watchdog:       wd,
		Faults:         injector,
		Drift:          driftTracker,
		Signals:        signals,
		Actions:        actions,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The watchdog and reaper run on their own stop channel, not ctx: a
	// cancelled main loop must not take the liveness enforcement down
	// with it.
	workerStop := make(chan struct{})
	go wd.Run(workerStop, cfg.FSM.WatchdogPollInterval())
	go reaper.Run(workerStop, cfg.FSM.ReaperPollInterval())
	go machine.RunDispatcher(ctx)

	var observer *observerapi.Server
	if cfg.ObserverAPI.Enabled {
		router := alerts.NewCommandRouter(nil, state, pm, guard, machine, adapter.Store, signals, driftTracker)
		observer = observerapi.New(cfg.ObserverAPI.Addr, observerapi.Deps{
			Machine:   machine,
			State:     state,
			Portfolio: pm,
			Guardian:  guard,
			Trace:     adapter.Store,
			Signals:   signals,
			Drift:     driftTracker,
			Commands:  router,
		})
		go func() {
			if err := observer.ListenAndServe(); err != nil {
				observ.Error("main.observer_api_failed", err, nil)
			}
		}()
	}

	observ.Log("main.started", map[string]any{
		"mode": cfg.TradingMode, "symbols": cfg.Engine.Symbols, "provider": cfg.Candles.Provider,
	})
	gen.Run(ctx)

	// Shutdown: block further transitions first so nothing can re-enter
	// SAFE_MODE while the process drains, then stop the workers.
	machine.MarkShutdownStarted()
	close(workerStop)
	if observer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = observer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if operatorServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = operatorServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if chatSink != nil {
		chatSink.Close()
	}
	if err := pm.Save(); err != nil {
		observ.Error("main.portfolio_save_failed", err, nil)
		return exitRecoverable
	}

	observ.Log("main.stopped", nil)
	return exitOK
}

func buildFetcher(cfg config.Candles) (ports.CandleFetcher, error) {
	switch cfg.Provider {
	case "exchange":
		return candles.NewExchangeFetcher(candles.Config{
			BaseURL:            cfg.BaseURL,
			Category:           cfg.Category,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			TimeoutSeconds:     cfg.TimeoutSeconds,
			MaxRetries:         cfg.MaxRetries,
			BackoffBaseMs:      cfg.BackoffBaseMs,
			CacheTTLSeconds:    cfg.CacheTTLSeconds,
		})
	case "stub":
		return ports.NewStubCandleFetcher(cfg.StubSeed), nil
	default:
		return nil, fmt.Errorf("unknown candle provider %q", cfg.Provider)
	}
}

func riskThresholds(r config.RiskThresholds) riskcore.Thresholds {
	return riskcore.Thresholds{
		MaxCumulativeLossPct:    r.MaxCumulativeLossPct,
		Max24hLossPct:           r.Max24hLossPct,
		Max7dLossPct:            r.Max7dLossPct,
		MaxSinglePositionPct:    r.MaxSinglePositionPct,
		MaxAggregateExposurePct: r.MaxAggregateExposurePct,
		MaxCorrelatedGroupPct:   r.MaxCorrelatedGroupPct,
		MaxActionsPerHour:       r.MaxActionsPerHour,
		MaxActions24h:           r.MaxActions24h,
		LossRetryCooldown:       r.LossRetryCooldown(),
		MinActionCooldown:       r.MinActionCooldown(),
		MaxConsecutiveErrors:    r.MaxConsecutiveErrors,
		LimitedSizeFactor:       r.LimitedSizeFactor,
	}
}

// namedModule registers a component that has no Name method of its own
// (the FSM, the candle provider) under a registry name, optionally
// delegating health checks.
type namedModule struct {
	name   string
	health func(ctx context.Context) error
}

func (m namedModule) Name() string { return m.name }

func (m namedModule) HealthCheck(ctx context.Context) error {
	if m.health == nil {
		return nil
	}
	return m.health(ctx)
}

// registerModules declares the criticality map: DecisionCore, the state
// machine, and the candle provider are CRITICAL; the advisory brains are
// NON_CRITICAL.
func registerModules(
	registry *guardian.ModuleRegistry,
	cfg config.Root,
	machine *fsm.FSM,
	fetcher ports.CandleFetcher,
	dcore *decisioncore.DecisionCore,
	meta *metabrain.MetaDecisionBrain,
	pbrain *portfoliobrain.PortfolioBrain,
	psizer *sizer.PositionSizer,
) {
	timeout := time.Duration(cfg.Engine.BrainTimeoutSeconds) * time.Second

	registry.Register("decision_core", guardian.ModuleSpec{
		Criticality: guardian.Critical, Timeout: timeout,
		Factory: func() guardian.Module { return dcore },
	})
	registry.Register("state_machine", guardian.ModuleSpec{
		Criticality: guardian.Critical, Timeout: timeout,
		Factory: func() guardian.Module {
			return namedModule{name: "state_machine", health: func(context.Context) error {
				if machine.State() == fsm.Fatal {
					return fmt.Errorf("state machine is FATAL")
				}
				return nil
			}}
		},
	})
	registry.Register("candle_provider", guardian.ModuleSpec{
		Criticality: guardian.Critical, Timeout: timeout,
		Factory: func() guardian.Module {
			return namedModule{name: "candle_provider", health: fetcher.HealthCheck}
		},
	})

	registry.Register("meta_decision", guardian.ModuleSpec{
		Criticality: guardian.NonCritical, Timeout: timeout,
		Factory: func() guardian.Module { return meta },
	})
	registry.Register("portfolio_brain", guardian.ModuleSpec{
		Criticality: guardian.NonCritical, Timeout: timeout,
		Factory: func() guardian.Module { return pbrain },
	})
	registry.Register("position_sizer", guardian.ModuleSpec{
		Criticality: guardian.NonCritical, Timeout: timeout,
		Factory: func() guardian.Module { return psizer },
	})
}

// manualHaltInvariant blocks trading while a two-person-approved manual
// halt is engaged.
type manualHaltInvariant struct {
	override *riskcore.ManualOverride
}

func (m manualHaltInvariant) Name() string { return "manual_halt" }

func (m manualHaltInvariant) Check() (bool, string) {
	if m.override.Halted() {
		reason := m.override.Reason()
		if reason == "" {
			reason = "manual halt engaged"
		}
		return false, reason
	}
	return true, ""
}

// newOperatorServer serves the operator halt/recovery endpoints. Requests
// are signed the same way inbound chat commands are (v0 HMAC over
// timestamp+body); authorization and two-person approval live inside
// RBACManager and ManualOverride, not here.
func newOperatorServer(addr string, rbac *alerts.RBACManager, override *riskcore.ManualOverride) *http.Server {
	handle := func(action func(userID, reason string) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				http.Error(w, "read body", http.StatusBadRequest)
				return
			}
			if err := rbac.ValidateRequest(r.Header.Get("X-Signature"), r.Header.Get("X-Request-Timestamp"), string(body)); err != nil {
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
			form, err := url.ParseQuery(string(body))
			if err != nil {
				http.Error(w, "parse form", http.StatusBadRequest)
				return
			}

			err = action(form.Get("user_id"), form.Get("reason"))
			switch {
			case errors.Is(err, riskcore.ErrApprovalPending):
				writeOperatorJSON(w, http.StatusAccepted, map[string]any{"pending": true, "message": "awaiting second approval"})
			case err != nil:
				writeOperatorJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
			default:
				writeOperatorJSON(w, http.StatusOK, map[string]any{"halted": override.Halted()})
			}
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/operator/halt", handle(func(userID, reason string) error {
		return override.RequestHalt(userID, reason)
	}))
	mux.HandleFunc("/operator/recovery", handle(func(userID, _ string) error {
		return override.InitiateRecovery(userID)
	}))
	mux.HandleFunc("/operator/status", func(w http.ResponseWriter, _ *http.Request) {
		writeOperatorJSON(w, http.StatusOK, map[string]any{"halted": override.Halted(), "reason": override.Reason()})
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func writeOperatorJSON(w http.ResponseWriter, status int, v map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Error("main.operator_encode_failed", err, nil)
	}
}

// globalPauseInvariant blocks trading while the operator-level
// global_pause config flag is set.
type globalPauseInvariant struct {
	paused bool
}

func (g globalPauseInvariant) Name() string { return "global_pause" }

func (g globalPauseInvariant) Check() (bool, string) {
	if g.paused {
		return false, "global pause is set in config"
	}
	return true, ""
}
