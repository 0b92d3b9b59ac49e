// Package observerapi is the read-only HTTP reporting surface: FSM state
// and transition history, SystemState's summary slices,
// the portfolio ledger, recent decision-trace entries, recent signals, and
// drift status. Every route only reads — it never drives a transition,
// never opens a position, never answers a trade-or-not question (that is
// internal/gatekeeper's job, reached through the command surface instead).
// A gorilla/mux router behind rs/cors, an http.Server with explicit
// read/write timeouts, one small handler per route writing JSON directly.
// There is deliberately no push channel; polling is enough for an
// observer API.
package observerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/avrilquant/regime-core/internal/drift"
	"github.com/avrilquant/regime-core/internal/fsm"
	"github.com/avrilquant/regime-core/internal/guardian"
	"github.com/avrilquant/regime-core/internal/observ"
	"github.com/avrilquant/regime-core/internal/ports"
	"github.com/avrilquant/regime-core/internal/portfolio"
	"github.com/avrilquant/regime-core/internal/systemstate"
	"github.com/avrilquant/regime-core/internal/trace"
)

// Deps bundles every collaborator the observer API reads from. Every field
// is optional except Machine and State: a nil Guardian/Drift/Trace
// simply disables the routes that need it, returning 404 rather than
// panicking, and a nil Signals makes /signals/recent serve SystemState's
// in-memory ring instead, so a composition root can stand the server up before every
// collaborator exists yet (useful for cmd/replay, which has no live
// Portfolio or Guardian at all).
type Deps struct {
	Machine   *fsm.FSM
	State     *systemstate.SystemState
	Portfolio *portfolio.Manager
	Guardian  *guardian.SystemGuardian
	Trace     *trace.Store
	Signals   *trace.SignalLog
	Drift     *drift.Tracker
	Commands  ports.CommandHandler
}

// Server is the observer API's HTTP listener.
type Server struct {
	deps       Deps
	httpServer *http.Server
}

// New builds a Server bound to addr but does not start listening; call
// ListenAndServe to do that.
func New(addr string, deps Deps) *Server {
	router := mux.NewRouter()
	s := &Server{deps: deps}

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/fsm", s.handleFSM).Methods(http.MethodGet)
	router.HandleFunc("/fsm/transitions", s.handleFSMTransitions).Methods(http.MethodGet)
	router.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	router.HandleFunc("/guardian", s.handleGuardian).Methods(http.MethodGet)
	router.HandleFunc("/portfolio", s.handlePortfolio).Methods(http.MethodGet)
	router.HandleFunc("/trace/recent", s.handleTraceRecent).Methods(http.MethodGet)
	router.HandleFunc("/signals/recent", s.handleSignalsRecent).Methods(http.MethodGet)
	router.HandleFunc("/drift", s.handleDrift).Methods(http.MethodGet)
	router.HandleFunc("/commands/{name}", s.handleCommand).Methods(http.MethodGet, http.MethodPost)
	router.Handle("/metrics", observ.Handler()).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts serving and blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	observ.Log("observerapi.listening", map[string]any{"addr": s.httpServer.Addr})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Error("observerapi.encode_failed", err, nil)
	}
}

func notConfigured(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": what + " not configured"})
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleFSM(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":          s.deps.Machine.State().String(),
		"trading_paused": s.deps.Machine.TradingPaused(),
	})
}

func (s *Server) handleFSMTransitions(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "n", 50)
	all := s.deps.Machine.Transitions()
	if n > 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	out := make([]map[string]any, 0, len(all))
	for _, t := range all {
		out = append(out, map[string]any{
			"from":        t.From.String(),
			"to":          t.To.String(),
			"reason":      t.Reason,
			"owner":       t.Owner,
			"timestamp":   t.Timestamp,
			"incident_id": t.IncidentID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": out})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	health := s.deps.State.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"regime":      s.deps.State.Regime(),
		"risk":        s.deps.State.Risk(),
		"cognitive":   s.deps.State.Cognitive(),
		"can_trade":   s.deps.State.CanTrade(),
		"health":      health,
		"counters":    s.deps.State.Counters(),
		"positions":   s.deps.State.Positions(),
		"opportunities": s.deps.State.AllOpportunities(),
	})
}

func (s *Server) handleGuardian(w http.ResponseWriter, r *http.Request) {
	if s.deps.Guardian == nil {
		notConfigured(w, "guardian")
		return
	}
	verdict := s.deps.Guardian.CanTrade(r.Context())
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Portfolio == nil {
		notConfigured(w, "portfolio")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nav":           s.deps.Portfolio.GetNAV(),
		"capital_base":  s.deps.Portfolio.CapitalBase(),
		"daily_pnl":     s.deps.Portfolio.DailyPnL(),
		"aggregate":     s.deps.Portfolio.Aggregate(),
		"positions":     s.deps.Portfolio.GetAllPositions(),
	})
}

func (s *Server) handleTraceRecent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trace == nil {
		notConfigured(w, "trace")
		return
	}
	n := queryInt(r, "n", 50)
	entries, err := s.deps.Trace.Recent(n)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleSignalsRecent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signals != nil {
		n := queryInt(r, "n", 50)
		snapshots := s.deps.Signals.RecentSignals(n)
		dtos := make([]any, 0, len(snapshots))
		for _, snap := range snapshots {
			dtos = append(dtos, snap.ToDTO())
		}
		writeJSON(w, http.StatusOK, map[string]any{"signals": dtos})
		return
	}
	if s.deps.State != nil {
		n := queryInt(r, "n", 50)
		snapshots := s.deps.State.RecentSignals(n)
		dtos := make([]any, 0, len(snapshots))
		for _, snap := range snapshots {
			dtos = append(dtos, snap.ToDTO())
		}
		writeJSON(w, http.StatusOK, map[string]any{"signals": dtos})
		return
	}
	notConfigured(w, "signal source")
}

func (s *Server) handleDrift(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Drift == nil {
		notConfigured(w, "drift")
		return
	}
	state, ok := s.deps.Drift.State()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"has_data": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_data":     true,
		"state":        state,
		"drift_factor": s.deps.Drift.DriftFactor(),
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.Commands == nil {
		notConfigured(w, "command surface")
		return
	}
	name := mux.Vars(r)["name"]
	args := map[string]string{}
	for k := range r.URL.Query() {
		args[k] = r.URL.Query().Get(k)
	}
	result, err := s.deps.Commands.Handle(r.Context(), name, args)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
