// Package guardian implements ModuleRegistry and SystemGuardian: the global
// trading gate every signal must clear before RiskCore ever runs. The
// guardian checks the FSM state, its own critical invariants, and every
// registered module's health, in that order, and fails closed on any
// doubt.
package guardian

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avrilquant/regime-core/internal/fsm"
	"github.com/avrilquant/regime-core/internal/observ"
)

// Criticality classifies a registered module. CRITICAL module failure drives
// the FSM to SAFE_MODE; NON_CRITICAL failure only to DEGRADED, and only from
// RUNNING.
type Criticality int8

const (
	NonCritical Criticality = iota
	Critical
)

func (c Criticality) String() string {
	if c == Critical {
		return "CRITICAL"
	}
	return "NON_CRITICAL"
}

// Module is the minimal handle SystemGuardian holds for a registered
// component. HealthCheck and ValidateData are optional: a module that
// implements neither is treated as always-healthy.
type Module interface {
	Name() string
}

// HealthChecker is implemented by modules that can report their own
// liveness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DataValidator is implemented by modules that can report whether their
// currently published data is valid for trading decisions.
type DataValidator interface {
	ValidateData(ctx context.Context) error
}

// ModuleSpec describes one registered module: its criticality, the timeout
// bounding its health_check/validate_data calls, and a factory building the
// live instance.
type ModuleSpec struct {
	Criticality Criticality
	Timeout     time.Duration
	Factory     func() Module
}

// ModuleRegistry maps a module name to its spec and lazily-built instance.
type ModuleRegistry struct {
	mu        sync.RWMutex
	specs     map[string]ModuleSpec
	instances map[string]Module
}

// NewModuleRegistry builds an empty registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{
		specs:     make(map[string]ModuleSpec),
		instances: make(map[string]Module),
	}
}

// Register adds or replaces a module's spec. The instance is built lazily on
// first Get.
func (r *ModuleRegistry) Register(name string, spec ModuleSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[name] = spec
	delete(r.instances, name)
}

// Get returns the built instance and spec for name, building it via the
// spec's Factory on first access.
func (r *ModuleRegistry) Get(name string) (Module, ModuleSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[name]
	if !ok {
		return nil, ModuleSpec{}, false
	}
	inst, built := r.instances[name]
	if !built {
		inst = spec.Factory()
		r.instances[name] = inst
	}
	return inst, spec, true
}

// Names returns the names of the registered modules whose criticality is c,
// in no particular order.
func (r *ModuleRegistry) Names(c Criticality) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, spec := range r.specs {
		if spec.Criticality == c {
			out = append(out, name)
		}
	}
	return out
}

// CriticalInvariant is an infra-level check SystemGuardian evaluates itself,
// distinct from RiskCore's business-rule invariants, which run one
// validator-chain stage later. Examples: persistence reachable, event queue
// not in overflow, process not mid-shutdown.
type CriticalInvariant interface {
	Name() string
	Check() (ok bool, reason string)
}

// Verdict is SystemGuardian's answer: the hard global gate result.
type Verdict struct {
	Allowed    bool
	Reason     string
	BlockedBy  string
	Violations []string
}

// SystemGuardian is the global barrier every signal must pass before any
// other validator runs.
type SystemGuardian struct {
	registry   *ModuleRegistry
	machine    *fsm.FSM
	invariants []CriticalInvariant
}

// New builds a SystemGuardian over registry and machine, checking the given
// critical invariants in order.
func New(registry *ModuleRegistry, machine *fsm.FSM, invariants ...CriticalInvariant) *SystemGuardian {
	return &SystemGuardian{registry: registry, machine: machine, invariants: invariants}
}

// CanTrade is the single synchronous entry point every caller uses: the
// timeout-bounded check itself, with no dispatch layer in between.
// Any panic inside an invariant or module check is recovered and treated as
// a failure (fail-closed), matching "any exception: treated as failure."
func (g *SystemGuardian) CanTrade(ctx context.Context) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			observ.Error("guardian.panic", fmt.Errorf("%v", r), nil)
			verdict = Verdict{Allowed: false, Reason: "guardian invariant raised a runtime error", BlockedBy: "guardian"}
		}
	}()

	if state := g.machine.State(); state != fsm.Running {
		return Verdict{Allowed: false, Reason: fmt.Sprintf("fsm not running: %s", state), BlockedBy: "fsm"}
	}

	var violations []string
	for _, inv := range g.invariants {
		ok, reason := inv.Check()
		if !ok {
			violations = append(violations, fmt.Sprintf("%s: %s", inv.Name(), reason))
		}
	}
	if len(violations) > 0 {
		return Verdict{Allowed: false, Reason: "critical invariant violated", BlockedBy: "invariants", Violations: violations}
	}

	if failedCritical := g.checkModules(ctx, Critical); len(failedCritical) > 0 {
		g.enforcePolicy(Critical)
		return Verdict{Allowed: false, Reason: "critical module unavailable", BlockedBy: failedCritical[0], Violations: failedCritical}
	}

	if failedNonCritical := g.checkModules(ctx, NonCritical); len(failedNonCritical) > 0 {
		g.enforcePolicy(NonCritical)
		observ.Warn("guardian.non_critical_degraded", map[string]any{"modules": failedNonCritical})
	}

	return Verdict{Allowed: true}
}

// checkModules runs HealthCheck/ValidateData (where implemented) for every
// module of the given criticality, each bounded by its declared timeout,
// and returns the names that failed.
func (g *SystemGuardian) checkModules(ctx context.Context, c Criticality) []string {
	var failed []string
	for _, name := range g.registry.Names(c) {
		inst, spec, ok := g.registry.Get(name)
		if !ok {
			continue
		}
		if err := g.checkOne(ctx, inst, spec.Timeout); err != nil {
			failed = append(failed, name)
		}
	}
	return failed
}

func (g *SystemGuardian) checkOne(ctx context.Context, inst Module, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errs <- fmt.Errorf("panic: %v", r)
			}
		}()
		if hc, ok := inst.(HealthChecker); ok {
			if err := hc.HealthCheck(cctx); err != nil {
				errs <- err
				return
			}
		}
		if dv, ok := inst.(DataValidator); ok {
			if err := dv.ValidateData(cctx); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	select {
	case err := <-errs:
		return err
	case <-cctx.Done():
		return cctx.Err()
	}
}

// enforcePolicy drives the FSM: a CRITICAL module failure forces
// SAFE_MODE; a NON_CRITICAL failure forces DEGRADED, and only from
// RUNNING.
func (g *SystemGuardian) enforcePolicy(c Criticality) {
	switch c {
	case Critical:
		_ = g.machine.TransitionTo(fsm.SafeMode, "guardian: critical module unavailable", "guardian", nil)
	case NonCritical:
		if g.machine.State() == fsm.Running {
			_ = g.machine.TransitionTo(fsm.Degraded, "guardian: non-critical module unavailable", "guardian", nil)
		}
	}
}
