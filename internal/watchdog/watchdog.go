// Package watchdog implements the two always-on background workers that
// enforce liveness from outside the cooperative scheduler: ThreadWatchdog
// (heartbeat-gap detection) and FatalReaper (FATAL-state exit). Neither
// depends on the main loop being alive to do its job: both can exit the
// process directly, with no cooperative-scheduler dependency on the death
// path.
package watchdog

import (
	"os"
	"sync"
	"time"

	"github.com/avrilquant/regime-core/internal/fsm"
	"github.com/avrilquant/regime-core/internal/observ"
)

// ExitFunc abstracts os.Exit so tests can observe a "would have exited"
// call instead of killing the test binary.
type ExitFunc func(code int)

// ExitCritical is exit code 10: CRITICAL/deadlock, restart required.
const ExitCritical = 10

// ThreadWatchdog compares the main loop's last heartbeat against now and
// enqueues a LOOP_STALL event when the gap exceeds the threshold. It never
// mutates FSM state directly — only FSM.PublishEvent. It is idempotent:
// once triggered, it will not re-trigger until a fresh heartbeat or Reset
// clears the trigger.
type ThreadWatchdog struct {
	mu sync.Mutex

	machine           *fsm.FSM
	heartbeatInterval time.Duration
	staleFactor       float64

	lastHeartbeat time.Time
	triggered     bool

	exit ExitFunc
}

// NewThreadWatchdog builds a watchdog for machine, alerting when the gap
// since the last heartbeat exceeds staleFactor * heartbeatInterval.
func NewThreadWatchdog(machine *fsm.FSM, heartbeatInterval time.Duration, staleFactor float64) *ThreadWatchdog {
	if staleFactor <= 0 {
		staleFactor = 3.0
	}
	return &ThreadWatchdog{
		machine:           machine,
		heartbeatInterval: heartbeatInterval,
		staleFactor:       staleFactor,
		lastHeartbeat:     time.Now(),
		exit:              os.Exit,
	}
}

// Heartbeat is called by the main loop every cycle. It also re-arms the
// watchdog after a prior trigger by clearing `triggered`.
func (w *ThreadWatchdog) Heartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = time.Now()
	w.triggered = false
}

// Reset explicitly clears a prior trigger without requiring a heartbeat,
// for tests and for an operator-issued recovery command.
func (w *ThreadWatchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.triggered = false
}

// checkStall enqueues LOOP_STALL exactly once per trigger episode.
func (w *ThreadWatchdog) checkStall() {
	w.mu.Lock()
	gap := time.Since(w.lastHeartbeat)
	threshold := time.Duration(float64(w.heartbeatInterval) * w.staleFactor)
	alreadyTriggered := w.triggered
	stalled := gap > threshold
	if stalled && !alreadyTriggered {
		w.triggered = true
	}
	w.mu.Unlock()

	if stalled && !alreadyTriggered {
		observ.Warn("watchdog.loop_stall", map[string]any{"gap": gap.String(), "threshold": threshold.String()})
		w.machine.PublishEvent(fsm.Event{Kind: fsm.EventLoopStall, Reason: "heartbeat gap " + gap.String()})
	}
}

// Run polls at pollInterval until stop is closed. It checks both the
// heartbeat gap and the FSM's SAFE_MODE TTL directly, force-exiting the
// process on TTL expiry without waiting for the dispatcher to notice —
// a wedged main loop cannot silence it.
func (w *ThreadWatchdog) Run(stop <-chan struct{}, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.checkStall()
			if w.machine.CheckSafeModeTTL() {
				observ.Error("watchdog.safe_mode_ttl_exceeded", nil, map[string]any{"exit_code": ExitCritical})
				w.exit(ExitCritical)
				return
			}
		}
	}
}

// FatalReaper polls FSM state and force-exits the process the instant it
// observes FATAL, closing the loophole where a cooperative scheduler has
// already decided FATAL but is wedged before it can exit itself.
type FatalReaper struct {
	machine *fsm.FSM
	exit    ExitFunc
}

// NewFatalReaper builds a reaper for machine.
func NewFatalReaper(machine *fsm.FSM) *FatalReaper {
	return &FatalReaper{machine: machine, exit: os.Exit}
}

// Run polls at pollInterval until stop is closed or FATAL is observed.
func (r *FatalReaper) Run(stop <-chan struct{}, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if r.machine.State() == fsm.Fatal {
				observ.Error("watchdog.fatal_reaper_exit", nil, map[string]any{"exit_code": ExitCritical})
				r.exit(ExitCritical)
				return
			}
		}
	}
}
