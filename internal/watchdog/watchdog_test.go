package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrilquant/regime-core/internal/fsm"
)

type exitRecorder struct {
	mu   sync.Mutex
	code int
	hit  bool
}

func (r *exitRecorder) fn(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = code
	r.hit = true
}

func (r *exitRecorder) called() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code, r.hit
}

func TestThreadWatchdogPublishesLoopStallOnStaleHeartbeat(t *testing.T) {
	machine := fsm.New(fsm.Config{})
	w := NewThreadWatchdog(machine, 10*time.Millisecond, 2.0)
	w.lastHeartbeat = time.Now().Add(-100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.RunDispatcher(ctx)
	w.checkStall()

	assert.Eventually(t, func() bool { return machine.State() == fsm.SafeMode }, time.Second, time.Millisecond)
}

func TestThreadWatchdogTriggersOnce(t *testing.T) {
	machine := fsm.New(fsm.Config{})
	w := NewThreadWatchdog(machine, 10*time.Millisecond, 2.0)
	w.lastHeartbeat = time.Now().Add(-100 * time.Millisecond)

	w.checkStall()
	require.True(t, w.triggered)

	// second check without a fresh heartbeat must not re-publish.
	w.checkStall()
	assert.True(t, w.triggered)
}

func TestThreadWatchdogHeartbeatResetsTrigger(t *testing.T) {
	w := NewThreadWatchdog(fsm.New(fsm.Config{}), 10*time.Millisecond, 2.0)
	w.triggered = true
	w.Heartbeat()
	assert.False(t, w.triggered)
}

func TestThreadWatchdogExitsOnSafeModeTTL(t *testing.T) {
	machine := fsm.New(fsm.Config{SafeModeTTL: time.Millisecond})
	require.NoError(t, machine.TransitionTo(fsm.SafeMode, "halt", "test", nil))
	time.Sleep(5 * time.Millisecond)

	rec := &exitRecorder{}
	w := NewThreadWatchdog(machine, time.Hour, 3.0)
	w.exit = rec.fn

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Run(stop, time.Millisecond)
		close(done)
	}()

	<-done
	code, hit := rec.called()
	assert.True(t, hit)
	assert.Equal(t, ExitCritical, code)
}

func TestFatalReaperExitsOnFatalState(t *testing.T) {
	machine := fsm.New(fsm.Config{})
	require.NoError(t, machine.TransitionTo(fsm.SafeMode, "halt", "test", nil))
	require.NoError(t, machine.TransitionTo(fsm.Fatal, "corruption", "test", nil))

	rec := &exitRecorder{}
	r := NewFatalReaper(machine)
	r.exit = rec.fn

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.Run(stop, time.Millisecond)
		close(done)
	}()

	<-done
	code, hit := rec.called()
	assert.True(t, hit)
	assert.Equal(t, ExitCritical, code)
}

func TestFatalReaperStopsCleanlyWithoutFatal(t *testing.T) {
	machine := fsm.New(fsm.Config{})
	rec := &exitRecorder{}
	r := NewFatalReaper(machine)
	r.exit = rec.fn

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.Run(stop, time.Millisecond)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	close(stop)
	<-done

	_, hit := rec.called()
	assert.False(t, hit)
}
