package fsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionToRejectsDisallowedMove(t *testing.T) {
	f := New(Config{})
	err := f.TransitionTo(Recovering, "skip ahead", "test", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransitionNotAllowed)
	assert.Equal(t, Running, f.State())
}

func TestTransitionToAllowsValidMove(t *testing.T) {
	f := New(Config{})
	require.NoError(t, f.TransitionTo(Degraded, "errors rising", "test", nil))
	assert.Equal(t, Degraded, f.State())
}

func TestFatalIsTerminal(t *testing.T) {
	f := New(Config{})
	require.NoError(t, f.TransitionTo(SafeMode, "halt", "test", nil))
	require.NoError(t, f.TransitionTo(Fatal, "corruption", "test", nil))

	err := f.TransitionTo(Recovering, "try to leave", "test", nil)
	require.Error(t, err)
	assert.Equal(t, Fatal, f.State())
}

func TestShutdownRejectsAllTransitions(t *testing.T) {
	f := New(Config{})
	f.MarkShutdownStarted()
	err := f.TransitionTo(Degraded, "whatever", "test", nil)
	require.Error(t, err)
}

func TestTradingPausedDerivedInvariant(t *testing.T) {
	f := New(Config{})
	assert.False(t, f.TradingPaused())

	require.NoError(t, f.TransitionTo(SafeMode, "halt", "test", nil))
	assert.True(t, f.TradingPaused())

	require.NoError(t, f.TransitionTo(Fatal, "corruption", "test", nil))
	assert.True(t, f.TradingPaused())
}

func TestRecordErrorEscalatesToDegradedThenSafeMode(t *testing.T) {
	f := New(Config{DegradedErrorThreshold: 3, SafeModeErrorThreshold: 5})
	for i := 0; i < 3; i++ {
		f.RecordError("boom")
	}
	assert.Equal(t, Degraded, f.State())

	for i := 0; i < 2; i++ {
		f.RecordError("boom")
	}
	assert.Equal(t, SafeMode, f.State())
}

func TestRecoveryLadderThreeCyclesEach(t *testing.T) {
	f := New(Config{RecoveryCyclesRequired: 3, SafeModeErrorThreshold: 1})
	f.RecordError("boom")
	require.Equal(t, SafeMode, f.State())

	f.RecordErrorFreeCycle()
	f.RecordErrorFreeCycle()
	assert.Equal(t, SafeMode, f.State())
	f.RecordErrorFreeCycle()
	assert.Equal(t, Recovering, f.State())

	f.RecordErrorFreeCycle()
	f.RecordErrorFreeCycle()
	assert.Equal(t, Recovering, f.State())
	f.RecordErrorFreeCycle()
	assert.Equal(t, Running, f.State())
}

func TestPublishEventLoopStallTransitionsToSafeMode(t *testing.T) {
	f := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.RunDispatcher(ctx)

	f.PublishEvent(Event{Kind: EventLoopStall, Reason: "no heartbeat"})

	assert.Eventually(t, func() bool { return f.State() == SafeMode }, time.Second, time.Millisecond)
}

func TestPublishEventQueueOverflowForcesFatal(t *testing.T) {
	f := New(Config{MaxConsecutiveQueueDrops: 2})
	// Fill the queue without a dispatcher draining it.
	for i := 0; i < defaultEventQueueCapacity; i++ {
		f.PublishEvent(Event{Kind: EventErrorObserved})
	}
	// These now overflow the full queue.
	f.PublishEvent(Event{Kind: EventErrorObserved})
	f.PublishEvent(Event{Kind: EventErrorObserved})

	assert.Equal(t, Fatal, f.State())
}

func TestCheckSafeModeTTLExpires(t *testing.T) {
	f := New(Config{SafeModeTTL: time.Millisecond})
	require.NoError(t, f.TransitionTo(SafeMode, "halt", "test", nil))
	time.Sleep(5 * time.Millisecond)

	assert.True(t, f.CheckSafeModeTTL())
	assert.Equal(t, Fatal, f.State())
}

func TestCheckSafeModeTTLNotExpiredOutsideSafeMode(t *testing.T) {
	f := New(Config{SafeModeTTL: time.Millisecond})
	assert.False(t, f.CheckSafeModeTTL())
	assert.Equal(t, Running, f.State())
}

type fakeSyncTarget struct {
	safeMode, paused bool
}

func (f *fakeSyncTarget) SetHealth(safeMode, tradingPaused bool) {
	f.safeMode = safeMode
	f.paused = tradingPaused
}

func TestSyncToSystemStateWritesDerivedFlags(t *testing.T) {
	f := New(Config{})
	require.NoError(t, f.TransitionTo(SafeMode, "halt", "test", nil))

	target := &fakeSyncTarget{}
	f.SyncToSystemState(target)

	assert.True(t, target.safeMode)
	assert.True(t, target.paused)
}

func TestAttachSyncTargetPushesEveryTransition(t *testing.T) {
	f := New(Config{})
	target := &fakeSyncTarget{}
	f.AttachSyncTarget(target)

	assert.False(t, target.safeMode)
	assert.False(t, target.paused)

	require.NoError(t, f.TransitionTo(SafeMode, "halt", "test", nil))
	assert.True(t, target.safeMode)
	assert.True(t, target.paused)

	require.NoError(t, f.TransitionTo(Recovering, "recover", "test", nil))
	assert.False(t, target.safeMode)
	assert.False(t, target.paused)
}

func TestTransitionsRecordsHistory(t *testing.T) {
	f := New(Config{})
	require.NoError(t, f.TransitionTo(Degraded, "r1", "owner1", nil))
	require.NoError(t, f.TransitionTo(SafeMode, "r2", "owner2", nil))

	history := f.Transitions()
	require.Len(t, history, 2)
	assert.Equal(t, Running, history[0].From)
	assert.Equal(t, Degraded, history[0].To)
	assert.NotEmpty(t, history[0].IncidentID)
	assert.Equal(t, Degraded, history[1].From)
	assert.Equal(t, SafeMode, history[1].To)
}
