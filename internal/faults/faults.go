// Package faults centralizes the fault-injection environment toggles
// (FAULT_INJECT_DECISION_EXCEPTION, FAULT_INJECT_STORAGE_FAILURE,
// FAULT_INJECT_LOOP_STALL, ENABLE_SYNTHETIC_DECISION_TICK). They are read
// once at composition-root construction into an Injector and passed by
// reference to whatever component needs to check them — never a bare
// os.Getenv scattered through business logic.
package faults

import "os"

// Injector holds the resolved state of every fault-injection toggle for
// one process lifetime. It is immutable after construction.
type Injector struct {
	decisionException bool
	storageFailure    bool
	loopStall         bool
	syntheticTick     bool
}

// NewFromEnv reads every toggle once from the process environment.
func NewFromEnv() *Injector {
	return &Injector{
		decisionException: boolEnv("FAULT_INJECT_DECISION_EXCEPTION"),
		storageFailure:    boolEnv("FAULT_INJECT_STORAGE_FAILURE"),
		loopStall:         boolEnv("FAULT_INJECT_LOOP_STALL"),
		syntheticTick:     boolEnv("ENABLE_SYNTHETIC_DECISION_TICK"),
	}
}

// None returns an Injector with every toggle off, for tests and for
// production configurations that never read the environment.
func None() *Injector {
	return &Injector{}
}

func boolEnv(name string) bool {
	v := os.Getenv(name)
	return v == "1" || v == "true" || v == "TRUE"
}

// DecisionException reports whether the engine should simulate a panic
// while processing a symbol, before the validator chain runs, on its next
// cycle.
func (i *Injector) DecisionException() bool { return i.decisionException }

// StorageFailure reports whether persistence writes should be simulated
// as failing.
func (i *Injector) StorageFailure() bool { return i.storageFailure }

// LoopStall reports whether the cycle loop should simulate a stall
// (skip sending a heartbeat), to exercise ThreadWatchdog.
func (i *Injector) LoopStall() bool { return i.loopStall }

// SyntheticTick reports whether the engine should run a synthetic
// decision tick (for smoke-testing a deployment without live candles).
func (i *Injector) SyntheticTick() bool { return i.syntheticTick }
