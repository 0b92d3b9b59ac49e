package riskcore

import (
	"errors"
	"sync"
	"time"
)

// ErrApprovalPending means a manual halt or recovery has been requested by
// one authorized operator but needs a second, distinct approver before it
// takes effect.
var ErrApprovalPending = errors.New("manual override requires a second approval")

// Authorizer is the permission check a ManualOverride consults before
// accepting a halt or recovery request. Implemented by the RBAC gate in
// internal/alerts.
type Authorizer interface {
	Authorize(userID, action string) error
}

// ManualOverride is the operator halt/recovery path, run as a
// two-person-approval workflow: one operator requests, a different
// operator confirms, before the override actually engages.
type ManualOverride struct {
	mu   sync.Mutex
	auth Authorizer

	halted        bool
	haltRequestor string
	haltReason    string
	requestedAt   time.Time
}

// NewManualOverride builds a ManualOverride gated by auth.
func NewManualOverride(auth Authorizer) *ManualOverride {
	return &ManualOverride{auth: auth}
}

// RequestHalt records a halt request from userID. If no prior request is
// pending, it registers this as the first approval and returns
// ErrApprovalPending. If a different user already requested the same halt,
// the halt engages immediately (second-person confirmation).
func (m *ManualOverride) RequestHalt(userID, reason string) error {
	if err := m.auth.Authorize(userID, "manual_halt"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted {
		return nil
	}
	if m.haltRequestor == "" {
		m.haltRequestor = userID
		m.haltReason = reason
		m.requestedAt = time.Now()
		return ErrApprovalPending
	}
	if m.haltRequestor == userID {
		return ErrApprovalPending
	}

	m.halted = true
	return nil
}

// InitiateRecovery clears a halt, requiring the same two-person approval
// shape as RequestHalt.
func (m *ManualOverride) InitiateRecovery(userID string) error {
	if err := m.auth.Authorize(userID, "initiate_recovery"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.halted {
		return nil
	}
	if m.haltRequestor == userID {
		return ErrApprovalPending
	}

	m.halted = false
	m.haltRequestor = ""
	m.haltReason = ""
	return nil
}

// Halted reports whether a manual halt is currently in effect. SystemicInvariant
// does not consult this directly — the caller folds it into Data.SafeMode /
// Data.RuntimeHealthy so RiskCore's own state stays a pure function of Data.
func (m *ManualOverride) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// Reason returns the reason given for the active halt, if any.
func (m *ManualOverride) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltReason
}
