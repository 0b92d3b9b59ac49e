package alerts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avrilquant/regime-core/internal/observ"
)

// RBACManager gates every command-surface and operator action behind a
// permission check and an audit trail. The signature scheme, the
// permission model, and the two-person-approval workflow are all
// transport-agnostic. It also satisfies internal/riskcore.Authorizer
// directly, so the same permission table gates both the read-only
// command table and ManualOverride's halt/recovery workflow.
type RBACManager struct {
	signingSecret string
	permissions   map[string][]string // userID -> permissions
	auditLog      *AuditLogger
}

// Permission constants. ViewPortfolio/ViewRisk/AuditAccess gate the
// read-only command table (no control commands are accepted); the
// remainder gate internal/riskcore.ManualOverride and any future
// operator tooling, never the chat command surface.
const (
	PermissionViewPortfolio    = "view_portfolio"
	PermissionViewRisk         = "view_risk"
	PermissionManualHalt       = "manual_halt"
	PermissionInitiateRecovery = "initiate_recovery"
	PermissionEmergencyHalt    = "emergency_halt"
	PermissionConfigChange     = "config_change"
	PermissionAuditAccess      = "audit_access"
)

// AuditEntry is one row of the compliance audit trail.
type AuditEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	UserID        string                 `json:"user_id"`
	UserName      string                 `json:"user_name,omitempty"`
	Action        string                 `json:"action"`
	Resource      string                 `json:"resource"`
	Outcome       string                 `json:"outcome"` // success, denied, error
	Details       map[string]interface{} `json:"details,omitempty"`
	IPAddress     string                 `json:"ip_address,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// AuditLogger appends AuditEntry rows to a JSONL file.
type AuditLogger struct {
	logPath string
}

// CommandRequest is one inbound chat-command invocation, signed the way
// a Slack slash command would be (v0 HMAC over timestamp+body).
type CommandRequest struct {
	UserID        string
	UserName      string
	Command       string
	Text          string
	ChannelID     string
	TeamID        string
	Timestamp     time.Time
	Signature     string
	Body          string
	CorrelationID string
}

// NewRBACManager builds an RBACManager. signingSecret validates inbound
// command signatures; auditLogPath is where AuditLogger appends.
func NewRBACManager(signingSecret string, auditLogPath string) *RBACManager {
	return &RBACManager{
		signingSecret: signingSecret,
		permissions:   loadPermissions(),
		auditLog:      &AuditLogger{logPath: auditLogPath},
	}
}

// ValidateRequest checks a command's signature and rejects stale requests
// (replay protection), mirroring Slack's v0 request-signing scheme.
func (rbac *RBACManager) ValidateRequest(signature, timestamp, body string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	if time.Now().Unix()-ts > 300 {
		return fmt.Errorf("request too old")
	}

	baseString := fmt.Sprintf("v0:%s:%s", timestamp, body)
	hash := hmac.New(sha256.New, []byte(rbac.signingSecret))
	hash.Write([]byte(baseString))
	expectedSig := "v0=" + hex.EncodeToString(hash.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expectedSig)) {
		rbac.auditLog.LogSecurityEvent("invalid_signature", map[string]interface{}{
			"provided_signature": signature,
			"timestamp":          timestamp,
		})
		return fmt.Errorf("invalid signature")
	}

	return nil
}

// AuthorizeAction checks whether userID may perform action, auditing the
// outcome either way.
func (rbac *RBACManager) AuthorizeAction(userID, action string, correlationID string) error {
	userPerms, exists := rbac.permissions[userID]
	if !exists {
		rbac.auditLog.LogAuditEvent(AuditEntry{
			UserID:        userID,
			Action:        action,
			Resource:      "rbac_authorization",
			Outcome:       "denied",
			Details:       map[string]interface{}{"reason": "user_not_found"},
			CorrelationID: correlationID,
		})
		return fmt.Errorf("user %s not found in permissions", userID)
	}

	hasPermission := false
	for _, perm := range userPerms {
		if perm == action || perm == "*" {
			hasPermission = true
			break
		}
	}

	if !hasPermission {
		rbac.auditLog.LogAuditEvent(AuditEntry{
			UserID:        userID,
			Action:        action,
			Resource:      "rbac_authorization",
			Outcome:       "denied",
			Details:       map[string]interface{}{"reason": "insufficient_permissions", "user_permissions": userPerms},
			CorrelationID: correlationID,
		})
		return fmt.Errorf("user %s lacks permission %s", userID, action)
	}

	rbac.auditLog.LogAuditEvent(AuditEntry{
		UserID:        userID,
		Action:        action,
		Resource:      "rbac_authorization",
		Outcome:       "success",
		Details:       map[string]interface{}{"granted_permission": action},
		CorrelationID: correlationID,
	})

	observ.IncCounter("rbac_authorizations_total", map[string]string{
		"user_id": userID,
		"action":  action,
		"outcome": "success",
	})

	return nil
}

// Authorize satisfies internal/riskcore.Authorizer, giving ManualOverride
// a permission gate without that package knowing anything about Slack,
// HMAC signatures, or audit logs.
func (rbac *RBACManager) Authorize(userID, action string) error {
	return rbac.AuthorizeAction(userID, action, "")
}

// RequireTwoPersonApproval reports whether action needs a second,
// distinct approver before it takes effect.
func (rbac *RBACManager) RequireTwoPersonApproval(action string) bool {
	switch action {
	case PermissionInitiateRecovery, PermissionEmergencyHalt, PermissionConfigChange:
		return true
	default:
		return false
	}
}

// ValidateTwoPersonApproval confirms at least two distinct, authorized
// userIDs approved action.
func (rbac *RBACManager) ValidateTwoPersonApproval(action string, userIDs []string, correlationID string) error {
	if len(userIDs) < 2 {
		return fmt.Errorf("two-person approval required, only %d approver(s) provided", len(userIDs))
	}

	approvedUsers := make([]string, 0)
	for _, userID := range userIDs {
		if err := rbac.AuthorizeAction(userID, action, correlationID); err == nil {
			approvedUsers = append(approvedUsers, userID)
		}
	}

	if len(approvedUsers) < 2 {
		rbac.auditLog.LogAuditEvent(AuditEntry{
			UserID:        strings.Join(userIDs, ","),
			Action:        action,
			Resource:      "two_person_approval",
			Outcome:       "denied",
			Details:       map[string]interface{}{"reason": "insufficient_authorized_approvers", "approved_count": len(approvedUsers)},
			CorrelationID: correlationID,
		})
		return fmt.Errorf("insufficient authorized approvers: %d of 2 required", len(approvedUsers))
	}

	rbac.auditLog.LogAuditEvent(AuditEntry{
		UserID:        strings.Join(approvedUsers, ","),
		Action:        action,
		Resource:      "two_person_approval",
		Outcome:       "success",
		Details:       map[string]interface{}{"approved_users": approvedUsers},
		CorrelationID: correlationID,
	})

	observ.IncCounter("two_person_approvals_total", map[string]string{
		"action":  action,
		"outcome": "success",
	})

	return nil
}

// GetUserPermissions returns userID's permission set.
func (rbac *RBACManager) GetUserPermissions(userID string) []string {
	return rbac.permissions[userID]
}

// AddUserPermission grants targetUserID a permission, if adminUserID is
// itself authorized to change configuration.
func (rbac *RBACManager) AddUserPermission(adminUserID, targetUserID, permission string, correlationID string) error {
	if err := rbac.AuthorizeAction(adminUserID, PermissionConfigChange, correlationID); err != nil {
		return fmt.Errorf("unauthorized to modify permissions: %w", err)
	}

	if rbac.permissions[targetUserID] == nil {
		rbac.permissions[targetUserID] = make([]string, 0)
	}

	for _, existingPerm := range rbac.permissions[targetUserID] {
		if existingPerm == permission {
			return nil
		}
	}

	rbac.permissions[targetUserID] = append(rbac.permissions[targetUserID], permission)

	rbac.auditLog.LogAuditEvent(AuditEntry{
		UserID:   adminUserID,
		Action:   "add_user_permission",
		Resource: "rbac_permissions",
		Outcome:  "success",
		Details: map[string]interface{}{
			"target_user":  targetUserID,
			"permission":   permission,
			"admin_action": true,
		},
		CorrelationID: correlationID,
	})

	return nil
}

// LogAuditEvent appends entry to the audit trail.
func (al *AuditLogger) LogAuditEvent(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := os.MkdirAll("data/audit", 0o755); err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "mkdir"})
		return
	}

	file, err := os.OpenFile(al.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "open_file"})
		return
	}
	defer file.Close()

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "marshal"})
		return
	}

	if _, err := fmt.Fprintf(file, "%s\n", entryJSON); err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "write"})
		return
	}

	observ.IncCounter("audit_entries_total", map[string]string{
		"user_id":  entry.UserID,
		"action":   entry.Action,
		"outcome":  entry.Outcome,
		"resource": entry.Resource,
	})
}

// LogSecurityEvent records a non-authorization security event (signature
// mismatch, replayed timestamp).
func (al *AuditLogger) LogSecurityEvent(eventType string, details map[string]interface{}) {
	al.LogAuditEvent(AuditEntry{
		Action:   "security_event",
		Resource: "security",
		Outcome:  eventType,
		Details:  details,
	})

	observ.IncCounter("security_events_total", map[string]string{
		"event_type": eventType,
	})
}

// GetAuditHistory returns recent audit entries. The on-disk log is the
// authoritative record; this always returns empty until a real parser is
// written.
// TODO: parse al.logPath and apply filter/maxEntries once an operator
// actually needs to query audit history outside of tailing the file.
func (al *AuditLogger) GetAuditHistory(maxEntries int, filter map[string]string) ([]AuditEntry, error) {
	file, err := os.Open(al.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []AuditEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	return []AuditEntry{}, nil
}

// loadPermissions reads the REGIME_USER_PERMISSIONS env var
// (USER_ID:perm1,perm2;USER_ID2:perm3) or falls back to development
// defaults.
func loadPermissions() map[string][]string {
	permissions := make(map[string][]string)

	permEnv := os.Getenv("REGIME_USER_PERMISSIONS")
	if permEnv != "" {
		userPerms := strings.Split(permEnv, ";")
		for _, userPerm := range userPerms {
			parts := strings.Split(userPerm, ":")
			if len(parts) == 2 {
				userID := parts[0]
				perms := strings.Split(parts[1], ",")
				permissions[userID] = perms
			}
		}
	}

	if len(permissions) == 0 {
		permissions["U12345"] = []string{
			PermissionViewPortfolio,
			PermissionViewRisk,
			PermissionManualHalt,
			PermissionInitiateRecovery,
		}
		permissions["U67890"] = []string{
			PermissionViewPortfolio,
			PermissionViewRisk,
			PermissionEmergencyHalt,
			PermissionConfigChange,
		}
		permissions["UADMIN"] = []string{"*"}
	}

	return permissions
}

// commandPermission maps a command-table entry to the
// permission that gates it. Every command here is read-only, so all of
// them map to ViewPortfolio, ViewRisk, or AuditAccess — never to any of
// the operator-only permissions RequireTwoPersonApproval guards.
func commandPermission(command string) string {
	switch command {
	case "risk_status", "risk_exposure":
		return PermissionViewRisk
	case "audit":
		return PermissionAuditAccess
	default:
		return PermissionViewPortfolio
	}
}
