// Package audit records security-relevant events and turns them into
// deduplicated alerts via pattern detectors.
package audit

import (
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventLoginSuccess      EventType = "LOGIN_SUCCESS"
	EventLoginFailed       EventType = "LOGIN_FAILED"
	EventLogout            EventType = "LOGOUT"
	EventAccessDenied      EventType = "ACCESS_DENIED"
	EventCSRFRejected      EventType = "CSRF_REJECTED"
	EventRateLimited       EventType = "RATE_LIMITED"
	EventDataViewed        EventType = "DATA_VIEWED"
	EventDataModified      EventType = "DATA_MODIFIED"
	EventDataExported      EventType = "DATA_EXPORTED"
	EventRoleAssigned      EventType = "ROLE_ASSIGNED"
	EventPermissionChanged EventType = "PERMISSION_CHANGED"
)

// RiskLevel grades an event.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskForEventType returns the default risk level for an event type.
func RiskForEventType(t EventType) RiskLevel {
	switch t {
	case EventLoginFailed, EventCSRFRejected, EventRateLimited:
		return RiskMedium
	case EventAccessDenied, EventDataExported:
		return RiskHigh
	case EventRoleAssigned, EventPermissionChanged:
		return RiskHigh
	default:
		return RiskLow
	}
}

// Event is an immutable, append-only audit record.
type Event struct {
	ID         string         `json:"id" db:"id"`
	Type       EventType      `json:"event_type" db:"event_type"`
	Risk       RiskLevel      `json:"risk_level" db:"risk_level"`
	UserID     string         `json:"user_id,omitempty" db:"user_id"`
	SessionID  string         `json:"session_id,omitempty" db:"session_id"`
	IPAddress  string         `json:"ip_address" db:"ip_address"`
	UserAgent  string         `json:"user_agent,omitempty" db:"user_agent"`
	Resource   string         `json:"resource,omitempty" db:"resource"`
	ResourceID string         `json:"resource_id,omitempty" db:"resource_id"`
	Action     string         `json:"action" db:"action"`
	Outcome    string         `json:"outcome" db:"outcome"` // success, denied, failure
	Details    map[string]any `json:"details,omitempty" db:"details"`
	Timestamp  time.Time      `json:"timestamp" db:"timestamp"`
}

// AlertType identifies the pattern a detector matched.
type AlertType string

const (
	AlertBruteForce           AlertType = "BRUTE_FORCE_ATTACK"
	AlertSuspiciousDataAccess AlertType = "SUSPICIOUS_DATA_ACCESS"
	AlertPrivilegeEscalation  AlertType = "PRIVILEGE_ESCALATION_ATTEMPT"
	AlertBulkDataExport       AlertType = "BULK_DATA_EXPORT"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is a mutable, deduplicated detector finding. Repeated triggers
// within the coalescing window update count and lastSeen on the open
// alert instead of inserting duplicates. Resolution is terminal.
type Alert struct {
	ID         string     `json:"id" db:"id"`
	Type       AlertType  `json:"alert_type" db:"alert_type"`
	Severity   Severity   `json:"severity" db:"severity"`
	Source     string     `json:"source" db:"source"`
	IPAddress  string     `json:"ip_address,omitempty" db:"ip_address"`
	UserID     string     `json:"user_id,omitempty" db:"user_id"`
	Count      int        `json:"count" db:"count"`
	FirstSeen  time.Time  `json:"first_seen" db:"first_seen"`
	LastSeen   time.Time  `json:"last_seen" db:"last_seen"`
	Resolved   bool       `json:"resolved" db:"resolved"`
	ResolvedBy string     `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	Notes      string     `json:"notes,omitempty" db:"notes"`
}

// AlertFilter narrows GetSecurityAlerts results. Zero values match
// everything.
type AlertFilter struct {
	Type       AlertType
	Severity   Severity
	UserID     string
	IPAddress  string
	Unresolved bool
	Since      time.Time
	Limit      int
}

// Statistics summarizes audit activity inside a window.
type Statistics struct {
	WindowHours  int            `json:"window_hours"`
	TotalEvents  int            `json:"total_events"`
	ByEventType  map[string]int `json:"by_event_type"`
	ByOutcome    map[string]int `json:"by_outcome"`
	FailedLogins int            `json:"failed_logins"`
	AccessDenied int            `json:"access_denied"`
	OpenAlerts   int            `json:"open_alerts"`
}
