package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Detection thresholds. Each detector counts persisted events over its
// own trailing window, so detection survives restarts.
const (
	bruteForceThreshold = 5
	bruteForceWindow    = 15 * time.Minute

	dataAccessThreshold = 100
	dataAccessWindow    = time.Hour

	accessDeniedThreshold = 10
	accessDeniedWindow    = 30 * time.Minute

	bulkExportThreshold = 1000

	// coalesceWindow bounds alert deduplication: a trigger matching an
	// unresolved alert with the same (type, source, ip, user) seen
	// inside this window updates it instead of opening a new one.
	coalesceWindow = time.Hour
)

// detect runs every detector relevant to the event. Detector failures
// are logged and swallowed; an audit query going wrong must not fail
// the request that produced the event.
func (p *Pipeline) detect(ctx context.Context, e Event) {
	switch e.Type {
	case EventLoginFailed:
		p.detectBruteForce(ctx, e)
	case EventDataViewed:
		p.detectSuspiciousDataAccess(ctx, e)
	case EventAccessDenied:
		p.detectPrivilegeEscalation(ctx, e)
	case EventDataExported:
		p.detectBulkExport(ctx, e)
	}
}

// detectBruteForce fires when an IP accumulates repeated failed logins.
func (p *Pipeline) detectBruteForce(ctx context.Context, e Event) {
	if e.IPAddress == "" {
		return
	}
	since := p.now().Add(-bruteForceWindow)
	n, err := p.events.CountByTypeAndIP(ctx, EventLoginFailed, e.IPAddress, since)
	if err != nil {
		p.log.Error("brute force detector query failed", "error", err, "ip_address", e.IPAddress)
		return
	}
	if n < bruteForceThreshold {
		return
	}
	p.raiseAlert(ctx, Alert{
		Type:      AlertBruteForce,
		Severity:  SeverityHigh,
		Source:    "auth",
		IPAddress: e.IPAddress,
		UserID:    e.UserID,
		Count:     n,
	})
}

// detectSuspiciousDataAccess fires when one user reads the same
// resource type at an abnormal rate.
func (p *Pipeline) detectSuspiciousDataAccess(ctx context.Context, e Event) {
	if e.UserID == "" || e.Resource == "" {
		return
	}
	since := p.now().Add(-dataAccessWindow)
	n, err := p.events.CountByTypeUserResource(ctx, EventDataViewed, e.UserID, e.Resource, since)
	if err != nil {
		p.log.Error("data access detector query failed", "error", err, "user_id", e.UserID)
		return
	}
	if n < dataAccessThreshold {
		return
	}
	p.raiseAlert(ctx, Alert{
		Type:      AlertSuspiciousDataAccess,
		Severity:  SeverityMedium,
		Source:    e.Resource,
		IPAddress: e.IPAddress,
		UserID:    e.UserID,
		Count:     n,
	})
}

// detectPrivilegeEscalation fires when a user keeps hitting
// authorization denials, which looks like probing for reachable
// endpoints.
func (p *Pipeline) detectPrivilegeEscalation(ctx context.Context, e Event) {
	if e.UserID == "" {
		return
	}
	since := p.now().Add(-accessDeniedWindow)
	n, err := p.events.CountByTypeAndUser(ctx, EventAccessDenied, e.UserID, since)
	if err != nil {
		p.log.Error("privilege escalation detector query failed", "error", err, "user_id", e.UserID)
		return
	}
	if n < accessDeniedThreshold {
		return
	}
	p.raiseAlert(ctx, Alert{
		Type:      AlertPrivilegeEscalation,
		Severity:  SeverityHigh,
		Source:    "authz",
		IPAddress: e.IPAddress,
		UserID:    e.UserID,
		Count:     n,
	})
}

// detectBulkExport fires on a single export whose record count crosses
// the threshold. No window: one big export is enough.
func (p *Pipeline) detectBulkExport(ctx context.Context, e Event) {
	if recordCount(e.Details) < bulkExportThreshold {
		return
	}
	p.raiseAlert(ctx, Alert{
		Type:      AlertBulkDataExport,
		Severity:  SeverityMedium,
		Source:    e.Resource,
		IPAddress: e.IPAddress,
		UserID:    e.UserID,
		Count:     1,
	})
}

// raiseAlert coalesces into an open matching alert when one exists,
// otherwise inserts a new one and publishes it. The find-then-update
// pair is not atomic; concurrent triggers can rarely produce a
// duplicate alert, which reviewers resolve by hand.
func (p *Pipeline) raiseAlert(ctx context.Context, a Alert) {
	now := p.now()
	since := now.Add(-coalesceWindow)

	open, err := p.alerts.FindOpen(ctx, a.Type, a.Source, a.IPAddress, a.UserID, since)
	if err != nil {
		p.log.Error("alert lookup failed", "error", err, "alert_type", string(a.Type))
		return
	}
	if open != nil {
		if err := p.alerts.Touch(ctx, open.ID, now); err != nil {
			p.log.Error("alert update failed", "error", err, "alert_id", open.ID)
		}
		return
	}

	a.ID = uuid.New().String()
	a.FirstSeen = now
	a.LastSeen = now
	if a.Count < 1 {
		a.Count = 1
	}
	if err := p.alerts.Insert(ctx, a); err != nil {
		p.log.Error("alert insert failed", "error", err, "alert_type", string(a.Type))
		return
	}
	if p.collector != nil {
		p.collector.RecordAlertRaised()
	}
	p.log.Warn("security alert raised",
		"alert_id", a.ID,
		"alert_type", string(a.Type),
		"severity", string(a.Severity),
		"source", a.Source,
		"ip_address", a.IPAddress,
		"user_id", a.UserID,
		"count", a.Count)

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, a); err != nil {
			p.log.Error("alert publish failed", "error", err, "alert_id", a.ID)
		}
	}
}

func recordCount(details map[string]any) int {
	if details == nil {
		return 0
	}
	switch v := details["recordCount"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
