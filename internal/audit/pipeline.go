package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"desagate/internal/csrf"
	"desagate/internal/metrics"
	"desagate/internal/ratelimit"
	"desagate/internal/rbac"
)

var (
	// ErrAlertNotFound is returned when an alert ID does not exist.
	ErrAlertNotFound = errors.New("audit: alert not found")
	// ErrAlertResolved is returned when resolving an already-resolved alert.
	ErrAlertResolved = errors.New("audit: alert already resolved")
)

// EventStore persists audit events and answers the count queries the
// detectors need.
type EventStore interface {
	Insert(ctx context.Context, e Event) error
	CountByTypeAndIP(ctx context.Context, t EventType, ip string, since time.Time) (int, error)
	CountByTypeUserResource(ctx context.Context, t EventType, userID, resource string, since time.Time) (int, error)
	CountByTypeAndUser(ctx context.Context, t EventType, userID string, since time.Time) (int, error)
	Stats(ctx context.Context, since time.Time) (Statistics, error)
}

// AlertStore persists alerts and supports coalescing.
type AlertStore interface {
	Insert(ctx context.Context, a Alert) error
	// FindOpen returns the unresolved alert matching the coalescing key
	// with lastSeen >= since, or nil when there is none.
	FindOpen(ctx context.Context, t AlertType, source, ip, userID string, since time.Time) (*Alert, error)
	// Touch increments the alert's count and moves lastSeen forward.
	Touch(ctx context.Context, id string, lastSeen time.Time) error
	Get(ctx context.Context, id string) (*Alert, error)
	List(ctx context.Context, f AlertFilter) ([]Alert, error)
	Resolve(ctx context.Context, id, resolvedBy, notes string, at time.Time) error
	CountOpen(ctx context.Context) (int, error)
}

// AlertPublisher pushes newly raised alerts to an external channel.
// Publishing is best effort; failures never block the pipeline.
type AlertPublisher interface {
	Publish(ctx context.Context, a Alert) error
}

// Pipeline is the audit trail plus anomaly detection. LogEvent records
// the event, mirrors it to the structured log, then runs the detectors
// synchronously so alerts exist before the triggering request returns.
type Pipeline struct {
	events    EventStore
	alerts    AlertStore
	publisher AlertPublisher
	collector *metrics.Collector
	log       *slog.Logger
	now       func() time.Time
}

// NewPipeline builds a Pipeline. publisher may be nil.
func NewPipeline(events EventStore, alerts AlertStore, publisher AlertPublisher) *Pipeline {
	return &Pipeline{
		events:    events,
		alerts:    alerts,
		publisher: publisher,
		log:       slog.Default().With("component", "audit"),
		now:       time.Now,
	}
}

// WithMetrics feeds enforcement counters to the collector. Call before
// serving traffic.
func (p *Pipeline) WithMetrics(c *metrics.Collector) *Pipeline {
	p.collector = c
	return p
}

// LogEvent records an audit event and runs anomaly detection. A storage
// failure degrades to log-only: the event still reaches the structured
// log and LogEvent returns nil so callers never fail a request over the
// audit trail.
func (p *Pipeline) LogEvent(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now()
	}
	if e.Risk == "" {
		e.Risk = RiskForEventType(e.Type)
	}

	persisted := true
	if err := p.events.Insert(ctx, e); err != nil {
		persisted = false
		p.log.Error("audit event persistence failed, degrading to log-only",
			"error", err,
			"event_type", string(e.Type))
	}

	p.log.Info("audit event",
		"event_id", e.ID,
		"event_type", string(e.Type),
		"risk_level", string(e.Risk),
		"user_id", e.UserID,
		"ip_address", e.IPAddress,
		"resource", e.Resource,
		"action", e.Action,
		"outcome", e.Outcome)

	if persisted {
		if p.collector != nil {
			p.collector.RecordAuditEvent()
		}
		// Detectors count persisted events, so without the insert they
		// would undercount and misfire.
		p.detect(ctx, e)
	}
	return nil
}

// GetAuditStatistics summarizes activity over the trailing windowHours.
func (p *Pipeline) GetAuditStatistics(ctx context.Context, windowHours int) (Statistics, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	since := p.now().Add(-time.Duration(windowHours) * time.Hour)
	stats, err := p.events.Stats(ctx, since)
	if err != nil {
		return Statistics{}, fmt.Errorf("audit statistics: %w", err)
	}
	stats.WindowHours = windowHours
	if open, err := p.alerts.CountOpen(ctx); err == nil {
		stats.OpenAlerts = open
	}
	return stats, nil
}

// GetSecurityAlerts lists alerts matching the filter, newest first.
func (p *Pipeline) GetSecurityAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	return p.alerts.List(ctx, f)
}

// ResolveAlert marks an alert resolved. Resolution is terminal: a
// resolved alert never reopens, and resolving twice is an error.
func (p *Pipeline) ResolveAlert(ctx context.Context, id, resolvedBy, notes string) error {
	a, err := p.alerts.Get(ctx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return ErrAlertNotFound
	}
	if a.Resolved {
		return ErrAlertResolved
	}
	if err := p.alerts.Resolve(ctx, id, resolvedBy, notes, p.now()); err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	p.log.Info("security alert resolved",
		"alert_id", id,
		"alert_type", string(a.Type),
		"resolved_by", resolvedBy)
	return nil
}

// RecordAccessDenied implements rbac.DenialRecorder.
func (p *Pipeline) RecordAccessDenied(r *http.Request, principal rbac.Principal, resource, action string) {
	if p.collector != nil {
		p.collector.RecordPermissionDenied()
	}
	_ = p.LogEvent(r.Context(), Event{
		Type:      EventAccessDenied,
		Risk:      RiskHigh,
		UserID:    principal.UserID,
		SessionID: principal.SessionID,
		IPAddress: ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Resource:  resource,
		Action:    action,
		Outcome:   "denied",
	})
}

// RecordCSRFRejected implements csrf.RejectionRecorder.
func (p *Pipeline) RecordCSRFRejected(r *http.Request, sessionID string, reason csrf.Reason) {
	if p.collector != nil {
		p.collector.RecordCSRFRejected()
	}
	e := Event{
		Type:      EventCSRFRejected,
		Risk:      RiskMedium,
		SessionID: sessionID,
		IPAddress: ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Resource:  r.URL.Path,
		Action:    r.Method,
		Outcome:   "denied",
		Details:   map[string]any{"reason": string(reason)},
	}
	if principal, ok := rbac.PrincipalFromContext(r.Context()); ok {
		e.UserID = principal.UserID
	}
	_ = p.LogEvent(r.Context(), e)
}

// RecordRateLimited implements ratelimit.DenialRecorder.
func (p *Pipeline) RecordRateLimited(r *http.Request, limitType, reason string) {
	if p.collector != nil {
		p.collector.RecordRateLimited(limitType)
	}
	e := Event{
		Type:      EventRateLimited,
		Risk:      RiskMedium,
		IPAddress: ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Resource:  r.URL.Path,
		Action:    r.Method,
		Outcome:   "denied",
		Details:   map[string]any{"limit_type": limitType, "reason": reason},
	}
	if principal, ok := rbac.PrincipalFromContext(r.Context()); ok {
		e.UserID = principal.UserID
		e.SessionID = principal.SessionID
	}
	_ = p.LogEvent(r.Context(), e)
}
