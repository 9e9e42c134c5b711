package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"desagate/internal/audit"
)

// EventRepo stores audit events. It implements audit.EventStore.
type EventRepo struct {
	d *Database
}

// Insert appends an audit event. Events are immutable; there is no
// update or delete path.
func (r *EventRepo) Insert(ctx context.Context, e audit.Event) error {
	details := "{}"
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = string(raw)
	}

	_, err := r.d.sql.ExecContext(ctx, r.d.rebind(`
		INSERT INTO audit_events
			(id, event_type, risk_level, user_id, session_id, ip_address,
			 user_agent, resource, resource_id, action, outcome, details, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, string(e.Type), string(e.Risk), e.UserID, e.SessionID, e.IPAddress,
		e.UserAgent, e.Resource, e.ResourceID, e.Action, e.Outcome, details,
		e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// CountByTypeAndIP counts events of type t from ip since the cutoff.
func (r *EventRepo) CountByTypeAndIP(ctx context.Context, t audit.EventType, ip string, since time.Time) (int, error) {
	return r.count(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE event_type = ? AND ip_address = ? AND occurred_at >= ?`,
		string(t), ip, since.UTC())
}

// CountByTypeUserResource counts events of type t by userID against
// resource since the cutoff.
func (r *EventRepo) CountByTypeUserResource(ctx context.Context, t audit.EventType, userID, resource string, since time.Time) (int, error) {
	return r.count(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE event_type = ? AND user_id = ? AND resource = ? AND occurred_at >= ?`,
		string(t), userID, resource, since.UTC())
}

// CountByTypeAndUser counts events of type t by userID since the cutoff.
func (r *EventRepo) CountByTypeAndUser(ctx context.Context, t audit.EventType, userID string, since time.Time) (int, error) {
	return r.count(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE event_type = ? AND user_id = ? AND occurred_at >= ?`,
		string(t), userID, since.UTC())
}

func (r *EventRepo) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := r.d.sql.QueryRowContext(ctx, r.d.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// Stats aggregates event counts by type and outcome since the cutoff.
func (r *EventRepo) Stats(ctx context.Context, since time.Time) (audit.Statistics, error) {
	stats := audit.Statistics{
		ByEventType: map[string]int{},
		ByOutcome:   map[string]int{},
	}

	rows, err := r.d.sql.QueryContext(ctx, r.d.rebind(`
		SELECT event_type, outcome, COUNT(*)
		FROM audit_events
		WHERE occurred_at >= ?
		GROUP BY event_type, outcome`), since.UTC())
	if err != nil {
		return audit.Statistics{}, fmt.Errorf("audit stats query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventType string
			outcome   string
			n         int
		)
		if err := rows.Scan(&eventType, &outcome, &n); err != nil {
			return audit.Statistics{}, err
		}
		stats.TotalEvents += n
		stats.ByEventType[eventType] += n
		stats.ByOutcome[outcome] += n
		switch audit.EventType(eventType) {
		case audit.EventLoginFailed:
			stats.FailedLogins += n
		case audit.EventAccessDenied:
			stats.AccessDenied += n
		}
	}
	if err := rows.Err(); err != nil {
		return audit.Statistics{}, err
	}
	return stats, nil
}
