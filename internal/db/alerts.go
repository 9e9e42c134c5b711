package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"desagate/internal/audit"
)

// AlertRepo stores security alerts. It implements audit.AlertStore.
type AlertRepo struct {
	d *Database
}

const alertColumns = `id, alert_type, severity, source, ip_address, user_id,
	count, first_seen, last_seen, resolved, resolved_by, resolved_at, notes`

// Insert stores a new alert.
func (r *AlertRepo) Insert(ctx context.Context, a audit.Alert) error {
	_, err := r.d.sql.ExecContext(ctx, r.d.rebind(`
		INSERT INTO security_alerts
			(id, alert_type, severity, source, ip_address, user_id,
			 count, first_seen, last_seen, resolved, resolved_by, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, string(a.Type), string(a.Severity), a.Source, a.IPAddress, a.UserID,
		a.Count, a.FirstSeen.UTC(), a.LastSeen.UTC(), a.Resolved, a.ResolvedBy, a.Notes)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// FindOpen returns the unresolved alert matching the coalescing key
// seen since the cutoff, or nil.
func (r *AlertRepo) FindOpen(ctx context.Context, t audit.AlertType, source, ip, userID string, since time.Time) (*audit.Alert, error) {
	row := r.d.sql.QueryRowContext(ctx, r.d.rebind(`
		SELECT `+alertColumns+`
		FROM security_alerts
		WHERE resolved = ? AND alert_type = ? AND source = ?
		  AND ip_address = ? AND user_id = ? AND last_seen >= ?
		ORDER BY last_seen DESC
		LIMIT 1`),
		false, string(t), source, ip, userID, since.UTC())

	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open alert: %w", err)
	}
	return a, nil
}

// Touch increments the alert count and moves lastSeen forward.
func (r *AlertRepo) Touch(ctx context.Context, id string, lastSeen time.Time) error {
	res, err := r.d.sql.ExecContext(ctx, r.d.rebind(`
		UPDATE security_alerts SET count = count + 1, last_seen = ?
		WHERE id = ?`),
		lastSeen.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return audit.ErrAlertNotFound
	}
	return nil
}

// Get returns the alert with the given ID, or nil when absent.
func (r *AlertRepo) Get(ctx context.Context, id string) (*audit.Alert, error) {
	row := r.d.sql.QueryRowContext(ctx, r.d.rebind(`
		SELECT `+alertColumns+`
		FROM security_alerts WHERE id = ?`), id)

	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// List returns alerts matching the filter, newest first.
func (r *AlertRepo) List(ctx context.Context, f audit.AlertFilter) ([]audit.Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "alert_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.IPAddress != "" {
		where = append(where, "ip_address = ?")
		args = append(args, f.IPAddress)
	}
	if f.Unresolved {
		where = append(where, "resolved = ?")
		args = append(args, false)
	}
	if !f.Since.IsZero() {
		where = append(where, "last_seen >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT ` + alertColumns + ` FROM security_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_seen DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.d.sql.QueryContext(ctx, r.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []audit.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Resolve marks the alert resolved.
func (r *AlertRepo) Resolve(ctx context.Context, id, resolvedBy, notes string, at time.Time) error {
	res, err := r.d.sql.ExecContext(ctx, r.d.rebind(`
		UPDATE security_alerts
		SET resolved = ?, resolved_by = ?, resolved_at = ?, notes = ?
		WHERE id = ?`),
		true, resolvedBy, at.UTC(), notes, id)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return audit.ErrAlertNotFound
	}
	return nil
}

// CountOpen counts unresolved alerts.
func (r *AlertRepo) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := r.d.sql.QueryRowContext(ctx, r.d.rebind(`
		SELECT COUNT(*) FROM security_alerts WHERE resolved = ?`), false).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open alerts: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*audit.Alert, error) {
	var (
		a          audit.Alert
		alertType  string
		severity   string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &alertType, &severity, &a.Source, &a.IPAddress, &a.UserID,
		&a.Count, &a.FirstSeen, &a.LastSeen, &a.Resolved, &a.ResolvedBy, &resolvedAt, &a.Notes)
	if err != nil {
		return nil, err
	}
	a.Type = audit.AlertType(alertType)
	a.Severity = audit.Severity(severity)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}
