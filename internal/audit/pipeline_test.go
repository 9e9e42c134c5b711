package audit

import (
	"context"
	"errors"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"desagate/internal/rbac"
)

type memEventStore struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *memEventStore) Insert(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("event store down")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memEventStore) CountByTypeAndIP(_ context.Context, t EventType, ip string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t && e.IPAddress == ip && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memEventStore) CountByTypeUserResource(_ context.Context, t EventType, userID, resource string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t && e.UserID == userID && e.Resource == resource && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memEventStore) CountByTypeAndUser(_ context.Context, t EventType, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t && e.UserID == userID && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memEventStore) Stats(_ context.Context, since time.Time) (Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Statistics{ByEventType: map[string]int{}, ByOutcome: map[string]int{}}
	for _, e := range s.events {
		if e.Timestamp.Before(since) {
			continue
		}
		stats.TotalEvents++
		stats.ByEventType[string(e.Type)]++
		stats.ByOutcome[e.Outcome]++
		if e.Type == EventLoginFailed {
			stats.FailedLogins++
		}
		if e.Type == EventAccessDenied {
			stats.AccessDenied++
		}
	}
	return stats, nil
}

type memAlertStore struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (s *memAlertStore) Insert(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.alerts = append(s.alerts, &cp)
	return nil
}

func (s *memAlertStore) FindOpen(_ context.Context, t AlertType, source, ip, userID string, since time.Time) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if !a.Resolved && a.Type == t && a.Source == source && a.IPAddress == ip && a.UserID == userID && !a.LastSeen.Before(since) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memAlertStore) Touch(_ context.Context, id string, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			a.Count++
			a.LastSeen = lastSeen
			return nil
		}
	}
	return ErrAlertNotFound
}

func (s *memAlertStore) Get(_ context.Context, id string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memAlertStore) List(_ context.Context, f AlertFilter) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Alert
	for _, a := range s.alerts {
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.IPAddress != "" && a.IPAddress != f.IPAddress {
			continue
		}
		if f.Unresolved && a.Resolved {
			continue
		}
		if !f.Since.IsZero() && a.LastSeen.Before(f.Since) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memAlertStore) Resolve(_ context.Context, id, resolvedBy, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			a.Resolved = true
			a.ResolvedBy = resolvedBy
			a.Notes = notes
			t := at
			a.ResolvedAt = &t
			return nil
		}
	}
	return ErrAlertNotFound
}

func (s *memAlertStore) CountOpen(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n, nil
}

type publishSpy struct {
	mu        sync.Mutex
	published []Alert
}

func (p *publishSpy) Publish(_ context.Context, a Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, a)
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *memEventStore, *memAlertStore, *publishSpy) {
	t.Helper()
	events := &memEventStore{}
	alerts := &memAlertStore{}
	pub := &publishSpy{}
	return NewPipeline(events, alerts, pub), events, alerts, pub
}

func failedLogin(ip string) Event {
	return Event{Type: EventLoginFailed, IPAddress: ip, Action: "login", Outcome: "failure"}
}

func TestLogEvent_FillsDefaults(t *testing.T) {
	p, events, _, _ := newTestPipeline(t)

	require.NoError(t, p.LogEvent(context.Background(), Event{
		Type:      EventDataViewed,
		UserID:    "u-1",
		IPAddress: "10.0.0.1",
		Resource:  "residents",
		Action:    "read",
		Outcome:   "success",
	}))

	require.Len(t, events.events, 1)
	got := events.events[0]
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, RiskLow, got.Risk)
}

func TestBruteForce_FiveFailuresOneAlert(t *testing.T) {
	p, _, alerts, pub := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, p.LogEvent(ctx, failedLogin("203.0.113.7")))
	}
	open, _ := alerts.CountOpen(ctx)
	assert.Equal(t, 0, open, "below threshold must not alert")

	require.NoError(t, p.LogEvent(ctx, failedLogin("203.0.113.7")))

	list, err := alerts.List(ctx, AlertFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, AlertBruteForce, list[0].Type)
	assert.Equal(t, SeverityHigh, list[0].Severity)
	assert.Equal(t, "203.0.113.7", list[0].IPAddress)
	assert.Equal(t, 5, list[0].Count)
	assert.Len(t, pub.published, 1)
}

func TestBruteForce_SixthFailureCoalesces(t *testing.T) {
	p, _, alerts, pub := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, p.LogEvent(ctx, failedLogin("203.0.113.7")))
	}

	list, err := alerts.List(ctx, AlertFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1, "repeat triggers must update the open alert, not add another")
	assert.Equal(t, 6, list[0].Count)
	assert.Len(t, pub.published, 1, "coalesced updates are not republished")
}

func TestBruteForce_SeparateIPsSeparateAlerts(t *testing.T) {
	p, _, alerts, _ := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.LogEvent(ctx, failedLogin("203.0.113.7")))
		require.NoError(t, p.LogEvent(ctx, failedLogin("198.51.100.9")))
	}

	list, err := alerts.List(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCoalescingWindowExpiry_OpensNewAlert(t *testing.T) {
	p, _, alerts, _ := newTestPipeline(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	for i := 0; i < 5; i++ {
		require.NoError(t, p.LogEvent(ctx, failedLogin("203.0.113.7")))
	}

	// Past the coalescing window the old alert no longer absorbs
	// triggers. The detection window has also rolled over, so the
	// attack needs five fresh failures.
	base = base.Add(coalesceWindow + time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.LogEvent(ctx, failedLogin("203.0.113.7")))
	}

	list, err := alerts.List(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestPrivilegeEscalation_TenDenials(t *testing.T) {
	p, _, alerts, _ := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, p.LogEvent(ctx, Event{
			Type:      EventAccessDenied,
			UserID:    "u-42",
			IPAddress: "10.0.0.9",
			Resource:  "certificates",
			Action:    "approve",
			Outcome:   "denied",
		}))
	}

	list, err := alerts.List(ctx, AlertFilter{Type: AlertPrivilegeEscalation})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, SeverityHigh, list[0].Severity)
	assert.Equal(t, "u-42", list[0].UserID)
	assert.Equal(t, 10, list[0].Count)
}

func TestSuspiciousDataAccess_HundredReads(t *testing.T) {
	p, _, alerts, _ := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, p.LogEvent(ctx, Event{
			Type:     EventDataViewed,
			UserID:   "u-7",
			Resource: "residents",
			Action:   "read",
			Outcome:  "success",
		}))
	}

	list, err := alerts.List(ctx, AlertFilter{Type: AlertSuspiciousDataAccess})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, SeverityMedium, list[0].Severity)
	assert.Equal(t, "residents", list[0].Source)
	assert.Equal(t, 100, list[0].Count)
}

func TestBulkExport_ThresholdOnSingleEvent(t *testing.T) {
	p, _, alerts, _ := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.LogEvent(ctx, Event{
		Type:     EventDataExported,
		UserID:   "u-7",
		Resource: "residents",
		Action:   "export",
		Outcome:  "success",
		Details:  map[string]any{"recordCount": 500},
	}))
	list, err := alerts.List(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "small export must not alert")

	require.NoError(t, p.LogEvent(ctx, Event{
		Type:     EventDataExported,
		UserID:   "u-7",
		Resource: "residents",
		Action:   "export",
		Outcome:  "success",
		// JSON decoding hands numbers over as float64.
		Details: map[string]any{"recordCount": float64(2500)},
	}))
	list, err = alerts.List(ctx, AlertFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, AlertBulkDataExport, list[0].Type)
	assert.Equal(t, 1, list[0].Count)
}

func TestLogEvent_DegradesToLogOnlyWhenStoreDown(t *testing.T) {
	p, events, alerts, _ := newTestPipeline(t)
	events.fail = true
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.LogEvent(ctx, failedLogin("203.0.113.7")),
			"audit failures must not fail the request")
	}

	open, _ := alerts.CountOpen(ctx)
	assert.Equal(t, 0, open, "detectors must not run on unpersisted events")
}

func TestResolveAlert_IsTerminal(t *testing.T) {
	p, _, alerts, _ := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.LogEvent(ctx, failedLogin("203.0.113.7")))
	}
	list, err := alerts.List(ctx, AlertFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	id := list[0].ID

	require.NoError(t, p.ResolveAlert(ctx, id, "admin-1", "blocked at firewall"))
	got, err := alerts.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, "admin-1", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)

	assert.ErrorIs(t, p.ResolveAlert(ctx, id, "admin-2", ""), ErrAlertResolved)
	assert.ErrorIs(t, p.ResolveAlert(ctx, "no-such-id", "admin-1", ""), ErrAlertNotFound)
}

func TestResolvedAlertDoesNotAbsorbNewTriggers(t *testing.T) {
	p, _, alerts, _ := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.LogEvent(ctx, failedLogin("203.0.113.7")))
	}
	list, _ := alerts.List(ctx, AlertFilter{})
	require.Len(t, list, 1)
	require.NoError(t, p.ResolveAlert(ctx, list[0].ID, "admin-1", ""))

	require.NoError(t, p.LogEvent(ctx, failedLogin("203.0.113.7")))

	list, err := alerts.List(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2, "triggers after resolution open a fresh alert")
	unresolved, err := alerts.List(ctx, AlertFilter{Unresolved: true})
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)
}

func TestGetAuditStatistics(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.LogEvent(ctx, failedLogin("203.0.113.7")))
	}
	require.NoError(t, p.LogEvent(ctx, Event{
		Type: EventLoginSuccess, UserID: "u-1", IPAddress: "10.0.0.1",
		Action: "login", Outcome: "success",
	}))

	stats, err := p.GetAuditStatistics(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 24, stats.WindowHours)
	assert.Equal(t, 6, stats.TotalEvents)
	assert.Equal(t, 5, stats.FailedLogins)
	assert.Equal(t, 5, stats.ByEventType[string(EventLoginFailed)])
	assert.Equal(t, 1, stats.OpenAlerts)
}

func TestRecordAccessDenied_EmitsAuditEvent(t *testing.T) {
	p, events, _, _ := newTestPipeline(t)

	r := httptest.NewRequest("POST", "/v1/certificates/approve", nil)
	r.RemoteAddr = "10.0.0.9:44210"
	p.RecordAccessDenied(r, rbac.Principal{UserID: "u-42", Role: "clerk", Active: true, SessionID: "s-1"}, "certificates", "approve")

	require.Len(t, events.events, 1)
	got := events.events[0]
	assert.Equal(t, EventAccessDenied, got.Type)
	assert.Equal(t, "u-42", got.UserID)
	assert.Equal(t, "10.0.0.9", got.IPAddress)
	assert.Equal(t, "certificates", got.Resource)
	assert.Equal(t, "approve", got.Action)
	assert.Equal(t, "denied", got.Outcome)
}
