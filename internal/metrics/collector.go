// Package metrics provides Prometheus-compatible metrics for the
// trust boundary.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Collector counts enforcement decisions and exposes them in
// Prometheus exposition format.
type Collector struct {
	// HTTP metrics
	requestCount    int64
	requestErrors   int64
	requestDuration int64 // total milliseconds

	// Enforcement metrics
	permissionDenied int64
	csrfRejected     int64
	rateLimited      sync.Map // map[string]*int64 per limit type

	// Audit metrics
	auditEvents  int64
	alertsRaised int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// RecordHTTPRequest records one handled request.
func (c *Collector) RecordHTTPRequest(duration time.Duration, statusCode int) {
	atomic.AddInt64(&c.requestCount, 1)
	atomic.AddInt64(&c.requestDuration, duration.Milliseconds())
	if statusCode >= 400 {
		atomic.AddInt64(&c.requestErrors, 1)
	}
}

// RecordPermissionDenied records an authorization denial.
func (c *Collector) RecordPermissionDenied() {
	atomic.AddInt64(&c.permissionDenied, 1)
}

// RecordCSRFRejected records a rejected state-changing request.
func (c *Collector) RecordCSRFRejected() {
	atomic.AddInt64(&c.csrfRejected, 1)
}

// RecordRateLimited records a request rejected by the given limit type.
func (c *Collector) RecordRateLimited(limitType string) {
	counter, _ := c.rateLimited.LoadOrStore(limitType, new(int64))
	if n, ok := counter.(*int64); ok {
		atomic.AddInt64(n, 1)
	}
}

// RecordAuditEvent records one persisted audit event.
func (c *Collector) RecordAuditEvent() {
	atomic.AddInt64(&c.auditEvents, 1)
}

// RecordAlertRaised records one new security alert.
func (c *Collector) RecordAlertRaised() {
	atomic.AddInt64(&c.alertsRaised, 1)
}

// PrometheusFormat returns all metrics in exposition format.
func (c *Collector) PrometheusFormat() string {
	var output string

	output += formatCounter("desagate_http_requests_total", "", atomic.LoadInt64(&c.requestCount))
	output += formatCounter("desagate_http_request_errors_total", "", atomic.LoadInt64(&c.requestErrors))
	if count := atomic.LoadInt64(&c.requestCount); count > 0 {
		avg := float64(atomic.LoadInt64(&c.requestDuration)) / float64(count)
		output += formatGauge("desagate_http_request_duration_avg_ms", "", avg)
	}

	output += formatCounter("desagate_permission_denied_total", "", atomic.LoadInt64(&c.permissionDenied))
	output += formatCounter("desagate_csrf_rejected_total", "", atomic.LoadInt64(&c.csrfRejected))
	c.rateLimited.Range(func(key, value any) bool {
		limitType := key.(string)
		if n, ok := value.(*int64); ok {
			output += formatCounter("desagate_rate_limited_total",
				fmt.Sprintf(`limit_type="%s"`, limitType), atomic.LoadInt64(n))
		}
		return true
	})

	output += formatCounter("desagate_audit_events_total", "", atomic.LoadInt64(&c.auditEvents))
	output += formatCounter("desagate_alerts_raised_total", "", atomic.LoadInt64(&c.alertsRaised))

	uptime := time.Since(c.startTime).Seconds()
	output += formatGauge("desagate_uptime_seconds", "", uptime)

	return output
}

func formatCounter(name, labels string, value int64) string {
	if labels != "" {
		return fmt.Sprintf("%s{%s} %d\n", name, labels, value)
	}
	return fmt.Sprintf("%s %d\n", name, value)
}

func formatGauge(name, labels string, value float64) string {
	if labels != "" {
		return fmt.Sprintf("%s{%s} %.2f\n", name, labels, value)
	}
	return fmt.Sprintf("%s %.2f\n", name, value)
}

// Handler serves the metrics endpoint.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(c.PrometheusFormat()))
	}
}
