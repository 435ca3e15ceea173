// Package telemetry holds Prometheus metrics and OpenTelemetry tracing setup.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the gateway's Prometheus collectors.
type Metrics struct {
	reg prometheus.Gatherer

	// Decisions counts pipeline outcomes by operation (command, edit) and
	// outcome (allowed, denied, blocked, invalid, rate_limited, error).
	Decisions *prometheus.CounterVec

	// ExecutionDuration is wall time of executed commands by route (direct
	// or the sandbox isolation level) and status.
	ExecutionDuration *prometheus.HistogramVec

	AuditEvents     *prometheus.CounterVec
	ScanFindings    *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	ActiveSandboxes prometheus.Gauge
	AuditInMemory   prometheus.Gauge
}

// NewMetrics registers collectors on reg. A nil reg uses a private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_decisions_total",
			Help: "Gateway decisions by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_execution_duration_seconds",
			Help:    "Duration of executed commands.",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"route", "status"}),
		AuditEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_audit_events_total",
			Help: "Audit events by type and threat level.",
		}, []string{"event_type", "threat_level"}),
		ScanFindings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_scan_findings_total",
			Help: "Vulnerability findings by severity.",
		}, []string{"severity"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "warden_active_sessions",
			Help: "Live security contexts.",
		}),
		ActiveSandboxes: f.NewGauge(prometheus.GaugeOpts{
			Name: "warden_active_sandboxes",
			Help: "Sandboxes currently registered.",
		}),
		AuditInMemory: f.NewGauge(prometheus.GaugeOpts{
			Name: "warden_audit_events_in_memory",
			Help: "Events held in the in-memory audit ring.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
