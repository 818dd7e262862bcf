// Package metrics exposes Prometheus metrics for policy evaluation, gate
// decisions and the rule snapshot cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "expense_policy"

// Outcome labels for evaluations
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
)

// Collector owns the service's metrics and the registry they live in
type Collector struct {
	registry *prometheus.Registry

	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	approvalsRequired  prometheus.Counter
	gateDecisions      *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	ruleWrites         *prometheus.CounterVec
}

// NewCollector creates and registers all metrics. A nil registry gets a
// fresh one with Go runtime and process collectors.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of policy evaluations by outcome",
			},
			[]string{"outcome"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of policy evaluation in seconds",
				// Evaluations are in-memory; 1µs to ~16ms
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 15),
			},
		),
		approvalsRequired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_required_total",
				Help:      "Number of evaluations that required a privileged approver",
			},
		),
		gateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Action gate decisions by action and result",
			},
			[]string{"action", "result"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "snapshot_cache",
				Name:      "lookups_total",
				Help:      "Rule snapshot cache lookups by result",
			},
			[]string{"result"},
		),
		ruleWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_writes_total",
				Help:      "Rule store writes by operation and result",
			},
			[]string{"operation", "result"},
		),
	}

	registry.MustRegister(
		c.evaluationsTotal,
		c.evaluationDuration,
		c.approvalsRequired,
		c.gateDecisions,
		c.cacheLookups,
		c.ruleWrites,
	)

	return c
}

// RecordEvaluation records one evaluation outcome and its duration
func (c *Collector) RecordEvaluation(allowed, requiresApproval bool, duration time.Duration) {
	outcome := OutcomeAllowed
	if !allowed {
		outcome = OutcomeRejected
	}
	c.evaluationsTotal.WithLabelValues(outcome).Inc()
	c.evaluationDuration.Observe(duration.Seconds())
	if requiresApproval {
		c.approvalsRequired.Inc()
	}
}

// RecordGateDecision records a submit/approve decision; result is "permitted"
// or the refusal code
func (c *Collector) RecordGateDecision(action, result string) {
	c.gateDecisions.WithLabelValues(action, result).Inc()
}

// RecordCacheLookup records a snapshot cache hit or miss
func (c *Collector) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordRuleWrite records a rule create, update or delete
func (c *Collector) RecordRuleWrite(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.ruleWrites.WithLabelValues(operation, result).Inc()
}

// Registry returns the underlying Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the registry in exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
