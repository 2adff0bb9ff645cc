// Package telemetry holds the process-wide prometheus collectors.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ruleExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_rule_executions_total",
		Help: "Total number of rule executions by result",
	}, []string{"result"})

	adSetActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_adset_actions_total",
		Help: "Total number of ad-set actions applied through the agent by action and outcome",
	}, []string{"action", "outcome"})

	recommendationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_recommendations_total",
		Help: "Total number of recommendations emitted by module and priority",
	}, []string{"module", "priority"})

	agentRequestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adpilot_agent_request_duration_seconds",
		Help:    "Latency of agent requests by operation and outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	webhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_webhook_deliveries_total",
		Help: "Total number of webhook deliveries by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(ruleExecutionsTotal)
	prometheus.MustRegister(adSetActionsTotal)
	prometheus.MustRegister(recommendationsTotal)
	prometheus.MustRegister(agentRequestSeconds)
	prometheus.MustRegister(webhookDeliveriesTotal)
}

// RuleExecuted counts one run; result is "ok", "partial", "failed" or "dry_run".
func RuleExecuted(result string) {
	ruleExecutionsTotal.WithLabelValues(result).Inc()
}

func AdSetAction(action string, ok bool) {
	adSetActionsTotal.WithLabelValues(action, outcome(ok)).Inc()
}

func Recommendation(module, priority string) {
	recommendationsTotal.WithLabelValues(module, priority).Inc()
}

// AgentRequest observes the time since start.
func AgentRequest(op string, start time.Time, ok bool) {
	agentRequestSeconds.WithLabelValues(op, outcome(ok)).Observe(time.Since(start).Seconds())
}

func WebhookDelivery(ok bool) {
	webhookDeliveriesTotal.WithLabelValues(outcome(ok)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
