// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "checkins_total",
		Help:      "Check-in attempts by outcome and error code.",
	}, []string{"outcome", "code"})

	RiskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendguard",
		Name:      "checkin_risk_score",
		Help:      "Risk score of evaluated check-ins.",
		Buckets:   []float64{10, 25, 40, 50, 60, 75, 90, 100},
	})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "session_transitions_total",
		Help:      "Session lifecycle transitions by target status.",
	}, []string{"status"})

	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "tokens_issued_total",
		Help:      "Attendance tokens minted.",
	})

	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "fraud_alerts_total",
		Help:      "Fraud alerts opened by severity.",
	}, []string{"severity"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "events_processed_total",
		Help:      "Domain events drained by the worker.",
	}, []string{"type"})
)
