package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "zenverifier"

type Metrics struct {
	creditsGranted *prometheus.CounterVec
	creditsDebited *prometheus.CounterVec
	billingEvents  *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	bulkSettled    *prometheus.CounterVec
}

// NewMetrics registers the service collectors on reg. A nil registerer keeps
// the collectors unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		creditsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "credits_granted_total",
			Help:      "Credits added to user ledgers, by transaction type.",
		}, []string{"type"}),
		creditsDebited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "credits_debited_total",
			Help:      "Credits charged for usage, by transaction type.",
		}, []string{"type"}),
		billingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "billing_events_total",
			Help:      "Billing webhook events handled, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "verifications_total",
			Help:      "Single email verifications, by provider result.",
		}, []string{"result"}),
		bulkSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bulk_jobs_settled_total",
			Help:      "Bulk jobs settled against their credit reservation, by final status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.creditsGranted, m.creditsDebited, m.billingEvents, m.verifications, m.bulkSettled)
	}
	return m
}

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeDropped   = "dropped"
	outcomeIgnored   = "ignored"
	outcomeFailed    = "failed"
)
