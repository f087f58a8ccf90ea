package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the billing engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	renewals        *prometheus.CounterVec
	bonusPoints     *prometheus.CounterVec
	payments        *prometheus.CounterVec
}

// MustNewMetrics constructs and registers the collectors. Registration
// errors panic, the same as promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billing",
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Gateway webhook deliveries by event and outcome.",
			},
			[]string{"event", "outcome"},
		),
		webhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "billing",
				Subsystem: "webhook",
				Name:      "duration_seconds",
				Help:      "Time spent handling a webhook delivery.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event"},
		),
		renewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billing",
				Subsystem: "renewal",
				Name:      "attempts_total",
				Help:      "Auto-renewal attempts by outcome.",
			},
			[]string{"outcome"},
		),
		bonusPoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billing",
				Subsystem: "bonus",
				Name:      "points_total",
				Help:      "Absolute bonus points moved, by ledger entry type.",
			},
			[]string{"type"},
		),
		payments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billing",
				Subsystem: "payments",
				Name:      "created_total",
				Help:      "Payments created with the gateway by product type and outcome.",
			},
			[]string{"product_type", "outcome"},
		),
	}
	reg.MustRegister(m.webhookEvents, m.webhookDuration, m.renewals, m.bonusPoints, m.payments)
	return m
}

func (m *Metrics) WebhookHandled(event, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(event, outcome).Inc()
	m.webhookDuration.WithLabelValues(event).Observe(time.Since(started).Seconds())
}

func (m *Metrics) RenewalAttempted(outcome string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BonusApplied(typ string, delta int64) {
	if m == nil {
		return
	}
	if delta < 0 {
		delta = -delta
	}
	m.bonusPoints.WithLabelValues(typ).Add(float64(delta))
}

func (m *Metrics) PaymentCreated(productType, outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(productType, outcome).Inc()
}
