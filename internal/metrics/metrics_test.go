package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.WebhookHandled("payment.succeeded", "applied", time.Now())
	m.WebhookHandled("payment.succeeded", "applied", time.Now())
	m.RenewalAttempted("renewed")
	m.BonusApplied("redeem", -250)
	m.BonusApplied("redeem", 50)
	m.PaymentCreated("subscription_tier", "created")

	assert.Equal(t, 2.0, promtest.ToFloat64(m.webhookEvents.WithLabelValues("payment.succeeded", "applied")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.renewals.WithLabelValues("renewed")))
	assert.Equal(t, 300.0, promtest.ToFloat64(m.bonusPoints.WithLabelValues("redeem")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.payments.WithLabelValues("subscription_tier", "created")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.WebhookHandled("payment.canceled", "ignored", time.Now())
		m.RenewalAttempted("failed")
		m.BonusApplied("cashback", 10)
		m.PaymentCreated("one_time_pack", "rejected")
	})
}

func TestMustNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNewMetrics(reg)
	assert.Panics(t, func() { MustNewMetrics(reg) })
}
