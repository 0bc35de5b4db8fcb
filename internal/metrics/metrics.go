package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	WebhookRequests    *prometheus.CounterVec
	WebhookDuration    *prometheus.HistogramVec
	Settlements        *prometheus.CounterVec
	SideEffectFailures *prometheus.CounterVec
	Sweeps             *prometheus.CounterVec
	TransfersInitiated *prometheus.CounterVec
	TransferAmount     *prometheus.CounterVec
	TransferStatuses   *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		WebhookRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_webhook_requests_total",
			Help: "Inbound payment webhooks by event kind and response status",
		}, []string{"kind", "status"}),
		WebhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_webhook_duration_seconds",
			Help:    "Time to answer a payment webhook",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_outcomes_total",
			Help: "Settlement attempts by payment kind and outcome",
		}, []string{"payment", "outcome"}),
		SideEffectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_side_effect_failures_total",
			Help: "Best-effort side effects that failed after a payment was settled",
		}, []string{"effect"}),
		Sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_sweeps_total",
			Help: "Payout sweep runs by outcome",
		}, []string{"outcome"}),
		TransfersInitiated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_transfers_initiated_total",
			Help: "Transfer requests by beneficiary type and processor response",
		}, []string{"beneficiary", "result"}),
		TransferAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_transfer_amount_minor_total",
			Help: "Minor units accepted for transfer by beneficiary type",
		}, []string{"beneficiary"}),
		TransferStatuses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_transfer_status_updates_total",
			Help: "Transfer status webhooks applied by resulting status",
		}, []string{"status"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveWebhook(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(kind, status).Inc()
	m.WebhookDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) Settlement(payment, outcome string) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(payment, outcome).Inc()
}

func (m *Metrics) SideEffectFailed(effect string) {
	if m == nil {
		return
	}
	m.SideEffectFailures.WithLabelValues(effect).Inc()
}

func (m *Metrics) Sweep(outcome string) {
	if m == nil {
		return
	}
	m.Sweeps.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TransferInitiated(beneficiary, result string, amount int64) {
	if m == nil {
		return
	}
	m.TransfersInitiated.WithLabelValues(beneficiary, result).Inc()
	if result == "accepted" {
		m.TransferAmount.WithLabelValues(beneficiary).Add(float64(amount))
	}
}

func (m *Metrics) TransferStatus(status string) {
	if m == nil {
		return
	}
	m.TransferStatuses.WithLabelValues(status).Inc()
}
