package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the key service.
type Metrics struct {
	Validations       *prometheus.CounterVec
	ValidationLatency *prometheus.HistogramVec
	RateLimitHits     *prometheus.CounterVec
	KeysIssued        *prometheus.CounterVec
	KeyRevocations    *prometheus.CounterVec
	RotationActions   *prometheus.CounterVec
	UsageDropped      prometheus.Counter
	UsageBufferDepth  prometheus.Gauge
}

// NewMetrics creates and registers the instruments with the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		Validations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodia_key_validations_total",
				Help: "Total key validation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		ValidationLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custodia_key_validation_latency_seconds",
				Help:    "Latency of key validation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodia_rate_limit_hits_total",
				Help: "Requests rejected by the per-key rate limiter.",
			},
			[]string{"owner_type"},
		),
		KeysIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodia_keys_issued_total",
				Help: "Keys issued by owner type.",
			},
			[]string{"owner_type"},
		),
		KeyRevocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodia_key_revocations_total",
				Help: "Key revocations by reason.",
			},
			[]string{"reason"},
		),
		RotationActions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodia_rotation_actions_total",
				Help: "Actions taken by the rotation scan.",
			},
			[]string{"action"},
		),
		UsageDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "custodia_usage_records_dropped_total",
				Help: "Usage records dropped because the buffer was full.",
			},
		),
		UsageBufferDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "custodia_usage_buffer_depth",
				Help: "Current depth of the usage recording buffer.",
			},
		),
	}
}

// RecordValidation records one validation attempt.
func (m *Metrics) RecordValidation(outcome string, duration time.Duration) {
	m.Validations.WithLabelValues(outcome).Inc()
	m.ValidationLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rejected request.
func (m *Metrics) RecordRateLimitHit(ownerType string) {
	m.RateLimitHits.WithLabelValues(ownerType).Inc()
}

// RecordKeyIssued records a successful issuance.
func (m *Metrics) RecordKeyIssued(ownerType string) {
	m.KeysIssued.WithLabelValues(ownerType).Inc()
}

// RecordRevocation records a revocation with its reason.
func (m *Metrics) RecordRevocation(reason string) {
	m.KeyRevocations.WithLabelValues(reason).Inc()
}

// RecordRotationAction records a flag, rotate or revoke taken by the scan.
func (m *Metrics) RecordRotationAction(action string) {
	m.RotationActions.WithLabelValues(action).Inc()
}
