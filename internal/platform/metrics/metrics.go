// Package metrics owns the prometheus collectors of the identity core. All
// collectors live on a private registry so several cores can coexist in one
// process (tests, multi-identity hosts).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aim_identity"

type Metrics struct {
	Registry *prometheus.Registry

	pinAttempts    *prometheus.CounterVec
	cryptoFailures *prometheus.CounterVec
	rotation       *prometheus.CounterVec
	errors         *prometheus.CounterVec
	sessionEntries prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		pinAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pin_attempts_total",
			Help:      "PIN verification attempts by result.",
		}, []string{"result"}),
		cryptoFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crypto_failures_total",
			Help:      "Rejected signatures and ciphertexts by kind.",
		}, []string{"kind"}),
		rotation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_records_total",
			Help:      "Records processed by re-encryption passes.",
		}, []string{"category", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Operation errors by category.",
		}, []string{"category"}),
		sessionEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_entries",
			Help:      "Secrets currently held by the session cache.",
		}),
	}
	m.Registry.MustRegister(m.pinAttempts, m.cryptoFailures, m.rotation, m.errors, m.sessionEntries)
	return m
}

// The nil receiver is valid everywhere so components can run without metrics.

func (m *Metrics) PinAttempt(result string) {
	if m == nil {
		return
	}
	m.pinAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) CryptoFailure(kind string) {
	if m == nil {
		return
	}
	m.cryptoFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RotationRecord(category, result string) {
	if m == nil {
		return
	}
	m.rotation.WithLabelValues(category, result).Inc()
}

func (m *Metrics) RecordError(category string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(category).Inc()
}

func (m *Metrics) SetSessionEntries(n int) {
	if m == nil {
		return
	}
	m.sessionEntries.Set(float64(n))
}
