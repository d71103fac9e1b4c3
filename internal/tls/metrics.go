package tls

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for TLS operations. It implements
// prometheus.Collector so it can join the proxy registry.
type Metrics struct {
	connectionsTotal     *prometheus.CounterVec
	handshakeDuration    prometheus.Histogram
	handshakeErrors      *prometheus.CounterVec
	clientCertValidation *prometheus.CounterVec
	certificateExpiry    *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avamtls"
	}

	return &Metrics{
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tls",
				Name:      "connections_total",
				Help:      "Total number of authenticated TLS connections by version and cipher suite",
			},
			[]string{"version", "cipher"},
		),
		handshakeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tls",
				Name:      "handshake_duration_seconds",
				Help:      "TLS handshake duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 10},
			},
		),
		handshakeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tls",
				Name:      "handshake_errors_total",
				Help:      "Total number of failed TLS handshakes by reason",
			},
			[]string{"reason"},
		),
		clientCertValidation: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tls",
				Name:      "client_cert_validation_total",
				Help:      "Total number of client certificate validations by result and reason",
			},
			[]string{"result", "reason"},
		),
		certificateExpiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tls",
				Name:      "certificate_expiry_seconds",
				Help:      "Time until certificate expiry in seconds",
			},
			[]string{"subject", "type"},
		),
	}
}

// RecordConnection records a successful handshake.
func (m *Metrics) RecordConnection(version, cipherSuite uint16, duration time.Duration) {
	m.connectionsTotal.WithLabelValues(VersionName(version), tls.CipherSuiteName(cipherSuite)).Inc()
	m.handshakeDuration.Observe(duration.Seconds())
}

// RecordHandshakeError records a failed handshake.
func (m *Metrics) RecordHandshakeError(reason string, duration time.Duration) {
	m.handshakeErrors.WithLabelValues(reason).Inc()
	m.handshakeDuration.Observe(duration.Seconds())
}

// RecordClientCertValidation records a client certificate validation.
func (m *Metrics) RecordClientCertValidation(success bool, reason string) {
	result := "failure"
	if success {
		result = "success"
	}
	m.clientCertValidation.WithLabelValues(result, reason).Inc()
}

// UpdateCertificateExpiry sets the remaining lifetime of cert.
func (m *Metrics) UpdateCertificateExpiry(cert *x509.Certificate, certType string) {
	if cert == nil {
		return
	}
	m.certificateExpiry.WithLabelValues(cert.Subject.CommonName, certType).
		Set(time.Until(cert.NotAfter).Seconds())
}

// UpdateBundleExpiry records the server and CA expiry gauges.
func (m *Metrics) UpdateBundleExpiry(b *Bundle) {
	m.UpdateCertificateExpiry(b.Leaf(), "server")
	for _, ca := range b.CAChain() {
		m.UpdateCertificateExpiry(ca, "ca")
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.connectionsTotal.Describe(ch)
	m.handshakeDuration.Describe(ch)
	m.handshakeErrors.Describe(ch)
	m.clientCertValidation.Describe(ch)
	m.certificateExpiry.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.connectionsTotal.Collect(ch)
	m.handshakeDuration.Collect(ch)
	m.handshakeErrors.Collect(ch)
	m.clientCertValidation.Collect(ch)
	m.certificateExpiry.Collect(ch)
}
