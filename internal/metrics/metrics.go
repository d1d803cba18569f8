package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dchatpar/inboxgrove/internal/provider"
)

// Outcome label values for provider calls
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds all Prometheus metrics for inboxgrove
type Metrics struct {
	// Provider adapters
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec

	// Wizard
	WizardTransitionsTotal *prometheus.CounterVec
	ActiveSessions         prometheus.Gauge

	// Provisioning results
	DNSRecordsCreatedTotal  *prometheus.CounterVec
	VerificationChecksTotal *prometheus.CounterVec
	DKIMKeysGeneratedTotal  prometheus.Counter

	// HTTP API
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxgrove_provider_requests_total",
				Help: "Total number of calls to registrar, DNS host and MTA APIs",
			},
			[]string{"provider", "operation", "outcome"},
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inboxgrove_provider_request_duration_seconds",
				Help:    "Provider call duration in seconds, retries included",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "operation"},
		),
		WizardTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxgrove_wizard_transitions_total",
				Help: "Total number of wizard step transitions",
			},
			[]string{"from", "to"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "inboxgrove_active_sessions",
				Help: "Number of wizard sessions currently held in memory",
			},
		),
		DNSRecordsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxgrove_dns_records_created_total",
				Help: "Total number of DNS record creation attempts on the DNS host",
			},
			[]string{"outcome"},
		),
		VerificationChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxgrove_verification_checks_total",
				Help: "Total number of DNS propagation lookups by result",
			},
			[]string{"status"},
		),
		DKIMKeysGeneratedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "inboxgrove_dkim_keys_generated_total",
				Help: "Total number of DKIM key pairs generated locally",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxgrove_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inboxgrove_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.ProviderRequestsTotal,
		m.ProviderRequestDuration,
		m.WizardTransitionsTotal,
		m.ActiveSessions,
		m.DNSRecordsCreatedTotal,
		m.VerificationChecksTotal,
		m.DKIMKeysGeneratedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCall records one adapter call. It satisfies provider.Observer.
func (m *Metrics) ObserveCall(providerName, op string, duration time.Duration, err error) {
	m.ProviderRequestsTotal.WithLabelValues(providerName, op, outcome(err)).Inc()
	m.ProviderRequestDuration.WithLabelValues(providerName, op).Observe(duration.Seconds())
}

func outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	var pe *provider.Error
	if errors.As(err, &pe) && pe.Status > 0 {
		return OutcomeRejected
	}
	return OutcomeError
}

// ObserveTransition counts a wizard step change
func (m *Metrics) ObserveTransition(from, to string) {
	m.WizardTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveRecords counts the outcome of a record batch
func (m *Metrics) ObserveRecords(succeeded, failed int) {
	m.DNSRecordsCreatedTotal.WithLabelValues(OutcomeOK).Add(float64(succeeded))
	m.DNSRecordsCreatedTotal.WithLabelValues(OutcomeError).Add(float64(failed))
}

// ObserveLookup counts a propagation lookup by status
func (m *Metrics) ObserveLookup(status string) {
	m.VerificationChecksTotal.WithLabelValues(status).Inc()
}

// ObserveKeyGenerated counts a locally generated DKIM key pair
func (m *Metrics) ObserveKeyGenerated() {
	m.DKIMKeysGeneratedTotal.Inc()
}

// SetActiveSessions sets the session gauge
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// ObserveRequest records an HTTP API request
func (m *Metrics) ObserveRequest(method, path string, status int, duration time.Duration) {
	m.APIRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.APIRequestDurationSeconds.WithLabelValues(method, path).Observe(duration.Seconds())
}
