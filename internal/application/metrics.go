package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes acquisition, cache and OTP polling counters. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	acquisitions *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	otpPolls     *prometheus.CounterVec
	coalesced    prometheus.Counter
	inFlight     prometheus.Gauge
}

// NewMetrics registers the credbroker collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		acquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Name:      "acquisitions_total",
			Help:      "Completed acquisition sequences by result.",
		}, []string{"result"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Name:      "login_attempts_total",
			Help:      "Individual login attempts by outcome kind.",
		}, []string{"outcome"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Name:      "cache_lookups_total",
			Help:      "Credential cache lookups by result.",
		}, []string{"result"}),
		otpPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Name:      "otp_polls_total",
			Help:      "Mailbox polls performed while waiting for an OTP, by outcome.",
		}, []string{"outcome"}),
		coalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "credbroker",
			Name:      "coalesced_requests_total",
			Help:      "Acquire calls that joined an acquisition already in flight.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "credbroker",
			Name:      "acquisition_in_flight",
			Help:      "1 while an interactive login sequence is running.",
		}),
	}
}

func (m *Metrics) acquisition(result string) {
	if m != nil {
		m.acquisitions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) attempt(outcome string) {
	if m != nil {
		m.attempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) otpPoll(outcome string) {
	if m != nil {
		m.otpPolls.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) joined() {
	if m != nil {
		m.coalesced.Inc()
	}
}

func (m *Metrics) setInFlight(running bool) {
	if m == nil {
		return
	}
	if running {
		m.inFlight.Set(1)
		return
	}
	m.inFlight.Set(0)
}
