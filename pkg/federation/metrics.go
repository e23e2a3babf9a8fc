package federation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus metrics emitted by the federation services.
// All service constructors accept a nil *Metrics; recording is skipped.
type Metrics struct {
	LoginsStarted   *prometheus.CounterVec
	LoginsCompleted *prometheus.CounterVec
	LoginFailures   *prometheus.CounterVec
	JWKSFetches     *prometheus.CounterVec
	StateEvictions  prometheus.Counter
	AuthStatesLive  prometheus.Gauge
}

// NewMetrics creates and registers the federation metrics on the given
// registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LoginsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_logins_started_total",
				Help: "Login flows initiated",
			},
			[]string{"protocol", "provider"},
		),
		LoginsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_logins_completed_total",
				Help: "Login flows that produced a verified identity",
			},
			[]string{"protocol", "provider"},
		),
		LoginFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_login_failures_total",
				Help: "Login flows rejected, by failure reason",
			},
			[]string{"protocol", "reason"},
		),
		JWKSFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_jwks_fetches_total",
				Help: "JWKS fetches from identity providers",
			},
			[]string{"provider"},
		),
		StateEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "federation_auth_state_evictions_total",
				Help: "Auth states evicted by the capacity bound",
			},
		),
		AuthStatesLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "federation_auth_states_live",
				Help: "In-flight login attempts currently held",
			},
		),
	}

	registry.MustRegister(
		m.LoginsStarted,
		m.LoginsCompleted,
		m.LoginFailures,
		m.JWKSFetches,
		m.StateEvictions,
		m.AuthStatesLive,
	)
	return m
}

func (m *Metrics) loginStarted(protocol, provider string) {
	if m == nil {
		return
	}
	m.LoginsStarted.WithLabelValues(protocol, provider).Inc()
}

func (m *Metrics) loginCompleted(protocol, provider string) {
	if m == nil {
		return
	}
	m.LoginsCompleted.WithLabelValues(protocol, provider).Inc()
}

func (m *Metrics) loginFailed(protocol, reason string) {
	if m == nil {
		return
	}
	m.LoginFailures.WithLabelValues(protocol, reason).Inc()
}

func (m *Metrics) jwksFetched(provider string) {
	if m == nil {
		return
	}
	m.JWKSFetches.WithLabelValues(provider).Inc()
}

func (m *Metrics) evictions(n int) {
	if m == nil {
		return
	}
	m.StateEvictions.Add(float64(n))
}

func (m *Metrics) setAuthStates(n int) {
	if m == nil {
		return
	}
	m.AuthStatesLive.Set(float64(n))
}
