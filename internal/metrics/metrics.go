// Package metrics exposes the server's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "identity_server"

type Metrics struct {
	registry *prometheus.Registry

	tokensIssued   *prometheus.CounterVec
	tokenFailures  *prometheus.CounterVec
	grantsSwept    *prometheus.CounterVec
	sweepFailures  prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDurations  *prometheus.HistogramVec
	devicesPending prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Token responses issued, by grant type.",
		}, []string{"grant_type"}),
		tokenFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_failures_total",
			Help:      "Failed token requests, by grant type and protocol error code.",
		}, []string{"grant_type", "error"}),
		grantsSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_total",
			Help:      "Expired records removed by the sweeper, by store.",
		}, []string{"store"}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Sweeps that failed after retries.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"method", "route", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		devicesPending: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_authorization_pending_total",
			Help:      "Device polls answered with authorization_pending.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokensIssued,
		m.tokenFailures,
		m.grantsSwept,
		m.sweepFailures,
		m.httpRequests,
		m.httpDurations,
		m.devicesPending,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTokenRequest records the outcome of one token endpoint call.
func (m *Metrics) ObserveTokenRequest(grantType string, err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.tokensIssued.WithLabelValues(grantType).Inc()
		return
	}
	if errors.Is(err, oauth.ErrAuthorizationPending) {
		m.devicesPending.Inc()
		return
	}
	_, oauthErr, _ := oauth.Classify(err)
	m.tokenFailures.WithLabelValues(grantType, string(oauthErr.Code)).Inc()
}

func (m *Metrics) ObserveSweep(store string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.grantsSwept.WithLabelValues(store).Add(float64(count))
}

func (m *Metrics) ObserveSweepFailure() {
	if m == nil {
		return
	}
	m.sweepFailures.Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDurations.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
