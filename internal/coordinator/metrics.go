package coordinator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"plantsip-bridge/internal/plantsip"
)

const namespace = "plantsip"

// Metrics holds the Prometheus collectors for refresh cycles, commands and
// API requests. A nil *Metrics records nothing.
type Metrics struct {
	refreshes           *prometheus.CounterVec
	refreshDuration     prometheus.Histogram
	consecutiveFailures prometheus.Gauge
	lastSuccess         prometheus.Gauge
	devices             *prometheus.GaugeVec
	deviceFailures      prometheus.Counter
	commands            *prometheus.CounterVec
	requests            *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Refresh cycles by result (success, failure, skipped).",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of finished refresh cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refresh_consecutive_failures",
			Help:      "Failed refresh cycles since the last success.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_refresh_timestamp_seconds",
			Help:      "Unix time of the last successful refresh.",
		}),
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices in the published snapshot by state.",
		}, []string{"state"}),
		deviceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_refresh_failures_total",
			Help:      "Per-device fetch failures contained within a cycle.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands by kind and result.",
		}, []string{"command", "result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "API requests by method, route and outcome.",
		}, []string{"method", "route", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.refreshes, m.refreshDuration, m.consecutiveFailures, m.lastSuccess,
		m.devices, m.deviceFailures, m.commands, m.requests, m.requestDuration,
	)
	return m
}

// ObserveRequest implements plantsip.Observer.
func (m *Metrics) ObserveRequest(method, route, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, outcome).Inc()
	if d > 0 {
		m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
	}
}

func (m *Metrics) refreshSkipped() {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues("skipped").Inc()
}

func (m *Metrics) refreshDone(res RefreshResult) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(res.Duration.Seconds())
	m.consecutiveFailures.Set(float64(res.ConsecutiveFailures))
	if res.Success {
		m.refreshes.WithLabelValues("success").Inc()
		m.lastSuccess.Set(float64(res.At.Unix()))
		return
	}
	m.refreshes.WithLabelValues("failure").Inc()
}

func (m *Metrics) setDevices(available, unavailable, removed int) {
	if m == nil {
		return
	}
	m.devices.WithLabelValues("available").Set(float64(available))
	m.devices.WithLabelValues("unavailable").Set(float64(unavailable))
	m.devices.WithLabelValues("removed").Set(float64(removed))
}

func (m *Metrics) deviceFailed() {
	if m == nil {
		return
	}
	m.deviceFailures.Inc()
}

func (m *Metrics) command(kind string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, commandResult(err)).Inc()
}

func commandResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, plantsip.ErrValidation):
		return "invalid"
	case errors.Is(err, ErrUnknownDevice), errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrNotReady):
		return "unknown"
	case errors.Is(err, plantsip.ErrAuth):
		return "auth"
	case errors.Is(err, plantsip.ErrConnection):
		return "connection"
	default:
		return "api"
	}
}
