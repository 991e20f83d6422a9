package subscription

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Виды исходящих SUBSCRIBE для метрик
const (
	requestInitial     = "initial"
	requestRefresh     = "refresh"
	requestUnsubscribe = "unsubscribe"
)

// Metrics prometheus метрики подписок. Nil-значение допустимо и ничего не считает.
type Metrics struct {
	requests     *prometheus.CounterVec
	responses    *prometheus.CounterVec
	notifies     *prometheus.CounterVec
	terminations *prometheus.CounterVec
	authRetries  prometheus.Counter
	staleDropped prometheus.Counter
	registered   prometheus.Gauge
}

// MetricsConfig конфигурация метрик
type MetricsConfig struct {
	// Namespace префикс метрик
	Namespace string
	// Subsystem подсистема метрик
	Subsystem string
	// Registerer реестр, по умолчанию prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace:  "sip",
		Subsystem:  "subscription",
		Registerer: prometheus.DefaultRegisterer,
	}
}

// NewMetrics регистрирует метрики в cfg.Registerer.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registerer)

	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "requests_total",
			Help:      "Total number of SUBSCRIBE requests sent",
		}, []string{"kind"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "responses_total",
			Help:      "Total number of final SUBSCRIBE responses by status class",
		}, []string{"class"}),
		notifies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "notifies_total",
			Help:      "Total number of in-dialog NOTIFY requests by subscription state",
		}, []string{"state"}),
		terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "terminations_total",
			Help:      "Total number of finalized subscriptions by cause",
		}, []string{"cause"}),
		authRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "auth_retries_total",
			Help:      "Total number of SUBSCRIBE requests re-sent after an authentication challenge",
		}),
		staleDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "stale_responses_total",
			Help:      "Total number of responses dropped because of a CSeq mismatch",
		}),
		registered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "registered",
			Help:      "Number of confirmed subscriptions held by the agent registry",
		}),
	}
}

func (m *Metrics) requestSent(kind string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind).Inc()
}

func (m *Metrics) responseReceived(statusCode int) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(strconv.Itoa(statusCode/100) + "xx").Inc()
}

func (m *Metrics) notifyReceived(state State) {
	if m == nil {
		return
	}
	m.notifies.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) terminated(cause Cause) {
	if m == nil {
		return
	}
	label := string(cause)
	if label == "" {
		label = "none"
	}
	m.terminations.WithLabelValues(label).Inc()
}

func (m *Metrics) authRetried() {
	if m == nil {
		return
	}
	m.authRetries.Inc()
}

func (m *Metrics) staleResponse() {
	if m == nil {
		return
	}
	m.staleDropped.Inc()
}

// SetRegistered выставляет размер реестра подписок агента.
func (m *Metrics) SetRegistered(n int) {
	if m == nil {
		return
	}
	m.registered.Set(float64(n))
}
