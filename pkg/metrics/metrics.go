package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkout"

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

// NewServerMetrics registers the HTTP collectors under the service name.
// Service names like "saga-service" become the subsystem "saga_service".
func NewServerMetrics(reg prometheus.Registerer, service string) *ServerMetrics {
	service = subsystem(service)
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})

	reg.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

func subsystem(service string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, service)
}

// Observe records one request. Safe on a nil receiver.
func (m *ServerMetrics) Observe(handler, status string, started time.Time) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, status).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(started).Milliseconds()))
}

// Saga groups the collectors of the consistency engine. All methods are
// nil-safe so components can run without metrics in tests.
type Saga struct {
	eventsHandled  *prometheus.CounterVec
	outboxMessages *prometheus.CounterVec
	stockReserve   *prometheus.CounterVec
	ledgerNegative prometheus.Counter
	gatewayCalls   *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
}

func NewSaga(reg prometheus.Registerer) *Saga {
	m := &Saga{
		eventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_events_handled_total",
			Help:      "Domain events handled, by event type, handler and result.",
		}, []string{"event", "handler", "result"}),
		outboxMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_messages_total",
			Help:      "Outbox rows processed by the relay, by result.",
		}, []string{"result"}),
		stockReserve: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_reserve_total",
			Help:      "Ledger reservation outcomes.",
		}, []string{"result"}),
		ledgerNegative: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_ledger_negative_total",
			Help:      "Releases that left a ledger counter below zero.",
		}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_gateway_calls_total",
			Help:      "Payment gateway calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_gateway_breaker_state",
			Help:      "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).",
		}, []string{"operation"}),
	}
	reg.MustRegister(m.eventsHandled, m.outboxMessages, m.stockReserve, m.ledgerNegative, m.gatewayCalls, m.breakerState)
	return m
}

func (m *Saga) EventHandled(event, handler, result string) {
	if m == nil {
		return
	}
	m.eventsHandled.WithLabelValues(event, handler, result).Inc()
}

func (m *Saga) OutboxMessage(result string) {
	if m == nil {
		return
	}
	m.outboxMessages.WithLabelValues(result).Inc()
}

func (m *Saga) StockReserve(result string) {
	if m == nil {
		return
	}
	m.stockReserve.WithLabelValues(result).Inc()
}

func (m *Saga) LedgerNegative() {
	if m == nil {
		return
	}
	m.ledgerNegative.Inc()
}

func (m *Saga) GatewayCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(operation, outcome).Inc()
}

func (m *Saga) BreakerState(operation string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(operation).Set(state)
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
