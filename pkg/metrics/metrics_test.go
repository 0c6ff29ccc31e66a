package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSaga(reg)

	m.EventHandled("payment.completed", "stock.confirm", "ok")
	m.EventHandled("payment.completed", "stock.confirm", "ok")
	m.StockReserve("not_enough")
	m.LedgerNegative()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsHandled.WithLabelValues("payment.completed", "stock.confirm", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stockReserve.WithLabelValues("not_enough")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerNegative))
}

func TestNilReceiversAreSafe(t *testing.T) {
	var s *Saga
	s.EventHandled("a", "b", "c")
	s.GatewayCall("confirm", "ok")
	s.BreakerState("confirm", 2)

	var srv *ServerMetrics
	srv.Observe("health", "200", time.Now())
}

func TestServerMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewServerMetrics(reg, "saga_service")
	m.Observe("checkout", "201", time.Now())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("checkout", "201")))
}

func TestServerMetricsAcceptsHyphenatedService(t *testing.T) {
	reg := prometheus.NewRegistry()
	var m *ServerMetrics
	require.NotPanics(t, func() { m = NewServerMetrics(reg, "saga-service") })
	m.Observe("checkout", "201", time.Now())

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "checkout_saga_service_http_requests_total")
	assert.Contains(t, names, "checkout_saga_service_http_request_duration_ms")
}
