package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order/domain"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/sagaclient"
)

func TestPercentile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3, 10, 9, 8, 7, 6}
	p50, p90, p95, p99 := calcPercentiles(values)
	assert.Equal(t, 5.0, p50)
	assert.Equal(t, 9.0, p90)
	assert.Equal(t, 10.0, p95)
	assert.Equal(t, 10.0, p99)
	assert.Zero(t, percentile(nil, 0.5))
}

func TestRecordCheckoutClassifiesRejections(t *testing.T) {
	m := newMetrics()
	m.recordCheckout(10*time.Millisecond, nil)
	m.recordCheckout(time.Millisecond, &sagaclient.APIError{Status: 409, Code: "INSUFFICIENT_STOCK"})
	m.recordCheckout(time.Millisecond, &sagaclient.APIError{Status: 500, Code: "INTERNAL", Message: "boom"})
	m.recordCheckout(time.Millisecond, errors.New("connection refused"))

	assert.Equal(t, 1, m.success)
	assert.Equal(t, 1, m.rejected)
	assert.Equal(t, 2, m.errors)
	assert.Equal(t, map[string]int{"201": 1, "409": 1, "500": 1, "0": 1}, m.statusCounts)
	assert.Contains(t, m.firstError, "boom")

	m.recordFinal(time.Second, domain.OrderStatusConfirmed, true)
	m.recordFinal(time.Second, "", false)
	r := summarize(m, time.Second)
	assert.Equal(t, 1, r.FinalStatuses["CONFIRMED"])
	assert.Equal(t, 1, r.FinalTimeouts)
	assert.Equal(t, 10.0, r.AvgLatencyMs)
}

func TestOversold(t *testing.T) {
	assert.False(t, oversold("checkout", 10, 0, 10))
	assert.True(t, oversold("checkout", 11, 0, 10))
	assert.False(t, oversold("confirm", 12, 10, 10), "failed orders release their units")
	assert.True(t, oversold("confirm", 12, 11, 10))
}
