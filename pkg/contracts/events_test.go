package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndDecode(t *testing.T) {
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.FixedZone("KST", 9*3600))
	evt, err := New(EventPaymentFailed, "pay-1", "order-1", PaymentFailed{
		OrderID:  "order-1",
		Amount:   10000,
		FailCode: "TOSS_CONFIRM_UNKNOWN",
	}, at)
	require.NoError(t, err)

	assert.NotEmpty(t, evt.EventID)
	assert.Equal(t, time.UTC, evt.OccurredAt.Location())
	assert.JSONEq(t, `{"orderId":"order-1","paymentKey":"","amount":10000,"failCode":"TOSS_CONFIRM_UNKNOWN","failMessage":""}`, string(evt.Payload))

	var got PaymentFailed
	require.NoError(t, evt.Decode(&got))
	assert.Equal(t, "TOSS_CONFIRM_UNKNOWN", got.FailCode)
}

func TestDecodeError(t *testing.T) {
	evt := Event{Type: EventOrderCreated, Payload: []byte(`{"amount":"x"}`)}
	var got OrderCreated
	assert.Error(t, evt.Decode(&got))
}
