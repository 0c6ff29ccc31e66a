package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
)

func TestDispatchRunsHandlersInOrder(t *testing.T) {
	var calls []string
	reg := NewRegistry(zap.NewNop(), nil)
	reg.On(contracts.EventPaymentCompleted, "order.mark_paid", func(ctx context.Context, evt contracts.Event) error {
		calls = append(calls, "order")
		return nil
	}).On(contracts.EventPaymentCompleted, "stock.confirm", func(ctx context.Context, evt contracts.Event) error {
		calls = append(calls, "stock")
		return nil
	})

	err := reg.Dispatch(context.Background(), contracts.Event{Type: contracts.EventPaymentCompleted})
	require.NoError(t, err)
	assert.Equal(t, []string{"order", "stock"}, calls)
	assert.Equal(t, []string{"order.mark_paid", "stock.confirm"}, reg.Handlers(contracts.EventPaymentCompleted))
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	boom := errors.New("db down")
	secondRan := false
	reg := NewRegistry(zap.NewNop(), nil)
	reg.On("x", "first", func(ctx context.Context, evt contracts.Event) error { return boom })
	reg.On("x", "second", func(ctx context.Context, evt contracts.Event) error {
		secondRan = true
		return nil
	})

	err := reg.Dispatch(context.Background(), contracts.Event{Type: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "first")
	assert.True(t, secondRan)
}

func TestDispatchUnknownTypeIsIgnored(t *testing.T) {
	reg := NewRegistry(zap.NewNop(), nil)
	assert.NoError(t, reg.Dispatch(context.Background(), contracts.Event{Type: "nobody.listens"}))
}
