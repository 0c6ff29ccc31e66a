package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/payment"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/store/memory"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/outbox"
)

func orderCreated(t *testing.T, orderID string) contracts.Event {
	t.Helper()
	evt, err := contracts.New(contracts.EventOrderCreated, orderID, orderID, contracts.OrderCreated{OrderID: orderID, Amount: 100}, time.Now())
	require.NoError(t, err)
	return evt
}

func TestRollbackDropsEventsAndWrites(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.WithinTx(ctx, func(ctx context.Context) error {
		return st.Emit(ctx, orderCreated(t, "o1"))
	}))

	boom := errors.New("boom")
	err := st.WithinTx(ctx, func(ctx context.Context) error {
		if err := st.Payments().Create(ctx, payment.Payment{ID: "p2", OrderID: "o2", Amount: 100, Status: payment.StatusReady}); err != nil {
			return err
		}
		if err := st.Emit(ctx, orderCreated(t, "o2")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	events := st.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "o1", events[0].OrderID)
	_, err = st.Payments().Get(ctx, "o2")
	assert.Error(t, err)

	var published []string
	claimed, sent, err := st.Claim(ctx, 10, func(recs []outbox.Record) []int64 {
		ids := make([]int64, 0, len(recs))
		for _, r := range recs {
			published = append(published, r.Key)
			ids = append(ids, r.ID)
		}
		return ids
	})
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"o1"}, published)
}

// failingSink writes the event and then fails, as an outbox insert that
// errors after the row was staged would.
type failingSink struct{ st *memory.Store }

func (f failingSink) Emit(ctx context.Context, evt contracts.Event) error {
	if err := f.st.Emit(ctx, evt); err != nil {
		return err
	}
	return errors.New("outbox unavailable")
}

func TestFailedEmitRollsBackTransition(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	svc := payment.NewService(st.Payments(), st, failingSink{st}, nil, zap.NewNop())
	_, err := svc.CreateReady(ctx, "o1", 10000)
	require.NoError(t, err)

	_, err = svc.AbandonIfReady(ctx, "o1", "customer cancelled")
	require.Error(t, err)

	p, err := svc.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusReady, p.Status)
	assert.Empty(t, p.FailCode)
	assert.Empty(t, st.Events())
}
