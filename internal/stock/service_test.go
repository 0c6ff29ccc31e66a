package stock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/stock"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/store/memory"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
)

type fixture struct {
	store  *memory.Store
	ledger *stock.Ledger
	svc    *stock.Service
	redis  *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := memory.New()
	st.AddProduct("a", "", "A", 1000, 5)
	st.AddProduct("b", "", "B", 1000, 5)
	st.AddProduct("c", "blue", "C blue", 1000, 1)

	ledger := stock.NewLedger(rdb, zap.NewNop(), nil)
	return &fixture{
		store:  st,
		ledger: ledger,
		svc:    stock.NewService(ledger, st.Stock(), st, st, zap.NewNop()),
		redis:  srv,
	}
}

func (f *fixture) cache(t *testing.T, key string) int64 {
	t.Helper()
	n, ok, err := f.ledger.Available(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok, "key %s not cached", key)
	return n
}

func (f *fixture) reservations(t *testing.T, orderID string) map[string]stock.ReservationStatus {
	t.Helper()
	rs, err := f.store.Stock().Reservations(context.Background(), orderID)
	require.NoError(t, err)
	out := map[string]stock.ReservationStatus{}
	for _, r := range rs {
		out[r.Key()] = r.Status
	}
	return out
}

func (f *fixture) setDurable(t *testing.T, key string, qty int64) {
	t.Helper()
	require.NoError(t, f.store.WithinTx(context.Background(), func(ctx context.Context) error {
		return f.store.Stock().SetQuantity(ctx, key, qty)
	}))
}

var (
	keyA = stock.Key("a", "")
	keyB = stock.Key("b", "")
	keyC = stock.Key("c", "blue")
)

func TestReserveSeedsCacheAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	items := []stock.Item{{ProductID: "a", Quantity: 2}, {ProductID: "c", VariantID: "blue", Quantity: 1}}

	require.NoError(t, f.svc.ReserveStockBulk(ctx, "o1", items))
	assert.Equal(t, int64(3), f.cache(t, keyA))
	assert.Equal(t, int64(0), f.cache(t, keyC))
	assert.Equal(t, map[string]stock.ReservationStatus{keyA: stock.Reserved, keyC: stock.Reserved}, f.reservations(t, "o1"))

	require.NoError(t, f.svc.ReserveStockBulk(ctx, "o1", items))
	assert.Equal(t, int64(3), f.cache(t, keyA), "second reserve for the same order is a no-op")
}

func TestReserveSeedsFromAvailableNotDurable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ReserveStockBulk(ctx, "o1", []stock.Item{{ProductID: "a", Quantity: 2}}))

	// cache lost, e.g. a redis restart
	f.redis.FlushAll()
	require.NoError(t, f.svc.ReserveStockBulk(ctx, "o2", []stock.Item{{ProductID: "a", Quantity: 1}}))
	assert.Equal(t, int64(2), f.cache(t, keyA), "5 durable - 2 held by o1 - 1 for o2")
}

func TestReserveIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.ReserveStockBulk(ctx, "o1", []stock.Item{
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 1},
		{ProductID: "c", VariantID: "blue", Quantity: 2},
	})
	assert.True(t, apperr.Is(err, apperr.KindInsufficientStock))
	assert.Equal(t, int64(5), f.cache(t, keyA))
	assert.Equal(t, int64(5), f.cache(t, keyB))
	assert.Empty(t, f.reservations(t, "o1"))
}

func TestReserveValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tests := map[string][]stock.Item{
		"empty":         nil,
		"zero quantity": {{ProductID: "a", Quantity: 0}},
		"no product":    {{Quantity: 1}},
		"duplicate":     {{ProductID: "a", Quantity: 1}, {ProductID: "a", Quantity: 2}},
	}
	for name, items := range tests {
		t.Run(name, func(t *testing.T) {
			err := f.svc.ReserveStockBulk(ctx, "o1", items)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ReserveStockBulk(ctx, "o1", []stock.Item{{ProductID: "a", Quantity: 2}}))

	require.NoError(t, f.svc.ReleaseStockBulk(ctx, "o1"))
	require.NoError(t, f.svc.ReleaseStockBulk(ctx, "o1"))
	assert.Equal(t, int64(5), f.cache(t, keyA))
	assert.Equal(t, int64(5), f.store.StockQuantity("a", ""))
	assert.Equal(t, stock.Released, f.reservations(t, "o1")[keyA])

	require.NoError(t, f.svc.ReleaseStockBulk(ctx, "unknown-order"))
}

func TestConfirmDeductsAndEmitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ReserveStockBulk(ctx, "o1", []stock.Item{{ProductID: "a", Quantity: 2}, {ProductID: "b", Quantity: 1}}))

	require.NoError(t, f.svc.ConfirmStockBulk(ctx, "o1"))
	require.NoError(t, f.svc.ConfirmStockBulk(ctx, "o1"))

	assert.Equal(t, int64(3), f.store.StockQuantity("a", ""))
	assert.Equal(t, int64(4), f.store.StockQuantity("b", ""))
	assert.Equal(t, int64(3), f.cache(t, keyA), "confirm leaves the cache alone")

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventStockDeducted, events[0].Type)
	var body contracts.StockDeducted
	require.NoError(t, events[0].Decode(&body))
	assert.Len(t, body.Items, 2)
}

func TestConfirmShortfallKeepsEarlierRowsUntilRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ReserveStockBulk(ctx, "o1", []stock.Item{{ProductID: "a", Quantity: 1}, {ProductID: "b", Quantity: 2}}))
	f.setDurable(t, keyB, 1)

	err := f.svc.ConfirmStockBulk(ctx, "o1")
	assert.True(t, apperr.Is(err, apperr.KindInsufficientStock))
	assert.Equal(t, int64(4), f.store.StockQuantity("a", ""), "first row stays deducted")
	assert.Equal(t, int64(1), f.store.StockQuantity("b", ""))
	assert.Equal(t, map[string]stock.ReservationStatus{keyA: stock.Confirmed, keyB: stock.Reserved}, f.reservations(t, "o1"))

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventStockDeductionFailed, events[0].Type)

	require.NoError(t, f.svc.ReleaseStockBulk(ctx, "o1"))
	assert.Equal(t, int64(5), f.store.StockQuantity("a", ""))
	assert.Equal(t, int64(5), f.cache(t, keyA))
	assert.Equal(t, int64(5), f.cache(t, keyB))
}

func TestConfirmWithoutReservationFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.ConfirmStockBulk(ctx, "o1")
	assert.True(t, apperr.Is(err, apperr.KindInsufficientStock))

	require.NoError(t, f.svc.ReserveStockBulk(ctx, "o2", []stock.Item{{ProductID: "a", Quantity: 1}}))
	require.NoError(t, f.svc.ReleaseStockBulk(ctx, "o2"))
	err = f.svc.ConfirmStockBulk(ctx, "o2")
	assert.True(t, apperr.Is(err, apperr.KindInsufficientStock))
	assert.Equal(t, int64(5), f.store.StockQuantity("a", ""))

	events := f.store.Events()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, contracts.EventStockDeductionFailed, e.Type)
	}
}

func TestDecreaseStockBulkReturnsAppliedPrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied, err := f.svc.DecreaseStockBulk(ctx, []stock.Item{
		{ProductID: "a", Quantity: 2},
		{ProductID: "c", VariantID: "blue", Quantity: 3},
		{ProductID: "b", Quantity: 1},
	})
	assert.True(t, apperr.Is(err, apperr.KindInsufficientStock))
	require.Len(t, applied, 1)
	assert.Equal(t, "a", applied[0].ProductID)
	assert.Equal(t, int64(3), f.store.StockQuantity("a", ""))
	assert.Equal(t, int64(1), f.store.StockQuantity("c", "blue"))
	assert.Equal(t, int64(5), f.store.StockQuantity("b", ""))

	applied, err = f.svc.IncreaseStockBulk(ctx, applied)
	require.NoError(t, err)
	assert.Len(t, applied, 1)
	assert.Equal(t, int64(5), f.store.StockQuantity("a", ""))
}

func TestReconcilerSyncsAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ReserveStockBulk(ctx, "o1", []stock.Item{{ProductID: "a", Quantity: 2}}))
	require.NoError(t, f.ledger.Sync(ctx, keyB, 99))

	r := stock.NewReconciler(f.ledger, f.store.Stock(), zap.NewNop())
	n, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), f.cache(t, keyA))
	assert.Equal(t, int64(5), f.cache(t, keyB))
	assert.Equal(t, int64(1), f.cache(t, keyC))
}

func TestReconcilerSchedule(t *testing.T) {
	f := newFixture(t)
	c := cron.New(cron.WithSeconds())
	r := stock.NewReconciler(f.ledger, f.store.Stock(), zap.NewNop())

	_, err := r.Schedule(c, "*/1 * * * * *", time.Second)
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool {
		n, ok, err := f.ledger.Available(context.Background(), keyA)
		return err == nil && ok && n == 5
	}, 3*time.Second, 50*time.Millisecond)

	_, err = r.Schedule(c, "not a spec", time.Second)
	assert.Error(t, err)
}

func TestRestockSeedsMissingCounterFromDurable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	counters, err := f.svc.Restock(ctx, []stock.Item{{ProductID: "a", Quantity: 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(8), counters[keyA])
	assert.Equal(t, int64(8), f.cache(t, keyA))
	assert.Equal(t, int64(8), f.store.StockQuantity("a", ""))

	counters, err = f.svc.Restock(ctx, []stock.Item{{ProductID: "a", Quantity: 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(10), counters[keyA])
	assert.Equal(t, int64(10), f.cache(t, keyA))
}

func TestRestockAddsToLiveCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ReserveStockBulk(ctx, "o1", []stock.Item{{ProductID: "b", Quantity: 2}}))
	assert.Equal(t, int64(3), f.cache(t, keyB))

	counters, err := f.svc.Restock(ctx, []stock.Item{{ProductID: "b", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), counters[keyB])
	assert.Equal(t, int64(6), f.store.StockQuantity("b", ""))
}
