package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/opsalert"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order/domain"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/payment"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/stock"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/outbox"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/app?sslmode=disable", migrateURL("postgres://u:p@db:5432/app?sslmode=disable"))
	assert.Equal(t, "pgx5://db/app", migrateURL("postgresql://db/app"))
	assert.Equal(t, "pgx5://db/app", migrateURL("pgx5://db/app"))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("duplicate key")))
	assert.False(t, isUniqueViolation(nil))
}

func TestTable(t *testing.T) {
	tbl, id, err := table(stock.Key("p1", ""))
	require.NoError(t, err)
	assert.Equal(t, "products", tbl)
	assert.Equal(t, "p1", id)

	tbl, id, err = table(stock.Key("p1", "v1"))
	require.NoError(t, err)
	assert.Equal(t, "product_variants", tbl)
	assert.Equal(t, "v1", id)

	_, _, err = table("products; DROP TABLE orders")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

// openTestStore connects to TEST_DATABASE_URL, migrates and empties the schema.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	_, err := Migrate(url)
	require.NoError(t, err)

	ctx := context.Background()
	s, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.pool.Exec(ctx, `TRUNCATE ops_alerts, outbox, stock_reservations, payment_cancels, payments, order_items, orders,
		product_variants, products RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return s
}

func TestOrderRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := domain.Order{
		ID: uuid.NewString(), BuyerID: "b1", OrderNumber: "ORD-1", Recipient: "Kim",
		IdempotencyKey: "idem-1", CreatedAt: now, UpdatedAt: now,
		Items: []domain.OrderItem{
			domain.NewItem(uuid.NewString(), "p1", "", "Keyboard", 2, 1000),
			domain.NewItem(uuid.NewString(), "p2", "v1", "Mouse", 1, 500),
		},
	}
	o.TotalAmount = 2500
	o.SyncStatus()

	repo := s.Orders()
	require.NoError(t, repo.Create(ctx, o))
	err := repo.Create(ctx, domain.Order{ID: uuid.NewString(), BuyerID: "b1", OrderNumber: "ORD-2", TotalAmount: 1,
		Status: domain.OrderStatusPending, IdempotencyKey: "idem-1", CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, order.ErrDuplicate)

	got, err := repo.FindByIdempotencyKey(ctx, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "Keyboard", got.Items[0].Title)

	paid, err := got.MarkPaid()
	require.NoError(t, err)
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := repo.GetForUpdate(ctx, o.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, domain.OrderStatusPending, locked.Status)
		return repo.Save(ctx, paid)
	}))

	listed, err := repo.ListByStatus(ctx, domain.OrderStatusPaid, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, domain.OrderStatusPaid, listed[0].Items[1].Status)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPaymentLedgerRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Payments()
	now := time.Now().UTC()

	p := payment.Payment{ID: uuid.NewString(), OrderID: "o1", Amount: 1000, Status: payment.StatusReady, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.Create(ctx, p))
	assert.ErrorIs(t, repo.Create(ctx, payment.Payment{ID: uuid.NewString(), OrderID: "o1", Amount: 1000, Status: payment.StatusReady}), payment.ErrDuplicate)

	require.NoError(t, p.MarkPaid("pk_1", now))
	require.NoError(t, repo.Save(ctx, p))
	c := payment.Cancel{PaymentKey: "pk_1", CancelAmount: 400, CancelReason: "partial", CanceledAt: now}
	require.NoError(t, p.ApplyCancel(c))
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context) error {
		if err := repo.Save(ctx, p); err != nil {
			return err
		}
		return repo.AppendCancel(ctx, p.ID, c)
	}))

	got, err := repo.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)
	require.NotNil(t, got.ApprovedAt)
	require.Len(t, got.Cancels, 1)
	assert.Equal(t, int64(600), got.RemainingAmount())
}

func TestStockRowsAndReservations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Catalog().UpsertProduct(ctx, Product{ID: "p1", Title: "Keyboard", Price: 1000, Quantity: 5}))
	require.NoError(t, s.Catalog().UpsertProduct(ctx, Product{ID: "p2", VariantID: "v1", Title: "Mouse", Price: 500, Quantity: 3}))

	repo := s.Stock()
	k1, k2 := stock.Key("p1", ""), stock.Key("p2", "v1")
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context) error {
		return repo.InsertReservations(ctx, []stock.Reservation{
			{OrderID: "o1", ProductID: "p1", Quantity: 2, Status: stock.Reserved},
			{OrderID: "o1", ProductID: "p2", VariantID: "v1", Quantity: 1, Status: stock.Reserved},
		})
	}))

	n, err := repo.Available(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := repo.AvailableAll(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, stock.Row{Key: k2, Quantity: 2})

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context) error {
		row, err := repo.LockRow(ctx, k1)
		if err != nil {
			return err
		}
		if err := repo.SetQuantity(ctx, k1, row.Quantity-2); err != nil {
			return err
		}
		return repo.SetReservationStatus(ctx, "o1", k1, stock.Confirmed)
	}))

	rs, err := repo.Reservations(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, stock.Confirmed, rs[0].Status)
	assert.Equal(t, "v1", rs[1].VariantID)

	infos, err := s.Catalog().GetProductCartInfo(ctx, []order.CartLine{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", VariantID: "v1", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), infos[0].Stock)
	assert.True(t, infos[1].Available)

	_, err = s.Catalog().GetProductCartInfo(ctx, []order.CartLine{{ProductID: "nope", Quantity: 1}})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestOutboxFollowsTransaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	emit := func(orderID string) contracts.Event {
		evt, err := contracts.New(contracts.EventOrderCreated, orderID, orderID, contracts.OrderCreated{OrderID: orderID, Amount: 1}, time.Now())
		require.NoError(t, err)
		return evt
	}

	rolledBack := emit("o-rollback")
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.Emit(ctx, rolledBack); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)

	kept := emit("o-kept")
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context) error { return s.Emit(ctx, kept) }))
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context) error { return s.Emit(ctx, kept) }), "same event id is ignored")

	pending, err := s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	var seen []contracts.Event
	relay := &outbox.Relay{Store: s, Publisher: outbox.PublisherFunc(func(ctx context.Context, evt contracts.Event) error {
		seen = append(seen, evt)
		return nil
	}), Logger: zap.NewNop()}
	n, err := relay.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, seen, 1)
	assert.Equal(t, kept.EventID, seen[0].EventID)

	pending, err = s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestAlertsDedupByEventID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := opsalert.Alert{EventID: uuid.NewString(), OrderID: "o1", Type: contracts.EventRefundFailed,
		Severity: opsalert.SeverityCritical, Code: "PROVIDER_ERROR", Message: "refund failed", OccurredAt: time.Now().UTC()}

	inserted, err := s.Alerts().Record(ctx, a)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = s.Alerts().Record(ctx, a)
	require.NoError(t, err)
	assert.False(t, inserted)

	recent, err := s.Alerts().Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, opsalert.SeverityCritical, recent[0].Severity)
}
