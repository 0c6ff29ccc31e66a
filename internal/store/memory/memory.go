// Package memory is an in-process implementation of every repository, the
// transactor and the outbox. A transaction holds the store mutex and is rolled
// back by restoring a snapshot, which is enough to exercise the saga without
// Postgres.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/opsalert"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order/domain"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/payment"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/stock"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/outbox"
)

type product struct {
	Title     string
	Price     int64
	Quantity  int64
	Available bool
}

type state struct {
	orders       map[string]domain.Order
	payments     map[string]payment.Payment
	products     map[string]product
	reservations map[string][]stock.Reservation
	events       []contracts.Event
	sent         []bool
	alerts       []opsalert.Alert
}

func (s state) clone() state {
	c := state{
		orders:       make(map[string]domain.Order, len(s.orders)),
		payments:     make(map[string]payment.Payment, len(s.payments)),
		products:     make(map[string]product, len(s.products)),
		reservations: make(map[string][]stock.Reservation, len(s.reservations)),
		events:       append([]contracts.Event(nil), s.events...),
		sent:         append([]bool(nil), s.sent...),
		alerts:       append([]opsalert.Alert(nil), s.alerts...),
	}
	for k, v := range s.orders {
		v.Items = append([]domain.OrderItem(nil), v.Items...)
		c.orders[k] = v
	}
	for k, v := range s.payments {
		v.Cancels = append([]payment.Cancel(nil), v.Cancels...)
		c.payments[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = append([]stock.Reservation(nil), v...)
	}
	return c
}

type Store struct {
	mu sync.Mutex
	st state
}

func New() *Store {
	return &Store{st: state{
		orders:       map[string]domain.Order{},
		payments:     map[string]payment.Payment{},
		products:     map[string]product{},
		reservations: map[string][]stock.Reservation{},
	}}
}

type txKey struct{}

func inTx(ctx context.Context) bool {
	return ctx.Value(txKey{}) != nil
}

// lock takes the store mutex unless ctx already runs inside a transaction.
func (s *Store) lock(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithinTx serialises fn against every other access. Nested calls join the
// outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// Emit appends evt to the outbox; it disappears again if the transaction
// rolls back.
func (s *Store) Emit(ctx context.Context, evt contracts.Event) error {
	unlock := s.lock(ctx)
	defer unlock()
	s.st.events = append(s.st.events, evt)
	s.st.sent = append(s.st.sent, false)
	return nil
}

// Events returns every event committed so far, published or not.
func (s *Store) Events() []contracts.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contracts.Event(nil), s.st.events...)
}

// Claim implements outbox.Store. Publishing happens outside the store mutex
// because handlers open their own transactions.
func (s *Store) Claim(ctx context.Context, limit int, publish func([]outbox.Record) []int64) (int, int, error) {
	s.mu.Lock()
	var recs []outbox.Record
	for i, evt := range s.st.events {
		if s.st.sent[i] || len(recs) >= limit {
			continue
		}
		data, err := json.Marshal(evt)
		if err != nil {
			s.mu.Unlock()
			return 0, 0, err
		}
		recs = append(recs, outbox.Record{
			ID: int64(i + 1), EventID: evt.EventID, Topic: contracts.Topic, Key: evt.AggregateID,
			Payload: data, CreatedAt: evt.OccurredAt,
		})
	}
	s.mu.Unlock()
	if len(recs) == 0 {
		return 0, 0, nil
	}

	ids := publish(recs)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.st.sent[id-1] = true
	}
	return len(recs), len(ids), nil
}

// AddProduct registers a catalog entry with its durable stock.
func (s *Store) AddProduct(productID, variantID, title string, price, quantity int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[stock.Key(productID, variantID)] = product{Title: title, Price: price, Quantity: quantity, Available: true}
}

func (s *Store) StockQuantity(productID, variantID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.products[stock.Key(productID, variantID)].Quantity
}

func (s *Store) Orders() *Orders     { return &Orders{s} }
func (s *Store) Payments() *Payments { return &Payments{s} }
func (s *Store) Stock() *Stock       { return &Stock{s} }
func (s *Store) Catalog() *Catalog   { return &Catalog{s} }
func (s *Store) Alerts() *Alerts     { return &Alerts{s} }

type Orders struct{ s *Store }

var _ order.Repository = (*Orders)(nil)

func (r *Orders) Create(ctx context.Context, o domain.Order) error {
	unlock := r.s.lock(ctx)
	defer unlock()
	if o.IdempotencyKey != "" {
		for _, ex := range r.s.st.orders {
			if ex.IdempotencyKey == o.IdempotencyKey {
				return order.ErrDuplicate
			}
		}
	}
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	r.s.st.orders[o.ID] = o
	return nil
}

func (r *Orders) Get(ctx context.Context, id string) (domain.Order, error) {
	unlock := r.s.lock(ctx)
	defer unlock()
	o, ok := r.s.st.orders[id]
	if !ok {
		return domain.Order{}, apperr.NotFound("order " + id)
	}
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return o, nil
}

func (r *Orders) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.Get(ctx, id)
}

func (r *Orders) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	unlock := r.s.lock(ctx)
	defer unlock()
	for _, o := range r.s.st.orders {
		if o.IdempotencyKey == key {
			o.Items = append([]domain.OrderItem(nil), o.Items...)
			return o, nil
		}
	}
	return domain.Order{}, apperr.NotFound("no order for idempotency key")
}

func (r *Orders) Save(ctx context.Context, o domain.Order) error {
	unlock := r.s.lock(ctx)
	defer unlock()
	if _, ok := r.s.st.orders[o.ID]; !ok {
		return apperr.NotFound("order " + o.ID)
	}
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	r.s.st.orders[o.ID] = o
	return nil
}

func (r *Orders) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	unlock := r.s.lock(ctx)
	defer unlock()
	var out []domain.Order
	for _, o := range r.s.st.orders {
		if o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type Payments struct{ s *Store }

var _ payment.Repository = (*Payments)(nil)

func (r *Payments) Create(ctx context.Context, p payment.Payment) error {
	unlock := r.s.lock(ctx)
	defer unlock()
	if _, ok := r.s.st.payments[p.OrderID]; ok {
		return payment.ErrDuplicate
	}
	p.Cancels = nil
	r.s.st.payments[p.OrderID] = p
	return nil
}

func (r *Payments) Get(ctx context.Context, orderID string) (payment.Payment, error) {
	unlock := r.s.lock(ctx)
	defer unlock()
	p, ok := r.s.st.payments[orderID]
	if !ok {
		return payment.Payment{}, apperr.NotFound("payment for order " + orderID)
	}
	p.Cancels = append([]payment.Cancel(nil), p.Cancels...)
	return p, nil
}

func (r *Payments) GetForUpdate(ctx context.Context, orderID string) (payment.Payment, error) {
	return r.Get(ctx, orderID)
}

// Save writes the status columns; the cancel ledger only grows through
// AppendCancel.
func (r *Payments) Save(ctx context.Context, p payment.Payment) error {
	unlock := r.s.lock(ctx)
	defer unlock()
	cur, ok := r.s.st.payments[p.OrderID]
	if !ok {
		return apperr.NotFound("payment for order " + p.OrderID)
	}
	p.Cancels = cur.Cancels
	r.s.st.payments[p.OrderID] = p
	return nil
}

func (r *Payments) AppendCancel(ctx context.Context, paymentID string, c payment.Cancel) error {
	unlock := r.s.lock(ctx)
	defer unlock()
	for k, p := range r.s.st.payments {
		if p.ID == paymentID {
			p.Cancels = append(append([]payment.Cancel(nil), p.Cancels...), c)
			r.s.st.payments[k] = p
			return nil
		}
	}
	return apperr.NotFound("payment " + paymentID)
}

type Stock struct{ s *Store }

var _ stock.Repository = (*Stock)(nil)

func (r *Stock) LockRow(ctx context.Context, key string) (stock.Row, error) {
	unlock := r.s.lock(ctx)
	defer unlock()
	p, ok := r.s.st.products[key]
	if !ok {
		return stock.Row{}, apperr.NotFound("stock row " + key)
	}
	return stock.Row{Key: key, Quantity: p.Quantity}, nil
}

func (r *Stock) SetQuantity(ctx context.Context, key string, qty int64) error {
	unlock := r.s.lock(ctx)
	defer unlock()
	p, ok := r.s.st.products[key]
	if !ok {
		return apperr.NotFound("stock row " + key)
	}
	p.Quantity = qty
	r.s.st.products[key] = p
	return nil
}

func (r *Stock) available(key string) int64 {
	qty := r.s.st.products[key].Quantity
	for _, rs := range r.s.st.reservations {
		for _, res := range rs {
			if res.Status == stock.Reserved && res.Key() == key {
				qty -= res.Quantity
			}
		}
	}
	return qty
}

func (r *Stock) Available(ctx context.Context, key string) (int64, error) {
	unlock := r.s.lock(ctx)
	defer unlock()
	if _, ok := r.s.st.products[key]; !ok {
		return 0, apperr.NotFound("stock row " + key)
	}
	return r.available(key), nil
}

func (r *Stock) AvailableAll(ctx context.Context) ([]stock.Row, error) {
	unlock := r.s.lock(ctx)
	defer unlock()
	out := make([]stock.Row, 0, len(r.s.st.products))
	for key := range r.s.st.products {
		out = append(out, stock.Row{Key: key, Quantity: r.available(key)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *Stock) Reservations(ctx context.Context, orderID string) ([]stock.Reservation, error) {
	unlock := r.s.lock(ctx)
	defer unlock()
	return append([]stock.Reservation(nil), r.s.st.reservations[orderID]...), nil
}

func (r *Stock) LockReservations(ctx context.Context, orderID string) ([]stock.Reservation, error) {
	return r.Reservations(ctx, orderID)
}

func (r *Stock) InsertReservations(ctx context.Context, rs []stock.Reservation) error {
	unlock := r.s.lock(ctx)
	defer unlock()
	for _, res := range rs {
		r.s.st.reservations[res.OrderID] = append(r.s.st.reservations[res.OrderID], res)
	}
	return nil
}

func (r *Stock) SetReservationStatus(ctx context.Context, orderID, key string, status stock.ReservationStatus) error {
	unlock := r.s.lock(ctx)
	defer unlock()
	rs := append([]stock.Reservation(nil), r.s.st.reservations[orderID]...)
	for i := range rs {
		if rs[i].Key() == key {
			rs[i].Status = status
			r.s.st.reservations[orderID] = rs
			return nil
		}
	}
	return apperr.NotFound("reservation " + orderID + "/" + key)
}

type Catalog struct{ s *Store }

var _ order.Catalog = (*Catalog)(nil)

func (c *Catalog) GetProductCartInfo(ctx context.Context, lines []order.CartLine) ([]order.CartInfo, error) {
	unlock := c.s.lock(ctx)
	defer unlock()
	out := make([]order.CartInfo, 0, len(lines))
	for _, l := range lines {
		p, ok := c.s.st.products[stock.Key(l.ProductID, l.VariantID)]
		if !ok {
			return nil, apperr.NotFound("product " + l.ProductID)
		}
		out = append(out, order.CartInfo{
			ProductID: l.ProductID, VariantID: l.VariantID, Title: p.Title,
			Price: p.Price, Stock: p.Quantity, Available: p.Available && p.Quantity > 0,
		})
	}
	return out, nil
}

// SetUnavailable takes a product off sale.
func (s *Store) SetUnavailable(productID, variantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stock.Key(productID, variantID)
	p := s.st.products[key]
	p.Available = false
	s.st.products[key] = p
}

type Alerts struct{ s *Store }

var _ opsalert.Store = (*Alerts)(nil)

func (r *Alerts) Record(ctx context.Context, a opsalert.Alert) (bool, error) {
	unlock := r.s.lock(ctx)
	defer unlock()
	for _, seen := range r.s.st.alerts {
		if seen.EventID == a.EventID {
			return false, nil
		}
	}
	r.s.st.alerts = append(r.s.st.alerts, a)
	return true, nil
}

// Recent returns the newest alerts first.
func (r *Alerts) Recent(ctx context.Context, limit int) ([]opsalert.Alert, error) {
	unlock := r.s.lock(ctx)
	defer unlock()
	out := make([]opsalert.Alert, 0, len(r.s.st.alerts))
	for i := len(r.s.st.alerts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, r.s.st.alerts[i])
	}
	return out, nil
}
