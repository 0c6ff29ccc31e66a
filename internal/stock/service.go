// Package stock keeps the cache counter and the durable stock rows. The cache
// is the online reservation path; the durable rows are mutated only under a
// single-row lock and are reconciled into the cache separately.
package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
)

type Item struct {
	ProductID string
	VariantID string
	Quantity  int64
}

func (i Item) Key() string { return Key(i.ProductID, i.VariantID) }

type ReservationStatus string

const (
	Reserved  ReservationStatus = "RESERVED"
	Confirmed ReservationStatus = "CONFIRMED"
	Released  ReservationStatus = "RELEASED"
)

// Reservation ties an order to the stock it holds. It is also the guard that
// makes every stock handler safe to redeliver.
type Reservation struct {
	OrderID   string
	ProductID string
	VariantID string
	Quantity  int64
	Status    ReservationStatus
}

func (r Reservation) Key() string { return Key(r.ProductID, r.VariantID) }

// Row is a durable stock row addressed by its cache key.
type Row struct {
	Key      string
	Quantity int64
}

// ParseKey splits a cache key into its table kind ("product" or "variant") and id.
func ParseKey(key string) (kind, id string, ok bool) {
	rest, found := strings.CutPrefix(key, "stock:")
	if !found {
		return "", "", false
	}
	kind, id, ok = strings.Cut(rest, ":")
	if !ok || id == "" || (kind != "product" && kind != "variant") {
		return "", "", false
	}
	return kind, id, true
}

type Repository interface {
	// LockRow reads the durable row FOR UPDATE; it must run inside WithinTx.
	LockRow(ctx context.Context, key string) (Row, error)
	SetQuantity(ctx context.Context, key string, qty int64) error
	// Available is the durable quantity minus RESERVED reservations.
	Available(ctx context.Context, key string) (int64, error)
	AvailableAll(ctx context.Context) ([]Row, error)

	Reservations(ctx context.Context, orderID string) ([]Reservation, error)
	LockReservations(ctx context.Context, orderID string) ([]Reservation, error)
	InsertReservations(ctx context.Context, rs []Reservation) error
	SetReservationStatus(ctx context.Context, orderID, key string, status ReservationStatus) error
}

type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventSink appends events to the outbox of the current transaction.
type EventSink interface {
	Emit(ctx context.Context, evt contracts.Event) error
}

type Service struct {
	ledger *Ledger
	repo   Repository
	tx     Transactor
	sink   EventSink
	logger *zap.Logger
	now    func() time.Time
}

func NewService(ledger *Ledger, repo Repository, tx Transactor, sink EventSink, logger *zap.Logger) *Service {
	return &Service{ledger: ledger, repo: repo, tx: tx, sink: sink, logger: logger, now: time.Now}
}

func validate(items []Item) error {
	if len(items) == 0 {
		return apperr.Validation("items is required")
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.ProductID) == "" || it.Quantity <= 0 {
			return apperr.Validation("each item needs product_id and quantity > 0")
		}
		if seen[it.Key()] {
			return apperr.Validation("duplicate item " + it.Key())
		}
		seen[it.Key()] = true
	}
	return nil
}

// DecreaseStockBulk decrements durable rows one at a time, each in its own
// transaction. It stops at the first shortfall; rows already decremented stay
// decremented and are returned as applied.
func (s *Service) DecreaseStockBulk(ctx context.Context, items []Item) ([]Item, error) {
	if err := validate(items); err != nil {
		return nil, err
	}
	applied := make([]Item, 0, len(items))
	for _, it := range items {
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			row, err := s.repo.LockRow(ctx, it.Key())
			if err != nil {
				return err
			}
			if row.Quantity < it.Quantity {
				return apperr.InsufficientStock(fmt.Sprintf("%s: have %d, need %d", row.Key, row.Quantity, it.Quantity))
			}
			return s.repo.SetQuantity(ctx, row.Key, row.Quantity-it.Quantity)
		})
		if err != nil {
			return applied, err
		}
		applied = append(applied, it)
	}
	return applied, nil
}

// IncreaseStockBulk is the restock and compensation counterpart of
// DecreaseStockBulk.
func (s *Service) IncreaseStockBulk(ctx context.Context, items []Item) ([]Item, error) {
	if err := validate(items); err != nil {
		return nil, err
	}
	applied := make([]Item, 0, len(items))
	for _, it := range items {
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			row, err := s.repo.LockRow(ctx, it.Key())
			if err != nil {
				return err
			}
			return s.repo.SetQuantity(ctx, row.Key, row.Quantity+it.Quantity)
		})
		if err != nil {
			return applied, err
		}
		applied = append(applied, it)
	}
	return applied, nil
}

// Restock adds quantity to the durable rows and then to the counters. A
// counter that was never seeded is seeded from durable availability instead,
// since INCRBY on a missing key would start it at the restocked amount.
// It returns the counter value per key after the restock.
func (s *Service) Restock(ctx context.Context, items []Item) (map[string]int64, error) {
	applied, err := s.IncreaseStockBulk(ctx, items)
	counters := make(map[string]int64, len(applied))
	for _, it := range applied {
		n, cerr := s.restockCounter(ctx, it)
		if cerr != nil {
			return counters, errors.Join(err, cerr)
		}
		counters[it.Key()] = n
	}
	return counters, err
}

func (s *Service) restockCounter(ctx context.Context, it Item) (int64, error) {
	_, ok, err := s.ledger.Available(ctx, it.Key())
	if err != nil {
		return 0, err
	}
	if ok {
		return s.ledger.Release(ctx, it.Key(), it.Quantity)
	}
	avail, err := s.repo.Available(ctx, it.Key())
	if err != nil {
		return 0, err
	}
	seeded, err := s.ledger.Seed(ctx, it.Key(), avail)
	if err != nil {
		return 0, err
	}
	if !seeded {
		// a checkout seeded it in between; its count may predate the restock
		s.logger.Warn("counter seeded concurrently during restock", zap.String("key", it.Key()), zap.Bool("reconcile_required", true))
		n, _, err := s.ledger.Available(ctx, it.Key())
		return n, err
	}
	return avail, nil
}

// ReserveStockBulk takes the cache reservation for a checkout. Either every
// item is reserved or none is. Calling it again for the same order is a no-op.
func (s *Service) ReserveStockBulk(ctx context.Context, orderID string, items []Item) error {
	if err := validate(items); err != nil {
		return err
	}
	existing, err := s.repo.Reservations(ctx, orderID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	taken := make([]Item, 0, len(items))
	undo := func() {
		for _, it := range taken {
			if _, err := s.ledger.Release(ctx, it.Key(), it.Quantity); err != nil {
				s.logger.Error("undo reservation failed", logging.OrderID(orderID), zap.String("key", it.Key()), zap.Error(err))
			}
		}
	}

	for _, it := range items {
		res, err := s.reserveOne(ctx, it)
		if err != nil {
			undo()
			return err
		}
		if res != Success {
			undo()
			return apperr.InsufficientStock(fmt.Sprintf("not enough stock for %s", it.Key()))
		}
		taken = append(taken, it)
	}

	rs := make([]Reservation, 0, len(items))
	for _, it := range items {
		rs = append(rs, Reservation{OrderID: orderID, ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity, Status: Reserved})
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.repo.InsertReservations(ctx, rs)
	})
	if err != nil {
		undo()
		return fmt.Errorf("persist reservations: %w", err)
	}
	return nil
}

// reserveOne seeds a missing counter from the durable store and retries once.
func (s *Service) reserveOne(ctx context.Context, it Item) (ReserveResult, error) {
	res, err := s.ledger.Reserve(ctx, it.Key(), it.Quantity)
	if err != nil || res != KeyMissing {
		return res, err
	}
	avail, err := s.repo.Available(ctx, it.Key())
	if err != nil {
		return NotEnough, err
	}
	if _, err := s.ledger.Seed(ctx, it.Key(), avail); err != nil {
		return NotEnough, err
	}
	res, err = s.ledger.Reserve(ctx, it.Key(), it.Quantity)
	if res == KeyMissing {
		res = NotEnough
	}
	return res, err
}

// ReleaseStockBulk returns an order's stock. RESERVED rows give back the cache
// reservation; CONFIRMED rows also restore the durable quantity. Released rows
// are skipped, so a redelivered release changes nothing.
func (s *Service) ReleaseStockBulk(ctx context.Context, orderID string) error {
	var released []Reservation
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		released = released[:0]
		rs, err := s.repo.LockReservations(ctx, orderID)
		if err != nil {
			return err
		}
		sort.Slice(rs, func(i, j int) bool { return rs[i].Key() < rs[j].Key() })
		for _, r := range rs {
			switch r.Status {
			case Released:
				continue
			case Confirmed:
				row, err := s.repo.LockRow(ctx, r.Key())
				if err != nil {
					return err
				}
				if err := s.repo.SetQuantity(ctx, row.Key, row.Quantity+r.Quantity); err != nil {
					return err
				}
			}
			if err := s.repo.SetReservationStatus(ctx, orderID, r.Key(), Released); err != nil {
				return err
			}
			released = append(released, r)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release stock for %s: %w", orderID, err)
	}

	for _, r := range released {
		// The durable side is already committed; a missed cache release is
		// corrected by the next reconcile.
		if _, err := s.ledger.Release(ctx, r.Key(), r.Quantity); err != nil {
			s.logger.Warn("cache release failed", logging.OrderID(orderID), zap.String("key", r.Key()), zap.Error(err))
		}
	}
	if len(released) > 0 {
		s.logger.Info("stock released", logging.OrderID(orderID), zap.Int("reservations", len(released)))
	}
	return nil
}

// ConfirmStockBulk turns an order's cache reservations into durable
// deductions, one row per transaction. The transaction that confirms the last
// row also emits StockDeducted. On a shortfall, or when the reservation is
// gone, StockDeductionFailed is emitted and an InsufficientStock error is
// returned; rows confirmed before the shortfall stay confirmed and are
// restored by the order-level release.
func (s *Service) ConfirmStockBulk(ctx context.Context, orderID string) error {
	rs, err := s.repo.Reservations(ctx, orderID)
	if err != nil {
		return err
	}
	if len(rs) == 0 {
		return s.failDeduction(ctx, orderID, "no stock reservation for order")
	}

	var pending []Reservation
	for _, r := range rs {
		switch r.Status {
		case Released:
			return s.failDeduction(ctx, orderID, "stock reservation already released")
		case Reserved:
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	for i, r := range pending {
		last := i == len(pending)-1
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			current, err := s.repo.LockReservations(ctx, orderID)
			if err != nil {
				return err
			}
			if statusOf(current, r.Key()) != Reserved {
				return nil
			}
			row, err := s.repo.LockRow(ctx, r.Key())
			if err != nil {
				return err
			}
			if row.Quantity < r.Quantity {
				return apperr.InsufficientStock(fmt.Sprintf("%s: have %d, need %d", row.Key, row.Quantity, r.Quantity))
			}
			if err := s.repo.SetQuantity(ctx, row.Key, row.Quantity-r.Quantity); err != nil {
				return err
			}
			if err := s.repo.SetReservationStatus(ctx, orderID, r.Key(), Confirmed); err != nil {
				return err
			}
			if !last {
				return nil
			}
			return s.emit(ctx, contracts.EventStockDeducted, orderID, contracts.StockDeducted{OrderID: orderID, Items: stockItems(rs)})
		})
		if apperr.Is(err, apperr.KindInsufficientStock) {
			var ae *apperr.Error
			errors.As(err, &ae)
			return s.failDeduction(ctx, orderID, ae.Message)
		}
		if err != nil {
			return fmt.Errorf("confirm stock for %s: %w", orderID, err)
		}
	}
	s.logger.Info("stock deducted", logging.OrderID(orderID), zap.Int("reservations", len(pending)))
	return nil
}

func (s *Service) failDeduction(ctx context.Context, orderID, reason string) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.emit(ctx, contracts.EventStockDeductionFailed, orderID, contracts.StockDeductionFailed{OrderID: orderID, Reason: reason})
	})
	if err != nil {
		return err
	}
	s.logger.Warn("stock deduction failed", logging.OrderID(orderID), zap.String("reason", reason))
	return apperr.InsufficientStock(reason)
}

func (s *Service) emit(ctx context.Context, eventType, orderID string, payload any) error {
	evt, err := contracts.New(eventType, orderID, orderID, payload, s.now())
	if err != nil {
		return err
	}
	return s.sink.Emit(ctx, evt)
}

func statusOf(rs []Reservation, key string) ReservationStatus {
	for _, r := range rs {
		if r.Key() == key {
			return r.Status
		}
	}
	return ""
}

func stockItems(rs []Reservation) []contracts.StockItem {
	out := make([]contracts.StockItem, 0, len(rs))
	for _, r := range rs {
		out = append(out, contracts.StockItem{ProductID: r.ProductID, VariantID: r.VariantID, Quantity: r.Quantity})
	}
	return out
}
