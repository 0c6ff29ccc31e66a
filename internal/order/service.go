// Package order runs checkout and every Order transition. Each transition
// locks the order row, applies the domain change and writes any resulting
// event to the outbox in the same transaction.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order/domain"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/payment"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/stock"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
)

// ErrDuplicate is returned by Repository.Create when the idempotency key is
// already taken.
var ErrDuplicate = errors.New("order idempotency key already used")

type Repository interface {
	Create(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, id string) (domain.Order, error)
	// GetForUpdate locks the order row; it must run inside WithinTx.
	GetForUpdate(ctx context.Context, id string) (domain.Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error)
	Save(ctx context.Context, o domain.Order) error
	ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)
}

type CartLine struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int64  `json:"quantity"`
}

type CartInfo struct {
	ProductID string
	VariantID string
	Title     string
	Price     int64
	Stock     int64
	Available bool
}

// Catalog is the product lookup owned by the catalog service.
type Catalog interface {
	GetProductCartInfo(ctx context.Context, lines []CartLine) ([]CartInfo, error)
}

type Stock interface {
	ReserveStockBulk(ctx context.Context, orderID string, items []stock.Item) error
	ReleaseStockBulk(ctx context.Context, orderID string) error
}

type Refunder interface {
	Cancel(ctx context.Context, cmd payment.CancelCommand) (payment.Payment, error)
}

type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type EventSink interface {
	Emit(ctx context.Context, evt contracts.Event) error
}

type Service struct {
	repo     Repository
	tx       Transactor
	sink     EventSink
	catalog  Catalog
	stock    Stock
	refunder Refunder
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(repo Repository, tx Transactor, sink EventSink, catalog Catalog, st Stock, refunder Refunder, logger *zap.Logger) *Service {
	return &Service{repo: repo, tx: tx, sink: sink, catalog: catalog, stock: st, refunder: refunder, logger: logger, now: time.Now}
}

type CheckoutCommand struct {
	BuyerID        string
	Recipient      string
	IdempotencyKey string
	Items          []CartLine
}

type Summary struct {
	OrderID     string             `json:"orderId"`
	TotalAmount int64              `json:"totalAmount"`
	Recipient   string             `json:"recipient"`
	Status      domain.OrderStatus `json:"status"`
}

// Checkout prices the cart from the catalog, reserves stock and creates the
// order with its OrderCreated event. The same idempotency key returns the
// order created the first time.
func (s *Service) Checkout(ctx context.Context, cmd CheckoutCommand) (domain.Order, error) {
	if strings.TrimSpace(cmd.BuyerID) == "" {
		return domain.Order{}, apperr.Validation("buyerId is required")
	}
	if len(cmd.Items) == 0 {
		return domain.Order{}, apperr.Validation("items is required")
	}
	for _, l := range cmd.Items {
		if strings.TrimSpace(l.ProductID) == "" || l.Quantity <= 0 {
			return domain.Order{}, apperr.Validation("each item needs productId and quantity > 0")
		}
	}
	if cmd.IdempotencyKey != "" {
		existing, err := s.repo.FindByIdempotencyKey(ctx, cmd.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			return domain.Order{}, err
		}
	}

	infos, err := s.catalog.GetProductCartInfo(ctx, cmd.Items)
	if err != nil {
		return domain.Order{}, fmt.Errorf("catalog lookup: %w", err)
	}
	if len(infos) != len(cmd.Items) {
		return domain.Order{}, apperr.NotFound("some products do not exist")
	}

	now := s.now().UTC()
	o := domain.Order{
		ID:             uuid.NewString(),
		BuyerID:        cmd.BuyerID,
		Recipient:      cmd.Recipient,
		IdempotencyKey: cmd.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	o.OrderNumber = fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), strings.ToUpper(o.ID[:8]))

	items := make([]stock.Item, 0, len(cmd.Items))
	for i, l := range cmd.Items {
		info := infos[i]
		if !info.Available {
			return domain.Order{}, apperr.New(apperr.KindConflict, "PRODUCT_UNAVAILABLE", fmt.Sprintf("product %s is not on sale", l.ProductID))
		}
		it := domain.NewItem(uuid.NewString(), l.ProductID, l.VariantID, info.Title, l.Quantity, info.Price)
		o.Items = append(o.Items, it)
		o.TotalAmount += it.Subtotal
		items = append(items, stock.Item{ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity})
	}
	if o.TotalAmount <= 0 {
		return domain.Order{}, apperr.Validation("order total must be positive")
	}
	o.SyncStatus()

	if err := s.stock.ReserveStockBulk(ctx, o.ID, items); err != nil {
		return domain.Order{}, err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, o); err != nil {
			return err
		}
		return s.emit(ctx, contracts.EventOrderCreated, o.ID, contracts.OrderCreated{OrderID: o.ID, Amount: o.TotalAmount})
	})
	if err != nil {
		if rerr := s.stock.ReleaseStockBulk(ctx, o.ID); rerr != nil {
			s.logger.Error("release after failed checkout", logging.OrderID(o.ID), zap.Error(rerr))
		}
		if errors.Is(err, ErrDuplicate) && cmd.IdempotencyKey != "" {
			return s.repo.FindByIdempotencyKey(ctx, cmd.IdempotencyKey)
		}
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order created", logging.OrderID(o.ID), zap.String("order_number", o.OrderNumber), zap.Int64("total", o.TotalAmount))
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Summary(ctx context.Context, id string) (Summary, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return Summary{OrderID: o.ID, TotalAmount: o.TotalAmount, Recipient: o.Recipient, Status: o.Status}, nil
}

func (s *Service) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListByStatus(ctx, status, limit)
}

func (s *Service) MarkPaid(ctx context.Context, id string) (domain.Order, error) {
	return s.transition(ctx, id, "mark_paid", domain.Order.MarkPaid)
}

func (s *Service) Confirm(ctx context.Context, id string) (domain.Order, error) {
	return s.transition(ctx, id, "confirm", domain.Order.Confirm)
}

func (s *Service) Fail(ctx context.Context, id, reason string) (domain.Order, error) {
	return s.transition(ctx, id, "fail", func(o domain.Order) (domain.Order, error) { return o.Fail(reason) })
}

func (s *Service) CancelByRefund(ctx context.Context, id, reason string) (domain.Order, error) {
	return s.transition(ctx, id, "cancel_by_refund", func(o domain.Order) (domain.Order, error) { return o.CancelByRefund(reason) })
}

// RequireManualCheck parks the order for an operator. Nothing moves it out
// again except ResolveManualCheck.
func (s *Service) RequireManualCheck(ctx context.Context, id, reason string) (domain.Order, error) {
	o, err := s.transition(ctx, id, "manual_check", func(o domain.Order) (domain.Order, error) { return o.RequireManualCheck(reason) })
	if err == nil {
		s.logger.Error("order needs manual check", logging.OrderID(id), zap.String("reason", reason), zap.Bool("operator_alert", true))
	}
	return o, err
}

func (s *Service) ResolveManualCheck(ctx context.Context, id string, to domain.OrderStatus, reason string) (domain.Order, error) {
	return s.transition(ctx, id, "resolve_manual_check", func(o domain.Order) (domain.Order, error) {
		return o.ResolveManualCheck(to, reason)
	})
}

func (s *Service) StartShipping(ctx context.Context, id, itemID string) (domain.Order, error) {
	return s.transition(ctx, id, "start_shipping", func(o domain.Order) (domain.Order, error) { return o.StartShipping(itemID) })
}

func (s *Service) CompleteDelivery(ctx context.Context, id, itemID string) (domain.Order, error) {
	return s.transition(ctx, id, "complete_delivery", func(o domain.Order) (domain.Order, error) { return o.CompleteDelivery(itemID) })
}

// Cancel is the customer cancel. An unpaid order is cancelled here; a paid
// one is refunded first and reaches CANCELLED when RefundSucceeded arrives.
func (s *Service) Cancel(ctx context.Context, id, reason string) (domain.Order, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "customer request"
	}
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	switch cur.Status {
	case domain.OrderStatusCancelled:
		return cur, nil
	case domain.OrderStatusPending:
		return s.transition(ctx, id, "cancel", func(o domain.Order) (domain.Order, error) { return o.Cancel(reason) })
	}

	// Dry run of the item guards before touching the payment.
	if _, err := cur.Cancel(reason); err != nil {
		return cur, err
	}
	if _, err := s.refunder.Cancel(ctx, payment.CancelCommand{OrderID: id, Reason: reason}); err != nil {
		return cur, err
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) transition(ctx context.Context, id, step string, fn func(domain.Order) (domain.Order, error)) (domain.Order, error) {
	var out domain.Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if err := s.repo.Save(ctx, next); err != nil {
			return err
		}
		out = next
		if cur.Status != domain.OrderStatusCancelled && next.Status == domain.OrderStatusCancelled {
			return s.emit(ctx, contracts.EventOrderCancelled, next.ID, contracts.OrderCancelled{OrderID: next.ID, Reason: next.StatusReason})
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.logger.Debug("order transition", logging.OrderID(id), logging.Step(step), zap.String("status", string(out.Status)))
	return out, nil
}

func (s *Service) emit(ctx context.Context, eventType, orderID string, payload any) error {
	evt, err := contracts.New(eventType, orderID, orderID, payload, s.now())
	if err != nil {
		return err
	}
	return s.sink.Emit(ctx, evt)
}
