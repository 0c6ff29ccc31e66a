// Package saga wires the continuation and compensation edges between the
// Order, Payment and Stock state machines. The graph is fixed here; every
// handler relies on the state-machine guards for redelivery safety.
package saga

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order/domain"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/payment"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/eventbus"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
)

type Orders interface {
	Get(ctx context.Context, id string) (domain.Order, error)
	MarkPaid(ctx context.Context, id string) (domain.Order, error)
	Confirm(ctx context.Context, id string) (domain.Order, error)
	Fail(ctx context.Context, id, reason string) (domain.Order, error)
	CancelByRefund(ctx context.Context, id, reason string) (domain.Order, error)
	RequireManualCheck(ctx context.Context, id, reason string) (domain.Order, error)
}

type Payments interface {
	CreateReady(ctx context.Context, orderID string, amount int64) (payment.Payment, error)
	Cancel(ctx context.Context, cmd payment.CancelCommand) (payment.Payment, error)
	AbandonIfReady(ctx context.Context, orderID, reason string) (payment.Payment, error)
}

type Stock interface {
	ConfirmStockBulk(ctx context.Context, orderID string) error
	ReleaseStockBulk(ctx context.Context, orderID string) error
}

type Saga struct {
	orders   Orders
	payments Payments
	stock    Stock
	logger   *zap.Logger
}

func New(orders Orders, payments Payments, stock Stock, logger *zap.Logger) *Saga {
	return &Saga{orders: orders, payments: payments, stock: stock, logger: logger}
}

// Register adds the saga graph to reg. Order of registration is dispatch
// order within one event type.
func (s *Saga) Register(reg *eventbus.Registry) *eventbus.Registry {
	return reg.
		On(contracts.EventOrderCreated, "payment.create_ready", s.onOrderCreated).
		On(contracts.EventPaymentCompleted, "order.mark_paid", s.onPaymentCompletedOrder).
		On(contracts.EventPaymentCompleted, "stock.confirm", s.onPaymentCompletedStock).
		On(contracts.EventPaymentFailed, "stock.release", s.releaseStock).
		On(contracts.EventPaymentFailed, "order.fail", s.onPaymentFailedOrder).
		On(contracts.EventStockDeducted, "order.confirm", s.onStockDeducted).
		On(contracts.EventStockDeductionFailed, "payment.cancel", s.onStockDeductionFailed).
		On(contracts.EventRefundSucceeded, "order.cancel_by_refund", s.onRefundSucceeded).
		On(contracts.EventRefundFailed, "order.manual_check", s.onRefundFailed).
		On(contracts.EventOrderCancelled, "stock.release", s.releaseStock).
		On(contracts.EventOrderCancelled, "payment.abandon", s.onOrderCancelledPayment)
}

// settle turns guard rejections into no-ops: a Conflict means the aggregate
// already moved past this step, so redelivering the event cannot help.
func (s *Saga) settle(evt contracts.Event, step string, err error) error {
	switch {
	case err == nil:
		return nil
	case apperr.Is(err, apperr.KindConflict), apperr.Is(err, apperr.KindNotFound):
		s.logger.Info("saga step skipped",
			logging.EventID(evt.EventID), logging.OrderID(evt.OrderID), logging.Step(step), zap.String("reason", err.Error()))
		return nil
	}
	return err
}

func (s *Saga) onOrderCreated(ctx context.Context, evt contracts.Event) error {
	var p contracts.OrderCreated
	if err := evt.Decode(&p); err != nil {
		return err
	}
	if _, err := s.payments.CreateReady(ctx, p.OrderID, p.Amount); err != nil {
		return err
	}
	// The order may have been cancelled before this event was handled, in
	// which case OrderCancelled found no payment to abandon.
	o, err := s.orders.Get(ctx, p.OrderID)
	if err != nil {
		return s.settle(evt, "payment.create_ready", err)
	}
	if o.Status == domain.OrderStatusCancelled {
		_, err := s.payments.AbandonIfReady(ctx, p.OrderID, "order cancelled before payment")
		return err
	}
	return nil
}

func (s *Saga) onPaymentCompletedOrder(ctx context.Context, evt contracts.Event) error {
	_, err := s.orders.MarkPaid(ctx, evt.OrderID)
	return s.settle(evt, "order.mark_paid", err)
}

func (s *Saga) onPaymentCompletedStock(ctx context.Context, evt contracts.Event) error {
	err := s.stock.ConfirmStockBulk(ctx, evt.OrderID)
	if apperr.Is(err, apperr.KindInsufficientStock) {
		// StockDeductionFailed has been written; the refund edge takes over.
		return nil
	}
	return err
}

func (s *Saga) releaseStock(ctx context.Context, evt contracts.Event) error {
	return s.stock.ReleaseStockBulk(ctx, evt.OrderID)
}

func (s *Saga) onPaymentFailedOrder(ctx context.Context, evt contracts.Event) error {
	var p contracts.PaymentFailed
	if err := evt.Decode(&p); err != nil {
		return err
	}
	_, err := s.orders.Fail(ctx, evt.OrderID, p.FailCode)
	return s.settle(evt, "order.fail", err)
}

func (s *Saga) onStockDeducted(ctx context.Context, evt contracts.Event) error {
	_, err := s.orders.Confirm(ctx, evt.OrderID)
	return s.settle(evt, "order.confirm", err)
}

// onStockDeductionFailed refunds the payment. PG failures are already turned
// into RefundFailed by the payment service, so only infrastructure errors are
// returned for redelivery.
func (s *Saga) onStockDeductionFailed(ctx context.Context, evt contracts.Event) error {
	var p contracts.StockDeductionFailed
	if err := evt.Decode(&p); err != nil {
		return err
	}
	_, err := s.payments.Cancel(ctx, payment.CancelCommand{
		OrderID: evt.OrderID,
		Reason:  fmt.Sprintf("stock deduction failed: %s", p.Reason),
	})
	switch apperr.KindOf(err) {
	case apperr.KindGatewayRejected, apperr.KindGatewayUnknown:
		return nil
	}
	return s.settle(evt, "payment.cancel", err)
}

func (s *Saga) onRefundSucceeded(ctx context.Context, evt contracts.Event) error {
	var p contracts.RefundSucceeded
	if err := evt.Decode(&p); err != nil {
		return err
	}
	if p.RemainingAmount > 0 {
		s.logger.Info("partial refund, order unchanged", logging.OrderID(evt.OrderID), zap.Int64("remaining", p.RemainingAmount))
		return nil
	}
	_, err := s.orders.CancelByRefund(ctx, evt.OrderID, "refunded")
	return s.settle(evt, "order.cancel_by_refund", err)
}

func (s *Saga) onRefundFailed(ctx context.Context, evt contracts.Event) error {
	var p contracts.RefundFailed
	if err := evt.Decode(&p); err != nil {
		return err
	}
	_, err := s.orders.RequireManualCheck(ctx, evt.OrderID, fmt.Sprintf("refund failed: %s %s", p.FailCode, p.FailMessage))
	return s.settle(evt, "order.manual_check", err)
}

func (s *Saga) onOrderCancelledPayment(ctx context.Context, evt contracts.Event) error {
	var p contracts.OrderCancelled
	if err := evt.Decode(&p); err != nil {
		return err
	}
	_, err := s.payments.AbandonIfReady(ctx, evt.OrderID, p.Reason)
	return s.settle(evt, "payment.abandon", err)
}
