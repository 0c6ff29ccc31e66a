package domain

import (
	"fmt"
	"time"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
)

type OrderStatus string

const (
	OrderStatusPending     OrderStatus = "PENDING"
	OrderStatusPaid        OrderStatus = "PAID"
	OrderStatusConfirmed   OrderStatus = "CONFIRMED"
	OrderStatusShipping    OrderStatus = "SHIPPING"
	OrderStatusDelivered   OrderStatus = "DELIVERED"
	OrderStatusCancelled   OrderStatus = "CANCELLED"
	OrderStatusFailed      OrderStatus = "FAILED"
	OrderStatusManualCheck OrderStatus = "MANUAL_CHECK"
)

// progress orders the active statuses; the aggregate sits at its slowest item.
var progress = map[OrderStatus]int{
	OrderStatusPending:   0,
	OrderStatusPaid:      1,
	OrderStatusConfirmed: 2,
	OrderStatusShipping:  3,
	OrderStatusDelivered: 4,
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusFailed || s == OrderStatusDelivered
}

func ParseStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	if _, ok := progress[st]; ok {
		return st, true
	}
	switch st {
	case OrderStatusCancelled, OrderStatusFailed, OrderStatusManualCheck:
		return st, true
	}
	return "", false
}

type OrderItem struct {
	ID        string      `json:"id"`
	ProductID string      `json:"productId"`
	VariantID string      `json:"variantId,omitempty"`
	Title     string      `json:"title"`
	Quantity  int64       `json:"quantity"`
	UnitPrice int64       `json:"unitPrice"`
	Subtotal  int64       `json:"subtotal"`
	Status    OrderStatus `json:"status"`
}

// NewItem snapshots title and price at order time.
func NewItem(id, productID, variantID, title string, quantity, unitPrice int64) OrderItem {
	return OrderItem{
		ID:        id,
		ProductID: productID,
		VariantID: variantID,
		Title:     title,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		Subtotal:  unitPrice * quantity,
		Status:    OrderStatusPending,
	}
}

func (it *OrderItem) transition(to OrderStatus, from ...OrderStatus) error {
	if it.Status == to {
		return nil
	}
	for _, f := range from {
		if it.Status == f {
			it.Status = to
			return nil
		}
	}
	return apperr.Conflict(fmt.Sprintf("item %s: %s -> %s not allowed", it.ID, it.Status, to))
}

func (it *OrderItem) MarkPaid() error { return it.transition(OrderStatusPaid, OrderStatusPending) }

func (it *OrderItem) Confirm() error { return it.transition(OrderStatusConfirmed, OrderStatusPaid) }

func (it *OrderItem) StartShipping() error {
	return it.transition(OrderStatusShipping, OrderStatusPaid, OrderStatusConfirmed)
}

func (it *OrderItem) CompleteDelivery() error {
	return it.transition(OrderStatusDelivered, OrderStatusShipping)
}

// Cancel is the customer cancel; once stock is committed it is refused.
func (it *OrderItem) Cancel() error {
	return it.transition(OrderStatusCancelled, OrderStatusPending, OrderStatusPaid)
}

// CancelByRefund follows a successful refund and may undo a confirmed item.
func (it *OrderItem) CancelByRefund() error {
	return it.transition(OrderStatusCancelled, OrderStatusPending, OrderStatusPaid, OrderStatusConfirmed)
}

func (it *OrderItem) Fail() error { return it.transition(OrderStatusFailed, OrderStatusPending) }

func (it *OrderItem) RequireManualCheck() {
	it.Status = OrderStatusManualCheck
}

type Order struct {
	ID             string      `json:"id"`
	BuyerID        string      `json:"buyerId"`
	OrderNumber    string      `json:"orderNumber"`
	TotalAmount    int64       `json:"totalAmount"`
	Status         OrderStatus `json:"status"`
	StatusReason   string      `json:"statusReason,omitempty"`
	Recipient      string      `json:"recipient,omitempty"`
	IdempotencyKey string      `json:"-"`
	Items          []OrderItem `json:"items"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SyncStatus recomputes the aggregate status from the items.
func (o *Order) SyncStatus() {
	o.Status = Fold(o.Items)
}

// Fold derives an order status from item statuses: manual check dominates,
// then the slowest active item; with no active item left the order is
// CANCELLED if anything was cancelled and FAILED otherwise.
func Fold(items []OrderItem) OrderStatus {
	slowest := OrderStatus("")
	cancelled := false
	for _, it := range items {
		switch it.Status {
		case OrderStatusManualCheck:
			return OrderStatusManualCheck
		case OrderStatusCancelled:
			cancelled = true
			continue
		case OrderStatusFailed:
			continue
		}
		if slowest == "" || progress[it.Status] < progress[slowest] {
			slowest = it.Status
		}
	}
	if slowest != "" {
		return slowest
	}
	if cancelled {
		return OrderStatusCancelled
	}
	return OrderStatusFailed
}

func (o Order) clone() Order {
	c := o
	c.Items = append([]OrderItem(nil), o.Items...)
	return c
}

// apply runs fn on every item of a copy and returns the copy only if every
// item accepted, so a rejected transition leaves o untouched.
func (o Order) apply(reason string, fn func(*OrderItem) error) (Order, error) {
	next := o.clone()
	for i := range next.Items {
		if err := fn(&next.Items[i]); err != nil {
			return o, err
		}
	}
	next.SyncStatus()
	if reason != "" {
		next.StatusReason = reason
	}
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}

func (o Order) MarkPaid() (Order, error) {
	return o.apply("", (*OrderItem).MarkPaid)
}

func (o Order) Confirm() (Order, error) {
	return o.apply("", (*OrderItem).Confirm)
}

func (o Order) Fail(reason string) (Order, error) {
	return o.apply(reason, (*OrderItem).Fail)
}

func (o Order) Cancel(reason string) (Order, error) {
	return o.apply(reason, (*OrderItem).Cancel)
}

// CancelByRefund cancels whatever is still cancellable after a refund. Items
// already cancelled or failed stay as they are.
func (o Order) CancelByRefund(reason string) (Order, error) {
	return o.apply(reason, func(it *OrderItem) error {
		if it.Status == OrderStatusFailed {
			return nil
		}
		return it.CancelByRefund()
	})
}

func (o Order) RequireManualCheck(reason string) (Order, error) {
	return o.apply(reason, func(it *OrderItem) error {
		it.RequireManualCheck()
		return nil
	})
}

// ResolveManualCheck is the operator exit from MANUAL_CHECK.
func (o Order) ResolveManualCheck(to OrderStatus, reason string) (Order, error) {
	if o.Status != OrderStatusManualCheck {
		return o, apperr.Conflict(fmt.Sprintf("order %s is %s, not %s", o.ID, o.Status, OrderStatusManualCheck))
	}
	if to != OrderStatusCancelled && to != OrderStatusConfirmed {
		return o, apperr.Validation("manual check resolves to CANCELLED or CONFIRMED")
	}
	return o.apply(reason, func(it *OrderItem) error {
		it.Status = to
		return nil
	})
}

func (o Order) item(itemID string) (int, error) {
	for i := range o.Items {
		if o.Items[i].ID == itemID {
			return i, nil
		}
	}
	return -1, apperr.NotFound(fmt.Sprintf("item %s not in order %s", itemID, o.ID))
}

func (o Order) StartShipping(itemID string) (Order, error) {
	return o.applyItem(itemID, (*OrderItem).StartShipping)
}

func (o Order) CompleteDelivery(itemID string) (Order, error) {
	return o.applyItem(itemID, (*OrderItem).CompleteDelivery)
}

func (o Order) applyItem(itemID string, fn func(*OrderItem) error) (Order, error) {
	i, err := o.item(itemID)
	if err != nil {
		return o, err
	}
	next := o.clone()
	if err := fn(&next.Items[i]); err != nil {
		return o, err
	}
	next.SyncStatus()
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}
