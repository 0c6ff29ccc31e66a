// Package opsalert turns saga failure events into operator alerts. Every
// alert is recorded once per event id, so redelivered events are no-ops.
package opsalert

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/eventbus"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
)

type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

type Alert struct {
	EventID    string    `json:"eventId"`
	OrderID    string    `json:"orderId"`
	Type       string    `json:"type"`
	Severity   Severity  `json:"severity"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Store interface {
	// Record inserts a unless its event id was seen before.
	Record(ctx context.Context, a Alert) (inserted bool, err error)
	Recent(ctx context.Context, limit int) ([]Alert, error)
}

type Notifier struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Notifier {
	return &Notifier{store: store, logger: logger}
}

func (n *Notifier) Register(reg *eventbus.Registry) *eventbus.Registry {
	return reg.
		On(contracts.EventPaymentFailed, "ops.payment_failed", n.onPaymentFailed).
		On(contracts.EventStockDeductionFailed, "ops.stock_deduction_failed", n.onStockDeductionFailed).
		On(contracts.EventRefundFailed, "ops.refund_failed", n.onRefundFailed)
}

func (n *Notifier) onPaymentFailed(ctx context.Context, evt contracts.Event) error {
	var p contracts.PaymentFailed
	if err := evt.Decode(&p); err != nil {
		return err
	}
	return n.record(ctx, evt, SeverityWarning, p.FailCode, fmt.Sprintf("payment %s failed: %s", p.PaymentKey, p.FailMessage))
}

func (n *Notifier) onStockDeductionFailed(ctx context.Context, evt contracts.Event) error {
	var p contracts.StockDeductionFailed
	if err := evt.Decode(&p); err != nil {
		return err
	}
	return n.record(ctx, evt, SeverityWarning, "", "stock deduction failed, refund requested: "+p.Reason)
}

// Refund failures leave money taken for a cancelled order; someone has to act.
func (n *Notifier) onRefundFailed(ctx context.Context, evt contracts.Event) error {
	var p contracts.RefundFailed
	if err := evt.Decode(&p); err != nil {
		return err
	}
	return n.record(ctx, evt, SeverityCritical, p.FailCode,
		fmt.Sprintf("refund of %d on %s failed: %s", p.CancelAmount, p.PaymentKey, p.FailMessage))
}

func (n *Notifier) record(ctx context.Context, evt contracts.Event, sev Severity, code, msg string) error {
	a := Alert{
		EventID:    evt.EventID,
		OrderID:    evt.OrderID,
		Type:       evt.Type,
		Severity:   sev,
		Code:       code,
		Message:    msg,
		OccurredAt: evt.OccurredAt,
	}
	inserted, err := n.store.Record(ctx, a)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	if !inserted {
		n.logger.Debug("alert already recorded", logging.EventID(evt.EventID))
		return nil
	}
	fields := logging.Fields{OrderID: evt.OrderID, EventID: evt.EventID, Step: evt.Type, Status: string(sev)}
	n.logger.Warn("operator_alert", append(fields.Zap(), zap.String("code", code), zap.String("message", msg))...)
	return nil
}
