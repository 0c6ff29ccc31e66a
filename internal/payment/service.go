package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/gateway"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/idempotency"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
)

// ErrDuplicate is returned by Repository.Create when the order already has a
// payment.
var ErrDuplicate = errors.New("payment already exists for order")

type Repository interface {
	Create(ctx context.Context, p Payment) error
	Get(ctx context.Context, orderID string) (Payment, error)
	// GetForUpdate locks the payment row; it must run inside WithinTx.
	GetForUpdate(ctx context.Context, orderID string) (Payment, error)
	Save(ctx context.Context, p Payment) error
	AppendCancel(ctx context.Context, paymentID string, c Cancel) error
}

type Gateway interface {
	Confirm(ctx context.Context, req gateway.ConfirmRequest) (gateway.ConfirmResponse, error)
	Cancel(ctx context.Context, req gateway.CancelRequest) (gateway.CancelResponse, error)
}

type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type EventSink interface {
	Emit(ctx context.Context, evt contracts.Event) error
}

type Service struct {
	repo   Repository
	tx     Transactor
	sink   EventSink
	pg     Gateway
	logger *zap.Logger
	now    func() time.Time
}

func NewService(repo Repository, tx Transactor, sink EventSink, pg Gateway, logger *zap.Logger) *Service {
	return &Service{repo: repo, tx: tx, sink: sink, pg: pg, logger: logger, now: time.Now}
}

type ConfirmCommand struct {
	PaymentKey string
	OrderID    string
	Amount     int64
}

type CancelCommand struct {
	OrderID string
	Reason  string
	// Amount defaults to the remaining amount.
	Amount *int64
}

func (s *Service) Get(ctx context.Context, orderID string) (Payment, error) {
	return s.repo.Get(ctx, orderID)
}

// CreateReady opens the payment for an order. A second call for the same order
// returns the existing payment.
func (s *Service) CreateReady(ctx context.Context, orderID string, amount int64) (Payment, error) {
	if strings.TrimSpace(orderID) == "" {
		return Payment{}, apperr.Validation("order_id is required")
	}
	if amount <= 0 {
		return Payment{}, apperr.Validation("amount must be positive")
	}

	existing, err := s.repo.Get(ctx, orderID)
	if err == nil {
		if existing.Amount != amount {
			s.logger.Warn("payment exists with a different amount", logging.OrderID(orderID),
				zap.Int64("stored", existing.Amount), zap.Int64("requested", amount))
		}
		return existing, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return Payment{}, err
	}

	now := s.now().UTC()
	p := Payment{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Amount:    amount,
		Status:    StatusReady,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, p)
	})
	if errors.Is(err, ErrDuplicate) {
		return s.repo.Get(ctx, orderID)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("create payment: %w", err)
	}
	s.logger.Info("payment ready", logging.OrderID(orderID), zap.String("payment_id", p.ID), zap.Int64("amount", amount))
	return p, nil
}

// Confirm approves the payment with the PG. The PG is always asked for the
// stored amount; the caller's amount is only compared and logged.
func (s *Service) Confirm(ctx context.Context, cmd ConfirmCommand) (Payment, error) {
	if strings.TrimSpace(cmd.PaymentKey) == "" || strings.TrimSpace(cmd.OrderID) == "" {
		return Payment{}, apperr.Validation("paymentKey and orderId are required")
	}
	p, err := s.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		return Payment{}, err
	}
	switch p.Status {
	case StatusPaid:
		if p.PaymentKey == cmd.PaymentKey {
			return p, nil
		}
		return p, apperr.Conflict("payment already confirmed with a different paymentKey")
	case StatusCancelled, StatusFailed:
		return p, apperr.Conflict(fmt.Sprintf("payment is %s", p.Status))
	}
	if cmd.Amount != p.Amount {
		s.logger.Warn("confirm amount differs from stored amount",
			logging.OrderID(p.OrderID), zap.Int64("requested", cmd.Amount), zap.Int64("stored", p.Amount))
	}

	resp, err := s.pg.Confirm(ctx, gateway.ConfirmRequest{
		PaymentKey:     cmd.PaymentKey,
		OrderID:        p.OrderID,
		Amount:         p.Amount,
		IdempotencyKey: idempotency.Derive("confirm", cmd.PaymentKey, p.OrderID),
	})
	if err != nil {
		if gateway.IsUnknown(err) {
			s.logger.Error("pg confirm outcome unknown", logging.OrderID(p.OrderID),
				zap.String("payment_key", cmd.PaymentKey), zap.Bool("reconcile_required", true), zap.Error(err))
			return s.failConfirm(ctx, p.OrderID, cmd.PaymentKey, apperr.KindGatewayUnknown, FailConfirmUnknown, err)
		}
		return s.failConfirm(ctx, p.OrderID, cmd.PaymentKey, apperr.KindGatewayRejected, gateway.CodeOf(err), err)
	}
	if resp.Status != gateway.StatusDone {
		return s.failConfirm(ctx, p.OrderID, cmd.PaymentKey, apperr.KindGatewayRejected, FailConfirmNotDone,
			fmt.Errorf("pg returned status %s", resp.Status))
	}
	if resp.TotalAmount != p.Amount {
		s.logger.Error("pg approved a different amount", logging.OrderID(p.OrderID),
			zap.Int64("stored", p.Amount), zap.Int64("approved", resp.TotalAmount), zap.Bool("reconcile_required", true))
		return p, apperr.New(apperr.KindAmountMismatch, "", fmt.Sprintf("pg approved %d, expected %d", resp.TotalAmount, p.Amount))
	}

	approvedAt := resp.ApprovedAt
	if approvedAt.IsZero() {
		approvedAt = s.now()
	}
	var out Payment
	var lost bool
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetForUpdate(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if cur.Status == StatusPaid && cur.PaymentKey == cmd.PaymentKey {
			out = cur
			return nil
		}
		// abandoned or paid under another key while the PG call was in flight
		if cur.Status != StatusReady {
			out, lost = cur, true
			return nil
		}
		if err := cur.MarkPaid(cmd.PaymentKey, approvedAt); err != nil {
			return err
		}
		if err := s.repo.Save(ctx, cur); err != nil {
			return err
		}
		out = cur
		return s.emit(ctx, contracts.EventPaymentCompleted, cur, contracts.PaymentCompleted{
			OrderID: cur.OrderID, PaymentKey: cur.PaymentKey, Amount: cur.Amount,
		})
	})
	if err != nil {
		return Payment{}, fmt.Errorf("mark payment paid: %w", err)
	}
	if lost {
		return s.voidApproval(ctx, out, cmd.PaymentKey)
	}
	s.logger.Info("payment confirmed", logging.OrderID(out.OrderID), zap.String("payment_key", out.PaymentKey))
	return out, nil
}

// voidApproval cancels a PG approval that landed after the payment left
// READY. If the PG refuses, RefundFailed sends the order to manual check.
func (s *Service) voidApproval(ctx context.Context, p Payment, paymentKey string) (Payment, error) {
	s.logger.Error("pg approved a payment that is no longer ready", logging.OrderID(p.OrderID),
		zap.String("payment_key", paymentKey), zap.String("status", string(p.Status)), zap.Bool("reconcile_required", true))

	_, err := s.pg.Cancel(ctx, gateway.CancelRequest{
		PaymentKey:     paymentKey,
		CancelAmount:   p.Amount,
		CancelReason:   fmt.Sprintf("payment %s before approval", p.Status),
		IdempotencyKey: idempotency.Derive("void", paymentKey, p.OrderID),
	})
	if err == nil || gateway.IsAlreadyCanceled(err) {
		s.logger.Warn("late approval voided", logging.OrderID(p.OrderID), zap.String("payment_key", paymentKey))
		return p, apperr.Conflict(fmt.Sprintf("payment is %s; approval %s voided", p.Status, paymentKey))
	}

	kind := apperr.KindGatewayRejected
	if gateway.IsUnknown(err) {
		kind = apperr.KindGatewayUnknown
	}
	code := gateway.CodeOf(err)
	msg := err.Error()
	var ge *gateway.Error
	if errors.As(err, &ge) && ge.Message != "" {
		msg = ge.Message
	}
	emitErr := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.emit(ctx, contracts.EventRefundFailed, p, contracts.RefundFailed{
			OrderID: p.OrderID, PaymentKey: paymentKey, CancelAmount: p.Amount, FailCode: code, FailMessage: msg,
		})
	})
	if emitErr != nil {
		return p, apperr.Wrap(apperr.KindInternal, "", "record void failure", errors.Join(emitErr, err))
	}
	s.logger.Error("late approval could not be voided", logging.OrderID(p.OrderID),
		zap.String("payment_key", paymentKey), zap.String("fail_code", code), zap.Bool("reconcile_required", true))
	return p, apperr.Wrap(kind, code, msg, err)
}

func (s *Service) failConfirm(ctx context.Context, orderID, paymentKey string, kind apperr.Kind, code string, cause error) (Payment, error) {
	msg := cause.Error()
	var ge *gateway.Error
	if errors.As(cause, &ge) && ge.Message != "" {
		msg = ge.Message
	}

	var out Payment
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.Status == StatusFailed {
			out = cur
			return nil
		}
		if err := cur.MarkFailed(paymentKey, code, msg); err != nil {
			return err
		}
		if err := s.repo.Save(ctx, cur); err != nil {
			return err
		}
		out = cur
		return s.emit(ctx, contracts.EventPaymentFailed, cur, contracts.PaymentFailed{
			OrderID: cur.OrderID, PaymentKey: paymentKey, Amount: cur.Amount, FailCode: code, FailMessage: msg,
		})
	})
	if err != nil {
		return Payment{}, apperr.Wrap(apperr.KindInternal, "", "mark payment failed", errors.Join(err, cause))
	}
	s.logger.Warn("payment failed", logging.OrderID(orderID), zap.String("fail_code", code), zap.String("kind", string(kind)))
	return out, apperr.Wrap(kind, code, msg, cause)
}

// Cancel refunds a paid payment. Cancelling a cancelled payment succeeds, and
// cancelling one that was never paid does nothing.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (Payment, error) {
	p, err := s.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != StatusPaid {
		return p, nil
	}

	remaining := p.RemainingAmount()
	amount := remaining
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	if amount <= 0 || amount > remaining {
		return p, apperr.Validation(fmt.Sprintf("cancel amount must be between 1 and %d", remaining))
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = "requested"
	}

	resp, err := s.pg.Cancel(ctx, gateway.CancelRequest{
		PaymentKey:   p.PaymentKey,
		CancelAmount: amount,
		CancelReason: reason,
		// keyed on ledger position so a retry of this exact refund reuses the key
		IdempotencyKey: idempotency.Derive("cancel", p.PaymentKey, fmt.Sprint(p.CanceledAmount()), fmt.Sprint(amount)),
	})
	switch {
	case gateway.IsAlreadyCanceled(err):
		s.logger.Warn("pg reports payment already canceled; healing ledger", logging.OrderID(p.OrderID), zap.String("payment_key", p.PaymentKey))
		return s.applyCancel(ctx, p.OrderID, nil, reason+" (reconciled)", s.now())
	case err != nil:
		return s.failCancel(ctx, p, amount, err)
	}

	canceledAt := resp.CanceledAt
	if canceledAt.IsZero() {
		canceledAt = s.now()
	}
	return s.applyCancel(ctx, p.OrderID, &amount, reason, canceledAt)
}

// applyCancel appends to the ledger under the row lock. A nil amount means
// whatever remains, which is how a PG-side full cancel is mirrored locally.
func (s *Service) applyCancel(ctx context.Context, orderID string, amount *int64, reason string, at time.Time) (Payment, error) {
	var out Payment
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.Status == StatusCancelled {
			out = cur
			return nil
		}
		c := Cancel{PaymentKey: cur.PaymentKey, CancelAmount: cur.RemainingAmount(), CancelReason: reason, CanceledAt: at}
		if amount != nil {
			c.CancelAmount = *amount
		}
		if err := cur.ApplyCancel(c); err != nil {
			return err
		}
		if err := s.repo.Save(ctx, cur); err != nil {
			return err
		}
		if err := s.repo.AppendCancel(ctx, cur.ID, c); err != nil {
			return err
		}
		out = cur
		return s.emit(ctx, contracts.EventRefundSucceeded, cur, contracts.RefundSucceeded{
			OrderID: cur.OrderID, PaymentKey: cur.PaymentKey, CancelAmount: c.CancelAmount, RemainingAmount: cur.RemainingAmount(),
		})
	})
	if err != nil {
		return Payment{}, fmt.Errorf("apply cancel: %w", err)
	}
	s.logger.Info("payment refunded", logging.OrderID(orderID), zap.String("status", string(out.Status)), zap.Int64("remaining", out.RemainingAmount()))
	return out, nil
}

func (s *Service) failCancel(ctx context.Context, p Payment, amount int64, cause error) (Payment, error) {
	kind := apperr.KindGatewayRejected
	if gateway.IsUnknown(cause) {
		kind = apperr.KindGatewayUnknown
		s.logger.Error("pg cancel outcome unknown", logging.OrderID(p.OrderID),
			zap.String("payment_key", p.PaymentKey), zap.Bool("reconcile_required", true), zap.Error(cause))
	}
	code := gateway.CodeOf(cause)
	msg := cause.Error()
	var ge *gateway.Error
	if errors.As(cause, &ge) && ge.Message != "" {
		msg = ge.Message
	}

	var out Payment
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetForUpdate(ctx, p.OrderID)
		if err != nil {
			return err
		}
		cur.RecordCancelFailure(code, msg)
		if err := s.repo.Save(ctx, cur); err != nil {
			return err
		}
		out = cur
		return s.emit(ctx, contracts.EventRefundFailed, cur, contracts.RefundFailed{
			OrderID: cur.OrderID, PaymentKey: cur.PaymentKey, CancelAmount: amount, FailCode: code, FailMessage: msg,
		})
	})
	if err != nil {
		return Payment{}, apperr.Wrap(apperr.KindInternal, "", "record refund failure", errors.Join(err, cause))
	}
	s.logger.Warn("refund failed", logging.OrderID(p.OrderID), zap.String("fail_code", code))
	return out, apperr.Wrap(kind, code, msg, cause)
}

// AbandonIfReady fails a payment that was never confirmed because its order
// was cancelled first. Paid payments are left to the refund path.
func (s *Service) AbandonIfReady(ctx context.Context, orderID, reason string) (Payment, error) {
	var out Payment
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		out = cur
		if cur.Status != StatusReady {
			return nil
		}
		if err := cur.MarkFailed("", FailOrderCancelled, reason); err != nil {
			return err
		}
		if err := s.repo.Save(ctx, cur); err != nil {
			return err
		}
		out = cur
		return s.emit(ctx, contracts.EventPaymentFailed, cur, contracts.PaymentFailed{
			OrderID: cur.OrderID, Amount: cur.Amount, FailCode: FailOrderCancelled, FailMessage: reason,
		})
	})
	return out, err
}

func (s *Service) emit(ctx context.Context, eventType string, p Payment, payload any) error {
	evt, err := contracts.New(eventType, p.ID, p.OrderID, payload, s.now())
	if err != nil {
		return err
	}
	return s.sink.Emit(ctx, evt)
}
