// Package payment owns the Payment aggregate: its READY/PAID/CANCELLED/FAILED
// lifecycle and the append-only ledger of cancels.
package payment

import (
	"fmt"
	"time"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
)

type Status string

const (
	StatusReady     Status = "READY"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

const (
	FailConfirmNotDone = "TOSS_CONFIRM_NOT_DONE"
	FailConfirmUnknown = "TOSS_CONFIRM_UNKNOWN"
	FailOrderCancelled = "ORDER_CANCELLED"
)

// Cancel is one refund. Entries are never edited or removed.
type Cancel struct {
	PaymentKey   string    `json:"paymentKey"`
	CancelAmount int64     `json:"cancelAmount"`
	CancelReason string    `json:"cancelReason"`
	CanceledAt   time.Time `json:"canceledAt"`
}

type Payment struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"orderId"`
	Amount      int64      `json:"amount"`
	Status      Status     `json:"status"`
	PaymentKey  string     `json:"paymentKey,omitempty"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	FailCode    string     `json:"failCode,omitempty"`
	FailMessage string     `json:"failMessage,omitempty"`
	Cancels     []Cancel   `json:"cancels"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (p Payment) CanceledAmount() int64 {
	var sum int64
	for _, c := range p.Cancels {
		sum += c.CancelAmount
	}
	return sum
}

func (p Payment) RemainingAmount() int64 {
	return p.Amount - p.CanceledAmount()
}

func (p *Payment) MarkPaid(paymentKey string, approvedAt time.Time) error {
	switch p.Status {
	case StatusPaid:
		if p.PaymentKey == paymentKey {
			return nil
		}
		return apperr.Conflict("payment already paid with a different key")
	case StatusReady:
	default:
		return apperr.Conflict(fmt.Sprintf("cannot pay a %s payment", p.Status))
	}
	at := approvedAt.UTC()
	p.Status = StatusPaid
	p.PaymentKey = paymentKey
	p.ApprovedAt = &at
	p.FailCode, p.FailMessage = "", ""
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed is terminal. A failed payment is never reused.
func (p *Payment) MarkFailed(paymentKey, code, message string) error {
	switch p.Status {
	case StatusFailed:
		return nil
	case StatusReady:
	default:
		return apperr.Conflict(fmt.Sprintf("cannot fail a %s payment", p.Status))
	}
	p.Status = StatusFailed
	if paymentKey != "" {
		p.PaymentKey = paymentKey
	}
	p.FailCode = code
	p.FailMessage = message
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyCancel appends c to the ledger. The payment becomes CANCELLED exactly
// when the ledger sums to the amount.
func (p *Payment) ApplyCancel(c Cancel) error {
	if p.Status != StatusPaid {
		return apperr.Conflict(fmt.Sprintf("cannot cancel a %s payment", p.Status))
	}
	if c.CancelAmount <= 0 {
		return apperr.Validation("cancel amount must be positive")
	}
	if c.CancelAmount > p.RemainingAmount() {
		return apperr.Validation(fmt.Sprintf("cancel amount %d exceeds remaining %d", c.CancelAmount, p.RemainingAmount()))
	}
	c.CanceledAt = c.CanceledAt.UTC()
	p.Cancels = append(p.Cancels, c)
	if p.CanceledAmount() == p.Amount {
		p.Status = StatusCancelled
	}
	p.FailCode, p.FailMessage = "", ""
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordCancelFailure keeps the last refund failure on a still-PAID payment.
func (p *Payment) RecordCancelFailure(code, message string) {
	p.FailCode = code
	p.FailMessage = message
	p.UpdatedAt = time.Now().UTC()
}
