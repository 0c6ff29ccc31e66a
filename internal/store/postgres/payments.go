package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/payment"
)

type Payments struct{ s *Store }

var _ payment.Repository = (*Payments)(nil)

const paymentColumns = `id, order_id, amount, status, payment_key, approved_at, fail_code, fail_message, created_at, updated_at`

func (r *Payments) Create(ctx context.Context, p payment.Payment) error {
	_, err := r.s.q(ctx).Exec(ctx, `INSERT INTO payments(`+paymentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.OrderID, p.Amount, p.Status, p.PaymentKey, p.ApprovedAt, p.FailCode, p.FailMessage, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return payment.ErrDuplicate
	}
	return err
}

func (r *Payments) Get(ctx context.Context, orderID string) (payment.Payment, error) {
	return r.load(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1`, orderID)
}

func (r *Payments) GetForUpdate(ctx context.Context, orderID string) (payment.Payment, error) {
	return r.load(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1 FOR UPDATE`, orderID)
}

func (r *Payments) load(ctx context.Context, query, orderID string) (payment.Payment, error) {
	q := r.s.q(ctx)
	var p payment.Payment
	err := q.QueryRow(ctx, query, orderID).Scan(&p.ID, &p.OrderID, &p.Amount, &p.Status, &p.PaymentKey,
		&p.ApprovedAt, &p.FailCode, &p.FailMessage, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Payment{}, apperr.NotFound("payment for order " + orderID)
	}
	if err != nil {
		return payment.Payment{}, err
	}

	rows, err := q.Query(ctx, `SELECT payment_key, cancel_amount, cancel_reason, canceled_at
		FROM payment_cancels WHERE payment_id=$1 ORDER BY id`, p.ID)
	if err != nil {
		return payment.Payment{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c payment.Cancel
		if err := rows.Scan(&c.PaymentKey, &c.CancelAmount, &c.CancelReason, &c.CanceledAt); err != nil {
			return payment.Payment{}, err
		}
		p.Cancels = append(p.Cancels, c)
	}
	return p, rows.Err()
}

// Save writes the status columns. The cancel ledger is only appended to.
func (r *Payments) Save(ctx context.Context, p payment.Payment) error {
	tag, err := r.s.q(ctx).Exec(ctx, `UPDATE payments SET status=$2, payment_key=$3, approved_at=$4, fail_code=$5,
		fail_message=$6, updated_at=$7 WHERE order_id=$1`,
		p.OrderID, p.Status, p.PaymentKey, p.ApprovedAt, p.FailCode, p.FailMessage, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("payment for order " + p.OrderID)
	}
	return nil
}

func (r *Payments) AppendCancel(ctx context.Context, paymentID string, c payment.Cancel) error {
	_, err := r.s.q(ctx).Exec(ctx, `INSERT INTO payment_cancels(payment_id, payment_key, cancel_amount, cancel_reason, canceled_at)
		VALUES ($1, $2, $3, $4, $5)`, paymentID, c.PaymentKey, c.CancelAmount, c.CancelReason, c.CanceledAt)
	return err
}
