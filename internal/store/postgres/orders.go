package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order/domain"
)

type Orders struct{ s *Store }

var _ order.Repository = (*Orders)(nil)

const orderColumns = `id, buyer_id, order_number, total_amount, status, status_reason, recipient,
	COALESCE(idempotency_key, ''), created_at, updated_at`

func (r *Orders) Create(ctx context.Context, o domain.Order) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		q := r.s.q(ctx)
		_, err := q.Exec(ctx, `INSERT INTO orders(id, buyer_id, order_number, total_amount, status, status_reason,
			recipient, idempotency_key, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			o.ID, o.BuyerID, o.OrderNumber, o.TotalAmount, o.Status, o.StatusReason,
			o.Recipient, nullIfEmpty(o.IdempotencyKey), o.CreatedAt, o.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return order.ErrDuplicate
			}
			return err
		}
		for i, it := range o.Items {
			_, err := q.Exec(ctx, `INSERT INTO order_items(id, order_id, position, product_id, variant_id, title,
				quantity, unit_price, subtotal, status) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				it.ID, o.ID, i, it.ProductID, it.VariantID, it.Title, it.Quantity, it.UnitPrice, it.Subtotal, it.Status)
			if err != nil {
				return fmt.Errorf("insert item %d: %w", i, err)
			}
		}
		return nil
	})
}

func (r *Orders) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.load(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

func (r *Orders) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.load(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id)
}

func (r *Orders) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	o, err := r.load(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key=$1`, key)
	if apperr.Is(err, apperr.KindNotFound) {
		return domain.Order{}, apperr.NotFound("no order for idempotency key")
	}
	return o, err
}

func (r *Orders) load(ctx context.Context, query string, arg string) (domain.Order, error) {
	q := r.s.q(ctx)
	var o domain.Order
	err := q.QueryRow(ctx, query, arg).Scan(&o.ID, &o.BuyerID, &o.OrderNumber, &o.TotalAmount, &o.Status,
		&o.StatusReason, &o.Recipient, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, apperr.NotFound("order " + arg)
	}
	if err != nil {
		return domain.Order{}, err
	}
	items, err := r.items(ctx, o.ID)
	if err != nil {
		return domain.Order{}, err
	}
	o.Items = items
	return o, nil
}

func (r *Orders) items(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.s.q(ctx).Query(ctx, `SELECT id, product_id, variant_id, title, quantity, unit_price, subtotal, status
		FROM order_items WHERE order_id=$1 ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.ProductID, &it.VariantID, &it.Title, &it.Quantity, &it.UnitPrice, &it.Subtotal, &it.Status); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Save writes the mutable part of the aggregate: statuses and the reason.
func (r *Orders) Save(ctx context.Context, o domain.Order) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		q := r.s.q(ctx)
		tag, err := q.Exec(ctx, `UPDATE orders SET status=$2, status_reason=$3, updated_at=$4 WHERE id=$1`,
			o.ID, o.Status, o.StatusReason, o.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("order " + o.ID)
		}
		for _, it := range o.Items {
			if _, err := q.Exec(ctx, `UPDATE order_items SET status=$3 WHERE order_id=$1 AND id=$2`, o.ID, it.ID, it.Status); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Orders) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	rows, err := r.s.q(ctx).Query(ctx, `SELECT id FROM orders WHERE status=$1 ORDER BY created_at LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
