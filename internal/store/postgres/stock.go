package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/stock"
)

type Stock struct{ s *Store }

var _ stock.Repository = (*Stock)(nil)

// table maps a stock key onto its durable table.
func table(key string) (string, string, error) {
	kind, id, ok := stock.ParseKey(key)
	if !ok {
		return "", "", apperr.Validation("bad stock key " + key)
	}
	if kind == "variant" {
		return "product_variants", id, nil
	}
	return "products", id, nil
}

func (r *Stock) LockRow(ctx context.Context, key string) (stock.Row, error) {
	tbl, id, err := table(key)
	if err != nil {
		return stock.Row{}, err
	}
	var qty int64
	err = r.s.q(ctx).QueryRow(ctx, `SELECT stock_quantity FROM `+tbl+` WHERE id=$1 FOR UPDATE`, id).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return stock.Row{}, apperr.NotFound("stock row " + key)
	}
	if err != nil {
		return stock.Row{}, err
	}
	return stock.Row{Key: key, Quantity: qty}, nil
}

func (r *Stock) SetQuantity(ctx context.Context, key string, qty int64) error {
	tbl, id, err := table(key)
	if err != nil {
		return err
	}
	tag, err := r.s.q(ctx).Exec(ctx, `UPDATE `+tbl+` SET stock_quantity=$2, updated_at=now() WHERE id=$1`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("stock row " + key)
	}
	return nil
}

func (r *Stock) Available(ctx context.Context, key string) (int64, error) {
	tbl, id, err := table(key)
	if err != nil {
		return 0, err
	}
	var n int64
	err = r.s.q(ctx).QueryRow(ctx, `SELECT t.stock_quantity - COALESCE((SELECT SUM(quantity) FROM stock_reservations
		WHERE stock_key=$2 AND status='RESERVED'), 0) FROM `+tbl+` t WHERE t.id=$1`, id, key).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("stock row " + key)
	}
	return n, err
}

func (r *Stock) AvailableAll(ctx context.Context) ([]stock.Row, error) {
	rows, err := r.s.q(ctx).Query(ctx, `
		WITH held AS (
			SELECT stock_key, SUM(quantity) AS qty FROM stock_reservations WHERE status='RESERVED' GROUP BY stock_key
		), keyed AS (
			SELECT 'stock:product:' || id AS k, stock_quantity FROM products
			UNION ALL
			SELECT 'stock:variant:' || id AS k, stock_quantity FROM product_variants
		)
		SELECT keyed.k, keyed.stock_quantity - COALESCE(held.qty, 0)
		FROM keyed LEFT JOIN held ON held.stock_key = keyed.k
		ORDER BY keyed.k`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stock.Row
	for rows.Next() {
		var row stock.Row
		if err := rows.Scan(&row.Key, &row.Quantity); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *Stock) Reservations(ctx context.Context, orderID string) ([]stock.Reservation, error) {
	return r.reservations(ctx, `SELECT order_id, product_id, variant_id, quantity, status
		FROM stock_reservations WHERE order_id=$1 ORDER BY id`, orderID)
}

func (r *Stock) LockReservations(ctx context.Context, orderID string) ([]stock.Reservation, error) {
	return r.reservations(ctx, `SELECT order_id, product_id, variant_id, quantity, status
		FROM stock_reservations WHERE order_id=$1 ORDER BY id FOR UPDATE`, orderID)
}

func (r *Stock) reservations(ctx context.Context, query, orderID string) ([]stock.Reservation, error) {
	rows, err := r.s.q(ctx).Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stock.Reservation
	for rows.Next() {
		var res stock.Reservation
		if err := rows.Scan(&res.OrderID, &res.ProductID, &res.VariantID, &res.Quantity, &res.Status); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *Stock) InsertReservations(ctx context.Context, rs []stock.Reservation) error {
	q := r.s.q(ctx)
	for _, res := range rs {
		_, err := q.Exec(ctx, `INSERT INTO stock_reservations(order_id, stock_key, product_id, variant_id, quantity, status)
			VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (order_id, stock_key) DO NOTHING`,
			res.OrderID, res.Key(), res.ProductID, res.VariantID, res.Quantity, res.Status)
		if err != nil {
			return fmt.Errorf("insert reservation %s: %w", res.Key(), err)
		}
	}
	return nil
}

func (r *Stock) SetReservationStatus(ctx context.Context, orderID, key string, status stock.ReservationStatus) error {
	tag, err := r.s.q(ctx).Exec(ctx, `UPDATE stock_reservations SET status=$3, updated_at=now()
		WHERE order_id=$1 AND stock_key=$2`, orderID, key, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("reservation " + orderID + "/" + key)
	}
	return nil
}
