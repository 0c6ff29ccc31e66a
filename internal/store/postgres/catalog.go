package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order"
)

// Catalog answers the cart lookups checkout needs from the product tables.
// Product CRUD itself lives elsewhere.
type Catalog struct{ s *Store }

var _ order.Catalog = (*Catalog)(nil)

func (c *Catalog) GetProductCartInfo(ctx context.Context, lines []order.CartLine) ([]order.CartInfo, error) {
	q := c.s.q(ctx)
	out := make([]order.CartInfo, 0, len(lines))
	for _, l := range lines {
		info := order.CartInfo{ProductID: l.ProductID, VariantID: l.VariantID}
		var err error
		if l.VariantID != "" {
			err = q.QueryRow(ctx, `SELECT p.title || ' / ' || v.title, COALESCE(v.price, p.price), v.stock_quantity,
				p.available AND v.available FROM product_variants v JOIN products p ON p.id = v.product_id
				WHERE v.id=$1 AND v.product_id=$2`, l.VariantID, l.ProductID).
				Scan(&info.Title, &info.Price, &info.Stock, &info.Available)
		} else {
			err = q.QueryRow(ctx, `SELECT title, price, stock_quantity, available FROM products WHERE id=$1`, l.ProductID).
				Scan(&info.Title, &info.Price, &info.Stock, &info.Available)
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("product " + l.ProductID)
		}
		if err != nil {
			return nil, err
		}
		info.Available = info.Available && info.Stock > 0
		out = append(out, info)
	}
	return out, nil
}

type Product struct {
	ID        string
	VariantID string
	Title     string
	Price     int64
	Quantity  int64
}

// UpsertProduct registers or updates a sellable product (or a variant of
// one). Used by the admin tooling to seed stock.
func (c *Catalog) UpsertProduct(ctx context.Context, p Product) error {
	return c.s.WithinTx(ctx, func(ctx context.Context) error {
		q := c.s.q(ctx)
		if p.VariantID == "" {
			_, err := q.Exec(ctx, `INSERT INTO products(id, title, price, stock_quantity) VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, price=EXCLUDED.price,
				stock_quantity=EXCLUDED.stock_quantity, updated_at=now()`, p.ID, p.Title, p.Price, p.Quantity)
			return err
		}
		_, err := q.Exec(ctx, `INSERT INTO products(id, title, price) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
			p.ID, p.Title, p.Price)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx, `INSERT INTO product_variants(id, product_id, title, price, stock_quantity) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, price=EXCLUDED.price,
			stock_quantity=EXCLUDED.stock_quantity, updated_at=now()`, p.VariantID, p.ID, p.Title, p.Price, p.Quantity)
		return err
	})
}
