// Package postgres is the durable store: order, payment, stock and catalog
// repositories, the transaction manager and the outbox sink on one pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/outbox"
)

type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and pings it.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

type txKey struct{}

// q returns the transaction bound to ctx, or the pool outside WithinTx.
func (s *Store) q(ctx context.Context) outbox.Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// WithinTx runs fn in one transaction. Repositories called with the ctx that
// fn receives join it; nested calls reuse the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Emit writes evt to the outbox of the current transaction.
func (s *Store) Emit(ctx context.Context, evt contracts.Event) error {
	return outbox.Insert(ctx, s.q(ctx), contracts.Topic, evt)
}

// Claim implements outbox.Store.
func (s *Store) Claim(ctx context.Context, limit int, publish func([]outbox.Record) []int64) (int, int, error) {
	return outbox.PgStore{DB: s.pool}.Claim(ctx, limit, publish)
}

// PendingOutbox counts events not yet relayed.
func (s *Store) PendingOutbox(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE sent_at IS NULL`).Scan(&n)
	return n, err
}

func (s *Store) Orders() *Orders     { return &Orders{s} }
func (s *Store) Payments() *Payments { return &Payments{s} }
func (s *Store) Stock() *Stock       { return &Stock{s} }
func (s *Store) Catalog() *Catalog   { return &Catalog{s} }
func (s *Store) Alerts() *Alerts     { return &Alerts{s} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
