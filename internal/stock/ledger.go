package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/apperr"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/metrics"
)

type ReserveResult int

const (
	KeyMissing ReserveResult = -1
	NotEnough  ReserveResult = 0
	Success    ReserveResult = 1
)

func (r ReserveResult) String() string {
	switch r {
	case KeyMissing:
		return "key_missing"
	case NotEnough:
		return "not_enough"
	case Success:
		return "success"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// reserveScript checks and decrements in one server-side step.
var reserveScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return -1
end
local qty = tonumber(ARGV[1])
if tonumber(current) < qty then
  return 0
end
redis.call('DECRBY', KEYS[1], qty)
return 1
`)

// Key returns the cache key for a product, or for its variant when one is set.
func Key(productID, variantID string) string {
	if variantID != "" {
		return "stock:variant:" + variantID
	}
	return "stock:product:" + productID
}

// Ledger is the cache-resident stock counter.
type Ledger struct {
	rdb     redis.Cmdable
	logger  *zap.Logger
	metrics *metrics.Saga
}

func NewLedger(rdb redis.Cmdable, logger *zap.Logger, m *metrics.Saga) *Ledger {
	return &Ledger{rdb: rdb, logger: logger, metrics: m}
}

func (l *Ledger) Reserve(ctx context.Context, key string, qty int64) (ReserveResult, error) {
	if qty <= 0 {
		return NotEnough, apperr.Validation("quantity must be positive")
	}
	n, err := reserveScript.Run(ctx, l.rdb, []string{key}, qty).Int64()
	if err != nil {
		return NotEnough, fmt.Errorf("reserve %s: %w", key, err)
	}
	res := ReserveResult(n)
	l.metrics.StockReserve(res.String())
	return res, nil
}

// Release gives qty back. A negative result means more was released than
// reserved; it is reported, not corrected.
func (l *Ledger) Release(ctx context.Context, key string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, apperr.Validation("quantity must be positive")
	}
	n, err := l.rdb.IncrBy(ctx, key, qty).Result()
	if err != nil {
		return 0, fmt.Errorf("release %s: %w", key, err)
	}
	if n < 0 {
		l.metrics.LedgerNegative()
		l.logger.Error("stock ledger went negative after release",
			zap.String("key", key), zap.Int64("quantity", qty), zap.Int64("count", n))
	}
	return n, nil
}

// Sync overwrites the counter with a value computed from the durable store.
func (l *Ledger) Sync(ctx context.Context, key string, qty int64) error {
	if err := l.rdb.Set(ctx, key, qty, 0).Err(); err != nil {
		return fmt.Errorf("sync %s: %w", key, err)
	}
	return nil
}

// Seed initialises a missing counter and never overwrites a live one.
func (l *Ledger) Seed(ctx context.Context, key string, qty int64) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, key, qty, 0).Result()
	if err != nil {
		return false, fmt.Errorf("seed %s: %w", key, err)
	}
	return ok, nil
}

func (l *Ledger) Available(ctx context.Context, key string) (int64, bool, error) {
	n, err := l.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	return n, true, nil
}
