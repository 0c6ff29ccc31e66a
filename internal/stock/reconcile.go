package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler overwrites the cache counters from the durable store. A
// reservation taken between the read and the overwrite is lost from the count
// until the next run; the cache path and the durable path are not kept in
// lockstep.
type Reconciler struct {
	ledger *Ledger
	repo   Repository
	logger *zap.Logger
}

func NewReconciler(ledger *Ledger, repo Repository, logger *zap.Logger) *Reconciler {
	return &Reconciler{ledger: ledger, repo: repo, logger: logger}
}

// Run syncs every durable row and returns how many keys were written.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	rows, err := r.repo.AvailableAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load durable stock: %w", err)
	}
	synced := 0
	for _, row := range rows {
		if row.Quantity < 0 {
			r.logger.Error("durable stock below reservations", zap.String("key", row.Key), zap.Int64("available", row.Quantity))
		}
		if err := r.ledger.Sync(ctx, row.Key, row.Quantity); err != nil {
			return synced, err
		}
		synced++
	}
	return synced, nil
}

// Schedule registers Run on c with a cron spec (seconds field enabled).
func (r *Reconciler) Schedule(c *cron.Cron, spec string, timeout time.Duration) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		started := time.Now()
		n, err := r.Run(ctx)
		if err != nil {
			r.logger.Error("stock reconcile failed", zap.Int("synced", n), zap.Error(err))
			return
		}
		r.logger.Info("stock reconciled", zap.Int("synced", n), zap.Int64("duration_ms", time.Since(started).Milliseconds()))
	})
}
