package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/metrics"
)

// Store hands the relay a batch of pending rows and marks the ids returned by
// publish as sent.
type Store interface {
	Claim(ctx context.Context, limit int, publish func(recs []Record) []int64) (claimed, sent int, err error)
}

type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}

// PublisherFunc publishes in-process, e.g. straight into an eventbus.Registry.
type PublisherFunc func(ctx context.Context, evt contracts.Event) error

func (f PublisherFunc) Publish(ctx context.Context, rec Record) error {
	evt, err := rec.Event()
	if err != nil {
		return err
	}
	return f(ctx, evt)
}

// Locker keeps concurrent relays from publishing the same rows.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// ErrNotLeader is returned by a Locker when another relay holds the lock.
var ErrNotLeader = errors.New("outbox relay lock held elsewhere")

// Extender is implemented by lockers whose lease expires. The relay extends
// before every publish and stops the tick once the lease is lost.
type Extender interface {
	Extend(ctx context.Context) error
}

type RedsyncLocker struct {
	Mutex *redsync.Mutex
	TTL   time.Duration
}

func NewRedsyncLocker(rs *redsync.Redsync, name string, ttl time.Duration) *RedsyncLocker {
	return &RedsyncLocker{Mutex: rs.NewMutex(name, redsync.WithExpiry(ttl), redsync.WithTries(1)), TTL: ttl}
}

// Extend renews the lease once less than half of the TTL is left.
func (l *RedsyncLocker) Extend(ctx context.Context) error {
	if time.Until(l.Mutex.Until()) > l.TTL/2 {
		return nil
	}
	ok, err := l.Mutex.ExtendContext(ctx)
	if err != nil || !ok {
		return fmt.Errorf("%w: lease lost: %v", ErrNotLeader, err)
	}
	return nil
}

func (l *RedsyncLocker) Lock(ctx context.Context) (func(), error) {
	// Single try: any failure means another relay is (or just was) working.
	if err := l.Mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotLeader, err)
	}
	return func() {
		_, _ = l.Mutex.UnlockContext(context.Background())
	}, nil
}

type Relay struct {
	Store     Store
	Publisher Publisher
	Locker    Locker
	BatchSize int
	Interval  time.Duration
	Logger    *zap.Logger
	Metrics   *metrics.Saga
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Tick(ctx); err != nil && !errors.Is(err, ErrNotLeader) && ctx.Err() == nil {
			r.Logger.Warn("outbox relay tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick publishes pending rows in id order until the table is drained or a
// publish fails. A failed row and everything after it stay pending so
// per-aggregate order is kept on the next tick.
func (r *Relay) Tick(ctx context.Context) (int, error) {
	if r.Locker != nil {
		unlock, err := r.Locker.Lock(ctx)
		if err != nil {
			return 0, err
		}
		defer unlock()
	}

	batch := r.BatchSize
	if batch <= 0 {
		batch = 100
	}

	published := 0
	for {
		var pubErr error
		claimed, sent, err := r.Store.Claim(ctx, batch, func(recs []Record) []int64 {
			ids := make([]int64, 0, len(recs))
			for _, rec := range recs {
				if pubErr = r.extend(ctx); pubErr != nil {
					r.Logger.Warn("outbox relay lease lost", zap.Int64("next_id", rec.ID), zap.Error(pubErr))
					break
				}
				if pubErr = r.Publisher.Publish(ctx, rec); pubErr != nil {
					r.Metrics.OutboxMessage("failed")
					r.Logger.Warn("outbox publish failed", logging.EventID(rec.EventID), zap.String("key", rec.Key), zap.Error(pubErr))
					break
				}
				r.Metrics.OutboxMessage("sent")
				ids = append(ids, rec.ID)
			}
			return ids
		})
		published += sent
		if err != nil {
			return published, err
		}
		if pubErr != nil {
			return published, pubErr
		}
		if claimed < batch {
			return published, nil
		}
	}
}

func (r *Relay) extend(ctx context.Context) error {
	if ext, ok := r.Locker.(Extender); ok {
		return ext.Extend(ctx)
	}
	return nil
}
