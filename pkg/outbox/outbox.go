package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
)

type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// Event decodes the envelope stored in the payload column.
func (r Record) Event() (contracts.Event, error) {
	var evt contracts.Event
	err := json.Unmarshal(r.Payload, &evt)
	return evt, err
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx, so Insert joins whatever
// transaction the caller is in.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Insert writes evt keyed by its aggregate id. Must run inside the
// transaction that performs the state change the event describes.
func Insert(ctx context.Context, q Querier, topic string, evt contracts.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `INSERT INTO outbox(event_id, topic, key, payload) VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`, evt.EventID, topic, evt.AggregateID, data)
	return err
}

func MarkSent(ctx context.Context, q Querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `UPDATE outbox SET sent_at=now() WHERE id = ANY($1)`, ids)
	return err
}

// FetchPending locks up to limit unsent rows in id order. Rows locked by another
// relay transaction are skipped.
func FetchPending(ctx context.Context, q Querier, limit int) ([]Record, error) {
	rows, err := q.Query(ctx, `SELECT id, event_id, topic, key, payload, created_at, sent_at FROM outbox
		WHERE sent_at IS NULL ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgStore claims batches inside one transaction so the row locks taken by
// FetchPending are held until MarkSent commits.
type PgStore struct {
	DB Beginner
}

func (s PgStore) Claim(ctx context.Context, limit int, publish func(recs []Record) []int64) (claimed, sent int, err error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	recs, err := FetchPending(ctx, tx, limit)
	if err != nil {
		return 0, 0, err
	}
	if len(recs) == 0 {
		return 0, 0, nil
	}
	ids := publish(recs)
	if err := MarkSent(ctx, tx, ids); err != nil {
		return len(recs), 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return len(recs), 0, err
	}
	return len(recs), len(ids), nil
}
