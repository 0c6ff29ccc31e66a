package postgres

import (
	"context"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/opsalert"
)

// Alerts is the ops-notifier inbox; event_id is the dedup key.
type Alerts struct{ s *Store }

var _ opsalert.Store = (*Alerts)(nil)

func (r *Alerts) Record(ctx context.Context, a opsalert.Alert) (bool, error) {
	tag, err := r.s.q(ctx).Exec(ctx, `INSERT INTO ops_alerts(event_id, order_id, type, severity, code, message, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (event_id) DO NOTHING`,
		a.EventID, a.OrderID, a.Type, a.Severity, a.Code, a.Message, a.OccurredAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Alerts) Recent(ctx context.Context, limit int) ([]opsalert.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.s.q(ctx).Query(ctx, `SELECT event_id, order_id, type, severity, code, message, occurred_at
		FROM ops_alerts ORDER BY received_at DESC, event_id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []opsalert.Alert
	for rows.Next() {
		var a opsalert.Alert
		if err := rows.Scan(&a.EventID, &a.OrderID, &a.Type, &a.Severity, &a.Code, &a.Message, &a.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
