package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"agentline/internal/domain"
	"agentline/internal/repo"
)

// DLQ reads and replays dead-lettered deliveries.
type DLQ struct {
	DB  *sql.DB
	Now func() time.Time
}

func (q DLQ) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q DLQ) List(ctx context.Context, includeReplayed bool, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.DB.QueryContext(ctx, `SELECT id,consumer_id,event_id,idempotency_key,payload_json,error,retry_count,created_at,replayed_at
FROM dead_letters WHERE (? OR replayed_at IS NULL) ORDER BY id LIMIT ?`, includeReplayed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.DeadLetter
	for rows.Next() {
		var d domain.DeadLetter
		var idemKey, replayedAt sql.NullString
		if err := rows.Scan(&d.ID, &d.ConsumerID, &d.EventID, &idemKey, &d.PayloadJSON, &d.Error, &d.RetryCount, &d.CreatedAt, &replayedAt); err != nil {
			return nil, err
		}
		if idemKey.Valid {
			d.IdempotencyKey = idemKey.String
		}
		if replayedAt.Valid {
			d.ReplayedAt = &replayedAt.String
		}
		entries = append(entries, d)
	}
	return entries, rows.Err()
}

func (q DLQ) Get(ctx context.Context, id int64) (domain.DeadLetter, error) {
	var d domain.DeadLetter
	var idemKey, replayedAt sql.NullString
	err := q.DB.QueryRowContext(ctx, `SELECT id,consumer_id,event_id,idempotency_key,payload_json,error,retry_count,created_at,replayed_at
FROM dead_letters WHERE id=?`, id).Scan(&d.ID, &d.ConsumerID, &d.EventID, &idemKey, &d.PayloadJSON, &d.Error, &d.RetryCount, &d.CreatedAt, &replayedAt)
	if err == sql.ErrNoRows {
		return d, repo.ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if idemKey.Valid {
		d.IdempotencyKey = idemKey.String
	}
	if replayedAt.Valid {
		d.ReplayedAt = &replayedAt.String
	}
	return d, nil
}

// Replay re-injects a dead-lettered delivery through the consumer as a fresh
// attempt. The event keeps its original id, so inbox dedup still applies and
// replay cannot duplicate effects that already committed.
func (q DLQ) Replay(ctx context.Context, id int64, c *Consumer) error {
	entry, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	evt, err := decodeEvent(entry.PayloadJSON)
	if err != nil {
		return err
	}
	if err := c.Handle(ctx, evt); err != nil {
		return err
	}
	_, err = q.DB.ExecContext(ctx, `UPDATE dead_letters SET replayed_at=? WHERE id=?`,
		q.now().UTC().Format(time.RFC3339), id)
	return err
}

func encodeEvent(evt domain.Event) string {
	b, err := json.Marshal(evt)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeEvent(payload string) (domain.Event, error) {
	var evt domain.Event
	err := json.Unmarshal([]byte(payload), &evt)
	return evt, err
}
