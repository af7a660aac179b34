package outbox

import (
	"context"
	"database/sql"
	"time"

	"agentline/internal/domain"
	"agentline/internal/logging"
)

// Transport is the at-least-once event transport the relay publishes to.
type Transport interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Relay moves committed outbox records to the transport in creation order.
// Publish happens before mark-published, so a crash between the two causes a
// republish on the next pass; consumers are expected to deduplicate.
type Relay struct {
	DB        *sql.DB
	Transport Transport
	Log       logging.Logger
	BatchSize int
	Interval  time.Duration
	Now       func() time.Time
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RunOnce relays one batch and returns how many records it published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	batch := r.BatchSize
	if batch <= 0 {
		batch = 100
	}
	records, err := r.listUnpublished(ctx, batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, rec := range records {
		evt := domain.Event{
			EventID:    rec.EventID,
			TenantID:   rec.TenantID,
			TaskID:     rec.TaskID,
			Type:       rec.Type,
			Payload:    rec.PayloadJSON,
			OccurredAt: rec.CreatedAt,
		}
		if err := r.Transport.Publish(ctx, evt); err != nil {
			// Leave the record unpublished; the next pass retries it. Stop the
			// batch to preserve per-task ordering.
			return published, err
		}
		if err := r.markPublished(ctx, rec.ID); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := r.RunOnce(ctx)
		if err != nil && r.Log != nil {
			r.Log.Warn("relay pass failed", "error", err, "published", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Relay) listUnpublished(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,event_id,task_id,tenant_id,type,payload_json,created_at FROM outbox
WHERE published_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []domain.OutboxRecord
	for rows.Next() {
		var rec domain.OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.TaskID, &rec.TenantID, &rec.Type, &rec.PayloadJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Relay) markPublished(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET published_at=? WHERE id=? AND published_at IS NULL`,
		r.now().UTC().Format(time.RFC3339), id)
	return err
}

// PurgePublished deletes records published before cutoff; retention is the
// caller's policy.
func (r *Relay) PurgePublished(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at<?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
