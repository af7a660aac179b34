// Package inbox turns at-least-once delivery into effectively-once observable
// behavior: each consumer records processed event ids and inserts that record
// atomically with whatever side effect processing caused.
package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentline/internal/domain"
	"agentline/internal/logging"
)

// Handler applies an event's side effect inside the supplied transaction so
// it commits atomically with the inbox record.
type Handler func(ctx context.Context, tx *sql.Tx, evt domain.Event) error

// Consumer processes events with dedup, bounded retry, and dead-lettering.
type Consumer struct {
	DB         *sql.DB
	ID         string
	Handler    Handler
	Log        logging.Logger
	MaxRetries int           // default 5
	BaseDelay  time.Duration // default 200ms, doubled per retry
	MaxDelay   time.Duration // default 10s
	Now        func() time.Time
	Sleep      func(time.Duration) // injectable for tests
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Consumer) sleep(d time.Duration) {
	if c.Sleep != nil {
		c.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Handle processes one delivery. A previously processed event id acknowledges
// without reprocessing. Handler failures are retried with exponential backoff;
// exhaustion moves the delivery to the dead-letter table.
func (c *Consumer) Handle(ctx context.Context, evt domain.Event) error {
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	delay := c.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		processed, err := c.attempt(ctx, evt)
		if err == nil {
			if !processed && c.Log != nil {
				c.Log.Debug("duplicate delivery ignored", "consumer", c.ID, "event_id", evt.EventID)
			}
			return nil
		}
		lastErr = err
		if c.Log != nil {
			c.Log.Warn("handler failed", "consumer", c.ID, "event_id", evt.EventID, "attempt", attempt, "error", err)
		}
		if attempt < maxRetries {
			c.sleep(delay)
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
	if err := c.deadLetter(ctx, evt, lastErr, maxRetries); err != nil {
		return fmt.Errorf("dead-letter %s: %w", evt.EventID, err)
	}
	return nil
}

// attempt runs one delivery attempt. Returns processed=false when the inbox
// record already existed.
func (c *Consumer) attempt(ctx context.Context, evt domain.Event) (bool, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO inbox(consumer_id,event_id,processed_at) VALUES (?,?,?)
ON CONFLICT(consumer_id,event_id) DO NOTHING`,
		c.ID, evt.EventID, c.now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, tx.Commit()
	}
	if err := c.Handler(ctx, tx, evt); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (c *Consumer) deadLetter(ctx context.Context, evt domain.Event, cause error, retries int) error {
	_, err := c.DB.ExecContext(ctx, `INSERT INTO dead_letters(consumer_id,event_id,idempotency_key,payload_json,error,retry_count,created_at)
VALUES (?,?,?,?,?,?,?)`,
		c.ID, evt.EventID, evt.EventID, encodeEvent(evt), cause.Error(), retries,
		c.now().UTC().Format(time.RFC3339))
	return err
}
