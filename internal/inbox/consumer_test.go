package inbox_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/inbox"
	"agentline/internal/migrate"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`CREATE TABLE handled(event_id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create handled: %v", err)
	}
	return conn
}

func event(id string) domain.Event {
	return domain.Event{
		EventID:    id,
		TenantID:   "acme",
		TaskID:     "t1",
		Type:       "task.completed",
		Payload:    `{"task_id":"t1"}`,
		OccurredAt: "2026-01-01T00:00:00Z",
	}
}

// recordHandler inserts into the handled table inside the delivery
// transaction, the same shape real consumers use for their side effect.
func recordHandler(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO handled(event_id) VALUES (?)`, evt.EventID)
	return err
}

func handledCount(t *testing.T, conn *sql.DB) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM handled`).Scan(&n); err != nil {
		t.Fatalf("count handled: %v", err)
	}
	return n
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	conn := openDB(t)
	calls := 0
	c := &inbox.Consumer{
		DB: conn,
		ID: "audit",
		Handler: func(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
			calls++
			return recordHandler(ctx, tx, evt)
		},
	}
	ctx := context.Background()
	if err := c.Handle(ctx, event("evt-1")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := c.Handle(ctx, event("evt-1")); err != nil {
		t.Fatalf("duplicate delivery must acknowledge cleanly: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times for one event id", calls)
	}
	if handledCount(t, conn) != 1 {
		t.Fatalf("side effect duplicated")
	}
}

func TestFailedAttemptRollsBackSideEffect(t *testing.T) {
	conn := openDB(t)
	calls := 0
	c := &inbox.Consumer{
		DB:         conn,
		ID:         "audit",
		MaxRetries: 2,
		Sleep:      func(time.Duration) {},
		Handler: func(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
			calls++
			if err := recordHandler(ctx, tx, evt); err != nil {
				return err
			}
			if calls == 1 {
				return errors.New("transient")
			}
			return nil
		},
	}
	if err := c.Handle(context.Background(), event("evt-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a retry after rollback, got %d calls", calls)
	}
	// The failed attempt left neither the side effect nor the inbox record,
	// which is what made the retry possible.
	if handledCount(t, conn) != 1 {
		t.Fatalf("expected exactly one committed side effect, got %d", handledCount(t, conn))
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	conn := openDB(t)
	var delays []time.Duration
	c := &inbox.Consumer{
		DB:         conn,
		ID:         "audit",
		MaxRetries: 4,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   300 * time.Millisecond,
		Sleep:      func(d time.Duration) { delays = append(delays, d) },
		Handler: func(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
			return errors.New("always fails")
		},
	}
	if err := c.Handle(context.Background(), event("evt-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d: expected %v, got %v", i, want[i], delays[i])
		}
	}
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	conn := openDB(t)
	c := &inbox.Consumer{
		DB:         conn,
		ID:         "audit",
		MaxRetries: 3,
		Sleep:      func(time.Duration) {},
		Handler: func(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
			return errors.New("poison message")
		},
	}
	if err := c.Handle(context.Background(), event("evt-1")); err != nil {
		t.Fatalf("dead-lettering must acknowledge the delivery: %v", err)
	}

	q := inbox.DLQ{DB: conn}
	entries, err := q.List(context.Background(), false, 10)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	d := entries[0]
	if d.ConsumerID != "audit" || d.EventID != "evt-1" || d.RetryCount != 3 {
		t.Fatalf("dead letter misrecorded: %+v", d)
	}
	if d.Error != "poison message" {
		t.Fatalf("dead letter must keep the last error, got %q", d.Error)
	}
}

func TestReplayDeadLetter(t *testing.T) {
	conn := openDB(t)
	broken := true
	calls := 0
	c := &inbox.Consumer{
		DB:         conn,
		ID:         "audit",
		MaxRetries: 2,
		Sleep:      func(time.Duration) {},
		Handler: func(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
			calls++
			if broken {
				return errors.New("downstream outage")
			}
			return recordHandler(ctx, tx, evt)
		},
	}
	ctx := context.Background()
	if err := c.Handle(ctx, event("evt-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	q := inbox.DLQ{DB: conn}
	entries, err := q.List(ctx, false, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d err=%v", len(entries), err)
	}

	broken = false
	if err := q.Replay(ctx, entries[0].ID, c); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if handledCount(t, conn) != 1 {
		t.Fatalf("replay did not apply the side effect")
	}

	entries, err = q.List(ctx, false, 10)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("replayed entry still listed as pending")
	}

	// Replaying again keeps the original event id, so dedup absorbs it.
	all, err := q.List(ctx, true, 10)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected replayed entry retained, got %d err=%v", len(all), err)
	}
	before := calls
	if err := q.Replay(ctx, all[0].ID, c); err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if calls != before {
		t.Fatalf("second replay re-ran the handler")
	}
	if handledCount(t, conn) != 1 {
		t.Fatalf("second replay duplicated the side effect")
	}
}

func TestReplaySkipsAlreadyProcessedEvent(t *testing.T) {
	// A crash after the handler committed but before the relay marked the
	// record produces a dead letter for work that already happened. Replay
	// must not repeat it.
	conn := openDB(t)
	calls := 0
	c := &inbox.Consumer{
		DB: conn,
		ID: "audit",
		Handler: func(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
			calls++
			return recordHandler(ctx, tx, evt)
		},
	}
	ctx := context.Background()
	if err := c.Handle(ctx, event("evt-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if _, err := conn.Exec(`INSERT INTO dead_letters(consumer_id,event_id,idempotency_key,payload_json,error,retry_count,created_at)
VALUES ('audit','evt-1','evt-1',?, 'late failure',2,'2026-01-01T00:00:00Z')`,
		`{"event_id":"evt-1","tenant_id":"acme","task_id":"t1","type":"task.completed","payload":"{}","occurred_at":"2026-01-01T00:00:00Z"}`); err != nil {
		t.Fatalf("seed dead letter: %v", err)
	}

	q := inbox.DLQ{DB: conn}
	entries, err := q.List(ctx, false, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d err=%v", len(entries), err)
	}
	if err := q.Replay(ctx, entries[0].ID, c); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if calls != 1 {
		t.Fatalf("replay re-ran an already processed event")
	}
}
