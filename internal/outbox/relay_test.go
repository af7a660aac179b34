package outbox_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/migrate"
	"agentline/internal/outbox"
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
	return conn
}

func stage(t *testing.T, conn *sql.DB, taskID, evtType string) {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	w := outbox.Writer{}
	if err := w.Append(context.Background(), tx, evtType, "acme", taskID, outbox.Payload{"task_id": taskID}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func unpublishedCount(t *testing.T, conn *sql.DB) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n); err != nil {
		t.Fatalf("count unpublished: %v", err)
	}
	return n
}

func TestRelayPublishesInOrder(t *testing.T) {
	conn := openDB(t)
	stage(t, conn, "t1", "task.created")
	stage(t, conn, "t1", "task.completed")
	stage(t, conn, "t2", "task.created")

	var got []domain.Event
	relay := &outbox.Relay{
		DB: conn,
		Transport: outbox.TransportFunc(func(ctx context.Context, evt domain.Event) error {
			got = append(got, evt)
			return nil
		}),
	}
	n, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 3 || len(got) != 3 {
		t.Fatalf("expected 3 published, got n=%d delivered=%d", n, len(got))
	}
	if got[0].Type != "task.created" || got[0].TaskID != "t1" || got[1].Type != "task.completed" {
		t.Fatalf("events out of creation order: %+v", got)
	}
	if got[0].EventID == "" || got[0].EventID == got[1].EventID {
		t.Fatalf("event ids must be unique and assigned at write time")
	}

	// A second pass finds nothing: publishing marked the records.
	n, err = relay.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected empty second pass, got n=%d err=%v", n, err)
	}
}

func TestFailedPublishKeepsRecord(t *testing.T) {
	conn := openDB(t)
	stage(t, conn, "t1", "task.created")
	stage(t, conn, "t1", "task.completed")
	stage(t, conn, "t1", "task.failed")

	boom := errors.New("endpoint down")
	calls := 0
	relay := &outbox.Relay{
		DB: conn,
		Transport: outbox.TransportFunc(func(ctx context.Context, evt domain.Event) error {
			calls++
			if calls == 2 {
				return boom
			}
			return nil
		}),
	}
	n, err := relay.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 published before the failure, got %d", n)
	}
	// The failed record and everything behind it stay unpublished so ordering
	// per task is preserved.
	if unpublishedCount(t, conn) != 2 {
		t.Fatalf("expected 2 unpublished records, got %d", unpublishedCount(t, conn))
	}

	n, err = relay.RunOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected recovery pass to publish 2, got n=%d err=%v", n, err)
	}
	if unpublishedCount(t, conn) != 0 {
		t.Fatalf("records left behind after recovery")
	}
}

func TestRedeliveryKeepsEventID(t *testing.T) {
	conn := openDB(t)
	stage(t, conn, "t1", "task.created")

	var delivered []string
	fail := true
	relay := &outbox.Relay{
		DB: conn,
		Transport: outbox.TransportFunc(func(ctx context.Context, evt domain.Event) error {
			delivered = append(delivered, evt.EventID)
			if fail {
				return errors.New("publish lost")
			}
			return nil
		}),
	}
	if _, err := relay.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected first pass to fail")
	}
	fail = false
	if _, err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(delivered) != 2 || delivered[0] != delivered[1] {
		t.Fatalf("redelivery must reuse the event id so consumers can dedup: %v", delivered)
	}
}

func TestPurgePublished(t *testing.T) {
	conn := openDB(t)
	stage(t, conn, "t1", "task.created")
	stage(t, conn, "t2", "task.created")

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	relay := &outbox.Relay{
		DB:        conn,
		Transport: outbox.TransportFunc(func(ctx context.Context, evt domain.Event) error { return nil }),
		Now:       func() time.Time { return now },
	}
	if _, err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	stage(t, conn, "t3", "task.created") // still unpublished

	cutoff := now.Add(time.Hour).UTC().Format(time.RFC3339)
	deleted, err := relay.PurgePublished(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 purged, got %d", deleted)
	}
	if unpublishedCount(t, conn) != 1 {
		t.Fatalf("purge must never touch unpublished records")
	}
}
