package repo

import (
	"context"
	"database/sql"
	"errors"

	"agentline/internal/domain"
)

// Repo is the durable task store. All mutations that pair with an outbox fact
// take a *sql.Tx so the engine can commit both in one atomic unit.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrLeaseLost is returned when a conditional update finds the caller no
// longer holds the lease. The worker must stop without assuming any side
// effect it attempted was committed.
var ErrLeaseLost = errors.New("lease lost")

const taskColumns = `id,tenant_id,pack_id,pack_version,idempotency_key,state,attempt_count,lease_owner,lease_expiry,ready_at,cancel_requested,waiting_approval,approval_granted,payload_json,last_error,created_at,updated_at,started_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var leaseOwner, lastError, startedAt, completedAt sql.NullString
	var cancelRequested, waitingApproval, approvalGranted int
	err := row.Scan(&t.ID, &t.TenantID, &t.PackID, &t.PackVersion, &t.IdempotencyKey,
		&t.State, &t.AttemptCount, &leaseOwner, &t.LeaseExpiry, &t.ReadyAt,
		&cancelRequested, &waitingApproval, &approvalGranted, &t.PayloadJSON, &lastError,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if leaseOwner.Valid {
		t.LeaseOwner = &leaseOwner.String
	}
	if lastError.Valid {
		t.LastError = &lastError.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	t.CancelRequested = cancelRequested != 0
	t.WaitingApproval = waitingApproval != 0
	t.ApprovalGranted = approvalGranted != 0
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// GetTaskByIdempotencyKeyTx reads through the caller's transaction so the
// duplicate-create path never opens a second connection against the row it
// just collided with.
func (r Repo) GetTaskByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, tenantID, key string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tenant_id=? AND idempotency_key=?`, tenantID, key))
}

// InsertTaskTx inserts a task, resolving duplicate (tenant, idempotency_key)
// pairs structurally: the unique index plus ON CONFLICT DO NOTHING means a
// racing duplicate create can never produce a second row. Returns false when
// the pair already existed.
func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id, idempotency_key) DO NOTHING`,
		t.ID, t.TenantID, t.PackID, t.PackVersion, t.IdempotencyKey,
		t.State, t.AttemptCount, t.LeaseOwner, t.LeaseExpiry, t.ReadyAt,
		boolInt(t.CancelRequested), boolInt(t.WaitingApproval), boolInt(t.ApprovalGranted), t.PayloadJSON, t.LastError,
		t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListLeasable returns ids of tasks a worker may try to lease, strict FIFO by
// ready time then id so retried work and fresh work share one queue.
func (r Repo) ListLeasable(ctx context.Context, nowMs int64, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks
WHERE cancel_requested=0 AND waiting_approval=0
  AND ( (state IN ('QUEUED','RETRY') AND ready_at<=? AND (lease_owner IS NULL OR lease_expiry<?))
     OR (state='RUNNING' AND lease_owner IS NULL) )
ORDER BY ready_at, id LIMIT ?`, nowMs, nowMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AcquireLease is the single concurrency-control primitive: one conditional
// update that succeeds for exactly one caller. The attempt counter increments
// on every QUEUED/RETRY acquisition; resuming an approved RUNNING task does
// not burn an attempt.
func (r Repo) AcquireLease(ctx context.Context, id, owner string, nowMs, expiryMs int64, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET
  state='RUNNING',
  lease_owner=?,
  lease_expiry=?,
  attempt_count=attempt_count + (CASE WHEN state='RUNNING' THEN 0 ELSE 1 END),
  started_at=COALESCE(started_at, ?),
  updated_at=?
WHERE id=? AND cancel_requested=0 AND waiting_approval=0
  AND ( (state IN ('QUEUED','RETRY') AND ready_at<=? AND (lease_owner IS NULL OR lease_expiry<?))
     OR (state='RUNNING' AND lease_owner IS NULL) )`,
		owner, expiryMs, now, now, id, nowMs, nowMs)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Heartbeat extends the caller's lease. ErrLeaseLost when the lease has been
// reclaimed or the task has moved on.
func (r Repo) Heartbeat(ctx context.Context, id, owner string, nowMs, expiryMs int64, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET lease_expiry=?, updated_at=?
WHERE id=? AND state='RUNNING' AND lease_owner=? AND lease_expiry>=?`,
		expiryMs, now, id, owner, nowMs)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CompleteTx moves RUNNING -> DONE for the lease holder.
func (r Repo) CompleteTx(ctx context.Context, tx *sql.Tx, id, owner, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state='DONE', lease_owner=NULL, lease_expiry=0, completed_at=?, updated_at=?
WHERE id=? AND state='RUNNING' AND lease_owner=?`, now, now, id, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RetryTx moves RUNNING -> RETRY for the lease holder, parking the task until
// readyAtMs.
func (r Repo) RetryTx(ctx context.Context, tx *sql.Tx, id, owner string, readyAtMs int64, lastError, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state='RETRY', lease_owner=NULL, lease_expiry=0, ready_at=?, last_error=?, updated_at=?
WHERE id=? AND state='RUNNING' AND lease_owner=?`, readyAtMs, lastError, now, id, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReclaimTx moves RUNNING -> RETRY without an owner check; the reaper uses it
// for tasks whose lease expired without a heartbeat.
func (r Repo) ReclaimTx(ctx context.Context, tx *sql.Tx, id string, expiryBeforeMs, readyAtMs int64, lastError, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state='RETRY', lease_owner=NULL, lease_expiry=0, ready_at=?, last_error=?, updated_at=?
WHERE id=? AND state='RUNNING' AND lease_expiry>0 AND lease_expiry<?`, readyAtMs, lastError, now, id, expiryBeforeMs)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailDeadLetterTx drains a task to FAILED and then DEAD_LETTER in one
// update; FAILED never persists. The caller appends one outbox fact for each
// transition. No owner check: the reaper, the approval-deny path, and the
// overdue sweep all act on tasks whose lease is absent or irrelevant.
func (r Repo) FailDeadLetterTx(ctx context.Context, tx *sql.Tx, id string, fromStates []domain.State, lastError, now string) (bool, error) {
	query := `UPDATE tasks SET state='DEAD_LETTER', lease_owner=NULL, lease_expiry=0, waiting_approval=0, last_error=?, completed_at=?, updated_at=?
WHERE id=? AND state IN (` + statePlaceholders(len(fromStates)) + `)`
	args := []any{lastError, now, now, id}
	for _, s := range fromStates {
		args = append(args, string(s))
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailDeadLetterOwnedTx is the fenced form for a worker reporting its own
// terminal failure: the drain succeeds only while the worker still holds the
// lease, so a stale worker cannot dead-letter a task another owner has since
// acquired.
func (r Repo) FailDeadLetterOwnedTx(ctx context.Context, tx *sql.Tx, id, owner, lastError, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state='DEAD_LETTER', lease_owner=NULL, lease_expiry=0, waiting_approval=0, last_error=?, completed_at=?, updated_at=?
WHERE id=? AND state='RUNNING' AND lease_owner=?`, lastError, now, now, id, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelTx finalizes cancellation from any non-terminal state.
func (r Repo) CancelTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state='CANCELLED', lease_owner=NULL, lease_expiry=0, cancel_requested=0, waiting_approval=0, completed_at=?, updated_at=?
WHERE id=? AND state IN ('QUEUED','RETRY','RUNNING')`, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequestCancel flags a RUNNING task for cooperative cancellation; the
// in-flight call is not aborted, its result is discarded at the next check.
func (r Repo) RequestCancel(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET cancel_requested=1, updated_at=? WHERE id=? AND state='RUNNING'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SuspendApprovalTx parks a RUNNING task pending an approval fact. The lease
// is released so the reaper leaves the task alone while it waits.
func (r Repo) SuspendApprovalTx(ctx context.Context, tx *sql.Tx, id, owner, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET waiting_approval=1, lease_owner=NULL, lease_expiry=0, updated_at=?
WHERE id=? AND state='RUNNING' AND lease_owner=?`, now, id, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ResumeApprovalTx clears the suspension after a verified approval fact. The
// granted flag persists so the authorizer does not suspend the task again.
func (r Repo) ResumeApprovalTx(ctx context.Context, tx *sql.Tx, id string, readyAtMs int64, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET waiting_approval=0, approval_granted=1, ready_at=?, updated_at=?
WHERE id=? AND state='RUNNING' AND waiting_approval=1`, readyAtMs, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListExpiredRunning returns tasks whose lease expired without a heartbeat.
func (r Repo) ListExpiredRunning(ctx context.Context, nowMs int64, limit int) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE state='RUNNING' AND waiting_approval=0 AND lease_expiry>0 AND lease_expiry<? LIMIT ?`, nowMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListOverdue returns tasks past the wall-clock duration budget regardless of
// heartbeat health.
func (r Repo) ListOverdue(ctx context.Context, startedBefore string, limit int) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE state IN ('RUNNING','RETRY') AND started_at IS NOT NULL AND started_at<? LIMIT ?`, startedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r Repo) ListTasks(ctx context.Context, tenantID string, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE (?='' OR tenant_id=?) ORDER BY created_at DESC, id DESC LIMIT ?`, tenantID, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func statePlaceholders(n int) string {
	out := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
