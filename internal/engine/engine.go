package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"agentline/internal/config"
	"agentline/internal/domain"
	"agentline/internal/logging"
	"agentline/internal/outbox"
	"agentline/internal/repo"
)

// Engine drives task state transitions. Every transition with an externally
// observable consequence writes its outbox fact in the same transaction as
// the state write.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Outbox outbox.Writer
	Config *config.Config
	Log    logging.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Outbox: outbox.Writer{},
		Config: cfg,
		Log:    logging.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowMs() int64   { return e.now().UnixMilli() }
func (e Engine) nowStr() string { return e.now().UTC().Format(time.RFC3339) }

// CreateTaskOptions are parameters for the command intake.
type CreateTaskOptions struct {
	TenantID       string
	PackID         string
	PackVersion    string // empty pins the registry's current pointer
	IdempotencyKey string
	PayloadJSON    string
}

// CreateTask creates a task, or resolves a duplicate (tenant, idempotency_key)
// pair to the existing task. The second return reports whether a new task was
// created; only a genuinely new task emits task.created.
func (e Engine) CreateTask(ctx context.Context, opts CreateTaskOptions) (domain.Task, bool, error) {
	if opts.TenantID == "" {
		return domain.Task{}, false, errors.New("tenant is required")
	}
	if opts.PackID == "" {
		return domain.Task{}, false, errors.New("pack is required")
	}
	if opts.IdempotencyKey == "" {
		return domain.Task{}, false, errors.New("idempotency key is required")
	}
	if opts.PayloadJSON == "" {
		opts.PayloadJSON = "{}"
	}

	// Pin the pack version at creation so a later current-pointer move cannot
	// swap configuration mid-flight.
	version := opts.PackVersion
	if version == "" {
		pv, err := e.Repo.CurrentPackVersion(ctx, opts.PackID)
		if err != nil {
			return domain.Task{}, false, fmt.Errorf("resolve pack %s: %w", opts.PackID, err)
		}
		version = pv.Version
	} else if _, err := e.Repo.GetPackVersion(ctx, opts.PackID, version); err != nil {
		return domain.Task{}, false, fmt.Errorf("pack %s@%s: %w", opts.PackID, version, err)
	}

	now := e.nowStr()
	t := domain.Task{
		ID:             uuid.New().String(),
		TenantID:       opts.TenantID,
		PackID:         opts.PackID,
		PackVersion:    version,
		IdempotencyKey: opts.IdempotencyKey,
		State:          domain.StateQueued,
		ReadyAt:        e.nowMs(),
		PayloadJSON:    opts.PayloadJSON,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer tx.Rollback()

	inserted, err := e.Repo.InsertTaskTx(ctx, tx, t)
	if err != nil {
		return domain.Task{}, false, err
	}
	if !inserted {
		// The unique index resolved the race; hand back the original row. The
		// read goes through the open transaction so it cannot contend with it.
		existing, err := e.Repo.GetTaskByIdempotencyKeyTx(ctx, tx, opts.TenantID, opts.IdempotencyKey)
		if err != nil {
			return domain.Task{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Task{}, false, err
		}
		return existing, false, nil
	}
	if err := e.Outbox.Append(ctx, tx, domain.EventTaskCreated, t.TenantID, t.ID, outbox.Payload{
		"pack_id":      t.PackID,
		"pack_version": t.PackVersion,
	}); err != nil {
		return domain.Task{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

// AcquireNext tries to win a lease on the oldest ready task. Any number of
// workers may call this concurrently; the conditional update in the store
// guarantees at most one active executor per task.
func (e Engine) AcquireNext(ctx context.Context, workerID string) (domain.Task, bool, error) {
	nowMs := e.nowMs()
	ids, err := e.Repo.ListLeasable(ctx, nowMs, 10)
	if err != nil {
		return domain.Task{}, false, err
	}
	expiry := e.now().Add(e.Config.LeaseDuration()).UnixMilli()
	for _, id := range ids {
		won, err := e.Repo.AcquireLease(ctx, id, workerID, nowMs, expiry, e.nowStr())
		if err != nil {
			return domain.Task{}, false, err
		}
		if !won {
			continue // another worker got there first
		}
		t, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			return domain.Task{}, false, err
		}
		return t, true, nil
	}
	return domain.Task{}, false, nil
}

// Heartbeat renews the worker's lease.
func (e Engine) Heartbeat(ctx context.Context, taskID, workerID string) error {
	expiry := e.now().Add(e.Config.LeaseDuration()).UnixMilli()
	return e.Repo.Heartbeat(ctx, taskID, workerID, e.nowMs(), expiry, e.nowStr())
}

// FinishSuccess reports a successful run. If cancellation was requested while
// the work was in flight, the result is discarded and the task finalizes as
// CANCELLED instead.
func (e Engine) FinishSuccess(ctx context.Context, taskID, workerID, resultJSON string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.CancelRequested {
		return e.finalizeCancel(ctx, t)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.CompleteTx(ctx, tx, taskID, workerID, e.nowStr()); err != nil {
		return err
	}
	if err := e.Outbox.Append(ctx, tx, domain.EventTaskCompleted, t.TenantID, t.ID, outbox.Payload{
		"result": resultJSON,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// FinishFailure reports a failed run. Recoverable failures park the task in
// RETRY with exponential backoff; the attempt counter may reach the configured
// budget there, and only the failure after that drains to FAILED then
// DEAD_LETTER. Terminal failures drain immediately.
func (e Engine) FinishFailure(ctx context.Context, taskID, workerID string, cause error, recoverable bool) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.CancelRequested {
		return e.finalizeCancel(ctx, t)
	}
	if recoverable && t.AttemptCount <= e.Config.Retry.MaxAttempts {
		readyAt := e.now().Add(e.backoffDelay(t.AttemptCount)).UnixMilli()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.RetryTx(ctx, tx, taskID, workerID, readyAt, cause.Error(), e.nowStr()); err != nil {
			return err
		}
		return tx.Commit()
	}
	return e.deadLetterOwned(ctx, t, workerID, cause.Error())
}

// deadLetter drains a task through FAILED into DEAD_LETTER, appending one
// fact per transition in the same atomic unit as the state write. It does not
// check lease ownership; the reaper, approval denial, and the overdue sweep
// act on tasks whose lease is absent or already forfeit.
func (e Engine) deadLetter(ctx context.Context, t domain.Task, from []domain.State, cause string) error {
	return e.drainDeadLetter(ctx, t, cause, func(ctx context.Context, tx *sql.Tx) (bool, error) {
		return e.Repo.FailDeadLetterTx(ctx, tx, t.ID, from, cause, e.nowStr())
	})
}

// deadLetterOwned is the fenced form for a worker reporting its own terminal
// failure: if the lease has moved to another owner, the drain is rejected and
// the stale worker sees ErrLeaseLost.
func (e Engine) deadLetterOwned(ctx context.Context, t domain.Task, workerID, cause string) error {
	return e.drainDeadLetter(ctx, t, cause, func(ctx context.Context, tx *sql.Tx) (bool, error) {
		return e.Repo.FailDeadLetterOwnedTx(ctx, tx, t.ID, workerID, cause, e.nowStr())
	})
}

func (e Engine) drainDeadLetter(ctx context.Context, t domain.Task, cause string, move func(context.Context, *sql.Tx) (bool, error)) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	moved, err := move(ctx, tx)
	if err != nil {
		return err
	}
	if !moved {
		return repo.ErrLeaseLost
	}
	if err := e.Outbox.Append(ctx, tx, domain.EventTaskFailed, t.TenantID, t.ID, outbox.Payload{
		"error":    cause,
		"attempts": t.AttemptCount,
	}); err != nil {
		return err
	}
	if err := e.Outbox.Append(ctx, tx, domain.EventTaskDeadLettered, t.TenantID, t.ID, outbox.Payload{
		"error": cause,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Cancel accepts cancellation in any non-terminal state. Waiting tasks
// finalize immediately; a task with an active executor is flagged and
// finalizes cooperatively at its next state check.
func (e Engine) Cancel(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.State.Terminal() {
		return t, fmt.Errorf("task %s already %s", t.ID, t.State)
	}
	if t.State == domain.StateRunning && t.LeaseOwner != nil {
		if _, err := e.Repo.RequestCancel(ctx, taskID, e.nowStr()); err != nil {
			return t, err
		}
		return e.Repo.GetTask(ctx, taskID)
	}
	if err := e.finalizeCancel(ctx, t); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

func (e Engine) finalizeCancel(ctx context.Context, t domain.Task) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	moved, err := e.Repo.CancelTx(ctx, tx, t.ID, e.nowStr())
	if err != nil {
		return err
	}
	if !moved {
		// Someone else finalized first; nothing left to report.
		return nil
	}
	if err := e.Outbox.Append(ctx, tx, domain.EventTaskCancelled, t.TenantID, t.ID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ReapExpired reclaims tasks whose lease expired without a heartbeat: back to
// RETRY while the attempt budget holds, otherwise FAILED and DEAD_LETTER.
func (e Engine) ReapExpired(ctx context.Context) (int, error) {
	tasks, err := e.Repo.ListExpiredRunning(ctx, e.nowMs(), 100)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, t := range tasks {
		if t.CancelRequested {
			if err := e.finalizeCancel(ctx, t); err != nil {
				return reaped, err
			}
			reaped++
			continue
		}
		if t.AttemptCount > e.Config.Retry.MaxAttempts {
			if err := e.deadLetter(ctx, t, []domain.State{domain.StateRunning}, "lease expired after final attempt"); err != nil {
				return reaped, err
			}
			reaped++
			continue
		}
		readyAt := e.now().Add(e.backoffDelay(t.AttemptCount)).UnixMilli()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return reaped, err
		}
		moved, err := e.Repo.ReclaimTx(ctx, tx, t.ID, e.nowMs(), readyAt, "lease expired without heartbeat", e.nowStr())
		if err != nil {
			tx.Rollback()
			return reaped, err
		}
		if err := tx.Commit(); err != nil {
			return reaped, err
		}
		if moved {
			reaped++
			e.Log.Info("lease reclaimed", "task_id", t.ID, "attempt", t.AttemptCount)
		}
	}
	return reaped, nil
}

// ReapOverdue aborts tasks past the wall-clock duration budget regardless of
// heartbeat health.
func (e Engine) ReapOverdue(ctx context.Context) (int, error) {
	maxDur := e.Config.MaxTaskDuration()
	if maxDur <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-maxDur).UTC().Format(time.RFC3339)
	tasks, err := e.Repo.ListOverdue(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}
	aborted := 0
	for _, t := range tasks {
		err := e.deadLetter(ctx, t, []domain.State{domain.StateRunning, domain.StateRetry}, "max task duration exceeded")
		if err != nil && !errors.Is(err, repo.ErrLeaseLost) {
			return aborted, err
		}
		if err == nil {
			aborted++
		}
	}
	return aborted, nil
}

// backoffDelay doubles the base delay per attempt, capped, with jitter of up
// to half the computed delay.
func (e Engine) backoffDelay(attempt int) time.Duration {
	base := time.Duration(e.Config.Retry.BaseDelayMilli) * time.Millisecond
	max := time.Duration(e.Config.Retry.MaxDelayMilli) * time.Millisecond
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	delay += jitter
	if delay > max {
		delay = max
	}
	return delay
}
