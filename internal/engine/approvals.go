package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentline/internal/domain"
)

// Approval verdicts carried in the signed fact.
const (
	VerdictApprove = "approve"
	VerdictDeny    = "deny"
)

// ApprovalClaims is the authenticated approval fact. Resuming a suspended
// task requires this token; there is no direct state write path.
type ApprovalClaims struct {
	TaskID   string `json:"task_id"`
	Approver string `json:"approver"`
	Verdict  string `json:"verdict"`
	jwt.RegisteredClaims
}

// SignApproval mints an HMAC-signed approval fact for a suspended task.
func SignApproval(key []byte, taskID, approver, verdict string, now time.Time, ttl time.Duration) (string, error) {
	if verdict != VerdictApprove && verdict != VerdictDeny {
		return "", fmt.Errorf("invalid verdict %q", verdict)
	}
	claims := ApprovalClaims{
		TaskID:   taskID,
		Approver: approver,
		Verdict:  verdict,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func parseApproval(key []byte, token string, now func() time.Time) (ApprovalClaims, error) {
	var claims ApprovalClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithTimeFunc(now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return claims, fmt.Errorf("verify approval token: %w", err)
	}
	if !parsed.Valid {
		return claims, errors.New("invalid approval token")
	}
	return claims, nil
}

// SubmitApproval verifies a signed approval fact and resumes or dead-letters
// the suspended task. Verification failure leaves the task suspended.
func (e Engine) SubmitApproval(ctx context.Context, token string) (domain.Task, error) {
	key := []byte(e.Config.Approvals.SigningKey)
	if len(key) == 0 {
		return domain.Task{}, errors.New("approvals signing key not configured")
	}
	claims, err := parseApproval(key, token, e.now)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, claims.TaskID)
	if err != nil {
		return t, err
	}
	if !t.WaitingApproval {
		return t, fmt.Errorf("task %s is not awaiting approval", t.ID)
	}

	if claims.Verdict == VerdictDeny {
		if err := e.deadLetter(ctx, t, []domain.State{domain.StateRunning}, fmt.Sprintf("approval denied by %s", claims.Approver)); err != nil {
			return t, err
		}
		return e.Repo.GetTask(ctx, t.ID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	resumed, err := e.Repo.ResumeApprovalTx(ctx, tx, t.ID, e.nowMs(), e.nowStr())
	if err != nil {
		return t, err
	}
	if !resumed {
		return t, fmt.Errorf("task %s is not awaiting approval", t.ID)
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.Log.Info("task approved", "task_id", t.ID, "approver", claims.Approver)
	return e.Repo.GetTask(ctx, t.ID)
}

// RequireApproval suspends a RUNNING task pending an approval fact. The lease
// is released; the reaper ignores suspended tasks.
func (e Engine) RequireApproval(ctx context.Context, taskID, workerID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SuspendApprovalTx(ctx, tx, taskID, workerID, e.nowStr()); err != nil {
		return err
	}
	return tx.Commit()
}
