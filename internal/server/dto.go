package server

import (
	"encoding/json"

	"agentline/internal/composer"
	"agentline/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	TenantID       string         `json:"tenant_id"`
	PackID         string         `json:"pack_id"`
	PackVersion    *string        `json:"pack_version,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Payload        map[string]any `json:"payload,omitempty"`
}

type SubmitApprovalRequest struct {
	Token string `json:"token"`
}

type ComposeRequest struct {
	PackID  string                   `json:"pack_id"`
	Version string                   `json:"version"`
	Layers  []composer.LayerDocument `json:"layers"`
}

// Response payloads

type TaskResponse struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	PackID          string         `json:"pack_id"`
	PackVersion     string         `json:"pack_version"`
	State           string         `json:"state" enum:"QUEUED,RUNNING,RETRY,DONE,FAILED,CANCELLED,DEAD_LETTER"`
	AttemptCount    int            `json:"attempt_count"`
	CancelRequested bool           `json:"cancel_requested"`
	WaitingApproval bool           `json:"waiting_approval"`
	Payload         map[string]any `json:"payload,omitempty"`
	LastError       *string        `json:"last_error,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
	StartedAt       *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string        `json:"completed_at,omitempty" format:"date-time"`
}

type PackVersionResponse struct {
	PackID      string            `json:"pack_id"`
	Version     string            `json:"version"`
	ContentHash string            `json:"content_hash"`
	Provenance  map[string]string `json:"provenance,omitempty"`
	PublishedAt string            `json:"published_at" format:"date-time"`
}

type DeadLetterResponse struct {
	ID         int64   `json:"id"`
	ConsumerID string  `json:"consumer_id"`
	EventID    string  `json:"event_id"`
	Error      string  `json:"error"`
	RetryCount int     `json:"retry_count"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ReplayedAt *string `json:"replayed_at,omitempty" format:"date-time"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		TenantID:        t.TenantID,
		PackID:          t.PackID,
		PackVersion:     t.PackVersion,
		State:           string(t.State),
		AttemptCount:    t.AttemptCount,
		CancelRequested: t.CancelRequested,
		WaitingApproval: t.WaitingApproval,
		Payload:         decodeJSONMap(t.PayloadJSON),
		LastError:       t.LastError,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func mapTasks(in []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(in))
	for _, t := range in {
		out = append(out, taskResponse(t))
	}
	return out
}

func packVersionResponse(pv domain.PackVersion) PackVersionResponse {
	var prov map[string]string
	if pv.ProvenanceJSON != "" {
		_ = json.Unmarshal([]byte(pv.ProvenanceJSON), &prov)
	}
	return PackVersionResponse{
		PackID:      pv.PackID,
		Version:     pv.Version,
		ContentHash: pv.ContentHash,
		Provenance:  prov,
		PublishedAt: pv.PublishedAt,
	}
}

func deadLetterResponse(d domain.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse{
		ID:         d.ID,
		ConsumerID: d.ConsumerID,
		EventID:    d.EventID,
		Error:      d.Error,
		RetryCount: d.RetryCount,
		CreatedAt:  d.CreatedAt,
		ReplayedAt: d.ReplayedAt,
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
