package domain

// Task is one lease-governed unit of work. Lease and readiness timestamps are
// unix milliseconds so the store can compare them inside conditional updates;
// audit timestamps are RFC3339 strings.
type Task struct {
	ID              string  `json:"id"`
	TenantID        string  `json:"tenant_id"`
	PackID          string  `json:"pack_id"`
	PackVersion     string  `json:"pack_version"`
	IdempotencyKey  string  `json:"idempotency_key"`
	State           State   `json:"state"`
	AttemptCount    int     `json:"attempt_count"`
	LeaseOwner      *string `json:"lease_owner,omitempty"`
	LeaseExpiry     int64   `json:"lease_expiry,omitempty"`
	ReadyAt         int64   `json:"ready_at"`
	CancelRequested bool    `json:"cancel_requested"`
	WaitingApproval bool    `json:"waiting_approval"`
	ApprovalGranted bool    `json:"approval_granted"`
	PayloadJSON     string  `json:"payload_json"`
	LastError       *string `json:"last_error,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

// OutboxRecord stages one fact for the relay. It is written in the same
// transaction as the task state change it reports.
type OutboxRecord struct {
	ID          int64   `json:"id"`
	EventID     string  `json:"event_id"`
	TaskID      string  `json:"task_id"`
	TenantID    string  `json:"tenant_id"`
	Type        string  `json:"type"`
	PayloadJSON string  `json:"payload_json"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
}

// InboxRecord marks an event as processed by one consumer. Its presence makes
// any redelivery of that event a no-op for that consumer.
type InboxRecord struct {
	ConsumerID  string `json:"consumer_id"`
	EventID     string `json:"event_id"`
	ProcessedAt string `json:"processed_at" format:"date-time"`
}

// Event is the fact envelope carried on the transport.
type Event struct {
	EventID    string `json:"event_id"`
	TenantID   string `json:"tenant_id"`
	TaskID     string `json:"task_id"`
	Type       string `json:"type"`
	Payload    string `json:"payload"`
	OccurredAt string `json:"occurred_at" format:"date-time"`
}

// DeadLetter is a command or event that exhausted its retry budget, kept for
// inspection and replay.
type DeadLetter struct {
	ID             int64   `json:"id"`
	ConsumerID     string  `json:"consumer_id"`
	EventID        string  `json:"event_id"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	PayloadJSON    string  `json:"payload_json"`
	Error          string  `json:"error"`
	RetryCount     int     `json:"retry_count"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ReplayedAt     *string `json:"replayed_at,omitempty" format:"date-time"`
}

// PackVersion is one immutable published entry in the pack registry.
type PackVersion struct {
	PackID         string `json:"pack_id"`
	Version        string `json:"version"`
	ContentHash    string `json:"content_hash"`
	ConfigJSON     string `json:"config_json"`
	ProvenanceJSON string `json:"provenance_json"`
	PublishedAt    string `json:"published_at" format:"date-time"`
}

// Fact types published by the runtime.
const (
	EventTaskCreated      = "task.created"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventTaskCancelled    = "task.cancelled"
	EventTaskDeadLettered = "task.dead_lettered"
)
