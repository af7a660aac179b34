package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Writer stages facts inside the caller's transaction. A record committed
// here is guaranteed to describe a state change that actually committed, and
// vice versa.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append inserts one outbox record in tx. The event id is assigned here so
// consumers can deduplicate across relay republishes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, taskID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO outbox(event_id,task_id,tenant_id,type,payload_json,created_at) VALUES (?,?,?,?,?,?)`,
		uuid.New().String(), taskID, tenantID, evtType, string(data), ts)
	return err
}
