package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agentline/internal/domain"
)

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, evt domain.Event) error

func (f TransportFunc) Publish(ctx context.Context, evt domain.Event) error {
	return f(ctx, evt)
}

// WebhookTransport POSTs each fact as JSON to a single endpoint. A non-2xx
// response is a publish failure, so the relay keeps the record unpublished
// and retries it on the next pass.
type WebhookTransport struct {
	Endpoint string
	Client   *http.Client
}

func (t *WebhookTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (t *WebhookTransport) Publish(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", evt.EventID)
	resp, err := t.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d for event %s", t.Endpoint, resp.StatusCode, evt.EventID)
	}
	return nil
}
