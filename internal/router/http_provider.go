package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider calls a model gateway over HTTP. The gateway resolves model
// names to actual backends; this client only carries the request through.
type HTTPProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type invokeRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Input  string `json:"input"`
}

type invokeResponse struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func (p *HTTPProvider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 120 * time.Second}
}

func (p *HTTPProvider) Invoke(ctx context.Context, model string, req Request) (Response, error) {
	body, err := json.Marshal(invokeRequest{Model: model, System: req.System, Input: req.Input})
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := p.client().Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("model gateway returned %d for %s", resp.StatusCode, model)
	}
	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, err
	}
	return Response{
		Text:         out.Text,
		Model:        model,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
	}, nil
}
