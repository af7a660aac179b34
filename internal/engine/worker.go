package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentline/internal/composer"
	"agentline/internal/domain"
	"agentline/internal/logging"
	"agentline/internal/repo"
	"agentline/internal/router"
	"agentline/internal/sandbox"
)

// Decision is an authorization verdict for a task action.
type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionDeny            Decision = "DENY"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
)

// Authorizer is the external authorization collaborator.
type Authorizer interface {
	Authorize(ctx context.Context, action string, t domain.Task) (Decision, error)
}

// ModelInvoker is the external model invocation collaborator; *router.Router
// satisfies it.
type ModelInvoker interface {
	Invoke(ctx context.Context, tenantID string, req router.Request) (router.Response, error)
}

// ToolExecutor is the external tool execution collaborator; *sandbox.Executor
// satisfies it.
type ToolExecutor interface {
	Execute(ctx context.Context, toolID string, args map[string]any, policy sandbox.Policy) (map[string]any, error)
}

// Worker polls for leasable tasks and executes them. Any number of workers
// may run against the same store.
type Worker struct {
	Engine       Engine
	ID           string
	Invoker      ModelInvoker
	Tools        ToolExecutor
	Authorizer   Authorizer
	Log          logging.Logger
	PollInterval time.Duration
}

// taskPayload is the command payload shape the worker understands.
type taskPayload struct {
	Input string `json:"input"`
	Tool  *struct {
		ID   string         `json:"id"`
		Args map[string]any `json:"args"`
	} `json:"tool,omitempty"`
}

// Run polls until the context is cancelled, sweeping expired leases and
// overdue tasks between polls.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	log := w.Log
	if log == nil {
		log = logging.Nop()
	}
	for {
		if _, err := w.Engine.ReapExpired(ctx); err != nil {
			log.Warn("reap expired leases", "error", err)
		}
		if _, err := w.Engine.ReapOverdue(ctx); err != nil {
			log.Warn("reap overdue tasks", "error", err)
		}
		t, ok, err := w.Engine.AcquireNext(ctx, w.ID)
		if err != nil {
			log.Warn("acquire", "error", err)
		}
		if ok {
			w.Execute(ctx, t)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Execute runs one leased task to its next transition. The heartbeat renews
// the lease in the background; losing it cancels the in-flight call, and the
// worker stops without assuming anything it attempted was committed.
func (w *Worker) Execute(ctx context.Context, t domain.Task) {
	log := w.Log
	if log == nil {
		log = logging.Nop()
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go w.heartbeat(runCtx, stop, t.ID)

	err := w.run(runCtx, t)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrLeaseLost):
		log.Warn("lease lost mid-execution", "task_id", t.ID, "worker", w.ID)
	default:
		log.Error("task execution", "task_id", t.ID, "error", err)
	}
}

func (w *Worker) heartbeat(ctx context.Context, stop context.CancelFunc, taskID string) {
	ticker := time.NewTicker(w.Engine.Config.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Engine.Heartbeat(ctx, taskID, w.ID); err != nil {
				stop()
				return
			}
		}
	}
}

func (w *Worker) run(ctx context.Context, t domain.Task) error {
	if t.CancelRequested {
		return w.Engine.finalizeCancel(ctx, t)
	}
	if w.Authorizer != nil {
		decision, err := w.Authorizer.Authorize(ctx, "task.execute", t)
		if err != nil {
			return w.Engine.FinishFailure(ctx, t.ID, w.ID, err, true)
		}
		switch decision {
		case DecisionDeny:
			return w.Engine.FinishFailure(ctx, t.ID, w.ID, errors.New("authorization denied"), false)
		case DecisionRequireApproval:
			return w.Engine.RequireApproval(ctx, t.ID, w.ID)
		}
	}

	cfg, err := w.loadConfig(ctx, t)
	if err != nil {
		// A task pinned to a missing or corrupt artifact cannot make progress.
		return w.Engine.FinishFailure(ctx, t.ID, w.ID, err, false)
	}

	var payload taskPayload
	if err := json.Unmarshal([]byte(t.PayloadJSON), &payload); err != nil {
		return w.Engine.FinishFailure(ctx, t.ID, w.ID, fmt.Errorf("decode payload: %w", err), false)
	}

	input := payload.Input
	if payload.Tool != nil && w.Tools != nil {
		result, err := w.Tools.Execute(ctx, payload.Tool.ID, payload.Tool.Args, toolPolicy(cfg, payload.Tool.ID))
		if err != nil {
			return w.Engine.FinishFailure(ctx, t.ID, w.ID, err, recoverable(err))
		}
		if encoded, merr := json.Marshal(result); merr == nil {
			input = input + "\n\nTool result: " + string(encoded)
		}
	}

	resp, err := w.Invoker.Invoke(ctx, t.TenantID, router.Request{
		System: systemPrompt(cfg),
		Input:  input,
	})
	if err != nil {
		return w.Engine.FinishFailure(ctx, t.ID, w.ID, err, recoverable(err))
	}

	result, err := json.Marshal(map[string]any{
		"text":          resp.Text,
		"model":         resp.Model,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	})
	if err != nil {
		return err
	}
	return w.Engine.FinishSuccess(ctx, t.ID, w.ID, string(result))
}

func (w *Worker) loadConfig(ctx context.Context, t domain.Task) (*composer.AssembledConfig, error) {
	pv, err := w.Engine.Repo.GetPackVersion(ctx, t.PackID, t.PackVersion)
	if err != nil {
		return nil, fmt.Errorf("load pack %s@%s: %w", t.PackID, t.PackVersion, err)
	}
	var cfg composer.AssembledConfig
	if err := json.Unmarshal([]byte(pv.ConfigJSON), &cfg); err != nil {
		return nil, fmt.Errorf("decode pack %s@%s: %w", t.PackID, t.PackVersion, err)
	}
	return &cfg, nil
}

// recoverable classifies collaborator failures: router exhaustion and
// sandbox TIMEOUT/RESOURCE_LIMIT drive RETRY; sandbox DENIED is terminal.
// Unclassified errors stay inside the retry loop.
func recoverable(err error) bool {
	var serr *sandbox.Error
	if errors.As(err, &serr) {
		return serr.Recoverable()
	}
	var rerr *router.RouterError
	if errors.As(err, &rerr) {
		return true
	}
	return true
}

// systemPrompt assembles the prompt from the soul, role and guardrails
// layers of the pinned artifact.
func systemPrompt(cfg *composer.AssembledConfig) string {
	var parts []string
	add := func(label string, v any, found bool) {
		if !found {
			return
		}
		switch x := v.(type) {
		case string:
			if x != "" {
				parts = append(parts, label+": "+x)
			}
		case []any:
			var items []string
			for _, item := range x {
				if s, ok := item.(string); ok {
					items = append(items, s)
				}
			}
			if len(items) > 0 {
				parts = append(parts, label+": "+strings.Join(items, "; "))
			}
		}
	}
	if soul, ok := cfg.Layers["soul"]; ok {
		v, found := lookup(soul, "tone.default")
		add("Tone", v, found)
		v, found = lookup(soul, "principles")
		add("Principles", v, found)
	}
	if role, ok := cfg.Layers["role"]; ok {
		for _, field := range []struct{ label, path string }{
			{"Role", "title"},
			{"Domain", "domain"},
			{"Goal", "goal.primary"},
			{"Limitations", "limitations"},
		} {
			v, found := lookup(role, field.path)
			add(field.label, v, found)
		}
	}
	if guardrails, ok := cfg.Layers["guardrails"]; ok {
		v, found := lookup(guardrails, "behavioral.prohibited_actions")
		add("Prohibited actions", v, found)
		v, found = lookup(guardrails, "behavioral.required_disclaimers")
		add("Required disclaimers", v, found)
	}
	return strings.Join(parts, "\n")
}

func toolPolicy(cfg *composer.AssembledConfig, toolID string) sandbox.Policy {
	policy := sandbox.Policy{}
	tools, ok := cfg.Layers["tools"]
	if !ok {
		return policy
	}
	if v, found := lookup(tools, "denied"); found {
		if denied, ok := v.([]any); ok {
			for _, d := range denied {
				if s, ok := d.(string); ok && s == toolID {
					policy.Denied = true
				}
			}
		}
	}
	if v, found := lookup(tools, "policies.timeout_seconds"); found {
		if n, ok := v.(float64); ok && n > 0 {
			policy.Timeout = time.Duration(n) * time.Second
		}
	}
	if v, found := lookup(tools, "policies.max_concurrent"); found {
		if n, ok := v.(float64); ok && n > 0 {
			policy.MaxConcurrent = int(n)
		}
	}
	return policy
}

func lookup(tree map[string]any, path string) (any, bool) {
	cur := any(tree)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
