package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"agentline/internal/composer"
	"agentline/internal/domain"
	"agentline/internal/repo"
)

// GuardrailAuthorizer derives verdicts from the guardrails layer of the
// task's pinned pack version. Actions listed under
// behavioral.denied_actions are denied; actions under
// behavioral.approval_required_actions suspend the task until a signed
// approval fact arrives. Everything else is allowed.
type GuardrailAuthorizer struct {
	Repo repo.Repo
}

func (a GuardrailAuthorizer) Authorize(ctx context.Context, action string, t domain.Task) (Decision, error) {
	pv, err := a.Repo.GetPackVersion(ctx, t.PackID, t.PackVersion)
	if err != nil {
		return DecisionDeny, fmt.Errorf("load pack %s@%s: %w", t.PackID, t.PackVersion, err)
	}
	var cfg composer.AssembledConfig
	if err := json.Unmarshal([]byte(pv.ConfigJSON), &cfg); err != nil {
		return DecisionDeny, fmt.Errorf("decode pack %s@%s: %w", t.PackID, t.PackVersion, err)
	}
	guardrails, ok := cfg.Layers["guardrails"]
	if !ok {
		return DecisionAllow, nil
	}
	if matchesAction(guardrails, "behavioral.denied_actions", action, t) {
		return DecisionDeny, nil
	}
	// Tasks holding a verified approval skip the suspension check.
	if matchesAction(guardrails, "behavioral.approval_required_actions", action, t) && !t.ApprovalGranted {
		return DecisionRequireApproval, nil
	}
	return DecisionAllow, nil
}

// matchesAction checks the action name and the payload's tool id against a
// guardrail list.
func matchesAction(guardrails map[string]any, path, action string, t domain.Task) bool {
	v, ok := lookup(guardrails, path)
	if !ok {
		return false
	}
	list, ok := v.([]any)
	if !ok {
		return false
	}
	toolID := payloadToolID(t.PayloadJSON)
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			continue
		}
		if s == action || (toolID != "" && s == "tool:"+toolID) {
			return true
		}
	}
	return false
}

func payloadToolID(payloadJSON string) string {
	var payload taskPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return ""
	}
	if payload.Tool == nil {
		return ""
	}
	return payload.Tool.ID
}
