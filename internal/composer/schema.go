package composer

import "fmt"

// validateLayers checks the merged trees against per-layer constraints and
// returns every violation, not just the first.
func validateLayers(layers map[string]map[string]any) []string {
	var violations []string
	report := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	if soul, ok := layers["soul"]; ok {
		name, found := lookupPath(soul, "identity.name")
		if !found {
			report("soul.identity.name is required")
		} else if s, ok := name.(string); !ok || s == "" {
			report("soul.identity.name must be a non-empty string")
		}
		if v, found := lookupPath(soul, "principles"); found {
			if _, ok := v.([]any); !ok {
				report("soul.principles must be a list")
			}
		}
	}

	if role, ok := layers["role"]; ok {
		if v, found := lookupPath(role, "title"); found {
			if _, ok := v.(string); !ok {
				report("role.title must be a string")
			}
		}
		if v, found := lookupPath(role, "limitations"); found {
			if _, ok := v.([]any); !ok {
				report("role.limitations must be a list")
			}
		}
	}

	if tools, ok := layers["tools"]; ok {
		if v, found := lookupPath(tools, "tools"); found {
			entries, ok := v.([]any)
			if !ok {
				report("tools.tools must be a list")
			} else {
				for i, entry := range entries {
					def, ok := entry.(map[string]any)
					if !ok {
						report("tools.tools[%d] must be a mapping", i)
						continue
					}
					if s, _ := def["id"].(string); s == "" {
						report("tools.tools[%d].id is required", i)
					}
					if s, _ := def["name"].(string); s == "" {
						report("tools.tools[%d].name is required", i)
					}
				}
			}
		}
	}

	if guardrails, ok := layers["guardrails"]; ok {
		if v, found := lookupPath(guardrails, "behavioral.max_autonomous_steps"); found {
			if n, ok := asInt(v); !ok || n < 1 {
				report("guardrails.behavioral.max_autonomous_steps must be a positive integer")
			}
		}
		if v, found := lookupPath(guardrails, "input.max_length"); found {
			if n, ok := asInt(v); !ok || n < 1 {
				report("guardrails.input.max_length must be a positive integer")
			}
		}
	}

	if memory, ok := layers["memory"]; ok {
		if v, found := lookupPath(memory, "retention_days"); found {
			if n, ok := asInt(v); !ok || n < 0 {
				report("memory.retention_days must be a non-negative integer")
			}
		}
	}

	if workflow, ok := layers["workflow"]; ok {
		if v, found := lookupPath(workflow, "steps"); found {
			if _, ok := v.([]any); !ok {
				report("workflow.steps must be a list")
			}
		}
	}

	return violations
}

func lookupPath(tree map[string]any, path string) (any, bool) {
	cur := any(tree)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[path[start:i]]
		if !ok {
			return nil, false
		}
		start = i + 1
	}
	return cur, true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
