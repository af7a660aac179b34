package composer_test

import (
	"errors"
	"testing"

	"agentline/internal/composer"
)

func doc(layer string, scope composer.Scope, source string, fields map[string]any) composer.LayerDocument {
	return composer.LayerDocument{Layer: layer, Scope: scope, Source: source, Fields: fields}
}

func manifest(docs ...composer.LayerDocument) composer.Manifest {
	return composer.Manifest{PackID: "support-agent", Version: "1.0.0", Documents: docs}
}

func TestHigherScopeWins(t *testing.T) {
	m := manifest(
		doc("soul", composer.ScopePlatform, "platform/soul", map[string]any{
			"identity": map[string]any{"name": "Navi"},
			"tone":     map[string]any{"default": "neutral"},
		}),
		doc("soul", composer.ScopePack, "pack/soul", map[string]any{
			"tone": map[string]any{"default": "warm"},
		}),
	)
	cfg, err := composer.Compose(m)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	tone := cfg.Layers["soul"]["tone"].(map[string]any)["default"]
	if tone != "warm" {
		t.Fatalf("expected pack scope to win, got %v", tone)
	}
	if cfg.Provenance["soul.tone.default"] != "pack/soul" {
		t.Fatalf("provenance wrong: %v", cfg.Provenance["soul.tone.default"])
	}
	if cfg.Provenance["soul.identity.name"] != "platform/soul" {
		t.Fatalf("untouched field provenance wrong: %v", cfg.Provenance["soul.identity.name"])
	}
}

func TestOverrideReplacesLists(t *testing.T) {
	m := manifest(
		doc("soul", composer.ScopePlatform, "platform/soul", map[string]any{
			"identity":   map[string]any{"name": "Navi"},
			"principles": []any{"a", "b"},
		}),
		doc("soul", composer.ScopePack, "pack/soul", map[string]any{
			"principles": []any{"c"},
		}),
	)
	cfg, err := composer.Compose(m)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	principles := cfg.Layers["soul"]["principles"].([]any)
	if len(principles) != 1 || principles[0] != "c" {
		t.Fatalf("lists must replace, not merge: %v", principles)
	}
}

func TestSamePriorityConflictFails(t *testing.T) {
	a := doc("role", composer.ScopeCategory, "category/a", map[string]any{
		"title": "Support Specialist",
	})
	b := doc("role", composer.ScopeCategory, "category/b", map[string]any{
		"title": "Sales Specialist",
	})
	_, err := composer.Compose(manifest(a, b))
	var conflict *composer.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflict.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(conflict.Conflicts))
	}
	c := conflict.Conflicts[0]
	if c.Path != "title" || c.SourceA != "category/a" || c.SourceB != "category/b" {
		t.Fatalf("conflict should name both sources: %+v", c)
	}

	// Order of documents must not change the outcome.
	_, err2 := composer.Compose(manifest(b, a))
	var conflict2 *composer.ConflictError
	if !errors.As(err2, &conflict2) {
		t.Fatalf("expected ConflictError regardless of order, got %v", err2)
	}
	if conflict2.Conflicts[0] != c {
		t.Fatalf("conflict differs by document order: %+v vs %+v", conflict2.Conflicts[0], c)
	}
}

func TestShadowedConflictStillFails(t *testing.T) {
	// A pack-scope override shadows the disputed leaf, but the category-level
	// disagreement is still a hard error: there is no load-order tiebreak.
	m := manifest(
		doc("role", composer.ScopeCategory, "category/a", map[string]any{"title": "A"}),
		doc("role", composer.ScopeCategory, "category/b", map[string]any{"title": "B"}),
		doc("role", composer.ScopePack, "pack/role", map[string]any{"title": "C"}),
	)
	_, err := composer.Compose(m)
	var conflict *composer.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for shadowed disagreement, got %v", err)
	}
}

func TestSamePriorityAgreementAllowed(t *testing.T) {
	m := manifest(
		doc("soul", composer.ScopePlatform, "platform/a", map[string]any{
			"identity": map[string]any{"name": "Navi"},
		}),
		doc("soul", composer.ScopePlatform, "platform/b", map[string]any{
			"identity": map[string]any{"name": "Navi"},
		}),
	)
	if _, err := composer.Compose(m); err != nil {
		t.Fatalf("identical values at one priority must not conflict: %v", err)
	}
}

func TestDeterministicHash(t *testing.T) {
	build := func(order ...composer.LayerDocument) *composer.AssembledConfig {
		cfg, err := composer.Compose(manifest(order...))
		if err != nil {
			t.Fatalf("compose: %v", err)
		}
		return cfg
	}
	a := doc("soul", composer.ScopePlatform, "platform/soul", map[string]any{
		"identity": map[string]any{"name": "Navi"},
	})
	b := doc("role", composer.ScopeCategory, "category/role", map[string]any{
		"title": "Support Specialist",
	})
	first := build(a, b)
	second := build(b, a)
	if first.ContentHash != second.ContentHash {
		t.Fatalf("hash depends on document order: %s vs %s", first.ContentHash, second.ContentHash)
	}
	j1, _ := first.CanonicalJSON()
	j2, _ := second.CanonicalJSON()
	if string(j1) != string(j2) {
		t.Fatalf("canonical serialization differs")
	}
}

func TestSchemaViolationsCollected(t *testing.T) {
	m := manifest(
		doc("soul", composer.ScopePlatform, "platform/soul", map[string]any{
			"principles": "not-a-list",
		}),
		doc("guardrails", composer.ScopePlatform, "platform/guardrails", map[string]any{
			"behavioral": map[string]any{"max_autonomous_steps": 0},
		}),
	)
	_, err := composer.Compose(m)
	var schema *composer.SchemaError
	if !errors.As(err, &schema) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	// All violations reported together: missing name, bad principles, bad steps.
	if len(schema.Violations) != 3 {
		t.Fatalf("expected 3 violations, got %d: %v", len(schema.Violations), schema.Violations)
	}
}

func TestUnknownLayerAndScopeRejected(t *testing.T) {
	_, err := composer.Compose(manifest(
		doc("vibes", composer.ScopePlatform, "platform/vibes", map[string]any{"x": 1}),
	))
	var schema *composer.SchemaError
	if !errors.As(err, &schema) {
		t.Fatalf("expected SchemaError for unknown layer, got %v", err)
	}

	_, err = composer.Compose(manifest(
		doc("soul", composer.Scope("galaxy"), "galaxy/soul", map[string]any{"x": 1}),
	))
	if !errors.As(err, &schema) {
		t.Fatalf("expected SchemaError for unknown scope, got %v", err)
	}
}
