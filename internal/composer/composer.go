// Package composer assembles an agent pack's layered documents into one
// immutable, content-addressed configuration artifact.
package composer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Scope identifies where a layer document comes from. Higher scopes override
// lower ones field by field.
type Scope string

const (
	ScopePlatform       Scope = "platform"
	ScopeCategory       Scope = "category"
	ScopeSpecialization Scope = "specialization"
	ScopePack           Scope = "pack"
)

var scopePriority = map[Scope]int{
	ScopePlatform:       0,
	ScopeCategory:       1,
	ScopeSpecialization: 2,
	ScopePack:           3,
}

// Priority returns the merge rank for the scope, -1 for unknown scopes.
func (s Scope) Priority() int {
	p, ok := scopePriority[s]
	if !ok {
		return -1
	}
	return p
}

// Layer names accepted in a manifest.
var knownLayers = map[string]bool{
	"soul":       true,
	"role":       true,
	"tools":      true,
	"guardrails": true,
	"memory":     true,
	"workflow":   true,
}

// LayerDocument is one immutable facet of an agent definition.
type LayerDocument struct {
	Layer  string         `json:"layer" yaml:"layer"`
	Scope  Scope          `json:"scope" yaml:"scope"`
	Source string         `json:"source" yaml:"source"`
	Fields map[string]any `json:"fields" yaml:"fields"`
}

// Manifest references every layer document that makes up one pack version.
type Manifest struct {
	PackID    string          `json:"pack_id" yaml:"pack_id"`
	Version   string          `json:"version" yaml:"version"`
	Documents []LayerDocument `json:"layers" yaml:"layers"`
}

// AssembledConfig is the merged artifact. It is never edited in place; a
// change produces a new version with a new content hash.
type AssembledConfig struct {
	PackID      string                    `json:"pack_id"`
	Version     string                    `json:"version"`
	Layers      map[string]map[string]any `json:"layers"`
	Provenance  map[string]string         `json:"provenance"`
	ContentHash string                    `json:"content_hash"`
}

// FieldConflict is two documents at the same priority defining the same field
// with different values.
type FieldConflict struct {
	Layer   string `json:"layer"`
	Path    string `json:"path"`
	SourceA string `json:"source_a"`
	SourceB string `json:"source_b"`
}

// ConflictError reports every same-priority field collision found during a
// merge. There is no load-order tiebreak.
type ConflictError struct {
	Conflicts []FieldConflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s.%s (%s vs %s)", c.Layer, c.Path, c.SourceA, c.SourceB))
	}
	return "layer conflict: " + strings.Join(parts, "; ")
}

// SchemaError reports every constraint the merged config violates, together.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "schema violations: " + strings.Join(e.Violations, "; ")
}

// Compose merges the manifest's documents in ascending scope priority and
// validates the result. It is pure: identical inputs always yield a
// byte-identical artifact, so the content hash is a safe cache and dedup key.
func Compose(m Manifest) (*AssembledConfig, error) {
	if m.PackID == "" {
		return nil, &SchemaError{Violations: []string{"pack_id is required"}}
	}
	if m.Version == "" {
		return nil, &SchemaError{Violations: []string{"version is required"}}
	}
	byLayer := map[string][]LayerDocument{}
	var violations []string
	for _, doc := range m.Documents {
		if !knownLayers[doc.Layer] {
			violations = append(violations, fmt.Sprintf("unknown layer %q from %s", doc.Layer, doc.Source))
			continue
		}
		if doc.Scope.Priority() < 0 {
			violations = append(violations, fmt.Sprintf("unknown scope %q on layer %s from %s", doc.Scope, doc.Layer, doc.Source))
			continue
		}
		byLayer[doc.Layer] = append(byLayer[doc.Layer], doc)
	}
	if len(violations) > 0 {
		return nil, &SchemaError{Violations: violations}
	}

	cfg := &AssembledConfig{
		PackID:     m.PackID,
		Version:    m.Version,
		Layers:     map[string]map[string]any{},
		Provenance: map[string]string{},
	}
	var conflicts []FieldConflict
	for layer, docs := range byLayer {
		merged, prov, cs := mergeLayer(docs)
		conflicts = append(conflicts, cs...)
		cfg.Layers[layer] = merged
		for path, source := range prov {
			cfg.Provenance[layer+"."+path] = source
		}
	}
	if len(conflicts) > 0 {
		sortConflicts(conflicts)
		return nil, &ConflictError{Conflicts: conflicts}
	}
	if vs := validateLayers(cfg.Layers); len(vs) > 0 {
		return nil, &SchemaError{Violations: vs}
	}

	hash, err := contentHash(cfg)
	if err != nil {
		return nil, err
	}
	cfg.ContentHash = hash
	return cfg, nil
}

// mergeLayer merges documents of one layer leaf by leaf. The highest priority
// definition present wins. Two documents at the same priority disagreeing on a
// leaf is a hard error even when a higher scope shadows that leaf; detection
// does not depend on document order.
func mergeLayer(docs []LayerDocument) (map[string]any, map[string]string, []FieldConflict) {
	type definition struct {
		source    string
		value     any
		canonical string
	}
	// path -> priority -> definitions
	defs := map[string]map[int][]definition{}
	layerName := ""
	for _, doc := range docs {
		layerName = doc.Layer
		flat := map[string]any{}
		flatten("", doc.Fields, flat)
		for path, value := range flat {
			if defs[path] == nil {
				defs[path] = map[int][]definition{}
			}
			p := doc.Scope.Priority()
			defs[path][p] = append(defs[path][p], definition{
				source:    doc.Source,
				value:     value,
				canonical: canonicalValue(value),
			})
		}
	}

	merged := map[string]any{}
	prov := map[string]string{}
	var conflicts []FieldConflict
	for path, byPriority := range defs {
		top := -1
		for p, entries := range byPriority {
			sort.Slice(entries, func(i, j int) bool { return entries[i].source < entries[j].source })
			byPriority[p] = entries
			for _, d := range entries[1:] {
				if d.canonical != entries[0].canonical {
					conflicts = append(conflicts, FieldConflict{
						Layer:   layerName,
						Path:    path,
						SourceA: entries[0].source,
						SourceB: d.source,
					})
				}
			}
			if p > top {
				top = p
			}
		}
		winner := byPriority[top][0]
		setPath(merged, path, winner.value)
		prov[path] = winner.source
	}
	return merged, prov, conflicts
}

// flatten reduces a field tree to dotted leaf paths. Maps recurse; lists and
// scalars are leaves, matching override-replaces semantics.
func flatten(prefix string, fields map[string]any, out map[string]any) {
	for key, value := range fields {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if sub, ok := value.(map[string]any); ok && len(sub) > 0 {
			flatten(path, sub, out)
			continue
		}
		out[path] = value
	}
}

func setPath(tree map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// canonicalValue gives a stable comparison key for any YAML/JSON value.
func canonicalValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

func sortConflicts(cs []FieldConflict) {
	for i := range cs {
		if cs[i].SourceA > cs[i].SourceB {
			cs[i].SourceA, cs[i].SourceB = cs[i].SourceB, cs[i].SourceA
		}
	}
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Layer != cs[j].Layer {
			return cs[i].Layer < cs[j].Layer
		}
		if cs[i].Path != cs[j].Path {
			return cs[i].Path < cs[j].Path
		}
		return cs[i].SourceA < cs[j].SourceA
	})
}

// contentHash is the SHA-256 of the canonical JSON serialization with the hash
// field itself left empty. encoding/json sorts map keys, which makes the
// serialization deterministic.
func contentHash(cfg *AssembledConfig) (string, error) {
	clone := *cfg
	clone.ContentHash = ""
	b, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal assembled config: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON returns the byte-identical serialization of the artifact.
func (c *AssembledConfig) CanonicalJSON() ([]byte, error) {
	return json.Marshal(c)
}
