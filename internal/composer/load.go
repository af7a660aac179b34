package composer

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// manifestFile is the on-disk manifest shape. A layer entry either carries its
// fields inline or references a YAML file relative to the manifest directory.
type manifestFile struct {
	PackID  string `yaml:"pack_id"`
	Version string `yaml:"version"`
	Layers  []struct {
		Layer  string         `yaml:"layer"`
		Scope  Scope          `yaml:"scope"`
		Source string         `yaml:"source"`
		File   string         `yaml:"file"`
		Fields map[string]any `yaml:"fields"`
	} `yaml:"layers"`
}

// LoadManifest reads a pack manifest and resolves its layer document
// references into a Manifest ready for Compose.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest yaml: %w", err)
	}
	dir := filepath.Dir(path)
	m := Manifest{PackID: mf.PackID, Version: mf.Version}
	for i, entry := range mf.Layers {
		doc := LayerDocument{
			Layer:  entry.Layer,
			Scope:  entry.Scope,
			Source: entry.Source,
			Fields: entry.Fields,
		}
		if entry.File != "" {
			raw, err := os.ReadFile(filepath.Join(dir, entry.File))
			if err != nil {
				return Manifest{}, fmt.Errorf("layer file %s: %w", entry.File, err)
			}
			var fields map[string]any
			if err := yaml.Unmarshal(raw, &fields); err != nil {
				return Manifest{}, fmt.Errorf("layer file %s: %w", entry.File, err)
			}
			doc.Fields = fields
			if doc.Source == "" {
				doc.Source = entry.File
			}
		}
		if doc.Source == "" {
			doc.Source = fmt.Sprintf("inline:%s[%d]", doc.Layer, i)
		}
		m.Documents = append(m.Documents, doc)
	}
	return m, nil
}
