package assets

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Entry names one audio snippet and the file it is decoded from.
type Entry struct {
	Name       string `yaml:"name"`
	SourceFile string `yaml:"source_file"`
	// SourceFileAlt accepts camelCase manifests exported from JSON tooling.
	SourceFileAlt string `yaml:"sourceFile"`
}

// Source returns the configured file path regardless of key style.
func (e Entry) Source() string {
	if e.SourceFile != "" {
		return e.SourceFile
	}
	return e.SourceFileAlt
}

// Manifest is the list of assets to load plus the directory relative paths
// resolve against.
type Manifest struct {
	Dir     string
	Entries []Entry
}

// LoadManifest reads a YAML (or JSON) manifest. Two layouts are accepted: a
// bare list of entries, or a mapping with an "assets" list.
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	entries, err := parseManifest(raw)
	if err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return Manifest{Dir: filepath.Dir(path), Entries: entries}, nil
}

func parseManifest(raw []byte) ([]Entry, error) {
	var list []Entry
	if err := yaml.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var doc struct {
		Assets []Entry `yaml:"assets"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc.Assets, nil
}

func (m Manifest) resolve(e Entry) string {
	src := e.Source()
	if filepath.IsAbs(src) || m.Dir == "" {
		return src
	}
	return filepath.Join(m.Dir, src)
}
