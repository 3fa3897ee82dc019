package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/nuka-memory/internal/scope"
)

// FormatVersion is the package format this build reads and writes.
const FormatVersion = "1.0"

// ErrUnsupportedVersion is returned for packages in an unknown format.
var ErrUnsupportedVersion = errors.New("unsupported package version")

// Package is a portable export of memory entries.
type Package struct {
	Metadata PackageMetadata            `json:"metadata" yaml:"metadata"`
	Scopes   map[scope.Scope][]Exported `json:"scopes" yaml:"scopes"`
}

// PackageMetadata describes where and how a package was produced.
type PackageMetadata struct {
	FormatVersion string        `json:"format_version" yaml:"format_version"`
	ExportedAt    time.Time     `json:"exported_at" yaml:"exported_at"`
	SourceProject string        `json:"source_project,omitempty" yaml:"source_project,omitempty"`
	Options       ExportOptions `json:"options" yaml:"options"`
	EntryCount    int           `json:"entry_count" yaml:"entry_count"`
}

// Exported is one entry inside a package.
type Exported struct {
	Content    string         `json:"content" yaml:"content"`
	Scope      scope.Scope    `json:"scope" yaml:"scope"`
	Importance float64        `json:"importance" yaml:"importance"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Entries returns the number of entries across all scopes.
func (p *Package) Entries() int {
	n := 0
	for _, list := range p.Scopes {
		n += len(list)
	}
	return n
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// WritePackage writes p to path as YAML for .yaml/.yml, JSON otherwise.
func WritePackage(path string, p *Package) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(p)
	} else {
		data, err = json.MarshalIndent(p, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode package: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create package dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write package: %w", err)
	}
	return nil
}

// ReadPackage loads a package written by WritePackage.
func ReadPackage(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read package: %w", err)
	}
	return DecodePackage(data, isYAML(path))
}

// DecodePackage parses package bytes.
func DecodePackage(data []byte, asYAML bool) (*Package, error) {
	var p Package
	var err error
	if asYAML {
		err = yaml.Unmarshal(data, &p)
	} else {
		err = json.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("decode package: %w", err)
	}
	return &p, nil
}
