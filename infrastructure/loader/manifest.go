// Package loader discovers module artifacts, binds each to its compiled-in
// entry factory, and validates metadata before any lifecycle call.
//
// Isolation model: modules are separately-compiled units linked into the
// host binary with their own dependency trees; the only types crossing the
// boundary are the shared contract surface in sdk/module and the
// infrastructure contracts. The on-disk artifact is a module manifest
// (<name>.module.yaml) declaring identity, version, dependencies, and
// metadata. Discovery matches manifests to registered factories; releasing
// a load context drops every reference the host holds into the module so
// its state is collectable. Hot reload re-invokes the factory for a fresh
// entry instance.
package loader

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shellhost/shellhost/sdk/module"
)

// ManifestSuffix is the artifact naming convention for module manifests.
const ManifestSuffix = ".module.yaml"

// Manifest is the on-disk module artifact.
type Manifest struct {
	module.Identity `yaml:",inline"`

	Dependencies []module.Dependency `yaml:"dependencies,omitempty"`
	Metadata     module.Metadata     `yaml:"metadata,omitempty"`

	// Entry names the registered factory; defaults to the module name.
	Entry string `yaml:"entry,omitempty"`

	// Enabled gates participation; defaults to true.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// EntryName returns the factory binding name.
func (m *Manifest) EntryName() string {
	if m.Entry != "" {
		return m.Entry
	}
	return m.Name
}

// IsEnabled reports whether the manifest enables the module.
func (m *Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ParseManifest decodes and structurally checks a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("manifest: name is required")
	}
	if strings.TrimSpace(m.Version) == "" {
		return nil, fmt.Errorf("manifest: version is required")
	}
	for _, dep := range m.Dependencies {
		if strings.TrimSpace(dep.Name) == "" {
			return nil, fmt.Errorf("manifest %s: dependency without name", m.Name)
		}
	}
	return &m, nil
}

// ReadManifest loads a manifest from disk.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
