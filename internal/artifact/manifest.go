package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// manifestFileName is the per-artifact manifest written alongside the
// compiled static libraries. Its presence marks a completed install.
const manifestFileName = "compiled_sources.json"

var (
	// ErrManifestNotFound: the artifact directory exists but was never
	// fully installed (no manifest).
	ErrManifestNotFound = errors.New("artifact manifest not found")
	// ErrCorruptedManifest: the manifest file exists but cannot be
	// decoded.
	ErrCorruptedManifest = errors.New("artifact manifest is corrupted")
)

// Manifest is the persisted record of an installed library's build
// flags: per-board include flags and library-search directories, plus
// the architecture tags the library declared. Dependents and final
// sketch compiles read this instead of re-deriving flags.
type Manifest struct {
	Include map[string]string `json:"include"`
	Dirs    map[string]string `json:"dirs"`
	Arches  []string          `json:"arches"`
}

// NewManifest returns a manifest with empty flag tables for each of the
// given boards and the declared architecture tags.
func NewManifest(boards []string, arches []string) Manifest {
	m := Manifest{
		Include: make(map[string]string, len(boards)),
		Dirs:    make(map[string]string, len(boards)),
		Arches:  arches,
	}
	for _, b := range boards {
		m.Include[b] = ""
		m.Dirs[b] = ""
	}
	return m
}

// SupportsArch reports whether the manifest's library declared support
// for the architecture tag. "*" means universal support.
func (m Manifest) SupportsArch(tag string) bool {
	return slices.Contains(m.Arches, "*") || slices.Contains(m.Arches, tag)
}

// SaveManifest persists the manifest for name@version atomically:
// write to a temp file, then rename over the final path. A crash
// mid-write never leaves a readable but incomplete manifest, which
// matters because manifest presence is the install-completion marker.
func (s *Store) SaveManifest(name, version string, m Manifest) error {
	jsonBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.MkdirAll(s.Dir(name, version), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}

	path := s.manifestPath(name, version)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	s.exists.Add(name+"@"+version, struct{}{})
	return nil
}

// LoadManifest reads the manifest for name@version.
func (s *Store) LoadManifest(name, version string) (Manifest, error) {
	var m Manifest

	jsonBytes, err := os.ReadFile(s.manifestPath(name, version))
	if err != nil {
		if os.IsNotExist(err) {
			return m, fmt.Errorf("%w: %s@%s", ErrManifestNotFound, name, version)
		}
		return m, fmt.Errorf("failed to read manifest: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrCorruptedManifest, err)
	}

	if m.Include == nil {
		m.Include = make(map[string]string)
	}
	if m.Dirs == nil {
		m.Dirs = make(map[string]string)
	}
	return m, nil
}

func (s *Store) manifestPath(name, version string) string {
	return filepath.Join(s.Dir(name, version), manifestFileName)
}
