// Package artifact manages the on-disk compiled-library cache: one
// directory per name@version holding extracted sources, per-board
// static libraries, and the build-flag manifest dependents read.
//
// On-disk artifacts are never evicted. A small TTL-bound in-memory
// existence cache fronts the filesystem check purely as an
// optimization; correctness never depends on it.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"sketchd/pkg/types"
)

// Store is the filesystem-backed artifact cache.
type Store struct {
	root   string
	exists *expirable.LRU[string, struct{}]
}

// NewStore opens (creating if needed) the artifact cache rooted at dir.
func NewStore(dir string, existenceCacheSize int, existenceTTL time.Duration) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact cache dir: %w", err)
	}
	// Artifact paths end up in toolchain configs that run with the slot
	// directory as cwd, so the root must not depend on the process cwd.
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact cache dir: %w", err)
	}
	return &Store{
		root:   root,
		exists: expirable.NewLRU[string, struct{}](existenceCacheSize, nil, existenceTTL),
	}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the install directory for name@version.
func (s *Store) Dir(name, version string) string {
	return filepath.Join(s.root, name+"@"+version)
}

// SourceDir returns the extracted-source subtree of an artifact.
func (s *Store) SourceDir(name, version string) string {
	return filepath.Join(s.Dir(name, version), "src")
}

// StaticLibPath returns the path of the compiled static library for
// one board. Spaces in library names become dashes, matching the
// -l<name> linker convention.
func (s *Store) StaticLibPath(name, version, board string) string {
	return filepath.Join(s.Dir(name, version), StaticLibFileName(name, board))
}

// StaticLibFileName returns "lib<name-dashed>-<board>.a".
func StaticLibFileName(name, board string) string {
	return "lib" + strings.ReplaceAll(name, " ", "-") + "-" + board + ".a"
}

// Installed reports whether name@version is already fully installed.
// The manifest is written last during an install, so its presence marks
// a complete artifact. Hits are remembered in the TTL cache so repeat
// checks within a session skip the filesystem.
func (s *Store) Installed(name, version string) bool {
	key := name + "@" + version
	if _, ok := s.exists.Get(key); ok {
		return true
	}
	if _, err := os.Stat(s.manifestPath(name, version)); err != nil {
		return false
	}
	s.exists.Add(key, struct{}{})
	return true
}

// Resolved loads the manifest of an installed artifact and assembles
// the immutable ResolvedArtifact dependents share.
func (s *Store) Resolved(name, version string) (types.ResolvedArtifact, error) {
	m, err := s.LoadManifest(name, version)
	if err != nil {
		return types.ResolvedArtifact{}, err
	}

	perArch := make(map[string]types.BuildFlags, len(m.Include))
	for board, include := range m.Include {
		perArch[board] = types.BuildFlags{
			Include: include,
			Dirs:    m.Dirs[board],
		}
	}
	return types.ResolvedArtifact{
		Name:       name,
		Version:    version,
		InstallDir: s.Dir(name, version),
		PerArch:    perArch,
	}, nil
}
