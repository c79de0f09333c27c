// Package types defines the core domain model shared across sketchd.
package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// JobID uniquely identifies one compile job.
type JobID string

// JobStatus tracks a compile job through its lifecycle.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // accepted, waiting for a build slot
	StatusInFlight  JobStatus = "in_flight" // holding a slot, toolchain running
	StatusCompleted JobStatus = "completed" // firmware produced
	StatusFailed    JobStatus = "failed"    // install or compile failure
)

// Encoding identifies the firmware image format a board family emits.
type Encoding string

const (
	EncodingHex Encoding = "hex" // text hex record (AVR family)
	EncodingBin Encoding = "bin" // raw binary blob, base64 on the wire
	EncodingUF2 Encoding = "uf2" // UF2 blob, base64 on the wire
)

// Board describes one supported compile target: the public board
// identifier (FQBN), its toolchain profile, and the firmware encoding
// its family emits.
type Board struct {
	FQBN     string   `yaml:"fqbn"`     // e.g. "arduino:avr:uno"
	Name     string   `yaml:"board"`    // toolchain board id, e.g. "uno"
	Platform string   `yaml:"platform"` // toolchain platform, e.g. "atmelavr"
	Encoding Encoding `yaml:"encoding"` // expected firmware output format
}

// Architecture returns the board's architecture tag, the middle segment
// of the FQBN ("avr" in "arduino:avr:uno"). Libraries declare the
// architectures they support using these tags.
func (b Board) Architecture() string {
	parts := strings.Split(b.FQBN, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// libraryNamePattern rejects shell metacharacters before a name ever
// reaches a subprocess or a filesystem path.
var libraryNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_ ]+$`)

// LibraryRequest names a library to install, optionally pinned to an
// exact version. The zero Version means "latest known".
type LibraryRequest struct {
	Name    string
	Version string
}

// ParseLibraryRequest parses the wire form "Name" or "Name@Version".
func ParseLibraryRequest(s string) LibraryRequest {
	name, version, found := strings.Cut(strings.TrimSpace(s), "@")
	if !found {
		return LibraryRequest{Name: name}
	}
	return LibraryRequest{Name: name, Version: version}
}

// Validate checks the request name against the restricted charset.
func (r LibraryRequest) Validate() error {
	if !libraryNamePattern.MatchString(r.Name) {
		return fmt.Errorf("%w: library name %q", ErrInvalidInput, r.Name)
	}
	return nil
}

// Key returns the canonical name@version cache key.
func (r LibraryRequest) Key() string {
	return r.Name + "@" + r.Version
}

// CatalogEntry is one library version known to the index. Entries are
// immutable once fetched; the whole index is replaced on refresh.
//
// Architectures and Dependencies mirror what the index document
// declares; the archive's own library.properties takes precedence when
// present.
type CatalogEntry struct {
	Name            string              `json:"name"`
	Version         string              `json:"version"`
	URL             string              `json:"url"`
	ArchiveFileName string              `json:"archiveFileName"`
	Architectures   []string            `json:"architectures,omitempty"`
	Dependencies    []CatalogDependency `json:"dependencies,omitempty"`
}

// CatalogDependency is a dependency declaration in the index document.
type CatalogDependency struct {
	Name string `json:"name"`
}

// ArchiveBase returns the directory all archive entries are rooted
// under: the archive file name without its ".zip" suffix.
func (e CatalogEntry) ArchiveBase() string {
	return strings.TrimSuffix(e.ArchiveFileName, ".zip")
}

// BuildFlags is the per-board portion of an installed library's
// manifest: the include flags and library search directories later
// compiles fold into their own build configuration.
type BuildFlags struct {
	Include string // "-I'...'" fragments, space separated
	Dirs    string // lib_deps directory lines
}

// ResolvedArtifact is a fully installed library version. Created once
// per name@version, immutable afterwards, shared read-only by every job
// that depends on it.
type ResolvedArtifact struct {
	Name       string
	Version    string
	InstallDir string
	PerArch    map[string]BuildFlags // keyed by toolchain board id
}

// Key returns the canonical name@version identity of the artifact.
func (a ResolvedArtifact) Key() string {
	return a.Name + "@" + a.Version
}

// CompileJob is one compile request: source code, a target board FQBN,
// and the libraries the sketch needs.
type CompileJob struct {
	ID         JobID
	SourceCode string
	Board      string
	Libraries  []LibraryRequest
}

// CompileResult is the firmware produced by a successful compile.
// Exactly one of Hex or Sketch is set: Hex carries the text hex record,
// Sketch carries a base64-encoded binary (bin or uf2).
type CompileResult struct {
	Hex      string   `json:"hex,omitempty"`
	Sketch   string   `json:"sketch,omitempty"`
	Encoding Encoding `json:"-"`
}

// JobRecord tracks one job's lifecycle for observability.
type JobRecord struct {
	ID        JobID     `json:"id"`
	Board     string    `json:"board"`
	Status    JobStatus `json:"status"`
	CreatedAt int64     `json:"created_at"` // Unix milliseconds
	UpdatedAt int64     `json:"updated_at"` // Unix milliseconds
	Error     string    `json:"error,omitempty"`
}

// NowMillis returns the current time as Unix milliseconds, the
// timestamp convention used by JobRecord.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
