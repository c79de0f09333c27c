package installer

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"sketchd/pkg/types"
)

// libraryMeta is what an archive's library.properties file declares.
type libraryMeta struct {
	// Arches are the declared architecture tags; "*" means universal.
	Arches []string
	// Depends are the declared dependency library names, in order.
	Depends []string
}

// sourceExtensions are the only file types extracted from an archive.
var sourceExtensions = map[string]bool{
	".c":   true,
	".cpp": true,
	".h":   true,
	".hpp": true,
}

// extractArchive unpacks a library zip into destDir/src and returns
// the declared metadata. Archive entries are rooted under the archive
// base name; sources under its src/ subtree are preserved relative to
// src, sources directly under the root are preserved relative to the
// root, and everything else is ignored.
//
// Metadata precedence: the archive's library.properties wins; an
// archive without one falls back to the index entry's declarations,
// then to universal support.
func extractArchive(data []byte, entry types.CatalogEntry, destDir string) (libraryMeta, error) {
	meta := libraryMeta{Arches: []string{"*"}}
	hasProperties := false

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	// ErrInsecurePath flags ".." entry names; those are skipped per
	// entry below, so the reader is still usable.
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return meta, fmt.Errorf("failed to open archive %s: %w", entry.ArchiveFileName, err)
	}

	base := entry.ArchiveBase()
	srcPrefix := base + "/src/"

	for _, file := range reader.File {
		name := file.Name

		if strings.HasSuffix(name, "library.properties") {
			text, err := readZipFile(file)
			if err != nil {
				return meta, fmt.Errorf("failed to read library.properties: %w", err)
			}
			meta = parseLibraryMeta(string(text))
			hasProperties = true
			continue
		}

		if !sourceExtensions[path.Ext(name)] {
			continue
		}

		var rel string
		switch {
		case strings.HasPrefix(name, srcPrefix):
			rel = strings.TrimPrefix(name, srcPrefix)
		case name == base+"/"+path.Base(name):
			rel = strings.TrimPrefix(name, base+"/")
		default:
			continue
		}

		// Zip entries are attacker-supplied paths; never let one
		// escape the destination tree.
		rel = filepath.FromSlash(rel)
		if rel == "" || strings.Contains(rel, "..") {
			continue
		}

		target := filepath.Join(destDir, "src", rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return meta, fmt.Errorf("failed to create source dir: %w", err)
		}
		content, err := readZipFile(file)
		if err != nil {
			return meta, fmt.Errorf("failed to read archive entry %s: %w", name, err)
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return meta, fmt.Errorf("failed to write source file %s: %w", target, err)
		}
	}

	if !hasProperties {
		if len(entry.Architectures) > 0 {
			meta.Arches = entry.Architectures
		}
		for _, dep := range entry.Dependencies {
			meta.Depends = append(meta.Depends, dep.Name)
		}
	}

	return meta, nil
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// parseLibraryMeta reads the key=value lines of a library.properties
// file, keeping only the depends and architectures declarations.
func parseLibraryMeta(text string) libraryMeta {
	props := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		key, value, found := strings.Cut(line, "=")
		if found {
			props[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}

	meta := libraryMeta{}
	arches := props["architectures"]
	if arches == "" {
		arches = "*"
	}
	for _, tag := range strings.Split(arches, ",") {
		meta.Arches = append(meta.Arches, strings.TrimSpace(tag))
	}
	for _, dep := range strings.Split(props["depends"], ",") {
		dep = strings.TrimSpace(dep)
		if dep != "" {
			meta.Depends = append(meta.Depends, dep)
		}
	}
	return meta
}
