package catalog

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"

	"sketchd/pkg/types"
)

// nonSemverChars strips pre-release tags and other decorations so that
// catalog versions like "1.2.3-beta" compare on their numeric core.
var nonSemverChars = regexp.MustCompile(`[^.0-9]`)

// Resolver picks the concrete version a library request installs.
type Resolver struct {
	catalog *Service
}

// NewResolver creates a resolver over the given catalog.
func NewResolver(catalog *Service) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve returns the concrete version for a request. An explicit
// version is returned verbatim without an existence check; a missing
// version surfaces later as an install failure. A bare name selects the
// maximum semantic version among the catalog's entries. Equal versions
// tie-break to the first maximum in catalog order, which is
// deterministic for a fixed snapshot.
func (r *Resolver) Resolve(req types.LibraryRequest) (string, error) {
	if req.Version != "" {
		return req.Version, nil
	}

	entries, err := r.catalog.Entries(req.Name)
	if err != nil {
		return "", err
	}

	var (
		best        string
		bestVersion *semver.Version
	)
	for _, e := range entries {
		stripped := nonSemverChars.ReplaceAllString(e.Version, "")
		v, err := semver.NewVersion(stripped)
		if err != nil {
			log.Warn("Skipping unparseable catalog version",
				"library", req.Name, "version", e.Version)
			continue
		}
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			best = e.Version
			bestVersion = v
		}
	}
	if bestVersion == nil {
		return "", fmt.Errorf("%w: %s has no parseable versions", types.ErrNotFound, req.Name)
	}
	return best, nil
}
