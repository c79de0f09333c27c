// Package catalog maintains the library index: the mapping from library
// name to every known version's download location and archive name.
//
// The index is fetched from a remote JSON document and replaced
// wholesale on refresh. Refresh is an explicit method driven by the
// service scheduler rather than a background mutation of global state,
// so tests and callers control exactly when the snapshot changes.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sketchd/pkg/types"
)

var log = slog.Default()

// Fetcher retrieves the remote library index.
type Fetcher interface {
	// FetchIndex downloads and decodes the library index document.
	FetchIndex(ctx context.Context) ([]types.CatalogEntry, error)
	// Online reports whether outbound connectivity is available.
	Online(ctx context.Context) bool
}

// Service holds the current index snapshot. Reads are safe concurrently
// with Refresh; the snapshot is replaced under the write lock.
type Service struct {
	mu      sync.RWMutex
	byName  map[string][]types.CatalogEntry
	fetcher Fetcher
}

// NewService creates a catalog with an empty index.
func NewService(fetcher Fetcher) *Service {
	return &Service{
		byName:  make(map[string][]types.CatalogEntry),
		fetcher: fetcher,
	}
}

// Refresh replaces the index with a freshly fetched snapshot. When no
// connectivity is available the refresh is skipped with a warning and
// the previous snapshot stays in place.
func (s *Service) Refresh(ctx context.Context) error {
	if !s.fetcher.Online(ctx) {
		log.Warn("No internet connection, skipping library index refresh")
		return nil
	}

	log.Info("Updating library index...")
	entries, err := s.fetcher.FetchIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch library index: %w", err)
	}

	byName := make(map[string][]types.CatalogEntry, len(entries))
	for _, e := range entries {
		byName[e.Name] = append(byName[e.Name], e)
	}

	s.mu.Lock()
	s.byName = byName
	s.mu.Unlock()

	log.Info("Library index updated", "libraries", len(byName), "entries", len(entries))
	return nil
}

// RunRefresher refreshes the index on the given interval until ctx is
// cancelled. A zero or negative interval disables periodic refresh.
func (s *Service) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				log.Error("Library index refresh failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Entries returns every known version of the named library, in catalog
// order. Returns ErrNotFound for names absent from the index.
func (s *Service) Entries(name string) ([]types.CatalogEntry, error) {
	s.mu.RLock()
	entries := s.byName[name]
	s.mu.RUnlock()

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, name)
	}
	return entries, nil
}

// Lookup finds the entry for an exact name and version. Returns
// ErrNotFound when the name is unknown or the version is not listed.
func (s *Service) Lookup(name, version string) (types.CatalogEntry, error) {
	entries, err := s.Entries(name)
	if err != nil {
		return types.CatalogEntry{}, err
	}
	for _, e := range entries {
		if e.Version == version {
			return e, nil
		}
	}
	return types.CatalogEntry{}, fmt.Errorf("%w: %s, with version %s", types.ErrNotFound, name, version)
}

// Online reports whether the backing fetcher has connectivity.
func (s *Service) Online(ctx context.Context) bool {
	return s.fetcher.Online(ctx)
}

// Len returns the number of distinct library names indexed.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byName)
}
