// Package installer resolves library requests into fully-installed,
// transitively-closed sets of compiled artifacts.
//
// Installation is strictly sequential and depth-first within one
// request: a library's own dependencies are fully resolved before its
// compilation step begins, and sibling requests are processed in list
// order. Concurrent requests for the same uninstalled name@version
// coalesce into a single install via singleflight; writes are
// idempotent per destination path either way.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"sketchd/internal/artifact"
	"sketchd/internal/buildslot"
	"sketchd/internal/catalog"
	"sketchd/internal/metrics"
	"sketchd/internal/toolchain"
	"sketchd/pkg/types"
)

var log = slog.Default()

// Downloader fetches library archives and reports connectivity.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
	Online(ctx context.Context) bool
}

// Installer downloads, extracts, and compiles library artifacts into
// the artifact store.
type Installer struct {
	catalog    *catalog.Service
	resolver   *catalog.Resolver
	store      *artifact.Store
	downloader Downloader
	runner     toolchain.Runner
	boards     []types.Board
	jobs       int // toolchain concurrency hint
	collector  *metrics.Collector

	// sf coalesces concurrent installs of the same name@version so the
	// read-then-write existence check cannot duplicate work. flights
	// tracks what every executing flight waits on, turning cross-job
	// dependency cycles into errors instead of deadlocks.
	sf      singleflight.Group
	flights *flightGraph
}

// installStack is the state of one depth-first install chain: the
// names on the current path and the singleflight keys whose flights
// this chain is executing. Nested flights get copies, never shared
// maps, because a flight body can outlive the caller that started it.
type installStack struct {
	names   map[string]bool
	flights []string
}

func newInstallStack() *installStack {
	return &installStack{names: make(map[string]bool)}
}

// push derives the stack a nested flight runs under.
func (s *installStack) push(name, key string) *installStack {
	names := make(map[string]bool, len(s.names)+1)
	for n := range s.names {
		names[n] = true
	}
	names[name] = true

	flights := make([]string, len(s.flights), len(s.flights)+1)
	copy(flights, s.flights)
	return &installStack{names: names, flights: append(flights, key)}
}

// flightGraph records, per executing flight, the flight key it is
// currently blocked on. Two jobs installing a cyclic pair from
// opposite ends would otherwise join each other's flight and wait
// forever; walking the blocked chain before joining detects that.
type flightGraph struct {
	mu      sync.Mutex
	blocked map[string]string
}

func newFlightGraph() *flightGraph {
	return &flightGraph{blocked: make(map[string]string)}
}

// join marks every flight in owned as blocked on key. It fails when
// key's flight already waits, transitively, on one of the owned
// flights, since joining would then close a wait cycle.
func (g *flightGraph) join(owned []string, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	seen := make(map[string]bool)
	for next := key; next != "" && !seen[next]; next = g.blocked[next] {
		seen[next] = true
		for _, k := range owned {
			if next == k {
				return fmt.Errorf("%w: install of %s already waits on %s", types.ErrCyclicDependency, key, k)
			}
		}
	}
	for _, k := range owned {
		g.blocked[k] = key
	}
	return nil
}

// leave clears the blocked marks set by join.
func (g *flightGraph) leave(owned []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range owned {
		delete(g.blocked, k)
	}
}

// New creates an installer. jobs is the concurrency hint forwarded to
// every toolchain invocation.
func New(cat *catalog.Service, store *artifact.Store, dl Downloader, runner toolchain.Runner,
	boards []types.Board, jobs int, collector *metrics.Collector) *Installer {
	return &Installer{
		catalog:    cat,
		resolver:   catalog.NewResolver(cat),
		store:      store,
		downloader: dl,
		runner:     runner,
		boards:     boards,
		jobs:       jobs,
		collector:  collector,
		flights:    newFlightGraph(),
	}
}

// Install resolves every request into an installed artifact, recursing
// into declared dependencies depth-first. target is the requesting
// job's board; it scopes the narrowed retry pass when a full-scope
// library build fails.
//
// With no connectivity the entire install short-circuits to an empty
// result with a warning: callers must treat "library not actually
// installed" as possible even on a nil error.
func (in *Installer) Install(ctx context.Context, requests []types.LibraryRequest, target types.Board) (map[string]types.ResolvedArtifact, error) {
	// Reject unsafe names before any network or subprocess use.
	for _, req := range requests {
		if err := req.Validate(); err != nil {
			return nil, err
		}
	}

	if !in.downloader.Online(ctx) {
		log.Warn("Skipping library install", "reason", types.ErrOffline)
		return map[string]types.ResolvedArtifact{}, nil
	}

	return in.installSet(ctx, requests, target, newInstallStack())
}

// installSet installs a list of requests in list order.
func (in *Installer) installSet(ctx context.Context, requests []types.LibraryRequest, target types.Board, stack *installStack) (map[string]types.ResolvedArtifact, error) {
	installed := make(map[string]types.ResolvedArtifact, len(requests))
	for _, req := range requests {
		resolved, err := in.installOne(ctx, req, target, stack)
		if err != nil {
			return nil, err
		}
		installed[req.Name] = resolved
	}
	return installed, nil
}

// installOne installs a single request, short-circuiting on a cache
// hit. This is the primary cache hit path: an artifact already on disk
// is never re-downloaded or re-compiled.
func (in *Installer) installOne(ctx context.Context, req types.LibraryRequest, target types.Board, stack *installStack) (types.ResolvedArtifact, error) {
	if err := req.Validate(); err != nil {
		return types.ResolvedArtifact{}, err
	}

	version, err := in.resolver.Resolve(req)
	if err != nil {
		return types.ResolvedArtifact{}, err
	}
	name := req.Name

	// A name reappearing on its own install path means the catalog
	// declares a cycle.
	if stack.names[name] {
		return types.ResolvedArtifact{}, fmt.Errorf("%w: %s depends on itself", types.ErrCyclicDependency, name)
	}

	if in.store.Installed(name, version) {
		in.collector.RecordCacheHit()
		return in.store.Resolved(name, version)
	}
	in.collector.RecordCacheMiss()

	key := name + "@" + version
	if err := in.flights.join(stack.flights, key); err != nil {
		in.collector.RecordInstallFailure()
		return types.ResolvedArtifact{}, err
	}

	next := stack.push(name, key)
	ch := in.sf.DoChan(key, func() (interface{}, error) {
		// A concurrent flight may have finished this install while we
		// waited on the existence check.
		if in.store.Installed(name, version) {
			return nil, nil
		}
		return nil, in.installArtifact(ctx, name, version, target, next)
	})

	var flightErr error
	select {
	case res := <-ch:
		flightErr = res.Err
	case <-ctx.Done():
		// The flight keeps running for any remaining waiters; this
		// caller stops waiting so it cannot pin its build slot.
		flightErr = ctx.Err()
	}
	in.flights.leave(stack.flights)
	if flightErr != nil {
		in.collector.RecordInstallFailure()
		return types.ResolvedArtifact{}, flightErr
	}

	return in.store.Resolved(name, version)
}

// installArtifact performs the actual download, extraction, dependency
// recursion, per-architecture build, and manifest write for one
// name@version.
func (in *Installer) installArtifact(ctx context.Context, name, version string, target types.Board, stack *installStack) error {
	start := time.Now()
	log.Info("Installing library", "name", name, "version", version)

	entry, err := in.catalog.Lookup(name, version)
	if err != nil {
		return err
	}

	archive, err := in.downloader.Download(ctx, entry.URL)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", entry.ArchiveFileName, err)
	}

	libDir := in.store.Dir(name, version)
	meta, err := extractArchive(archive, entry, libDir)
	if err != nil {
		return err
	}

	// Dependencies install depth-first: their resolved flags fold into
	// this library's own per-board build flags. A dependency failing
	// with ErrNotFound fails this library too.
	depRequests := make([]types.LibraryRequest, 0, len(meta.Depends))
	for _, dep := range meta.Depends {
		depRequests = append(depRequests, types.LibraryRequest{Name: dep})
	}
	depArtifacts, err := in.installSet(ctx, depRequests, target, stack)
	if err != nil {
		return fmt.Errorf("installing dependencies of %s: %w", name, err)
	}

	buildBoards := in.supportedBoards(meta.Arches)
	manifest := in.foldDependencyFlags(buildBoards, meta, depArtifacts)

	built, err := in.buildArtifact(ctx, libDir, name, target, buildBoards, manifest)
	if err != nil {
		return err
	}
	for _, board := range buildBoards {
		if !built[board.Name] {
			delete(manifest.Include, board.Name)
			delete(manifest.Dirs, board.Name)
		}
	}

	if err := in.store.SaveManifest(name, version, manifest); err != nil {
		return err
	}

	in.collector.RecordInstall(time.Since(start).Seconds())
	log.Info("Library installed",
		"name", name, "version", version,
		"boards", len(manifest.Include), "duration", time.Since(start))
	return nil
}

// supportedBoards filters the configured boards down to those whose
// architecture tag the library declares, or all boards for "*".
func (in *Installer) supportedBoards(arches []string) []types.Board {
	m := artifact.Manifest{Arches: arches}
	var supported []types.Board
	for _, b := range in.boards {
		if m.SupportsArch(b.Architecture()) {
			supported = append(supported, b)
		}
	}
	return supported
}

// foldDependencyFlags builds the library's manifest skeleton: for each
// supported board, the include flags and lib_deps directory lines
// contributed by its dependencies. Paths are recorded relative to the
// artifact root ("../<dep>@<version>/...") so manifests stay valid if
// the root moves; readers rebase them.
func (in *Installer) foldDependencyFlags(buildBoards []types.Board, meta libraryMeta, deps map[string]types.ResolvedArtifact) artifact.Manifest {
	boardNames := make([]string, len(buildBoards))
	for i, b := range buildBoards {
		boardNames[i] = b.Name
	}
	manifest := artifact.NewManifest(boardNames, meta.Arches)

	for _, board := range buildBoards {
		include := ""
		dirs := ""
		// Declared order, not map order: flag strings must be
		// deterministic for a fixed catalog snapshot.
		for _, depName := range meta.Depends {
			dep, ok := deps[depName]
			if !ok {
				continue
			}
			flags, supported := dep.PerArch[board.Name]
			if !supported {
				continue
			}
			rel := "../" + dep.Key() + "/"
			dirs += "\t\t\t" + rel + "src\n" + flags.Dirs
			include += "-I'" + rel + "src/' " + flags.Include

			// Link against the dependency's static library when one
			// was produced for this board.
			libPath := in.store.StaticLibPath(dep.Name, dep.Version, board.Name)
			if _, err := os.Stat(libPath); err == nil {
				include += "-L'" + rel + "' -l" + trimLibName(artifact.StaticLibFileName(dep.Name, board.Name)) + " "
			}
		}
		manifest.Include[board.Name] = include
		manifest.Dirs[board.Name] = dirs
	}
	return manifest
}

// trimLibName converts "libFoo-uno.a" to the "-l" argument "Foo-uno".
func trimLibName(fileName string) string {
	s := fileName
	s = s[len("lib"):]
	return s[:len(s)-len(".a")]
}

// buildArtifact writes the library's build configuration and invokes
// the toolchain. Policy: one attempt covering the full declared
// architecture scope; on failure, exactly one retry narrowed to the
// requesting job's board; remaining failures are absorbed by dropping
// the affected boards from the manifest. Only a deadline expiry
// propagates.
func (in *Installer) buildArtifact(ctx context.Context, libDir, name string, target types.Board, buildBoards []types.Board, manifest artifact.Manifest) (map[string]bool, error) {
	built := make(map[string]bool, len(buildBoards))
	if len(buildBoards) == 0 {
		return built, nil
	}

	if err := in.writeBuildConfig(libDir, buildBoards, manifest); err != nil {
		return nil, err
	}

	output, err := in.runner.Run(ctx, libDir, "run", "-j", strconv.Itoa(in.jobs))
	if err == nil {
		for _, b := range buildBoards {
			built[b.Name] = true
		}
		in.collectStaticLibs(libDir, name, buildBoards, built)
		return built, nil
	}
	if errors.Is(err, types.ErrTimeout) {
		return nil, err
	}

	log.Warn("Library build failed for full architecture scope, retrying for target only",
		"name", name, "target", target.Name,
		"error", fmt.Errorf("%w: %s", types.ErrInstall, output))

	targetSupported := false
	for _, b := range buildBoards {
		if b.Name == target.Name {
			targetSupported = true
		}
	}
	if targetSupported {
		output, err = in.runner.Run(ctx, libDir, "run", "-e", target.Name, "-j", strconv.Itoa(in.jobs))
		if err == nil {
			built[target.Name] = true
			in.collectStaticLibs(libDir, name, []types.Board{target}, built)
			return built, nil
		}
		if errors.Is(err, types.ErrTimeout) {
			return nil, err
		}
	}

	// Absorbed: the failing architectures are omitted from the
	// manifest and the install continues.
	log.Warn("Library build failed, dropping architectures from manifest",
		"name", name, "error", fmt.Errorf("%w: %s", types.ErrInstall, output))
	return built, nil
}

// writeBuildConfig renders the library's own toolchain configuration:
// one environment per supported board, compiling the extracted sources
// with the folded dependency flags.
func (in *Installer) writeBuildConfig(libDir string, buildBoards []types.Board, manifest artifact.Manifest) error {
	config := "[env]\n" +
		"lib_ldf_mode = deep+\n" +
		"lib_compile_flags = -Wl,--whole-archive\n" +
		"framework = arduino\n" +
		"build_type = release\n"
	for _, b := range buildBoards {
		config += fmt.Sprintf("\n[env:%s]\nplatform = %s\nboard = %s\nbuild_flags = -w %s\nlib_deps = ./src\n%s",
			b.Name, b.Platform, b.Name, manifest.Include[b.Name], manifest.Dirs[b.Name])
	}
	path := filepath.Join(libDir, buildslot.ConfigFileName)
	if err := os.WriteFile(path, []byte(config), 0o644); err != nil {
		return fmt.Errorf("failed to write library build config: %w", err)
	}
	return nil
}

// collectStaticLibs moves each board's compiled static library from
// the toolchain's build tree to the artifact root under its canonical
// name. A missing product is not an error; the board simply has no
// static library for dependents to link.
func (in *Installer) collectStaticLibs(libDir, name string, boards []types.Board, built map[string]bool) {
	for _, b := range boards {
		if !built[b.Name] {
			continue
		}
		buildDir := filepath.Join(libDir, ".pio", "build", b.Name)
		src := findStaticLib(buildDir)
		if src == "" {
			continue
		}
		dst := filepath.Join(libDir, artifact.StaticLibFileName(name, b.Name))
		if err := os.Rename(src, dst); err != nil {
			log.Warn("Failed to move static library", "name", name, "board", b.Name, "error", err)
		}
	}
}

// findStaticLib walks a board's build tree for the toolchain's
// "liblib.a" product.
func findStaticLib(buildDir string) string {
	var found string
	filepath.Walk(buildDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if found == "" && !info.IsDir() && filepath.Base(path) == "liblib.a" {
			found = path
		}
		return nil
	})
	return found
}
