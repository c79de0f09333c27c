package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketchd/internal/artifact"
	"sketchd/internal/catalog"
	"sketchd/internal/metrics"
	"sketchd/pkg/types"
)

var (
	unoBoard = types.Board{FQBN: "arduino:avr:uno", Name: "uno", Platform: "atmelavr", Encoding: types.EncodingHex}
	espBoard = types.Board{FQBN: "arduino:esp32:nano_nora", Name: "arduino_nano_esp32", Platform: "espressif32", Encoding: types.EncodingBin}

	testBoards = []types.Board{unoBoard, espBoard}
)

// fakeSource serves the index and archives from memory, implementing
// both the catalog fetcher and the installer downloader.
type fakeSource struct {
	mu        sync.Mutex
	online    bool
	delay     time.Duration // per-download latency
	index     []types.CatalogEntry
	archives  map[string][]byte // keyed by URL
	downloads []string
}

func (f *fakeSource) FetchIndex(ctx context.Context) ([]types.CatalogEntry, error) {
	return f.index, nil
}

func (f *fakeSource) Online(ctx context.Context) bool { return f.online }

func (f *fakeSource) Download(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, url)
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	data, ok := f.archives[url]
	if !ok {
		return nil, fmt.Errorf("no archive at %s", url)
	}
	return data, nil
}

func (f *fakeSource) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downloads)
}

type runnerCall struct {
	WorkDir string
	Args    []string
}

// fakeRunner records every toolchain invocation; the optional hook
// decides its outcome.
type fakeRunner struct {
	mu    sync.Mutex
	calls []runnerCall
	hook  func(workDir string, args []string) ([]byte, error)
}

func (r *fakeRunner) Run(ctx context.Context, workDir string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runnerCall{WorkDir: workDir, Args: args})
	r.mu.Unlock()

	if r.hook != nil {
		return r.hook(workDir, args)
	}
	return []byte("ok"), nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) call(i int) runnerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func catalogEntry(name, version string) types.CatalogEntry {
	return types.CatalogEntry{
		Name:            name,
		Version:         version,
		URL:             "http://example.com/" + name + "-" + version + ".zip",
		ArchiveFileName: name + "-" + version + ".zip",
	}
}

// library builds a source archive plus its catalog entry.
func library(t *testing.T, name, version, properties string) (types.CatalogEntry, []byte) {
	t.Helper()
	base := name + "-" + version
	files := map[string]string{
		base + "/src/" + name + ".h":   "// " + name,
		base + "/src/" + name + ".cpp": "// " + name,
	}
	if properties != "" {
		files[base+"/library.properties"] = properties
	}
	return catalogEntry(name, version), makeZip(t, files)
}

func newTestInstaller(t *testing.T, source *fakeSource, runner *fakeRunner) (*Installer, *artifact.Store) {
	t.Helper()
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	cat := catalog.NewService(source)
	if source.online {
		require.NoError(t, cat.Refresh(context.Background()))
	}

	store, err := artifact.NewStore(t.TempDir(), 16, time.Minute)
	require.NoError(t, err)

	return New(cat, store, source, runner, testBoards, 2, metrics.NewCollector()), store
}

func TestInstallSingleLibrary(t *testing.T) {
	entry, archive := library(t, "Servo", "1.2.0", "architectures=*\n")
	source := &fakeSource{
		online:   true,
		index:    []types.CatalogEntry{entry},
		archives: map[string][]byte{entry.URL: archive},
	}
	runner := &fakeRunner{}
	inst, store := newTestInstaller(t, source, runner)

	resolved, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "Servo"}}, unoBoard)
	require.NoError(t, err)

	art, ok := resolved["Servo"]
	require.True(t, ok)
	assert.Equal(t, "1.2.0", art.Version)
	assert.Equal(t, store.Dir("Servo", "1.2.0"), art.InstallDir)
	assert.Contains(t, art.PerArch, "uno")
	assert.Contains(t, art.PerArch, "arduino_nano_esp32", "universal library builds for every board")

	assert.True(t, store.Installed("Servo", "1.2.0"))
	assert.FileExists(t, filepath.Join(store.SourceDir("Servo", "1.2.0"), "Servo.h"))

	require.Equal(t, 1, runner.callCount())
	call := runner.call(0)
	assert.Equal(t, store.Dir("Servo", "1.2.0"), call.WorkDir)
	assert.Equal(t, []string{"run", "-j", "2"}, call.Args)
}

func TestInstallCacheHit(t *testing.T) {
	entry, archive := library(t, "Servo", "1.2.0", "")
	source := &fakeSource{
		online:   true,
		index:    []types.CatalogEntry{entry},
		archives: map[string][]byte{entry.URL: archive},
	}
	runner := &fakeRunner{}
	inst, _ := newTestInstaller(t, source, runner)

	requests := []types.LibraryRequest{{Name: "Servo", Version: "1.2.0"}}

	_, err := inst.Install(context.Background(), requests, unoBoard)
	require.NoError(t, err)
	require.Equal(t, 1, source.downloadCount())
	require.Equal(t, 1, runner.callCount())

	// A second install of the same name@version touches neither the
	// network nor the toolchain.
	resolved, err := inst.Install(context.Background(), requests, unoBoard)
	require.NoError(t, err)
	assert.Contains(t, resolved, "Servo")
	assert.Equal(t, 1, source.downloadCount())
	assert.Equal(t, 1, runner.callCount())
}

func TestInstallExplicitVersion(t *testing.T) {
	oldEntry, oldArchive := library(t, "Servo", "0.9.0", "")
	newEntry, newArchive := library(t, "Servo", "1.2.0", "")
	source := &fakeSource{
		online: true,
		index:  []types.CatalogEntry{oldEntry, newEntry},
		archives: map[string][]byte{
			oldEntry.URL: oldArchive,
			newEntry.URL: newArchive,
		},
	}
	inst, store := newTestInstaller(t, source, &fakeRunner{})

	_, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "Servo", Version: "0.9.0"}}, unoBoard)
	require.NoError(t, err)

	assert.True(t, store.Installed("Servo", "0.9.0"))
	assert.False(t, store.Installed("Servo", "1.2.0"), "pinned version must not pull latest")
	require.Equal(t, 1, source.downloadCount())
	assert.Equal(t, oldEntry.URL, source.downloads[0])
}

func TestInstallDependenciesDepthFirst(t *testing.T) {
	depEntry, depArchive := library(t, "Wire", "2.0.0", "")
	mainEntry, mainArchive := library(t, "Servo", "1.2.0", "depends=Wire\n")
	source := &fakeSource{
		online: true,
		index:  []types.CatalogEntry{depEntry, mainEntry},
		archives: map[string][]byte{
			depEntry.URL:  depArchive,
			mainEntry.URL: mainArchive,
		},
	}
	runner := &fakeRunner{}
	inst, store := newTestInstaller(t, source, runner)

	resolved, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "Servo"}}, unoBoard)
	require.NoError(t, err)
	assert.Contains(t, resolved, "Servo")

	assert.True(t, store.Installed("Wire", "2.0.0"))
	assert.True(t, store.Installed("Servo", "1.2.0"))

	// The dependency compiles before its dependent.
	require.Equal(t, 2, runner.callCount())
	assert.Equal(t, store.Dir("Wire", "2.0.0"), runner.call(0).WorkDir)
	assert.Equal(t, store.Dir("Servo", "1.2.0"), runner.call(1).WorkDir)

	// The dependent's manifest folds in the dependency's source tree,
	// addressed relative to the artifact root.
	m, err := store.LoadManifest("Servo", "1.2.0")
	require.NoError(t, err)
	assert.Contains(t, m.Include["uno"], "-I'../Wire@2.0.0/src/'")
	assert.Contains(t, m.Dirs["uno"], "../Wire@2.0.0/src")
}

func TestInstallLinksDependencyStaticLib(t *testing.T) {
	depEntry, depArchive := library(t, "Wire", "2.0.0", "")
	mainEntry, mainArchive := library(t, "Servo", "1.2.0", "depends=Wire\n")
	source := &fakeSource{
		online: true,
		index:  []types.CatalogEntry{depEntry, mainEntry},
		archives: map[string][]byte{
			depEntry.URL:  depArchive,
			mainEntry.URL: mainArchive,
		},
	}
	// The toolchain leaves a liblib.a per board; the installer renames
	// it to the canonical per-board name dependents link against.
	runner := &fakeRunner{hook: func(workDir string, args []string) ([]byte, error) {
		for _, b := range testBoards {
			buildDir := filepath.Join(workDir, ".pio", "build", b.Name)
			if err := os.MkdirAll(buildDir, 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(buildDir, "liblib.a"), []byte("archive"), 0o644); err != nil {
				return nil, err
			}
		}
		return []byte("ok"), nil
	}}
	inst, store := newTestInstaller(t, source, runner)

	_, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "Servo"}}, unoBoard)
	require.NoError(t, err)

	assert.FileExists(t, store.StaticLibPath("Wire", "2.0.0", "uno"))

	m, err := store.LoadManifest("Servo", "1.2.0")
	require.NoError(t, err)
	assert.Contains(t, m.Include["uno"], "-L'../Wire@2.0.0/'")
	assert.Contains(t, m.Include["uno"], "-lWire-uno")
}

func TestInstallCyclicDependency(t *testing.T) {
	xEntry, xArchive := library(t, "LibX", "1.0.0", "depends=LibY\n")
	yEntry, yArchive := library(t, "LibY", "1.0.0", "depends=LibX\n")
	source := &fakeSource{
		online: true,
		index:  []types.CatalogEntry{xEntry, yEntry},
		archives: map[string][]byte{
			xEntry.URL: xArchive,
			yEntry.URL: yArchive,
		},
	}
	inst, _ := newTestInstaller(t, source, &fakeRunner{})

	_, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "LibX"}}, unoBoard)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCyclicDependency))
}

func TestInstallConcurrentCyclicPair(t *testing.T) {
	xEntry, xArchive := library(t, "LibX", "1.0.0", "depends=LibY\n")
	yEntry, yArchive := library(t, "LibY", "1.0.0", "depends=LibX\n")
	source := &fakeSource{
		online: true,
		delay:  50 * time.Millisecond,
		index:  []types.CatalogEntry{xEntry, yEntry},
		archives: map[string][]byte{
			xEntry.URL: xArchive,
			yEntry.URL: yArchive,
		},
	}
	inst, _ := newTestInstaller(t, source, &fakeRunner{})

	// Two jobs enter the cycle from opposite ends, so each one's
	// install flight ends up needing the library the other is
	// installing. Both must fail instead of waiting on each other.
	errs := make(chan error, 2)
	for _, name := range []string{"LibX", "LibY"} {
		name := name
		go func() {
			_, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: name}}, unoBoard)
			errs <- err
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrCyclicDependency))
		case <-time.After(5 * time.Second):
			t.Fatal("install never returned, flights are blocked on each other")
		}
	}
}

func TestInstallWaiterHonorsContextCancel(t *testing.T) {
	entry, archive := library(t, "Slow", "1.0.0", "")
	source := &fakeSource{
		online:   true,
		index:    []types.CatalogEntry{entry},
		archives: map[string][]byte{entry.URL: archive},
	}
	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &fakeRunner{hook: func(workDir string, args []string) ([]byte, error) {
		once.Do(func() { close(started) })
		<-release
		return []byte("ok"), nil
	}}
	inst, _ := newTestInstaller(t, source, runner)

	requests := []types.LibraryRequest{{Name: "Slow"}}

	firstErr := make(chan error, 1)
	go func() {
		_, err := inst.Install(context.Background(), requests, unoBoard)
		firstErr <- err
	}()
	<-started

	// The second caller coalesces onto the running flight; cancelling
	// its context must free it while the flight is still blocked.
	ctx, cancel := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() {
		_, err := inst.Install(ctx, requests, unoBoard)
		waiterErr <- err
	}()
	cancel()

	select {
	case err := <-waiterErr:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter did not return while the flight was running")
	}

	close(release)
	select {
	case err := <-firstErr:
		require.NoError(t, err, "the executing flight is unaffected by a waiter's cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("install never finished")
	}
}

func TestInstallOfflineShortCircuits(t *testing.T) {
	source := &fakeSource{online: false}
	runner := &fakeRunner{}
	inst, _ := newTestInstaller(t, source, runner)

	resolved, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "Servo"}}, unoBoard)
	require.NoError(t, err, "offline install degrades, it does not fail")
	assert.Empty(t, resolved)
	assert.Equal(t, 0, source.downloadCount())
	assert.Equal(t, 0, runner.callCount())
}

func TestInstallRejectsUnsafeNames(t *testing.T) {
	source := &fakeSource{online: true}
	runner := &fakeRunner{}
	inst, _ := newTestInstaller(t, source, runner)

	for _, name := range []string{"Servo; rm -rf /", "Servo|cat", "Servo`id`", "../escape"} {
		_, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: name}}, unoBoard)
		require.Error(t, err, "name %q must be rejected", name)
		assert.True(t, errors.Is(err, types.ErrInvalidInput))
	}
	assert.Equal(t, 0, source.downloadCount(), "rejection happens before any network use")
	assert.Equal(t, 0, runner.callCount(), "rejection happens before any subprocess use")
}

func TestInstallUnknownLibrary(t *testing.T) {
	source := &fakeSource{online: true, index: []types.CatalogEntry{catalogEntry("Servo", "1.2.0")}}
	inst, _ := newTestInstaller(t, source, &fakeRunner{})

	_, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "Nothing"}}, unoBoard)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestInstallFiltersUnsupportedArchitectures(t *testing.T) {
	entry, archive := library(t, "AvrOnly", "1.0.0", "architectures=avr\n")
	source := &fakeSource{
		online:   true,
		index:    []types.CatalogEntry{entry},
		archives: map[string][]byte{entry.URL: archive},
	}
	inst, store := newTestInstaller(t, source, &fakeRunner{})

	resolved, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "AvrOnly"}}, unoBoard)
	require.NoError(t, err)

	m, err := store.LoadManifest("AvrOnly", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, m.Include, "uno")
	assert.NotContains(t, m.Include, "arduino_nano_esp32", "esp32 board is outside the declared architectures")
	assert.Equal(t, []string{"avr"}, m.Arches)

	assert.NotContains(t, resolved["AvrOnly"].PerArch, "arduino_nano_esp32")
}

func TestInstallRetriesNarrowedToTarget(t *testing.T) {
	entry, archive := library(t, "Flaky", "1.0.0", "")
	source := &fakeSource{
		online:   true,
		index:    []types.CatalogEntry{entry},
		archives: map[string][]byte{entry.URL: archive},
	}
	// The full-scope build fails; the narrowed retry for the target
	// board alone succeeds.
	runner := &fakeRunner{hook: func(workDir string, args []string) ([]byte, error) {
		for _, a := range args {
			if a == "-e" {
				return []byte("ok"), nil
			}
		}
		return []byte("esp32 build exploded"), errors.New("exit status 1")
	}}
	inst, store := newTestInstaller(t, source, runner)

	_, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "Flaky"}}, unoBoard)
	require.NoError(t, err)

	require.Equal(t, 2, runner.callCount())
	assert.Equal(t, []string{"run", "-j", "2"}, runner.call(0).Args)
	assert.Equal(t, []string{"run", "-e", "uno", "-j", "2"}, runner.call(1).Args)

	// Only the board that actually built stays in the manifest.
	m, err := store.LoadManifest("Flaky", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, m.Include, "uno")
	assert.NotContains(t, m.Include, "arduino_nano_esp32")
}

func TestInstallAbsorbsTotalBuildFailure(t *testing.T) {
	entry, archive := library(t, "Broken", "1.0.0", "")
	source := &fakeSource{
		online:   true,
		index:    []types.CatalogEntry{entry},
		archives: map[string][]byte{entry.URL: archive},
	}
	runner := &fakeRunner{hook: func(workDir string, args []string) ([]byte, error) {
		return []byte("nothing builds"), errors.New("exit status 1")
	}}
	inst, store := newTestInstaller(t, source, runner)

	// Even the retry failing is absorbed: the artifact installs with
	// an empty manifest and the requesting job proceeds without it.
	resolved, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "Broken"}}, unoBoard)
	require.NoError(t, err)
	assert.Empty(t, resolved["Broken"].PerArch)

	m, err := store.LoadManifest("Broken", "1.0.0")
	require.NoError(t, err)
	assert.Empty(t, m.Include)
}

func TestInstallTimeoutPropagates(t *testing.T) {
	entry, archive := library(t, "Slow", "1.0.0", "")
	source := &fakeSource{
		online:   true,
		index:    []types.CatalogEntry{entry},
		archives: map[string][]byte{entry.URL: archive},
	}
	runner := &fakeRunner{hook: func(workDir string, args []string) ([]byte, error) {
		return nil, fmt.Errorf("%w: platformio run", types.ErrTimeout)
	}}
	inst, store := newTestInstaller(t, source, runner)

	_, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "Slow"}}, unoBoard)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTimeout), "a deadline expiry is never absorbed")

	assert.False(t, store.Installed("Slow", "1.0.0"), "no manifest after a timed-out build")
	require.Equal(t, 1, runner.callCount(), "no retry after a timeout")
}

func TestInstallDependencyNotFoundFailsDependent(t *testing.T) {
	entry, archive := library(t, "Needy", "1.0.0", "depends=Ghost\n")
	source := &fakeSource{
		online:   true,
		index:    []types.CatalogEntry{entry},
		archives: map[string][]byte{entry.URL: archive},
	}
	inst, store := newTestInstaller(t, source, &fakeRunner{})

	_, err := inst.Install(context.Background(), []types.LibraryRequest{{Name: "Needy"}}, unoBoard)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.False(t, store.Installed("Needy", "1.0.0"))
}
