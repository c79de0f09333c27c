// Package buildslot manages the fixed set of reusable build
// workspaces. Exactly N slots exist for the process lifetime; each
// grants exclusive use of its filesystem paths to one compile job at a
// time, which is what keeps parallel toolchain invocations from
// colliding on shared storage.
//
// The free list is a buffered channel of capacity N. The channel is
// simultaneously the counting limiter (receives block when all slots
// are busy) and the mutually-exclusive free list (a slot can only be
// received by one acquirer), so acquisition and removal from the free
// set are a single atomic operation.
package buildslot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"sketchd/pkg/types"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("build slot pool is closed")

// ConfigFileName is the per-slot toolchain configuration file.
const ConfigFileName = "platformio.ini"

// Slot is one reusable, exclusively-held build workspace. Its
// directories are overwritten, never recreated, between jobs; a compile
// must not assume a clean directory beyond what it itself writes.
type Slot struct {
	ID         int
	Dir        string // slot root
	SourceDir  string // Dir/src, receives the job's main.cpp
	ConfigPath string // Dir/platformio.ini

	// BaseConfig is the pre-templated toolchain configuration carrying
	// every supported board's platform/board/framework section. Per
	// job, only the source file and the library flag section change.
	BaseConfig string
}

// OutputDir returns where the toolchain leaves build products for one
// board environment.
func (s *Slot) OutputDir(board string) string {
	return filepath.Join(s.Dir, ".pio", "build", board)
}

// Pool holds the N pre-provisioned slots.
type Pool struct {
	slots []*Slot
	free  chan *Slot
	done  chan struct{}
}

// NewPool provisions n slots under root, each with its own persistent
// source directory and a config file pre-templated with every
// configured board.
func NewPool(n int, root string, boards []types.Board) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("slot count must be positive, got %d", n)
	}
	// Slot paths are handed to toolchain subprocesses running with
	// other working directories, so they must be absolute.
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve slot root: %w", err)
	}

	base := BaseConfig(boards)

	slots := make([]*Slot, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			slot, err := provisionSlot(i, root, base)
			if err != nil {
				return err
			}
			slots[i] = slot
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	free := make(chan *Slot, n)
	for _, s := range slots {
		free <- s
	}
	return &Pool{slots: slots, free: free, done: make(chan struct{})}, nil
}

func provisionSlot(id int, root, baseConfig string) (*Slot, error) {
	dir := filepath.Join(root, fmt.Sprintf("slot-%d", id))
	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to provision slot %d: %w", id, err)
	}

	configPath := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(configPath, []byte(baseConfig), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write slot %d config: %w", id, err)
	}

	return &Slot{
		ID:         id,
		Dir:        dir,
		SourceDir:  srcDir,
		ConfigPath: configPath,
		BaseConfig: baseConfig,
	}, nil
}

// BaseConfig renders the pre-templated toolchain configuration: a
// global section plus one environment per supported board.
func BaseConfig(boards []types.Board) string {
	var b strings.Builder
	b.WriteString("[env]\n")
	b.WriteString("framework = arduino\n")
	b.WriteString("build_type = release\n")
	for _, board := range boards {
		fmt.Fprintf(&b, "\n[env:%s]\nplatform = %s\nboard = %s\n", board.Name, board.Platform, board.Name)
	}
	return b.String()
}

// Acquire blocks until a slot is free, granting the caller exclusive
// use of it. Waiters are served in arrival order. Returns ctx.Err()
// when the context is cancelled first.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	select {
	case slot := <-p.free:
		return slot, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a slot to the free list. It must be called on every
// exit path of a job, including toolchain failure, or the pool starves.
func (p *Pool) Release(slot *Slot) {
	select {
	case p.free <- slot:
	default:
		// The free list can only overflow if a slot is released twice.
		panic(fmt.Sprintf("buildslot: slot %d released twice", slot.ID))
	}
}

// Close wakes all pending acquirers with ErrPoolClosed. Held slots are
// not reclaimed; callers still release them.
func (p *Pool) Close() {
	close(p.done)
}

// Size returns the fixed number of slots.
func (p *Pool) Size() int { return len(p.slots) }

// FreeCount returns the number of currently free slots.
func (p *Pool) FreeCount() int { return len(p.free) }
