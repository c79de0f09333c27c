// Package compiler turns a compile job plus its resolved library
// artifacts into a firmware image, inside an exclusively-held build
// slot.
package compiler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"sketchd/internal/artifact"
	"sketchd/internal/buildslot"
	"sketchd/internal/toolchain"
	"sketchd/pkg/types"
)

var log = slog.Default()

// sourcePrelude is the mandatory platform include wrapped around every
// sketch.
const sourcePrelude = "#include <Arduino.h>\n"

// jobEnv is the per-job toolchain environment name appended to the
// slot's pre-templated configuration.
const jobEnv = "build"

// firmware output files, by encoding.
var outputFiles = map[types.Encoding]string{
	types.EncodingHex: "firmware.hex",
	types.EncodingBin: "firmware.bin",
	types.EncodingUF2: "firmware.uf2",
}

// Compiler assembles a slot's build configuration and runs the
// toolchain.
type Compiler struct {
	store  *artifact.Store
	runner toolchain.Runner
	jobs   int
}

// New creates a compiler. jobs is the toolchain concurrency hint.
func New(store *artifact.Store, runner toolchain.Runner, jobs int) *Compiler {
	return &Compiler{store: store, runner: runner, jobs: jobs}
}

// Compile writes the job's source and build configuration into the
// slot, invokes the toolchain, and returns the firmware image in
// whichever encoding the board family emitted. On a non-zero exit the
// returned error is a CompileError carrying the toolchain's combined
// stdout/stderr verbatim.
//
// The slot's directories are overwritten, not recreated: the compile
// assumes nothing about leftover content beyond the files it writes
// itself.
func (c *Compiler) Compile(ctx context.Context, job types.CompileJob, board types.Board, slot *buildslot.Slot, resolved map[string]types.ResolvedArtifact) (types.CompileResult, error) {
	sourcePath := filepath.Join(slot.SourceDir, "main.cpp")
	if err := os.WriteFile(sourcePath, []byte(sourcePrelude+job.SourceCode), 0o644); err != nil {
		return types.CompileResult{}, fmt.Errorf("failed to write sketch source: %w", err)
	}

	config := slot.BaseConfig + c.jobSection(job, board, resolved)
	if err := os.WriteFile(slot.ConfigPath, []byte(config), 0o644); err != nil {
		return types.CompileResult{}, fmt.Errorf("failed to write build config: %w", err)
	}

	output, err := c.runner.Run(ctx, slot.Dir, "run", "-e", jobEnv, "-j", strconv.Itoa(c.jobs))
	if err != nil {
		if errors.Is(err, types.ErrTimeout) {
			return types.CompileResult{}, err
		}
		log.Warn("Compilation failed", "job", job.ID, "board", board.FQBN)
		return types.CompileResult{}, &types.CompileError{Diagnostics: string(output)}
	}

	return c.readFirmware(slot, board)
}

// jobSection renders the per-job environment: the only part of the
// slot configuration that changes between jobs besides the source file.
// Include flags and lib_deps come from each resolved artifact's
// manifest entry for the job's board; relative manifest paths are
// rebased onto the artifact cache root.
func (c *Compiler) jobSection(job types.CompileJob, board types.Board, resolved map[string]types.ResolvedArtifact) string {
	var includes, libs strings.Builder

	for _, req := range job.Libraries {
		art, ok := resolved[req.Name]
		if !ok {
			// Possible in offline mode: the install short-circuited
			// and this library was never cached.
			continue
		}
		srcDir := filepath.Join(art.InstallDir, "src")
		fmt.Fprintf(&libs, "\n\t\t\t%s ", srcDir)
		fmt.Fprintf(&includes, "-I'%s' ", srcDir)

		flags := art.PerArch[board.Name]
		includes.WriteString(c.rebase(flags.Include))
		if flags.Dirs != "" {
			libs.WriteString("\n" + c.rebase(flags.Dirs))
		}
	}

	return fmt.Sprintf("\n[env:%s]\nplatform = %s\nboard = %s\nbuild_flags = -w %s\nlib_deps = %s\n",
		jobEnv, board.Platform, board.Name, includes.String(), libs.String())
}

// rebase rewrites the "../" sibling-relative paths stored in manifests
// into absolute paths under the artifact cache root.
func (c *Compiler) rebase(flags string) string {
	return strings.ReplaceAll(flags, "../", c.store.Root()+"/")
}

// readFirmware probes the slot's build output for the firmware image.
// The board's expected encoding is probed first, then the remaining
// encodings in a fixed order; binary forms are base64-encoded and the
// hex form stays text.
func (c *Compiler) readFirmware(slot *buildslot.Slot, board types.Board) (types.CompileResult, error) {
	outputDir := slot.OutputDir(jobEnv)

	for _, encoding := range probeOrder(board.Encoding) {
		path := filepath.Join(outputDir, outputFiles[encoding])
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if encoding == types.EncodingHex {
			return types.CompileResult{Hex: string(data), Encoding: encoding}, nil
		}
		return types.CompileResult{
			Sketch:   base64.StdEncoding.EncodeToString(data),
			Encoding: encoding,
		}, nil
	}

	return types.CompileResult{}, &types.CompileError{
		Diagnostics: fmt.Sprintf("toolchain succeeded but produced no firmware image in %s", outputDir),
	}
}

// probeOrder returns the fixed probe priority for a board family: the
// declared encoding first, then the others.
func probeOrder(expected types.Encoding) []types.Encoding {
	order := []types.Encoding{types.EncodingHex, types.EncodingBin, types.EncodingUF2}
	for i, enc := range order {
		if enc == expected && i != 0 {
			order[0], order[i] = order[i], order[0]
		}
	}
	return order
}
